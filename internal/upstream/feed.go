// Package upstream keeps one reconnecting exchange WebSocket per stream and
// lets any number of watchers block until its next update.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fushengyk/marketws/internal/config"
	"github.com/fushengyk/marketws/internal/domain"
)

// DecodeFunc turns one raw message into an update. Returning (nil, nil)
// skips the message (acks, heartbeats). Returning an error wrapping
// domain.ErrBadSymbol closes the feed for good.
type DecodeFunc func(msg []byte) (any, error)

// Spec describes one upstream stream.
type Spec struct {
	Key       string // unique per stream, used by the hub
	Name      string // log label
	URL       string
	Subscribe []byte // sent once after every connect
	Ping      []byte // application level ping, sent every ping interval
	Decode    DecodeFunc

	// Emit, when set, sees every decoded update once, on the read loop of
	// the feed, after watchers were woken.
	Emit func(v any)
}

// errFeedClosed is delivered to watchers of a feed that was stopped.
var errFeedClosed = fmt.Errorf("%w: upstream feed closed", domain.ErrNetwork)

// Feed is a single upstream connection with broadcast semantics.
type Feed struct {
	spec   Spec
	cfg    config.WebSocketConfig
	logger *zap.SugaredLogger
	stats  *Stats

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	latest   any
	lastErr  error
	terminal error
	notify   chan struct{}
	waiters  int
	lastUsed time.Time

	updates atomic.Uint64
}

func newFeed(spec Spec, cfg config.WebSocketConfig, logger *zap.SugaredLogger, stats *Stats) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		spec:     spec,
		cfg:      cfg,
		logger:   logger,
		stats:    stats,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		notify:   make(chan struct{}),
		lastUsed: time.Now(),
	}
}

func (f *Feed) Start() {
	go f.run()
}

// Stop closes the upstream connection and waits for the read loop to exit.
func (f *Feed) Stop() {
	f.cancel()
	<-f.done
	f.fail(errFeedClosed)
}

// Closed reports whether the feed has stopped delivering updates.
func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminal != nil
}

// Updates returns how many decoded updates the feed has broadcast.
func (f *Feed) Updates() uint64 { return f.updates.Load() }

// wait blocks until the next broadcast or ctx ends. The caller must have
// registered itself with addWaiter.
func (f *Feed) wait(ctx context.Context) (any, error) {
	f.mu.Lock()
	if f.terminal != nil {
		err := f.terminal
		f.mu.Unlock()
		f.removeWaiter()
		return nil, err
	}
	ch := f.notify
	f.mu.Unlock()
	defer f.removeWaiter()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal != nil {
		return nil, f.terminal
	}
	if f.lastErr != nil {
		return nil, f.lastErr
	}
	return f.latest, nil
}

// peek returns the latest update without waiting.
func (f *Feed) peek() (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUsed = time.Now()
	if f.latest == nil || f.terminal != nil {
		return nil, false
	}
	return f.latest, true
}

func (f *Feed) addWaiter() {
	f.mu.Lock()
	f.waiters++
	f.mu.Unlock()
}

func (f *Feed) removeWaiter() {
	f.mu.Lock()
	f.waiters--
	f.lastUsed = time.Now()
	f.mu.Unlock()
}

func (f *Feed) idleSince(now time.Time) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waiters > 0 {
		return 0, false
	}
	return now.Sub(f.lastUsed), true
}

// publish wakes every watcher with an update or a transient error.
func (f *Feed) publish(v any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal != nil {
		return
	}
	if err == nil {
		f.latest = v
		f.updates.Add(1)
	}
	f.lastErr = err
	close(f.notify)
	f.notify = make(chan struct{})
}

// fail marks the feed terminal and wakes every watcher.
func (f *Feed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal != nil {
		return
	}
	f.terminal = err
	close(f.notify)
}

func (f *Feed) run() {
	defer close(f.done)

	backoff := f.getBackoff()

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		err := f.connectAndRead(&backoff)

		if domain.IsBadSymbol(err) {
			f.logger.Warnf("[%s] Rejected by exchange: %v", f.spec.Name, err)
			f.fail(err)
			f.cancel()
			return
		}

		select {
		case <-f.ctx.Done():
			return
		default:
			if err != nil {
				f.logger.Warnf("[%s] Disconnected: %v. Retry in %v", f.spec.Name, err, backoff.current)
				f.publish(nil, fmt.Errorf("%w: %s: %v", domain.ErrNetwork, f.spec.Name, err))
			}
			f.waitWithBackoff(&backoff)
		}
	}
}

type backoffState struct {
	current time.Duration
	min     time.Duration
	max     time.Duration
}

func (f *Feed) getBackoff() backoffState {
	minB := f.cfg.ReconnectDelay
	if minB == 0 {
		minB = time.Second
	}
	maxB := f.cfg.MaxReconnectDelay
	if maxB == 0 {
		maxB = 30 * time.Second
	}
	return backoffState{current: minB, min: minB, max: maxB}
}

func (f *Feed) waitWithBackoff(b *backoffState) {
	t := time.NewTimer(b.current)
	defer t.Stop()
	select {
	case <-t.C:
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	case <-f.ctx.Done():
	}
}

func (f *Feed) connectAndRead(b *backoffState) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: f.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(f.ctx, f.spec.URL, f.headers())
	if err != nil {
		status := ""
		if resp != nil {
			status = resp.Status
		}
		return fmt.Errorf("dial: %v (status: %s)", err, status)
	}
	defer conn.Close()

	if f.spec.Subscribe != nil {
		if err := conn.WriteMessage(websocket.TextMessage, f.spec.Subscribe); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	readTimeout := f.cfg.ReadTimeout
	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}

	stop := make(chan struct{})
	defer close(stop)
	go f.keepalive(conn, stop)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		f.stats.recv.Add(1)

		v, err := f.spec.Decode(msg)
		switch {
		case domain.IsBadSymbol(err):
			return err
		case err != nil:
			f.stats.failed.Add(1)
			f.logger.Debugf("[%s] Decode failed: %v", f.spec.Name, err)
			continue
		case v == nil:
			continue
		}

		f.stats.parsed.Add(1)
		b.current = b.min
		f.publish(v, nil)
		if f.spec.Emit != nil {
			f.spec.Emit(v)
		}
	}
}

// keepalive pings the exchange and closes the connection once the feed is
// cancelled, which unblocks ReadMessage.
func (f *Feed) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	interval := f.cfg.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-f.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-ticker.C:
			var err error
			if f.spec.Ping != nil {
				err = conn.WriteMessage(websocket.TextMessage, f.spec.Ping)
			} else {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				f.logger.Debugf("[%s] Ping failed: %v", f.spec.Name, err)
			}
		}
	}
}

func (f *Feed) headers() http.Header {
	h := http.Header{}
	h.Add("User-Agent", "marketws/1.0")
	return h
}
