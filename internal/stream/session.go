// Package stream multiplexes market data subscriptions over one client
// WebSocket connection.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fushengyk/marketws/internal/config"
	"github.com/fushengyk/marketws/internal/domain"
	"github.com/fushengyk/marketws/internal/filter"
)

// Kind selects what a session streams
type Kind string

const (
	KindTicker    Kind = domain.KindTicker
	KindOrderBook Kind = domain.KindOrderBook
)

// SnapshotStore keeps the last payload pushed per instrument so new
// subscriptions can start from it.
type SnapshotStore interface {
	Load(ctx context.Context, kind string, key domain.InstrumentKey) ([]byte, bool, error)
	Save(ctx context.Context, kind string, key domain.InstrumentKey, payload []byte) error
}

// Publisher mirrors recorded updates to an external bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Options tune a session
type Options struct {
	RetryBackoff   time.Duration
	TeardownGrace  time.Duration
	Thresholds     filter.Thresholds
	SubscribeDepth int
	ClientDepth    int
	PushInterval   time.Duration

	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReadLimit    int64
	SendBuffer   int
}

// NewOptions builds session options from configuration.
func NewOptions(srv config.ServerConfig, st config.StreamConfig) Options {
	return Options{
		RetryBackoff:   st.RetryBackoff,
		TeardownGrace:  st.TeardownGrace,
		Thresholds:     st.Thresholds,
		SubscribeDepth: st.OrderBook.SubscribeDepth,
		ClientDepth:    st.OrderBook.ClientDepth,
		PushInterval:   st.OrderBook.PushInterval,
		WriteTimeout:   srv.WriteTimeout,
		PingInterval:   srv.PingInterval,
		PongTimeout:    srv.PongTimeout,
		ReadLimit:      srv.ReadLimit,
		SendBuffer:     srv.SendBuffer,
	}
}

func (o Options) withDefaults() Options {
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 3 * time.Second
	}
	if o.TeardownGrace <= 0 {
		o.TeardownGrace = 2 * time.Second
	}
	if o.ClientDepth <= 0 {
		o.ClientDepth = 20
	}
	if o.SubscribeDepth < o.ClientDepth {
		o.SubscribeDepth = o.ClientDepth
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Deps are the collaborators shared by every session. Snapshots is optional
// and only read by sessions; a Recorder writes it.
type Deps struct {
	Snapshots SnapshotStore
	Logger    *zap.SugaredLogger
}

// Session is one client connection bound to one exchange. The read loop is
// the only goroutine that touches the task maps. stopping holds cancelled
// tasks that outlived the grace period; a new task for the same key waits
// for them before watching.
type Session struct {
	id       string
	kind     Kind
	exchange domain.ExchangeID
	source   domain.Source
	conn     Conn
	opts     Options
	deps     Deps
	logger   *zap.SugaredLogger

	out      *outbox
	tasks    map[domain.InstrumentKey]*task
	stopping map[domain.InstrumentKey]*task
}

// NewSession binds conn to source. The source is shared and never closed
// by the session.
func NewSession(kind Kind, source domain.Source, conn Conn, opts Options, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	opts = opts.withDefaults()
	return &Session{
		id:       uuid.NewString(),
		kind:     kind,
		exchange: source.ID(),
		source:   source,
		conn:     conn,
		opts:     opts,
		deps:     deps,
		logger:   deps.Logger,
		out:      newOutbox(opts.SendBuffer),
		tasks:    make(map[domain.InstrumentKey]*task),
		stopping: make(map[domain.InstrumentKey]*task),
	}
}

func (s *Session) ID() string { return s.id }

// Serve runs the session until the client disconnects or ctx ends, then
// tears every task down.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Infof("[Session %s] Connected: %s %s", s.id, s.exchange, s.kind)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	// unblock the read loop when ctx ends
	readDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-readDone:
		}
	}()

	err := s.readLoop(ctx)
	close(readDone)

	s.teardown()
	<-writerDone
	_ = s.conn.Close()

	s.logger.Infof("[Session %s] Disconnected: %v", s.id, err)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	if s.opts.ReadLimit > 0 {
		s.conn.SetReadLimit(s.opts.ReadLimit)
	}
	if s.opts.PongTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		})
	}

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if s.opts.PongTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		}
		if err := s.handle(ctx, raw); err != nil {
			return err
		}
	}
}

// handle processes one control message. Only transport failures end the
// session.
func (s *Session) handle(ctx context.Context, raw []byte) error {
	req, perr := parseControl(raw, s.exchange)
	if perr != nil {
		s.logger.Debugf("[Session %s] Bad request: %v", s.id, perr)
		return s.reply(ctx, perr.envelope())
	}

	switch req.action {
	case ActionPing:
		return s.reply(ctx, ackMessage{Action: ActionPong})
	case ActionSubscribe:
		return s.subscribe(ctx, req.key)
	case ActionUnsubscribe:
		return s.unsubscribe(ctx, req.key)
	}
	return nil
}

func (s *Session) subscribe(ctx context.Context, key domain.InstrumentKey) error {
	if t, ok := s.tasks[key]; ok && !t.finished() {
		return s.reply(ctx, ack(ActionSubscribed, key))
	}

	// ack first so it precedes the first data message in the queue
	if err := s.reply(ctx, ack(ActionSubscribed, key)); err != nil {
		return err
	}
	prev := s.stopping[key]
	if prev != nil && prev.finished() {
		delete(s.stopping, key)
		prev = nil
	}
	s.tasks[key] = s.startTask(ctx, key, prev)
	s.logger.Infof("[Session %s] Subscribed %s", s.id, key)
	return nil
}

func (s *Session) unsubscribe(ctx context.Context, key domain.InstrumentKey) error {
	if t, ok := s.tasks[key]; ok {
		delete(s.tasks, key)
		s.stop(key, t)
		s.logger.Infof("[Session %s] Unsubscribed %s", s.id, key)
	}
	return s.reply(ctx, ack(ActionUnsubscribed, key))
}

// stop cancels t and waits for it up to the grace period. A task still
// running after that is parked in stopping so the next task for key can
// wait on it.
func (s *Session) stop(key domain.InstrumentKey, t *task) {
	t.cancel()
	timer := time.NewTimer(s.opts.TeardownGrace)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		s.logger.Warnf("[Session %s] Task %s did not stop within %v", s.id, key, s.opts.TeardownGrace)
		s.stopping[key] = t
	}
}

func (s *Session) reply(ctx context.Context, v any) error {
	err := s.out.send(ctx, v)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTransportClosed
	}
	return err
}

// teardown stops outbound traffic, cancels every task and waits for them
// with one shared grace deadline.
func (s *Session) teardown() {
	s.out.close()
	if len(s.tasks) == 0 && len(s.stopping) == 0 {
		return
	}

	pending := make([]*task, 0, len(s.tasks)+len(s.stopping))
	keys := make([]domain.InstrumentKey, 0, cap(pending))
	for key, t := range s.stopping {
		pending = append(pending, t)
		keys = append(keys, key)
	}
	for key, t := range s.tasks {
		t.cancel()
		pending = append(pending, t)
		keys = append(keys, key)
	}

	deadline := time.NewTimer(s.opts.TeardownGrace)
	defer deadline.Stop()

	expired := false
	for i, t := range pending {
		key := keys[i]
		if !expired {
			select {
			case <-t.done:
				continue
			case <-deadline.C:
				expired = true
			}
		}
		select {
		case <-t.done:
		default:
			s.logger.Warnf("[Session %s] Task %s did not stop within %v", s.id, key, s.opts.TeardownGrace)
		}
	}
	clear(s.tasks)
	clear(s.stopping)
}

// activeTasks reports how many registered tasks are still running.
func (s *Session) activeTasks() int {
	n := 0
	for _, t := range s.tasks {
		if !t.finished() {
			n++
		}
	}
	return n
}
