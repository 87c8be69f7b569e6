package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned by sends after the client connection
// failed or the session started tearing down.
var ErrTransportClosed = errors.New("transport closed")

// Conn is the client connection of a session. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// outbox is the per session outbound queue. Any goroutine may send; a
// single writer drains it, so messages of one sender keep their order.
type outbox struct {
	queue  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = 1
	}
	return &outbox{
		queue:  make(chan []byte, size),
		closed: make(chan struct{}),
	}
}

// send marshals v and queues it, blocking while the queue is full.
func (o *outbox) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return o.sendRaw(ctx, data)
}

func (o *outbox) sendRaw(ctx context.Context, data []byte) error {
	select {
	case <-o.closed:
		return ErrTransportClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-o.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case o.queue <- data:
		return nil
	}
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.closed) })
}

func (o *outbox) isClosed() bool {
	select {
	case <-o.closed:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbox into conn and pings the client until the
// outbox closes or a write fails. Queued messages left at close are dropped.
func (s *Session) writeLoop() {
	var ping <-chan time.Time
	if s.opts.PingInterval > 0 {
		t := time.NewTicker(s.opts.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		if s.out.isClosed() {
			return
		}
		select {
		case <-s.out.closed:
			return
		case data := <-s.out.queue:
			if s.out.isClosed() {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debugf("[Session %s] Write failed: %v", s.id, err)
				s.out.close()
				_ = s.conn.Close()
				return
			}
		case <-ping:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debugf("[Session %s] Ping failed: %v", s.id, err)
				s.out.close()
				_ = s.conn.Close()
				return
			}
		}
	}
}
