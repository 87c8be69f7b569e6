package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fushengyk/marketws/internal/domain"
	"github.com/fushengyk/marketws/internal/filter"
)

// task is one running subscription
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// startTask runs a subscription of key. When prev is set the new task only
// starts watching once prev has exited.
func (s *Session) startTask(parent context.Context, key domain.InstrumentKey, prev *task) *task {
	ctx, cancel := context.WithCancel(parent)
	t := &task{cancel: cancel, done: make(chan struct{})}

	run := s.runTicker
	if s.kind == KindOrderBook {
		run = s.runOrderBook
	}
	go func() {
		defer close(t.done)
		defer cancel()
		if prev != nil {
			select {
			case <-prev.done:
			case <-ctx.Done():
				return
			}
		}
		run(ctx, key)
	}()
	return t
}

// runTicker pushes ticker updates of key that pass the change filter.
func (s *Session) runTicker(ctx context.Context, key domain.InstrumentKey) {
	baseline := filter.NewBaseline(s.opts.Thresholds)

	if cached := s.cachedTicker(ctx, key); cached != nil {
		sent, err := s.push(ctx, key, newTickerMessage(cached))
		if err != nil {
			return
		}
		if sent {
			baseline.Record(filter.FromTicker(cached))
		}
	}

	for {
		t, err := s.source.WatchTicker(ctx, key)
		if err != nil {
			if s.stopOn(ctx, key, err) {
				return
			}
			continue
		}

		cur := filter.FromTicker(t)
		if !baseline.ShouldSend(cur) {
			continue
		}
		sent, err := s.push(ctx, key, newTickerMessage(t))
		if err != nil {
			return
		}
		if sent {
			baseline.Record(cur)
		}
	}
}

// runOrderBook pushes depth snapshots of key, at most one per push interval.
// Repeats of the last pushed book are dropped.
func (s *Session) runOrderBook(ctx context.Context, key domain.InstrumentKey) {
	var last *domain.OrderBook

	if cached := s.cachedOrderBook(ctx, key); cached != nil {
		sent, err := s.push(ctx, key, newOrderBookMessage(key, cached, time.Now().UnixMilli()))
		if err != nil {
			return
		}
		if sent {
			last = cached
		}
	}

	for {
		ob, err := s.source.WatchOrderBook(ctx, key, s.opts.SubscribeDepth)
		if err != nil {
			if s.stopOn(ctx, key, err) {
				return
			}
			continue
		}

		book := ob.Normalize(s.opts.ClientDepth)
		if last != nil && last.Equal(book) {
			continue
		}
		sent, err := s.push(ctx, key, newOrderBookMessage(key, book, time.Now().UnixMilli()))
		if err != nil {
			return
		}
		if !sent {
			continue
		}
		last = book

		if !sleepCtx(ctx, s.opts.PushInterval) {
			return
		}
	}
}

// push queues msg for the client. sent is false when msg could not be
// encoded and was dropped; a non nil error means the task must exit.
func (s *Session) push(ctx context.Context, key domain.InstrumentKey, msg any) (sent bool, err error) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorf("[Session %s] Encode %s: %v", s.id, key, err)
		return false, nil
	}
	if err := s.out.sendRaw(ctx, data); err != nil {
		return false, err
	}
	return true, nil
}

// stopOn classifies a watch error and reports whether the task must exit.
// Transient errors are retried after the backoff.
func (s *Session) stopOn(ctx context.Context, key domain.InstrumentKey, err error) bool {
	switch {
	case ctx.Err() != nil, errors.Is(err, ErrTransportClosed):
		return true
	case domain.IsBadSymbol(err):
		s.logger.Warnf("[Session %s] Symbol not supported %s: %v", s.id, key, err)
		_ = s.out.send(ctx, symbolNotSupported(key))
		return true
	}

	s.logger.Warnf("[Session %s] Watch %s failed, retry in %v: %v", s.id, key, s.opts.RetryBackoff, err)
	return !sleepCtx(ctx, s.opts.RetryBackoff)
}

func (s *Session) cachedTicker(ctx context.Context, key domain.InstrumentKey) *domain.Ticker {
	raw := s.loadSnapshot(ctx, key)
	if raw == nil {
		return nil
	}
	var t domain.Ticker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil
	}
	return &t
}

func (s *Session) cachedOrderBook(ctx context.Context, key domain.InstrumentKey) *domain.OrderBook {
	raw := s.loadSnapshot(ctx, key)
	if raw == nil {
		return nil
	}
	var ob domain.OrderBook
	if err := json.Unmarshal(raw, &ob); err != nil {
		return nil
	}
	return ob.Normalize(s.opts.ClientDepth)
}

func (s *Session) loadSnapshot(ctx context.Context, key domain.InstrumentKey) []byte {
	if s.deps.Snapshots == nil {
		return nil
	}
	raw, ok, err := s.deps.Snapshots.Load(ctx, string(s.kind), key)
	if err != nil {
		s.logger.Debugf("[Session %s] Load snapshot %s: %v", s.id, key, err)
		return nil
	}
	if !ok {
		return nil
	}
	return raw
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
