// Package mirror republishes every payload pushed to clients onto NATS
// JetStream so other services can consume the same normalized feed.
package mirror

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const flushTimeout = 5 * time.Second

// Publisher publishes asynchronously to JetStream
type Publisher struct {
	js     nats.JetStreamContext
	logger *zap.SugaredLogger

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewPublisher(js nats.JetStreamContext, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{js: js, logger: logger}
}

// Publish queues data on subject without waiting for the ack
func (p *Publisher) Publish(subject string, data []byte) error {
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		p.failed.Add(1)
		return err
	}
	p.published.Add(1)
	return nil
}

// Run logs publish statistics every interval. When ctx ends it waits up to
// flushTimeout for pending acks.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	var lastOK, lastFail uint64
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case <-t.C:
			ok, fail := p.published.Load(), p.failed.Load()
			p.logger.Infof("[Mirror stats] Published:%d Fail:%d Pending:%d",
				ok-lastOK, fail-lastFail, p.js.PublishAsyncPending())
			lastOK, lastFail = ok, fail
		}
	}
}

func (p *Publisher) flush() {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(flushTimeout):
		p.logger.Warnf("[Mirror] %d publishes still pending at shutdown", p.js.PublishAsyncPending())
	}
}
