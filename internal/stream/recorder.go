package stream

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fushengyk/marketws/internal/domain"
)

const (
	recorderBuffer      = 1024
	recorderSaveTimeout = 2 * time.Second
)

// Recorder implements domain.Sink. Sources hand it every normalized
// upstream update once, however many sessions watch the instrument, and
// it mirrors and snapshots them from a single goroutine.
type Recorder struct {
	snapshots SnapshotStore
	mirror    Publisher
	depth     int
	logger    *zap.SugaredLogger

	queue   chan record
	dropped atomic.Uint64
}

type record struct {
	kind     Kind
	key      domain.InstrumentKey
	msg      any
	snapshot any
}

// NewRecorder creates a recorder. Either snapshots or mirror may be nil.
func NewRecorder(snapshots SnapshotStore, mirror Publisher, opts Options, logger *zap.SugaredLogger) *Recorder {
	opts = opts.withDefaults()
	return &Recorder{
		snapshots: snapshots,
		mirror:    mirror,
		depth:     opts.ClientDepth,
		logger:    logger,
		queue:     make(chan record, recorderBuffer),
	}
}

func (r *Recorder) Ticker(key domain.InstrumentKey, t *domain.Ticker) {
	r.enqueue(record{kind: KindTicker, key: key, msg: newTickerMessage(t), snapshot: t})
}

func (r *Recorder) OrderBook(key domain.InstrumentKey, ob *domain.OrderBook) {
	book := ob.Normalize(r.depth)
	r.enqueue(record{
		kind:     KindOrderBook,
		key:      key,
		msg:      newOrderBookMessage(key, book, time.Now().UnixMilli()),
		snapshot: book,
	})
}

// enqueue never blocks the upstream feed; records are dropped when the
// writer falls behind.
func (r *Recorder) enqueue(rec record) {
	select {
	case r.queue <- rec:
	default:
		if n := r.dropped.Add(1); n%recorderBuffer == 1 {
			r.logger.Warnf("[Recorder] Queue full, dropped %d updates so far", n)
		}
	}
}

// Dropped returns how many updates were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes queued records until ctx ends.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-r.queue:
			r.write(ctx, rec)
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec record) {
	data, err := json.Marshal(rec.msg)
	if err != nil {
		r.logger.Debugf("[Recorder] Encode %s: %v", rec.key, err)
		return
	}

	if r.mirror != nil {
		if err := r.mirror.Publish(domain.SubjectFor(string(rec.kind), rec.key), data); err != nil {
			r.logger.Debugf("[Recorder] Mirror %s: %v", rec.key, err)
		}
	}

	if r.snapshots == nil {
		return
	}
	raw, err := json.Marshal(rec.snapshot)
	if err != nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, recorderSaveTimeout)
	defer cancel()
	if err := r.snapshots.Save(saveCtx, string(rec.kind), rec.key, raw); err != nil {
		r.logger.Debugf("[Recorder] Save snapshot %s: %v", rec.key, err)
	}
}
