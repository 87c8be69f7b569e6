package upstream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fushengyk/marketws/internal/config"
)

// Hub shares feeds between every watcher of the same stream.
type Hub struct {
	name   string
	cfg    config.WebSocketConfig
	logger *zap.SugaredLogger
	stats  Stats

	mu    sync.Mutex
	feeds map[string]*Feed
}

// Stats tracks message statistics across all feeds of a hub
type Stats struct {
	recv   atomic.Uint64
	parsed atomic.Uint64
	failed atomic.Uint64

	lastRecv   uint64
	lastParsed uint64
	lastFailed uint64
}

// NewHub creates an empty hub. name prefixes log lines.
func NewHub(name string, cfg config.WebSocketConfig, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		name:   name,
		cfg:    cfg,
		logger: logger,
		feeds:  make(map[string]*Feed),
	}
}

// Watch blocks until the stream described by spec delivers its next update.
// The feed is started on first use.
func (h *Hub) Watch(ctx context.Context, spec Spec) (any, error) {
	h.mu.Lock()
	f := h.acquireLocked(spec)
	f.addWaiter()
	h.mu.Unlock()

	return f.wait(ctx)
}

// Peek returns the latest update of a stream without blocking, starting the
// feed if needed so that later peeks find data.
func (h *Hub) Peek(spec Spec) (any, bool) {
	h.mu.Lock()
	f := h.acquireLocked(spec)
	h.mu.Unlock()

	return f.peek()
}

func (h *Hub) acquireLocked(spec Spec) *Feed {
	if f, ok := h.feeds[spec.Key]; ok && !f.Closed() {
		return f
	}
	f := newFeed(spec, h.cfg, h.logger, &h.stats)
	h.feeds[spec.Key] = f
	f.Start()
	h.logger.Debugf("[%s] Started feed %s", h.name, spec.Name)
	return f
}

// Len returns the number of live feeds.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds)
}

// Run reaps idle feeds and logs statistics until ctx ends, then stops
// every feed.
func (h *Hub) Run(ctx context.Context) {
	idle := h.cfg.IdleTimeout
	if idle <= 0 {
		idle = time.Minute
	}
	statsEvery := h.cfg.StatsInterval
	if statsEvery <= 0 {
		statsEvery = time.Minute
	}

	reap := time.NewTicker(idle / 2)
	defer reap.Stop()
	stats := time.NewTicker(statsEvery)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-reap.C:
			h.reapIdle(idle)
		case <-stats.C:
			h.logStats()
		}
	}
}

// reapIdle stops feeds without watchers that have not been used for idle.
func (h *Hub) reapIdle(idle time.Duration) {
	now := time.Now()
	var stale []*Feed

	h.mu.Lock()
	for key, f := range h.feeds {
		if f.Closed() {
			delete(h.feeds, key)
			continue
		}
		if since, ok := f.idleSince(now); ok && since >= idle {
			stale = append(stale, f)
			delete(h.feeds, key)
		}
	}
	h.mu.Unlock()

	for _, f := range stale {
		h.logger.Debugf("[%s] Closing idle feed %s", h.name, f.spec.Name)
		f.Stop()
	}
}

// Close stops every feed.
func (h *Hub) Close() {
	h.mu.Lock()
	feeds := make([]*Feed, 0, len(h.feeds))
	for key, f := range h.feeds {
		feeds = append(feeds, f)
		delete(h.feeds, key)
	}
	h.mu.Unlock()

	for _, f := range feeds {
		f.Stop()
	}
}

func (h *Hub) logStats() {
	recv := h.stats.recv.Load()
	parsed := h.stats.parsed.Load()
	failed := h.stats.failed.Load()

	deltaRecv := recv - h.stats.lastRecv
	deltaParsed := parsed - h.stats.lastParsed
	deltaFailed := failed - h.stats.lastFailed

	h.stats.lastRecv = recv
	h.stats.lastParsed = parsed
	h.stats.lastFailed = failed

	h.logger.Infof("[%s stats] Feeds:%d | Recv:%d OK:%d Fail:%d",
		h.name, h.Len(), deltaRecv, deltaParsed, deltaFailed)
}
