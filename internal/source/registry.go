// Package source resolves exchange names to shared market data sources.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fushengyk/marketws/internal/domain"
)

const loadMarketsTimeout = 30 * time.Second

// Factory creates the source of one exchange
type Factory func() (domain.Source, error)

// Registry maps exchange ids to adapters. Factories are registered at
// startup; sources are created on first use and shared afterwards.
type Registry struct {
	logger *zap.SugaredLogger
	ctx    context.Context

	mu        sync.Mutex
	factories map[domain.ExchangeID]Factory
	sources   map[domain.ExchangeID]domain.Source
}

// NewRegistry creates an empty registry. ctx bounds the background market
// loads started by Get.
func NewRegistry(ctx context.Context, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		logger:    logger,
		ctx:       ctx,
		factories: make(map[domain.ExchangeID]Factory),
		sources:   make(map[domain.ExchangeID]domain.Source),
	}
}

// Register adds or replaces the factory of an exchange.
func (r *Registry) Register(id domain.ExchangeID, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[domain.ParseExchangeID(string(id))] = f
}

// Get returns the shared source of the named exchange, creating it on first
// use. Unknown names yield an error wrapping domain.ErrUnsupportedExchange.
func (r *Registry) Get(name string) (domain.Source, error) {
	id := domain.ParseExchangeID(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if src, ok := r.sources[id]; ok {
		return src, nil
	}
	factory, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedExchange, name)
	}

	src, err := factory()
	if err != nil {
		return nil, fmt.Errorf("create %s source: %w", id, err)
	}
	r.sources[id] = src
	r.logger.Infof("[Registry] Created %s source", id)

	go r.loadMarkets(src)
	return src, nil
}

// loadMarkets is best effort: failures are logged and symbols are then
// validated lazily by the first watch call.
func (r *Registry) loadMarkets(src domain.Source) {
	ctx, cancel := context.WithTimeout(r.ctx, loadMarketsTimeout)
	defer cancel()

	if err := src.LoadMarkets(ctx); err != nil {
		r.logger.Warnf("[Registry] Failed to load %s markets: %v", src.ID(), err)
	}
}

// Exchanges lists the registered exchange ids in sorted order.
func (r *Registry) Exchanges() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}
