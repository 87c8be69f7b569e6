// Package binance is the Binance market data source: spot streams from
// stream.binance.com and USD-M futures streams from fstream.binance.com.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fushengyk/marketws/internal/config"
	"github.com/fushengyk/marketws/internal/domain"
	"github.com/fushengyk/marketws/internal/upstream"
)

const openInterestTTL = 30 * time.Second

// Source implements domain.Source for Binance
type Source struct {
	cfg     config.BinanceConfig
	hub     *upstream.Hub
	spot    *gobinance.Client
	futures *futures.Client
	limiter *rate.Limiter
	sink    domain.Sink
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	markets map[domain.MarketType]catalog

	oiMu sync.Mutex
	oi   map[string]openInterest
}

type openInterest struct {
	value     float64
	fetchedAt time.Time
}

// NewSource creates a Binance source whose streams live on hub. sink, when
// not nil, receives every decoded update once.
func NewSource(cfg config.BinanceConfig, hub *upstream.Hub, sink domain.Sink, logger *zap.SugaredLogger) *Source {
	spot := gobinance.NewClient("", "")
	if cfg.RestBaseURL != "" {
		spot.BaseURL = cfg.RestBaseURL
	}
	fut := futures.NewClient("", "")
	if cfg.FuturesRest != "" {
		fut.BaseURL = cfg.FuturesRest
	}

	rps := cfg.RestRPS
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.RestBurst
	if burst <= 0 {
		burst = 1
	}

	return &Source{
		cfg:     cfg,
		hub:     hub,
		spot:    spot,
		futures: fut,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		sink:    sink,
		logger:  logger,
		markets: make(map[domain.MarketType]catalog),
		oi:      make(map[string]openInterest),
	}
}

func (s *Source) ID() domain.ExchangeID {
	return domain.ExchangeBinance
}

// WatchTicker blocks until the next 24hr ticker event of key. Derivative
// tickers are enriched with the latest mark price frame and open interest.
func (s *Source) WatchTicker(ctx context.Context, key domain.InstrumentKey) (*domain.Ticker, error) {
	id, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	spec := s.spec(key.Market, id, "ticker", decodeTicker)
	if s.sink != nil {
		spec.Emit = func(v any) {
			if u, ok := v.(*tickerUpdate); ok {
				s.sink.Ticker(key, s.ticker(key, id, u))
			}
		}
	}

	v, err := s.hub.Watch(ctx, spec)
	if err != nil {
		return nil, err
	}
	u, ok := v.(*tickerUpdate)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected ticker update %T", domain.ErrExchange, v)
	}

	t := s.ticker(key, id, u)
	if key.Market.IsDerivative() && s.cfg.OpenInterest {
		t.OpenInterest = s.openInterest(ctx, id)
	}
	return t, nil
}

// ticker builds the client ticker of u with the latest mark price frame and
// cached open interest. It never blocks.
func (s *Source) ticker(key domain.InstrumentKey, id string, u *tickerUpdate) *domain.Ticker {
	t := u.toTicker(key)
	if !key.Market.IsDerivative() {
		return t
	}
	if mv, ok := s.hub.Peek(s.spec(key.Market, id, "markPrice@1s", decodeMarkPrice)); ok {
		if m, ok := mv.(*markUpdate); ok {
			m.apply(t)
		}
	}
	if s.cfg.OpenInterest {
		s.oiMu.Lock()
		if cached, ok := s.oi[id]; ok {
			t.OpenInterest = domain.Float(cached.value)
		}
		s.oiMu.Unlock()
	}
	return t
}

// WatchOrderBook blocks until the next partial depth frame of key. Binance
// partial streams carry 5, 10 or 20 levels; the smallest one covering depth
// is used.
func (s *Source) WatchOrderBook(ctx context.Context, key domain.InstrumentKey, depth int) (*domain.OrderBook, error) {
	id, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	spec := s.spec(key.Market, id, fmt.Sprintf("depth%d@100ms", partialLevels(depth)), decodeDepth)
	if s.sink != nil {
		spec.Emit = func(v any) {
			if ob, ok := v.(*domain.OrderBook); ok {
				s.sink.OrderBook(key, book(key, ob, depth))
			}
		}
	}

	v, err := s.hub.Watch(ctx, spec)
	if err != nil {
		return nil, err
	}
	ob, ok := v.(*domain.OrderBook)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected depth update %T", domain.ErrExchange, v)
	}

	return book(key, ob, depth), nil
}

func book(key domain.InstrumentKey, ob *domain.OrderBook, depth int) *domain.OrderBook {
	out := ob.Normalize(depth)
	out.Symbol = key.Symbol
	out.MarketType = key.Market
	return out
}

func (s *Source) spec(market domain.MarketType, id, stream string, decode upstream.DecodeFunc) upstream.Spec {
	base := s.cfg.WSBaseURL
	if market != domain.MarketSpot {
		base = s.cfg.FuturesWS
	}
	name := id + "@" + stream
	return upstream.Spec{
		Key:    string(market) + "/" + name,
		Name:   "Binance " + name,
		URL:    strings.TrimRight(base, "/") + "/ws/" + name,
		Decode: decode,
	}
}

// openInterest returns a cached open interest value, refreshing it when the
// REST budget allows. It never blocks on the rate limiter.
func (s *Source) openInterest(ctx context.Context, id string) *float64 {
	s.oiMu.Lock()
	cached, ok := s.oi[id]
	s.oiMu.Unlock()

	if ok && time.Since(cached.fetchedAt) < openInterestTTL {
		return domain.Float(cached.value)
	}
	if !s.limiter.Allow() {
		if ok {
			return domain.Float(cached.value)
		}
		return nil
	}

	res, err := s.futures.NewGetOpenInterestService().Symbol(strings.ToUpper(id)).Do(ctx)
	if err != nil {
		s.logger.Debugf("[Binance] Open interest %s: %v", id, err)
		if ok {
			return domain.Float(cached.value)
		}
		return nil
	}
	value, err := strconv.ParseFloat(res.OpenInterest, 64)
	if err != nil {
		return nil
	}

	s.oiMu.Lock()
	s.oi[id] = openInterest{value: value, fetchedAt: time.Now()}
	s.oiMu.Unlock()
	return domain.Float(value)
}

func partialLevels(depth int) int {
	switch {
	case depth <= 5:
		return 5
	case depth <= 10:
		return 10
	}
	return 20
}
