// Package okx is the OKX v5 public market data source.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fushengyk/marketws/internal/config"
	"github.com/fushengyk/marketws/internal/domain"
	"github.com/fushengyk/marketws/internal/upstream"
)

const (
	channelTickers = "tickers"
	channelBooks   = "books5"
	channelMark    = "mark-price"
	channelFunding = "funding-rate"
	channelIndex   = "index-tickers"

	// books5 is the deepest snapshot channel available without login
	bookLevels = 5
)

// Source implements domain.Source for OKX
type Source struct {
	cfg    config.OKXConfig
	hub    *upstream.Hub
	sink   domain.Sink
	logger *zap.SugaredLogger
}

// NewSource creates an OKX source whose streams live on hub. sink, when not
// nil, receives every decoded update once.
func NewSource(cfg config.OKXConfig, hub *upstream.Hub, sink domain.Sink, logger *zap.SugaredLogger) *Source {
	return &Source{cfg: cfg, hub: hub, sink: sink, logger: logger}
}

func (s *Source) ID() domain.ExchangeID {
	return domain.ExchangeOKX
}

// LoadMarkets is a no-op: OKX validates instruments on subscribe and
// answers unknown ones with error 60018.
func (s *Source) LoadMarkets(ctx context.Context) error {
	return nil
}

// WatchTicker blocks until the next tickers push of key. Swap and futures
// tickers carry the latest mark, index and funding data seen so far.
func (s *Source) WatchTicker(ctx context.Context, key domain.InstrumentKey) (*domain.Ticker, error) {
	inst, err := instID(key)
	if err != nil {
		return nil, err
	}

	spec := s.spec(channelTickers, inst, decodeTicker)
	if s.sink != nil {
		spec.Emit = func(v any) {
			if row, ok := v.(*tickerData); ok {
				s.sink.Ticker(key, s.ticker(key, inst, row))
			}
		}
	}

	v, err := s.hub.Watch(ctx, spec)
	if err != nil {
		return nil, err
	}
	row, ok := v.(*tickerData)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected ticker update %T", domain.ErrExchange, v)
	}
	return s.ticker(key, inst, row), nil
}

func (s *Source) ticker(key domain.InstrumentKey, inst string, row *tickerData) *domain.Ticker {
	t := row.toTicker(key)
	if key.Market.IsDerivative() {
		s.enrich(t, key, inst)
	}
	return t
}

func (s *Source) enrich(t *domain.Ticker, key domain.InstrumentKey, inst string) {
	if v, ok := s.hub.Peek(s.spec(channelMark, inst, decodeMark)); ok {
		if m, ok := v.(*markData); ok {
			t.MarkPrice = parseFloat(m.MarkPx)
		}
	}
	if base, quote, _, ok := domain.SplitSymbol(key.Symbol); ok {
		if v, ok := s.hub.Peek(s.spec(channelIndex, base+"-"+quote, decodeIndex)); ok {
			if idx, ok := v.(*indexData); ok {
				t.IndexPrice = parseFloat(idx.IdxPx)
			}
		}
	}
	if key.Market != domain.MarketSwap {
		return
	}
	if v, ok := s.hub.Peek(s.spec(channelFunding, inst, decodeFunding)); ok {
		if f, ok := v.(*fundingData); ok {
			t.FundingRate = parseFloat(f.FundingRate)
			if next := parseFloat(f.FundingTime); next != nil {
				t.NextFundingTime = domain.Int(int64(*next))
			}
		}
	}
}

// WatchOrderBook blocks until the next books5 snapshot of key
func (s *Source) WatchOrderBook(ctx context.Context, key domain.InstrumentKey, depth int) (*domain.OrderBook, error) {
	inst, err := instID(key)
	if err != nil {
		return nil, err
	}

	if depth <= 0 || depth > bookLevels {
		depth = bookLevels
	}

	spec := s.spec(channelBooks, inst, decodeBook)
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
		return nil, fmt.Errorf("%w: unexpected book update %T", domain.ErrExchange, v)
	}
	return book(key, ob, depth), nil
}

func book(key domain.InstrumentKey, ob *domain.OrderBook, depth int) *domain.OrderBook {
	out := ob.Normalize(depth)
	out.Symbol = key.Symbol
	out.MarketType = key.Market
	return out
}

func (s *Source) spec(channel, inst string, decode upstream.DecodeFunc) upstream.Spec {
	sub, _ := json.Marshal(map[string]any{
		"op":   "subscribe",
		"args": []pushArg{{Channel: channel, InstID: inst}},
	})
	return upstream.Spec{
		Key:       channel + "/" + inst,
		Name:      "OKX " + channel + " " + inst,
		URL:       s.cfg.WSURL,
		Subscribe: sub,
		Ping:      []byte("ping"),
		Decode:    decode,
	}
}

// instID maps a unified symbol to an OKX instId:
//
//	BTC/USDT             -> BTC-USDT
//	BTC/USDT:USDT        -> BTC-USDT-SWAP
//	BTC/USD:BTC-250328   -> BTC-USD-250328
//
// Symbols already in instId form pass through unchanged.
func instID(key domain.InstrumentKey) (string, error) {
	base, quote, settle, ok := domain.SplitSymbol(key.Symbol)
	if !ok {
		if strings.Contains(key.Symbol, "-") {
			return key.Symbol, nil
		}
		return "", fmt.Errorf("%w: %s", domain.ErrBadSymbol, key)
	}

	pair := base + "-" + quote
	switch key.Market {
	case domain.MarketSpot:
		if settle != "" {
			return "", fmt.Errorf("%w: %s is not a spot symbol", domain.ErrBadSymbol, key.Symbol)
		}
		return pair, nil
	case domain.MarketSwap:
		return pair + "-SWAP", nil
	default:
		_, suffix, dated := strings.Cut(settle, "-")
		if !dated || suffix == "" {
			return "", fmt.Errorf("%w: %s has no expiry", domain.ErrBadSymbol, key.Symbol)
		}
		return pair + "-" + suffix, nil
	}
}
