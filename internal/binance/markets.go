package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fushengyk/marketws/internal/domain"
)

// catalog maps unified (BASE/QUOTE[:SETTLE]) and raw symbols to stream ids
type catalog map[string]string

func (c catalog) add(unified, raw string) {
	id := strings.ToLower(raw)
	c[strings.ToUpper(unified)] = id
	c[strings.ToUpper(raw)] = id
}

// LoadMarkets fetches spot and USD-M futures exchangeInfo and replaces the
// symbol catalogs. Spot and futures are loaded independently so one failing
// endpoint does not hide the other.
func (s *Source) LoadMarkets(ctx context.Context) error {
	start := time.Now()

	spot, spotErr := s.fetchSpotMarkets(ctx)
	if spotErr == nil {
		s.setCatalog(domain.MarketSpot, spot)
	}

	swap, delivery, futErr := s.fetchFuturesMarkets(ctx)
	if futErr == nil {
		s.setCatalog(domain.MarketSwap, swap)
		s.setCatalog(domain.MarketFuture, delivery)
	}

	switch {
	case spotErr != nil && futErr != nil:
		return fmt.Errorf("%w: load markets: spot: %v; futures: %v", domain.ErrNetwork, spotErr, futErr)
	case spotErr != nil:
		return fmt.Errorf("%w: load spot markets: %v", domain.ErrNetwork, spotErr)
	case futErr != nil:
		return fmt.Errorf("%w: load futures markets: %v", domain.ErrNetwork, futErr)
	}

	s.logger.Infof("[Binance] Markets loaded: Spot=%d Swap=%d Future=%d (Fetch: %v)",
		len(spot)/2, len(swap)/2, len(delivery)/2, time.Since(start))
	return nil
}

func (s *Source) fetchSpotMarkets(ctx context.Context) (catalog, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	info, err := s.spot.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch spot: %w", err)
	}

	c := make(catalog, len(info.Symbols)*2)
	for _, sym := range info.Symbols {
		if sym.Status != "TRADING" {
			continue
		}
		c.add(sym.BaseAsset+"/"+sym.QuoteAsset, sym.Symbol)
	}
	return c, nil
}

func (s *Source) fetchFuturesMarkets(ctx context.Context) (swap, delivery catalog, err error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	info, err := s.futures.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch futures: %w", err)
	}

	swap = make(catalog)
	delivery = make(catalog)
	for _, sym := range info.Symbols {
		if sym.Status != "TRADING" {
			continue
		}
		unified := fmt.Sprintf("%s/%s:%s", sym.BaseAsset, sym.QuoteAsset, sym.MarginAsset)
		if string(sym.ContractType) == "PERPETUAL" {
			swap.add(unified, sym.Symbol)
			continue
		}
		if sym.DeliveryDate > 0 {
			expiry := time.UnixMilli(sym.DeliveryDate).UTC().Format("060102")
			delivery.add(unified+"-"+expiry, sym.Symbol)
		}
	}
	return swap, delivery, nil
}

func (s *Source) setCatalog(market domain.MarketType, c catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[market] = c
}

func (s *Source) lookup(market domain.MarketType, symbol string) (id string, loaded bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, loaded := s.markets[market]
	if !loaded {
		return "", false
	}
	return c[symbol], true
}

// resolve maps a key to its stream id. A symbol missing from a loaded
// catalog is ErrBadSymbol; without a catalog the id is derived from the
// symbol itself and validity is left to the exchange.
func (s *Source) resolve(ctx context.Context, key domain.InstrumentKey) (string, error) {
	switch key.Market {
	case domain.MarketSpot, domain.MarketSwap, domain.MarketFuture:
	default:
		return "", fmt.Errorf("%w: binance has no %s market", domain.ErrBadSymbol, key.Market)
	}

	id, loaded := s.lookup(key.Market, key.Symbol)
	if !loaded && s.limiter.Allow() {
		if err := s.LoadMarkets(ctx); err != nil {
			s.logger.Warnf("[Binance] Market reload failed: %v", err)
		}
		id, loaded = s.lookup(key.Market, key.Symbol)
	}

	switch {
	case id != "":
		return id, nil
	case loaded:
		return "", fmt.Errorf("%w: %s", domain.ErrBadSymbol, key)
	}
	return deriveID(key.Symbol), nil
}

// deriveID turns BTC/USDT, BTC/USDT:USDT or BTC/USDT:USDT-250328 into the
// lower-case Binance stream id.
func deriveID(symbol string) string {
	base, quote, settle, ok := domain.SplitSymbol(symbol)
	if !ok {
		return strings.ToLower(symbol)
	}
	id := base + quote
	if _, expiry, dated := strings.Cut(settle, "-"); dated {
		id += "_" + expiry
	}
	return strings.ToLower(id)
}
