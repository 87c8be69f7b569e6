package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ExchangeID represents a supported exchange
type ExchangeID string

const (
	ExchangeBinance ExchangeID = "binance"
	ExchangeOKX     ExchangeID = "okx"
)

// ParseExchangeID normalizes a client supplied exchange name.
func ParseExchangeID(s string) ExchangeID {
	return ExchangeID(strings.ToLower(strings.TrimSpace(s)))
}

// MarketType defines the type of market
type MarketType string

const (
	MarketSpot   MarketType = "spot"
	MarketSwap   MarketType = "swap"   // perpetual
	MarketFuture MarketType = "future" // delivery
	MarketOption MarketType = "option"
)

// ParseMarketType maps a client supplied market type to a MarketType.
// Empty input means spot.
func ParseMarketType(s string) (MarketType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "spot":
		return MarketSpot, nil
	case "swap", "perpetual", "perp", "linear":
		return MarketSwap, nil
	case "future", "futures", "delivery":
		return MarketFuture, nil
	case "option", "options":
		return MarketOption, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMarketType, s)
}

// IsDerivative reports whether instruments of this market carry
// mark price, funding and open interest data.
func (m MarketType) IsDerivative() bool {
	return m == MarketSwap || m == MarketFuture
}

// InstrumentKey identifies one streamable instrument within a session.
type InstrumentKey struct {
	Exchange ExchangeID
	Market   MarketType
	Symbol   string
}

// NewInstrumentKey builds a key with a normalized symbol.
func NewInstrumentKey(exchange ExchangeID, market MarketType, symbol string) InstrumentKey {
	return InstrumentKey{
		Exchange: exchange,
		Market:   market,
		Symbol:   NormalizeSymbol(symbol),
	}
}

func (k InstrumentKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Exchange, k.Market, k.Symbol)
}

// NormalizeSymbol trims and upper-cases a symbol. Unified symbols such as
// "btc/usdt:usdt" keep their separators.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// SplitSymbol breaks a unified symbol (BASE/QUOTE[:SETTLE]) into parts.
// ok is false when the symbol is not in unified form.
func SplitSymbol(symbol string) (base, quote, settle string, ok bool) {
	pair := symbol
	if i := strings.IndexByte(pair, ':'); i >= 0 {
		settle = pair[i+1:]
		pair = pair[:i]
	}
	base, quote, ok = strings.Cut(pair, "/")
	if !ok || base == "" || quote == "" {
		return "", "", "", false
	}
	return base, quote, settle, true
}

// Ticker is the exchange agnostic ticker payload pushed to clients.
type Ticker struct {
	Symbol      string     `json:"symbol"`
	MarketType  MarketType `json:"marketType"`
	Last        *float64   `json:"last"`
	Open        *float64   `json:"open,omitempty"`
	High        *float64   `json:"high,omitempty"`
	Low         *float64   `json:"low,omitempty"`
	Bid         *float64   `json:"bid,omitempty"`
	Ask         *float64   `json:"ask,omitempty"`
	Change      *float64   `json:"change,omitempty"`
	Percentage  *float64   `json:"percentage,omitempty"`
	BaseVolume  *float64   `json:"baseVolume,omitempty"`
	QuoteVolume *float64   `json:"quoteVolume,omitempty"`
	Timestamp   int64      `json:"timestamp"`

	// Derivatives only
	MarkPrice       *float64 `json:"markPrice,omitempty"`
	IndexPrice      *float64 `json:"indexPrice,omitempty"`
	FundingRate     *float64 `json:"fundingRate,omitempty"`
	NextFundingTime *int64   `json:"nextFundingTime,omitempty"`
	OpenInterest    *float64 `json:"openInterest,omitempty"`
}

// PriceLevel is one order book level, encoded as [price, size].
type PriceLevel struct {
	Price float64
	Size  float64
}

func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Price, l.Size})
}

func (l *PriceLevel) UnmarshalJSON(b []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	l.Price, l.Size = pair[0], pair[1]
	return nil
}

// OrderBook is a ranked depth snapshot.
type OrderBook struct {
	Symbol     string       `json:"symbol"`
	MarketType MarketType   `json:"marketType"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Timestamp  int64        `json:"timestamp"`
	Nonce      *int64       `json:"nonce,omitempty"`
}

// Normalize returns a copy with bids sorted descending and asks ascending
// by price, empty levels dropped and both sides truncated to depth.
// depth <= 0 keeps every level.
func (ob *OrderBook) Normalize(depth int) *OrderBook {
	out := *ob
	out.Bids = rankLevels(ob.Bids, depth, func(a, b float64) bool { return a > b })
	out.Asks = rankLevels(ob.Asks, depth, func(a, b float64) bool { return a < b })
	return &out
}

func rankLevels(in []PriceLevel, depth int, better func(a, b float64) bool) []PriceLevel {
	out := make([]PriceLevel, 0, len(in))
	for _, l := range in {
		if l.Size > 0 && l.Price > 0 {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return better(out[i].Price, out[j].Price) })
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

// Equal reports whether two books carry the same levels and nonce.
// Timestamps are ignored since some sources stamp frames on receipt.
func (ob *OrderBook) Equal(other *OrderBook) bool {
	if ob == nil || other == nil {
		return ob == other
	}
	if !equalNonce(ob.Nonce, other.Nonce) {
		return false
	}
	return equalLevels(ob.Bids, other.Bids) && equalLevels(ob.Asks, other.Asks)
}

func equalNonce(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalLevels(a, b []PriceLevel) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Source is the market data source of one exchange. Watch calls block until
// the exchange delivers the next update for the instrument or ctx ends.
// A single Source is shared by every session bound to the exchange, so the
// market type always travels with the key.
type Source interface {
	ID() ExchangeID
	LoadMarkets(ctx context.Context) error
	WatchTicker(ctx context.Context, key InstrumentKey) (*Ticker, error)
	WatchOrderBook(ctx context.Context, key InstrumentKey, depth int) (*OrderBook, error)
}

// Sink observes every normalized update a source decodes, once per upstream
// message and independent of how many watchers the instrument has.
type Sink interface {
	Ticker(key InstrumentKey, t *Ticker)
	OrderBook(key InstrumentKey, ob *OrderBook)
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int64) *int64 { return &v }
