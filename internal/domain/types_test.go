package domain

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarketType(t *testing.T) {
	tests := []struct {
		in   string
		want MarketType
	}{
		{"", MarketSpot},
		{"SPOT", MarketSpot},
		{"perpetual", MarketSwap},
		{" swap ", MarketSwap},
		{"linear", MarketSwap},
		{"delivery", MarketFuture},
		{"futures", MarketFuture},
		{"option", MarketOption},
	}
	for _, tt := range tests {
		got, err := ParseMarketType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseMarketType("margin")
	assert.ErrorIs(t, err, ErrInvalidMarketType)
}

func TestInstrumentKey(t *testing.T) {
	a := NewInstrumentKey(ExchangeBinance, MarketSwap, " btc/usdt:usdt ")
	b := NewInstrumentKey(ExchangeBinance, MarketSwap, "BTC/USDT:USDT")
	assert.Equal(t, a, b)
	assert.Equal(t, "binance:swap:BTC/USDT:USDT", a.String())

	spot := NewInstrumentKey(ExchangeBinance, MarketSpot, "BTC/USDT:USDT")
	assert.NotEqual(t, a, spot)
}

func TestSplitSymbol(t *testing.T) {
	base, quote, settle, ok := SplitSymbol("BTC/USDT:USDT")
	require.True(t, ok)
	assert.Equal(t, []string{"BTC", "USDT", "USDT"}, []string{base, quote, settle})

	base, quote, settle, ok = SplitSymbol("ETH/BTC")
	require.True(t, ok)
	assert.Equal(t, []string{"ETH", "BTC", ""}, []string{base, quote, settle})

	for _, s := range []string{"BTCUSDT", "/USDT", "BTC/", ""} {
		_, _, _, ok := SplitSymbol(s)
		assert.False(t, ok, s)
	}
}

func TestOrderBookNormalize(t *testing.T) {
	ob := &OrderBook{
		Bids: []PriceLevel{{99, 1}, {101, 2}, {100, 0}, {98, 3}, {102, 1}},
		Asks: []PriceLevel{{105, 1}, {103, 2}, {104, 0}, {106, 1}, {103.5, 4}},
	}

	out := ob.Normalize(3)

	assert.Equal(t, []PriceLevel{{102, 1}, {101, 2}, {99, 1}}, out.Bids)
	assert.Equal(t, []PriceLevel{{103, 2}, {103.5, 4}, {105, 1}}, out.Asks)
	assert.Len(t, ob.Bids, 5, "input must stay untouched")

	for i := 1; i < len(out.Bids); i++ {
		assert.GreaterOrEqual(t, out.Bids[i-1].Price, out.Bids[i].Price)
	}
	for i := 1; i < len(out.Asks); i++ {
		assert.LessOrEqual(t, out.Asks[i-1].Price, out.Asks[i].Price)
	}

	all := ob.Normalize(0)
	assert.Len(t, all.Bids, 4)
	assert.Len(t, all.Asks, 4)
}

func TestOrderBookEqual(t *testing.T) {
	a := &OrderBook{Bids: []PriceLevel{{100, 1}}, Asks: []PriceLevel{{101, 1}}, Nonce: Int(7), Timestamp: 1}
	b := &OrderBook{Bids: []PriceLevel{{100, 1}}, Asks: []PriceLevel{{101, 1}}, Nonce: Int(7), Timestamp: 2}
	assert.True(t, a.Equal(b))

	b.Nonce = Int(8)
	assert.False(t, a.Equal(b))

	b.Nonce = Int(7)
	b.Asks = []PriceLevel{{101, 2}}
	assert.False(t, a.Equal(b))

	var nilBook *OrderBook
	assert.False(t, a.Equal(nil))
	assert.True(t, nilBook.Equal(nil))
}

func TestPriceLevelJSON(t *testing.T) {
	raw, err := json.Marshal([]PriceLevel{{100.5, 2}})
	require.NoError(t, err)
	assert.JSONEq(t, `[[100.5,2]]`, string(raw))

	var levels []PriceLevel
	require.NoError(t, json.Unmarshal([]byte(`[[1.25,3]]`), &levels))
	assert.Equal(t, []PriceLevel{{1.25, 3}}, levels)
}

func TestSubjectFor(t *testing.T) {
	key := NewInstrumentKey(ExchangeBinance, MarketSwap, "BTC/USDT:USDT")
	assert.Equal(t, "stream.binance.ticker.swap.btc_usdt_usdt", SubjectFor(KindTicker, key))

	key = NewInstrumentKey(ExchangeOKX, MarketSpot, "ETH-USDT")
	assert.Equal(t, "stream.okx.orderbook.spot.eth-usdt", SubjectFor(KindOrderBook, key))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsBadSymbol(fmt.Errorf("watch: %w", ErrBadSymbol)))
	assert.False(t, IsBadSymbol(ErrNetwork))
	assert.True(t, IsUnsupportedExchange(fmt.Errorf("%w: %q", ErrUnsupportedExchange, "kraken")))
}
