package okx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fushengyk/marketws/internal/config"
	"github.com/fushengyk/marketws/internal/domain"
	"github.com/fushengyk/marketws/internal/upstream"
)

// fakeOKX answers every subscription with the frame registered for its
// channel/instId, or with a 60018 error when none is registered.
func fakeOKX(t *testing.T, frames map[string]string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub struct {
			Op   string    `json:"op"`
			Args []pushArg `json:"args"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil || len(sub.Args) != 1 {
			return
		}
		arg := sub.Args[0]
		frame, ok := frames[arg.Channel+"/"+arg.InstID]
		if !ok {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"error","code":"60018","msg":"Wrong URL or channel:`+arg.Channel+`,instId:`+arg.InstID+` doesn't exist.","connId":"a4d3ae55"}`))
			_, _, _ = conn.ReadMessage()
			return
		}
		ack, _ := json.Marshal(map[string]any{"event": "subscribe", "arg": arg, "connId": "a4d3ae55"})
		_ = conn.WriteMessage(websocket.TextMessage, ack)
		for {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestSource(t *testing.T, url string) *Source {
	t.Helper()
	hub := upstream.NewHub("OKX", config.WebSocketConfig{
		ReconnectDelay:   10 * time.Millisecond,
		HandshakeTimeout: time.Second,
		PingInterval:     time.Second,
	}, zap.NewNop().Sugar())
	t.Cleanup(hub.Close)
	return NewSource(config.OKXConfig{Enabled: true, WSURL: url}, hub, nil, zap.NewNop().Sugar())
}

func TestInstID(t *testing.T) {
	tests := []struct {
		market  domain.MarketType
		symbol  string
		want    string
		wantErr bool
	}{
		{domain.MarketSpot, "BTC/USDT", "BTC-USDT", false},
		{domain.MarketSwap, "BTC/USDT:USDT", "BTC-USDT-SWAP", false},
		{domain.MarketSwap, "BTC/USD:BTC", "BTC-USD-SWAP", false},
		{domain.MarketFuture, "BTC/USD:BTC-250328", "BTC-USD-250328", false},
		{domain.MarketSpot, "ETH-USDT", "ETH-USDT", false},
		{domain.MarketSpot, "BTC/USDT:USDT", "", true},
		{domain.MarketFuture, "BTC/USDT:USDT", "", true},
		{domain.MarketSpot, "BTCUSDT", "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.market)+" "+tt.symbol, func(t *testing.T) {
			got, err := instID(domain.NewInstrumentKey(domain.ExchangeOKX, tt.market, tt.symbol))
			if tt.wantErr {
				assert.True(t, domain.IsBadSymbol(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWatchTickerSpot(t *testing.T) {
	url := fakeOKX(t, map[string]string{
		"tickers/BTC-USDT": `{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instType":"SPOT","instId":"BTC-USDT","last":"110","lastSz":"0.1","askPx":"110.5","askSz":"1","bidPx":"109.5","bidSz":"2","open24h":"100","high24h":"120","low24h":"95","volCcy24h":"5500","vol24h":"50","sodUtc0":"101","sodUtc8":"102","ts":"1700000000000"}]}`,
	})
	s := newTestSource(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	tk, err := s.WatchTicker(ctx, domain.NewInstrumentKey(domain.ExchangeOKX, domain.MarketSpot, "btc/usdt"))
	require.NoError(t, err)

	assert.Equal(t, "BTC/USDT", tk.Symbol)
	assert.Equal(t, 110.0, *tk.Last)
	assert.Equal(t, 10.0, *tk.Change)
	assert.InDelta(t, 10.0, *tk.Percentage, 1e-9)
	assert.Equal(t, 50.0, *tk.BaseVolume)
	assert.Equal(t, 5500.0, *tk.QuoteVolume)
	assert.Equal(t, int64(1700000000000), tk.Timestamp)
	assert.Nil(t, tk.MarkPrice)
}

func TestWatchTickerSwapPicksUpMarkAndFunding(t *testing.T) {
	url := fakeOKX(t, map[string]string{
		"tickers/BTC-USDT-SWAP":      `{"arg":{"channel":"tickers","instId":"BTC-USDT-SWAP"},"data":[{"instType":"SWAP","instId":"BTC-USDT-SWAP","last":"100","open24h":"100","volCcy24h":"3","vol24h":"300","ts":"1700000000000"}]}`,
		"mark-price/BTC-USDT-SWAP":   `{"arg":{"channel":"mark-price","instId":"BTC-USDT-SWAP"},"data":[{"instType":"SWAP","instId":"BTC-USDT-SWAP","markPx":"100.2","ts":"1700000000000"}]}`,
		"funding-rate/BTC-USDT-SWAP": `{"arg":{"channel":"funding-rate","instId":"BTC-USDT-SWAP"},"data":[{"instType":"SWAP","instId":"BTC-USDT-SWAP","fundingRate":"0.0001","nextFundingRate":"","fundingTime":"1700006400000","nextFundingTime":"1700035200000"}]}`,
		"index-tickers/BTC-USDT":     `{"arg":{"channel":"index-tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","idxPx":"99.9","ts":"1700000000000"}]}`,
	})
	s := newTestSource(t, url)
	key := domain.NewInstrumentKey(domain.ExchangeOKX, domain.MarketSwap, "BTC/USDT:USDT")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// the side feeds start on the first ticker and fill in on later ones
	var tk *domain.Ticker
	require.Eventually(t, func() bool {
		var err error
		tk, err = s.WatchTicker(ctx, key)
		return err == nil && tk.MarkPrice != nil && tk.FundingRate != nil && tk.IndexPrice != nil
	}, 4*time.Second, 10*time.Millisecond)

	assert.Equal(t, 100.2, *tk.MarkPrice)
	assert.Equal(t, 99.9, *tk.IndexPrice)
	assert.Equal(t, 0.0001, *tk.FundingRate)
	assert.Equal(t, int64(1700006400000), *tk.NextFundingTime)
	assert.Equal(t, 3.0, *tk.BaseVolume)
	assert.Equal(t, 300.0, *tk.QuoteVolume)
}

func TestWatchOrderBook(t *testing.T) {
	url := fakeOKX(t, map[string]string{
		"books5/BTC-USDT": `{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{"asks":[["101","2","0","1"],["100.5","1","0","1"]],"bids":[["99","1","0","1"],["100","3","0","2"]],"instId":"BTC-USDT","ts":"1700000000123","seqId":77}]}`,
	})
	s := newTestSource(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ob, err := s.WatchOrderBook(ctx, domain.NewInstrumentKey(domain.ExchangeOKX, domain.MarketSpot, "BTC/USDT"), 20)
	require.NoError(t, err)

	assert.Equal(t, []domain.PriceLevel{{Price: 100, Size: 3}, {Price: 99, Size: 1}}, ob.Bids)
	assert.Equal(t, []domain.PriceLevel{{Price: 100.5, Size: 1}, {Price: 101, Size: 2}}, ob.Asks)
	assert.Equal(t, int64(1700000000123), ob.Timestamp)
	assert.Equal(t, int64(77), *ob.Nonce)
}

func TestUnknownInstrumentIsBadSymbol(t *testing.T) {
	s := newTestSource(t, fakeOKX(t, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := s.WatchTicker(ctx, domain.NewInstrumentKey(domain.ExchangeOKX, domain.MarketSpot, "NOPE/USDT"))
	require.Error(t, err)
	assert.True(t, domain.IsBadSymbol(err))
}

func TestUnwrap(t *testing.T) {
	data, err := unwrap([]byte("pong"))
	assert.NoError(t, err)
	assert.Nil(t, data)

	data, err = unwrap([]byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"}}`))
	assert.NoError(t, err)
	assert.Nil(t, data)

	_, err = unwrap([]byte(`{"event":"error","code":"60012","msg":"Invalid request"}`))
	assert.ErrorIs(t, err, domain.ErrExchange)
	assert.False(t, domain.IsBadSymbol(err))
}
