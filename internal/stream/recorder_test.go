package stream

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fushengyk/marketws/internal/domain"
)

func runRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRecorderWritesEachUpdateOnce(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	r := NewRecorder(store, pub, testOptions(), zap.NewNop().Sugar())
	runRecorder(t, r)

	k := key("BTC/USDT", domain.MarketSpot)
	r.Ticker(k, ticker(100, 1))

	require.Eventually(t, func() bool { return store.saves() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"stream.binance.ticker.spot.btc_usdt"}, pub.seen())

	raw, ok, err := store.Load(context.Background(), "ticker", k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(raw), `"last":100`)
}

func TestRecorderFeedsSessionSeeds(t *testing.T) {
	store := newMemStore()
	r := NewRecorder(store, nil, testOptions(), zap.NewNop().Sugar())
	runRecorder(t, r)

	k := key("BTC/USDT", domain.MarketSpot)
	levels := make([]domain.PriceLevel, 0, 30)
	for i := 0; i < 30; i++ {
		levels = append(levels, domain.PriceLevel{Price: float64(100 - i), Size: 1})
	}
	r.OrderBook(k, &domain.OrderBook{Bids: levels, Timestamp: 1})
	require.Eventually(t, func() bool { return store.saves() == 1 }, time.Second, 5*time.Millisecond)

	src := newFakeSource()
	s, _ := newTestSession(KindOrderBook, src, testOptions(), Deps{Snapshots: store})
	defer s.teardown()

	require.NoError(t, s.handle(context.Background(), control("subscribe", "BTC/USDT", "spot")))
	queued(t, s)

	msg := queued(t, s)
	assert.Equal(t, "orderbook_update", msg["action"])
	assert.Len(t, msg["bids"], 20)
}

func TestRecorderSkipsUnencodable(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	r := NewRecorder(store, pub, testOptions(), zap.NewNop().Sugar())
	runRecorder(t, r)

	k := key("BTC/USDT", domain.MarketSpot)
	r.Ticker(k, ticker(math.NaN(), 1))
	r.Ticker(k, ticker(100, 1))

	require.Eventually(t, func() bool { return store.saves() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, pub.seen(), 1)
}

func TestRecorderDropsWhenBehind(t *testing.T) {
	r := NewRecorder(nil, nil, testOptions(), zap.NewNop().Sugar())

	k := key("BTC/USDT", domain.MarketSpot)
	for i := 0; i < recorderBuffer+5; i++ {
		r.Ticker(k, ticker(100, 1))
	}
	assert.Equal(t, uint64(5), r.Dropped())
}
