package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fushengyk/marketws/internal/domain"
)

type stubSource struct {
	id      domain.ExchangeID
	loadErr error
	loaded  chan struct{}
}

func (s *stubSource) ID() domain.ExchangeID { return s.id }

func (s *stubSource) LoadMarkets(ctx context.Context) error {
	close(s.loaded)
	return s.loadErr
}

func (s *stubSource) WatchTicker(ctx context.Context, key domain.InstrumentKey) (*domain.Ticker, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stubSource) WatchOrderBook(ctx context.Context, key domain.InstrumentKey, depth int) (*domain.OrderBook, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGetCreatesOnceAndLoadsMarkets(t *testing.T) {
	r := NewRegistry(context.Background(), zap.NewNop().Sugar())

	var created atomic.Int32
	stub := &stubSource{id: domain.ExchangeBinance, loaded: make(chan struct{})}
	r.Register(domain.ExchangeBinance, func() (domain.Source, error) {
		created.Add(1)
		return stub, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src, err := r.Get(" Binance ")
			assert.NoError(t, err)
			assert.Same(t, stub, src)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	select {
	case <-stub.loaded:
	case <-time.After(time.Second):
		t.Fatal("markets not loaded")
	}
}

func TestGetUnknownExchange(t *testing.T) {
	r := NewRegistry(context.Background(), zap.NewNop().Sugar())

	_, err := r.Get("mtgox")
	require.Error(t, err)
	assert.True(t, domain.IsUnsupportedExchange(err))
	assert.Contains(t, err.Error(), "mtgox")
}

func TestGetFactoryErrorNotCached(t *testing.T) {
	r := NewRegistry(context.Background(), zap.NewNop().Sugar())

	fail := true
	r.Register(domain.ExchangeOKX, func() (domain.Source, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return &stubSource{id: domain.ExchangeOKX, loaded: make(chan struct{})}, nil
	})

	_, err := r.Get("okx")
	require.Error(t, err)
	assert.False(t, domain.IsUnsupportedExchange(err))

	fail = false
	src, err := r.Get("okx")
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeOKX, src.ID())
}

func TestLoadMarketsFailureDoesNotBlock(t *testing.T) {
	r := NewRegistry(context.Background(), zap.NewNop().Sugar())
	stub := &stubSource{id: domain.ExchangeBinance, loadErr: domain.ErrNetwork, loaded: make(chan struct{})}
	r.Register(domain.ExchangeBinance, func() (domain.Source, error) { return stub, nil })

	src, err := r.Get("binance")
	require.NoError(t, err)
	assert.NotNil(t, src)
	<-stub.loaded
}

func TestExchanges(t *testing.T) {
	r := NewRegistry(context.Background(), zap.NewNop().Sugar())
	r.Register("OKX", nil)
	r.Register(domain.ExchangeBinance, nil)

	assert.Equal(t, []string{"binance", "okx"}, r.Exchanges())
}
