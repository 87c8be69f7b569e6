package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fushengyk/marketws/internal/domain"
)

type watchResult struct {
	ticker *domain.Ticker
	book   *domain.OrderBook
	err    error
}

// fakeSource hands out results queued per key and tracks how many watch
// calls are in flight for each key.
type fakeSource struct {
	mu        sync.Mutex
	feeds     map[domain.InstrumentKey]chan watchResult
	active    map[domain.InstrumentKey]int
	maxActive map[domain.InstrumentKey]int
	depths    []int

	// when set, watch calls ignore ctx until it is closed
	stubborn chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		feeds:     make(map[domain.InstrumentKey]chan watchResult),
		active:    make(map[domain.InstrumentKey]int),
		maxActive: make(map[domain.InstrumentKey]int),
	}
}

func (f *fakeSource) ID() domain.ExchangeID { return domain.ExchangeBinance }

func (f *fakeSource) LoadMarkets(ctx context.Context) error { return nil }

func (f *fakeSource) feed(key domain.InstrumentKey) chan watchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.feeds[key]
	if !ok {
		ch = make(chan watchResult, 64)
		f.feeds[key] = ch
	}
	return ch
}

func (f *fakeSource) push(key domain.InstrumentKey, r watchResult) {
	f.feed(key) <- r
}

func (f *fakeSource) inFlight(key domain.InstrumentKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[key]
}

func (f *fakeSource) peak(key domain.InstrumentKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive[key]
}

func (f *fakeSource) watch(ctx context.Context, key domain.InstrumentKey) watchResult {
	ch := f.feed(key)

	f.mu.Lock()
	f.active[key]++
	if f.active[key] > f.maxActive[key] {
		f.maxActive[key] = f.active[key]
	}
	stubborn := f.stubborn
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[key]--
		f.mu.Unlock()
	}()

	if stubborn != nil {
		select {
		case r := <-ch:
			return r
		case <-stubborn:
			return watchResult{err: domain.ErrNetwork}
		}
	}
	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return watchResult{err: ctx.Err()}
	}
}

func (f *fakeSource) WatchTicker(ctx context.Context, key domain.InstrumentKey) (*domain.Ticker, error) {
	r := f.watch(ctx, key)
	return r.ticker, r.err
}

func (f *fakeSource) WatchOrderBook(ctx context.Context, key domain.InstrumentKey, depth int) (*domain.OrderBook, error) {
	f.mu.Lock()
	f.depths = append(f.depths, depth)
	f.mu.Unlock()
	r := f.watch(ctx, key)
	return r.book, r.err
}

// fakeConn is an in-memory client connection. The test writes client
// frames into in and reads server frames from out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

var errConnClosed = errors.New("use of closed connection")

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	case c.out <- data:
		return nil
	}
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *fakeConn) SetReadLimit(limit int64)                    {}
func (c *fakeConn) SetReadDeadline(t time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(h func(appData string) error) {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// memStore is a SnapshotStore backed by a map
type memStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	count int
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Load(ctx context.Context, kind string, key domain.InstrumentKey) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[kind+"|"+key.String()]
	return v, ok, nil
}

func (m *memStore) Save(ctx context.Context, kind string, key domain.InstrumentKey, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[kind+"|"+key.String()] = payload
	m.count++
	return nil
}

func (m *memStore) saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

func testOptions() Options {
	return Options{
		RetryBackoff:   10 * time.Millisecond,
		TeardownGrace:  200 * time.Millisecond,
		SubscribeDepth: 100,
		ClientDepth:    20,
		WriteTimeout:   time.Second,
		SendBuffer:     64,
	}
}

func newTestSession(kind Kind, src domain.Source, opts Options, deps Deps) (*Session, *fakeConn) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	conn := newFakeConn()
	return NewSession(kind, src, conn, opts, deps), conn
}

func key(symbol string, market domain.MarketType) domain.InstrumentKey {
	return domain.NewInstrumentKey(domain.ExchangeBinance, market, symbol)
}

func control(action, symbol, market string) []byte {
	b, _ := json.Marshal(map[string]string{"action": action, "symbol": symbol, "marketType": market})
	return b
}

func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

// queued reads the next message a session queued without a writer running.
func queued(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case raw := <-s.out.queue:
		return decode(t, raw)
	case <-time.After(2 * time.Second):
		t.Fatal("no message queued")
		return nil
	}
}

func assertNothingQueued(t *testing.T, s *Session, wait time.Duration) {
	t.Helper()
	select {
	case raw := <-s.out.queue:
		t.Fatalf("unexpected message: %s", raw)
	case <-time.After(wait):
	}
}

// written reads the next frame the session wrote to the client.
func written(t *testing.T, c *fakeConn) map[string]any {
	t.Helper()
	select {
	case raw := <-c.out:
		return decode(t, raw)
	case <-time.After(2 * time.Second):
		t.Fatal("nothing written")
		return nil
	}
}

func ticker(last, pct float64) *domain.Ticker {
	return &domain.Ticker{
		Symbol:     "BTC/USDT",
		MarketType: domain.MarketSpot,
		Last:       domain.Float(last),
		Percentage: domain.Float(pct),
		Timestamp:  time.Now().UnixMilli(),
	}
}
