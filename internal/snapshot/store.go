// Package snapshot keeps the last payload pushed per instrument for a
// short time so that new subscriptions can start from it.
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/fushengyk/marketws/internal/domain"
)

// Memory is an in-process snapshot store
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	payload []byte
	savedAt time.Time
}

// NewMemory creates a store whose entries expire after ttl
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func (m *Memory) Load(ctx context.Context, kind string, key domain.InstrumentKey) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[entryKey(kind, key)]
	m.mu.RUnlock()

	if !ok || m.now().Sub(e.savedAt) > m.ttl {
		return nil, false, nil
	}
	return e.payload, true, nil
}

func (m *Memory) Save(ctx context.Context, kind string, key domain.InstrumentKey, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entryKey(kind, key)] = entry{payload: payload, savedAt: m.now()}
	return nil
}

// Prune drops expired entries and returns how many are left
func (m *Memory) Prune() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if now.Sub(e.savedAt) > m.ttl {
			delete(m.entries, k)
		}
	}
	return len(m.entries)
}

// Run prunes expired entries every ttl until ctx ends
func (m *Memory) Run(ctx context.Context) {
	every := m.ttl
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Prune()
		}
	}
}

func entryKey(kind string, key domain.InstrumentKey) string {
	return kind + ":" + key.String()
}
