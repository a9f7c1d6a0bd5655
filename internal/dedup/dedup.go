// Package dedup suppresses repeated processing of the same pushed CDR.
//
// The cache is best-effort: losing it only means a duplicate delivery is
// processed again, which the idempotent bulk upsert tolerates.
package dedup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cache records which formatted CDR ids were written recently.
type Cache interface {
	// Set records key as written at the given time.
	Set(ctx context.Context, key string, at time.Time) error
	// HasKey reports whether key was recorded and not yet swept.
	HasKey(ctx context.Context, key string) (bool, error)
	// DeleteKey forgets key.
	DeleteKey(ctx context.Context, key string) error
}

// Memory is a process-local Cache. Entries are only removed by Clean, never
// on read.
type Memory struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewMemory returns a Memory cache whose sweep interval and entry lifetime
// are both ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

func (m *Memory) Set(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = at
	return nil
}

func (m *Memory) HasKey(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok, nil
}

func (m *Memory) DeleteKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of cached keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// TTL returns the entry lifetime, which is also the sweep interval.
func (m *Memory) TTL() time.Duration {
	return m.ttl
}

// Clean removes every entry recorded more than TTL ago and returns how many
// were removed.
func (m *Memory) Clean() int {
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, at := range m.entries {
		if now.Sub(at) > m.ttl {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps the cache every TTL until ctx is cancelled.
func (m *Memory) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "dedup.memory"))
	log.Info("starting dedup sweeper", zap.Duration("interval", m.ttl))

	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("dedup sweeper stopped")
			return
		case <-ticker.C:
			if n := m.Clean(); n > 0 {
				log.Debug("dedup: swept entries", zap.Int("removed", n), zap.Int("remaining", m.Len()))
			}
		}
	}
}
