package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transferbook/internal/domain"
)

// Manager hands out one Store per session id so that concurrent requests of
// the same session share a single draft.
type Manager struct {
	repo   domain.DraftRepository
	logger *zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	stores map[string]*entry
}

type entry struct {
	store    *Store
	lastUsed time.Time
}

func NewManager(repo domain.DraftRepository, logger *zerolog.Logger) *Manager {
	return &Manager{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		stores: make(map[string]*entry),
	}
}

// Open returns the store for sessionID, loading it from storage on first use.
func (m *Manager) Open(ctx context.Context, sessionID string) *Store {
	m.mu.Lock()
	e, ok := m.stores[sessionID]
	if ok {
		e.lastUsed = m.now()
		m.mu.Unlock()
		return e.store
	}
	store := NewStore(m.repo, sessionID, m.logger)
	m.stores[sessionID] = &entry{store: store, lastUsed: m.now()}
	m.mu.Unlock()

	store.Load(ctx)
	return store
}

// Forget drops the cached store; the next Open reloads from storage.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.stores, sessionID)
	m.mu.Unlock()
}

// Sweep evicts stores idle for longer than maxIdle and returns how many were dropped.
func (m *Manager) Sweep(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.stores {
		if e.lastUsed.Before(cutoff) {
			delete(m.stores, id)
			n++
		}
	}
	return n
}

// RunSweeper evicts idle stores until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(maxIdle); n > 0 {
				m.logger.Debug().Int("evicted", n).Msg("session stores swept")
			}
		}
	}
}
