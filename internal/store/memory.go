package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blinkmarket/flash-engine/internal/model"
)

// MemoryStore implements Store with an ordered slice of active markets and a
// bounded history slice, guarded by one RWMutex so each mutation is observed
// whole or not at all.
type MemoryStore struct {
	mu          sync.RWMutex
	active      []model.Market
	recent      []model.Market
	historySize int
}

// NewMemoryStore creates an empty store keeping at most historySize resolved
// markets. A non-positive size uses DefaultHistorySize.
func NewMemoryStore(historySize int) *MemoryStore {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &MemoryStore{historySize: historySize}
}

func (s *MemoryStore) Add(_ context.Context, m model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(m.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, m.ID)
	}
	s.active = append(s.active, m.Clone())
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexOf(id); i >= 0 {
		return s.active[i].Clone(), nil
	}
	for _, m := range s.recent {
		if m.ID == id {
			return m.Clone(), nil
		}
	}
	return model.Market{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *MemoryStore) Active(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.active), nil
}

func (s *MemoryStore) Recent(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.recent), nil
}

func (s *MemoryStore) ActiveCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active), nil
}

func (s *MemoryStore) UpdateActive(_ context.Context, id string, fn func(*model.Market) error) (model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return model.Market{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m := s.active[i].Clone()
	if err := fn(&m); err != nil {
		return model.Market{}, err
	}
	s.active[i] = m
	return m.Clone(), nil
}

// Expire partitions the active markets at now. Resolution runs on every
// expired market before anything is committed; if any resolve call fails
// the store is left exactly as it was.
func (s *MemoryStore) Expire(_ context.Context, now time.Time, resolve ResolveFunc) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		still    = make([]model.Market, 0, len(s.active))
		resolved []model.Market
	)
	for _, m := range s.active {
		if !m.Expired(now) {
			still = append(still, m)
			continue
		}
		r, err := resolve(m.Clone())
		if err != nil {
			return nil, fmt.Errorf("resolve market %s: %w", m.ID, err)
		}
		resolved = append(resolved, r)
	}
	if len(resolved) == 0 {
		return nil, nil
	}

	history := make([]model.Market, 0, len(resolved)+len(s.recent))
	history = append(history, resolved...)
	history = append(history, s.recent...)
	if len(history) > s.historySize {
		history = history[:s.historySize]
	}

	s.active = still
	s.recent = history
	return cloneAll(resolved), nil
}

// indexOf must be called with s.mu held.
func (s *MemoryStore) indexOf(id string) int {
	for i := range s.active {
		if s.active[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneAll(ms []model.Market) []model.Market {
	out := make([]model.Market, len(ms))
	for i, m := range ms {
		out[i] = m.Clone()
	}
	return out
}
