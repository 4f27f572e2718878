package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists schedules keyed by item ID.
type Store interface {
	// Get returns ErrNotFound when the item has no schedule.
	Get(ctx context.Context, itemID string) (*Schedule, error)
	// Save creates or replaces the schedule of s.ItemID.
	Save(ctx context.Context, s *Schedule) error
	// ListActive returns active schedules of ownerID, or of every owner when
	// ownerID is empty.
	ListActive(ctx context.Context, ownerID string) ([]*Schedule, error)
}

// MemoryStore keeps schedules in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Schedule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Schedule)}
}

func (m *MemoryStore) Get(_ context.Context, itemID string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[itemID]
	if !ok {
		return nil, fmt.Errorf("getting schedule %s: %w", itemID, ErrNotFound)
	}
	return s.clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[s.ItemID] = s.clone()
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context, ownerID string) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Schedule
	for _, s := range m.items {
		if !s.IsActive || (ownerID != "" && s.OwnerID != ownerID) {
			continue
		}
		out = append(out, s.clone())
	}
	sortByNextRun(out)
	return out, nil
}

func sortByNextRun(list []*Schedule) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].NextRunAt.Equal(list[j].NextRunAt) {
			return list[i].ItemID < list[j].ItemID
		}
		return list[i].NextRunAt.Before(list[j].NextRunAt)
	})
}
