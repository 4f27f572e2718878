package history

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps results in process memory. It backs the memory
// deployment mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	seen    map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

func (s *MemoryStore) Save(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[r.ID] {
		return nil
	}
	s.seen[r.ID] = true
	r.Result = append([]byte(nil), r.Result...)
	s.records = append(s.records, r)
	return nil
}

func (s *MemoryStore) List(_ context.Context, ownerID, itemID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.records {
		if r.OwnerID == ownerID && r.ItemID == itemID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
