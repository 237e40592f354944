package index

import (
	"fmt"
	"sync"

	"medvault/internal/domain"
	"medvault/internal/port"
)

// MemoryStore is the in-memory reference implementation of IndexStore.
// It holds plaintext vectors and exists for tests and local development;
// the sealed bbolt store is the production path.
type MemoryStore struct {
	dimension int
	metric    domain.Metric

	mu      sync.RWMutex
	live    map[string]port.StoredItem
	staged  map[string]port.StoredItem
	nextSeq uint64
}

func NewMemoryStore(dimension int, metric domain.Metric) *MemoryStore {
	return &MemoryStore{
		dimension: dimension,
		metric:    metric,
		live:      make(map[string]port.StoredItem),
		staged:    make(map[string]port.StoredItem),
	}
}

func (s *MemoryStore) Upsert(items []port.StoredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching state: all or nothing.
	for _, item := range items {
		if len(item.Vector) != s.dimension {
			return domain.WrapError("memstore.upsert",
				fmt.Errorf("%w: expected %d, got %d for %s",
					domain.ErrDimensionMismatch, s.dimension, len(item.Vector), item.ID))
		}
	}

	for _, item := range items {
		item.Seq = s.seqFor(item.ID)
		item.Vector = append([]float32(nil), item.Vector...)
		s.staged[item.ID] = item
	}
	return nil
}

// seqFor keeps the original insertion sequence across upserts of the
// same ID so tie-breaking stays deterministic.
func (s *MemoryStore) seqFor(id string) uint64 {
	if prev, ok := s.staged[id]; ok {
		return prev.Seq
	}
	if prev, ok := s.live[id]; ok {
		return prev.Seq
	}
	s.nextSeq++
	return s.nextSeq
}

func (s *MemoryStore) Rebuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range s.staged {
		s.live[id] = item
	}
	s.staged = make(map[string]port.StoredItem)
	return nil
}

func (s *MemoryStore) Search(query []float32, k int) ([]port.SearchMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(query) != s.dimension {
		return nil, domain.WrapError("memstore.search",
			fmt.Errorf("%w: expected %d, got %d", domain.ErrDimensionMismatch, s.dimension, len(query)))
	}
	return rankItems(s.live, s.metric, query, k), nil
}

func (s *MemoryStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live), nil
}

func (s *MemoryStore) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.staged)
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = make(map[string]port.StoredItem)
	s.staged = make(map[string]port.StoredItem)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
