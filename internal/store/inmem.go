package store

import (
	"context"
	"strings"
	"sync"

	"github.com/quivertree/invoicemem/internal/memory"
)

// InMem is a map-backed memory store for the demo driver and tests.
// Search returns records in insertion order, mirroring the Postgres adapter.
type InMem struct {
	mu      sync.RWMutex
	records map[string]*memory.Memory
	order   []string
}

// NewInMem creates an empty in-memory store.
func NewInMem() *InMem {
	return &InMem{records: make(map[string]*memory.Memory)}
}

// Save upserts a copy of the record so callers never alias stored state.
func (s *InMem) Save(ctx context.Context, m *memory.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[m.ID]; !exists {
		s.order = append(s.order, m.ID)
	}
	cp := *m
	s.records[m.ID] = &cp
	return nil
}

// GetByID returns a copy of the record, or memory.ErrNotFound.
func (s *InMem) GetByID(ctx context.Context, id string) (*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.records[id]
	if !ok {
		return nil, memory.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// SearchByText performs a case-insensitive substring match against content.
func (s *InMem) SearchByText(ctx context.Context, query string, limit int) ([]*memory.Memory, error) {
	if query == "" {
		return nil, nil
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*memory.Memory
	for _, id := range s.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		m := s.records[id]
		if strings.Contains(strings.ToLower(m.Content), needle) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Len reports how many records the store holds.
func (s *InMem) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
