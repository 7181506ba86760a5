package plan

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps plans in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	plans map[string]*Plan
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]*Plan)}
}

func (s *MemoryStore) Create(_ context.Context, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[p.ID]; exists {
		return fmt.Errorf("plan %s already exists", p.ID)
	}
	s.plans[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.plans[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("%w: %s at version %d, have %d", ErrConflict, p.ID, cur.Version, p.Version)
	}
	p.Version++
	s.plans[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, projectID string) ([]*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Plan
	for _, p := range s.plans {
		if projectID == "" || p.ProjectID == projectID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
