package preview

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
)

// MemoryStore keeps previews in process memory.
type MemoryStore struct {
	mu           sync.Mutex
	maxDimension int
	previews     map[Handle]*Preview
	owners       map[Handle]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(maxDimension int) *MemoryStore {
	return &MemoryStore{
		maxDimension: maxDimension,
		previews:     make(map[Handle]*Preview),
		owners:       make(map[Handle]string),
	}
}

func (s *MemoryStore) Render(candidate *diagnosis.ImageCandidate) *Preview {
	return Render(candidate, s.maxDimension)
}

func (s *MemoryStore) Acquire(ctx context.Context, sessionID string, rendered *Preview) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle := Handle(uuid.NewString())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.previews[handle] = rendered
	s.owners[handle] = sessionID
	return handle, nil
}

func (s *MemoryStore) Release(_ context.Context, handle Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.previews[handle]; !ok {
		return ErrNotFound
	}
	delete(s.previews, handle)
	delete(s.owners, handle)
	return nil
}

func (s *MemoryStore) Open(_ context.Context, handle Handle) (*Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.previews[handle]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Live returns how many handles the session currently holds.
func (s *MemoryStore) Live(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, owner := range s.owners {
		if owner == sessionID {
			n++
		}
	}
	return n
}

// Len returns the total number of live handles.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.previews)
}
