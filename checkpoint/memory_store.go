package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/takt-io/takt/types"
)

// MemoryStore keeps checkpoint logs in memory, one ordered log per
// execution. Suitable for tests and single-process deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]*Checkpoint)}
}

func (s *MemoryStore) Append(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[cp.ExecutionID]
	cp.Sequence = int64(len(log)) + 1
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.logs[cp.ExecutionID] = append(log, cloneCheckpoint(cp))
	return nil
}

func (s *MemoryStore) List(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[executionID]
	out := make([]*Checkpoint, 0, len(log))
	for _, cp := range log {
		out = append(out, cloneCheckpoint(cp))
	}
	return out, nil
}

func (s *MemoryStore) LatestBefore(ctx context.Context, executionID string, stepIndex int) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[executionID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].StepIndex <= stepIndex {
			return cloneCheckpoint(log[i]), nil
		}
	}
	return nil, types.NewErrorf(types.ErrNotFound,
		"no checkpoint at or before step index %d for execution %s", stepIndex, executionID)
}
