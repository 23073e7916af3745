package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linkflow/core/internal/timer"
)

// MemoryStore is an in-memory timer store for tests and local runs. The
// optimistic version check stands in for row locks.
type MemoryStore struct {
	timers map[string]*timer.Timer
	mu     sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{timers: make(map[string]*timer.Timer)}
}

func timerKey(namespaceID, workflowID, runID, timerID string) string {
	return namespaceID + "/" + workflowID + "/" + runID + "/" + timerID
}

func (s *MemoryStore) CreateTimer(ctx context.Context, t *timer.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := timerKey(t.NamespaceID, t.WorkflowID, t.RunID, t.TimerID)
	if _, exists := s.timers[key]; exists {
		return timer.ErrTimerAlreadyExists
	}
	clone := *t
	s.timers[key] = &clone
	return nil
}

func (s *MemoryStore) GetTimer(ctx context.Context, namespaceID, workflowID, runID, timerID string) (*timer.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[timerKey(namespaceID, workflowID, runID, timerID)]
	if !ok {
		return nil, timer.ErrTimerNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *MemoryStore) UpdateTimer(ctx context.Context, t *timer.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := timerKey(t.NamespaceID, t.WorkflowID, t.RunID, t.TimerID)
	current, ok := s.timers[key]
	if !ok {
		return timer.ErrTimerNotFound
	}
	if current.Version != t.Version-1 {
		return timer.ErrOptimisticLockConflict
	}
	clone := *t
	s.timers[key] = &clone
	return nil
}

func (s *MemoryStore) DeleteTimer(ctx context.Context, namespaceID, workflowID, runID, timerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, timerKey(namespaceID, workflowID, runID, timerID))
	return nil
}

func (s *MemoryStore) GetDueTimers(ctx context.Context, shardID int32, fireTime time.Time, limit int) ([]*timer.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*timer.Timer
	for _, t := range s.timers {
		if t.ShardID != shardID || t.Status != timer.StatusPending {
			continue
		}
		if t.FireTime.After(fireTime) {
			continue
		}
		clone := *t
		due = append(due, &clone)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].FireTime.Before(due[j].FireTime) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) GetTimersByExecution(ctx context.Context, namespaceID, workflowID, runID string) ([]*timer.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*timer.Timer
	for _, t := range s.timers {
		if t.NamespaceID == namespaceID && t.WorkflowID == workflowID && t.RunID == runID {
			clone := *t
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FireTime.Before(result[j].FireTime) })
	return result, nil
}

func (s *MemoryStore) CleanupTimers(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for key, t := range s.timers {
		if t.Status == timer.StatusPending {
			continue
		}
		reference := t.FiredAt
		if reference.IsZero() {
			reference = t.CreatedAt
		}
		if reference.Before(olderThan) {
			delete(s.timers, key)
			purged++
		}
	}
	return purged, nil
}
