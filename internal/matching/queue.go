package matching

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// TaskStore is the pluggable queue backend for one (namespace, task_queue)
// pair. Implementations order pollable tasks by priority, ties broken by
// earlier scheduled_at, and hold back tasks whose visible_at is in the
// future.
type TaskStore interface {
	Add(ctx context.Context, task *Task) error
	// PollReady removes and returns the best pollable task, or nil.
	PollReady(ctx context.Context, now time.Time) (*Task, error)
	// Requeue puts a task back with a new visibility time.
	Requeue(ctx context.Context, task *Task, visibleAt time.Time) error
	// Remove drops a pending task by ID.
	Remove(ctx context.Context, taskID string) (bool, error)
	Len(ctx context.Context) (int, error)
}

// readyHeap orders pollable tasks: higher priority first, then earlier
// scheduled_at.
type readyHeap []*Task

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ScheduledAt.Before(h[j].ScheduledAt)
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}

// waitingHeap orders not-yet-visible tasks by visible_at.
type waitingHeap []*Task

func (h waitingHeap) Len() int           { return len(h) }
func (h waitingHeap) Less(i, j int) bool { return h[i].VisibleAt.Before(h[j].VisibleAt) }
func (h waitingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *waitingHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *waitingHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}

// MemoryTaskStore is the in-memory TaskStore: a priority heap for pollable
// tasks and a time heap for delayed or redelivered ones.
type MemoryTaskStore struct {
	ready   readyHeap
	waiting waitingHeap
	ids     map[string]struct{}
	mu      sync.Mutex
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{ids: make(map[string]struct{})}
}

func (s *MemoryTaskStore) Add(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[task.ID]; exists {
		return ErrTaskExists
	}
	s.ids[task.ID] = struct{}{}
	s.push(task, time.Now())
	return nil
}

func (s *MemoryTaskStore) push(task *Task, now time.Time) {
	if task.VisibleAt.After(now) {
		heap.Push(&s.waiting, task)
		return
	}
	heap.Push(&s.ready, task)
}

func (s *MemoryTaskStore) promote(now time.Time) {
	for s.waiting.Len() > 0 && !s.waiting[0].VisibleAt.After(now) {
		task := heap.Pop(&s.waiting).(*Task)
		heap.Push(&s.ready, task)
	}
}

func (s *MemoryTaskStore) PollReady(ctx context.Context, now time.Time) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.promote(now)
	if s.ready.Len() == 0 {
		return nil, nil
	}
	task := heap.Pop(&s.ready).(*Task)
	delete(s.ids, task.ID)
	return task, nil
}

func (s *MemoryTaskStore) Requeue(ctx context.Context, task *Task, visibleAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[task.ID]; exists {
		return nil
	}
	task.VisibleAt = visibleAt
	s.ids[task.ID] = struct{}{}
	s.push(task, time.Now())
	return nil
}

func (s *MemoryTaskStore) Remove(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[taskID]; !exists {
		return false, nil
	}
	delete(s.ids, taskID)

	for i, task := range s.ready {
		if task.ID == taskID {
			heap.Remove(&s.ready, i)
			return true, nil
		}
	}
	for i, task := range s.waiting {
		if task.ID == taskID {
			heap.Remove(&s.waiting, i)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryTaskStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids), nil
}
