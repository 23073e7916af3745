package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/linkflow/core/internal/history/engine"
	"github.com/linkflow/core/internal/history/types"
)

// MemoryEventStore is an in-memory EventStore for tests and local runs.
type MemoryEventStore struct {
	events map[types.ExecutionKey]map[int64]*types.HistoryEvent
	mu     sync.RWMutex
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[types.ExecutionKey]map[int64]*types.HistoryEvent),
	}
}

func (s *MemoryEventStore) AppendEvents(ctx context.Context, key types.ExecutionKey, evts []*types.HistoryEvent, expectedVersion int64) error {
	if len(evts) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.events[key]
	if run == nil {
		run = make(map[int64]*types.HistoryEvent)
		s.events[key] = run
	}

	if expectedVersion >= 0 {
		var maxEventID int64
		for id := range run {
			if id > maxEventID {
				maxEventID = id
			}
		}
		if maxEventID != expectedVersion {
			return fmt.Errorf("%w: have %d, expected %d", types.ErrVersionMismatch, maxEventID, expectedVersion)
		}
	}

	for _, event := range evts {
		if _, exists := run[event.EventID]; exists {
			continue
		}
		run[event.EventID] = event
	}
	return nil
}

func (s *MemoryEventStore) GetEvents(ctx context.Context, key types.ExecutionKey, firstEventID, lastEventID int64) ([]*types.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*types.HistoryEvent, 0)
	run := s.events[key]
	for id := firstEventID; id <= lastEventID; id++ {
		if event, ok := run[id]; ok {
			result = append(result, event)
		}
	}
	return result, nil
}

func (s *MemoryEventStore) GetEventCount(ctx context.Context, key types.ExecutionKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events[key])), nil
}

func (s *MemoryEventStore) GetLatestEventID(ctx context.Context, key types.ExecutionKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxEventID int64
	for id := range s.events[key] {
		if id > maxEventID {
			maxEventID = id
		}
	}
	return maxEventID, nil
}

func (s *MemoryEventStore) DeleteEvents(ctx context.Context, key types.ExecutionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, key)
	return nil
}

// MemoryMutableStateStore is an in-memory MutableStateStore. It serializes on
// write and deserializes on read so tests exercise the same round-trip rules
// as the durable store, including empty-map normalization.
type MemoryMutableStateStore struct {
	states     map[types.ExecutionKey][]byte
	versions   map[types.ExecutionKey]int64
	nextEvents map[types.ExecutionKey]int64
	serializer *stateSerializer
	mu         sync.RWMutex
}

func NewMemoryMutableStateStore() *MemoryMutableStateStore {
	return &MemoryMutableStateStore{
		states:     make(map[types.ExecutionKey][]byte),
		versions:   make(map[types.ExecutionKey]int64),
		nextEvents: make(map[types.ExecutionKey]int64),
		serializer: newStateSerializer(),
	}
}

func (s *MemoryMutableStateStore) GetMutableState(ctx context.Context, key types.ExecutionKey) (*engine.MutableState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.states[key]
	if !ok {
		return nil, types.ErrExecutionNotFound
	}

	state, err := s.serializer.Deserialize(data)
	if err != nil {
		return nil, err
	}
	state.NextEventID = s.nextEvents[key]
	state.DBVersion = s.versions[key]
	return state, nil
}

func (s *MemoryMutableStateStore) UpdateMutableState(ctx context.Context, key types.ExecutionKey, state *engine.MutableState, expectedVersion int64) error {
	data, err := s.serializer.Serialize(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.versions[key]
	if !exists {
		if expectedVersion != 0 {
			return types.ErrOptimisticLock
		}
	} else if current != expectedVersion {
		return types.ErrOptimisticLock
	}

	s.states[key] = data
	s.versions[key] = expectedVersion + 1
	s.nextEvents[key] = state.NextEventID
	state.DBVersion = expectedVersion + 1
	return nil
}

func (s *MemoryMutableStateStore) DeleteMutableState(ctx context.Context, key types.ExecutionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	delete(s.versions, key)
	delete(s.nextEvents, key)
	return nil
}

func (s *MemoryMutableStateStore) ListRunningExecutions(ctx context.Context) ([]types.ExecutionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []types.ExecutionKey
	for key, data := range s.states {
		state, err := s.serializer.Deserialize(data)
		if err != nil {
			continue
		}
		if state.IsWorkflowRunning() {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// MemoryStartRequestStore is an in-memory StartRequestStore.
type MemoryStartRequestStore struct {
	requests map[string]string
	mu       sync.Mutex
}

func NewMemoryStartRequestStore() *MemoryStartRequestStore {
	return &MemoryStartRequestStore{requests: make(map[string]string)}
}

func (s *MemoryStartRequestStore) Register(ctx context.Context, namespaceID, workflowID, requestID, runID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requestKey := namespaceID + "/" + workflowID + "/" + requestID
	if existing, ok := s.requests[requestKey]; ok {
		return existing, false, nil
	}
	s.requests[requestKey] = runID
	return runID, true, nil
}
