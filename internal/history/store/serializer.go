package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/linkflow/core/internal/history/engine"
	"github.com/linkflow/core/internal/history/events"
	"github.com/linkflow/core/internal/history/types"
)

// stateSerializer round-trips mutable state. Buffered events go through the
// event serializer because their attributes are interface-typed and would not
// survive a plain json.Unmarshal.
type stateSerializer struct {
	events *events.Serializer
}

func newStateSerializer() *stateSerializer {
	return &stateSerializer{events: events.NewJSONSerializer()}
}

type serializedState struct {
	ExecutionInfo     *types.ExecutionInfo           `json:"execution_info"`
	NextEventID       int64                          `json:"next_event_id"`
	PendingActivities map[int64]*types.ActivityInfo  `json:"pending_activities,omitempty"`
	PendingTimers     map[string]*types.TimerInfo    `json:"pending_timers,omitempty"`
	CompletedNodes    map[string]*types.NodeResult   `json:"completed_nodes,omitempty"`
	BufferedEvents    [][]byte                       `json:"buffered_events,omitempty"`
}

func (s *stateSerializer) Serialize(state *engine.MutableState) ([]byte, error) {
	ss := serializedState{
		ExecutionInfo:     state.ExecutionInfo,
		NextEventID:       state.NextEventID,
		PendingActivities: state.PendingActivities,
		PendingTimers:     state.PendingTimers,
		CompletedNodes:    state.CompletedNodes,
	}
	for _, event := range state.BufferedEvents {
		data, err := s.events.Serialize(event)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize buffered event: %w", err)
		}
		ss.BufferedEvents = append(ss.BufferedEvents, data)
	}
	return json.Marshal(ss)
}

func (s *stateSerializer) Deserialize(data []byte) (*engine.MutableState, error) {
	var ss serializedState
	if err := json.Unmarshal(data, &ss); err != nil {
		return nil, err
	}
	state := &engine.MutableState{
		ExecutionInfo:     ss.ExecutionInfo,
		NextEventID:       ss.NextEventID,
		PendingActivities: ss.PendingActivities,
		PendingTimers:     ss.PendingTimers,
		CompletedNodes:    ss.CompletedNodes,
	}
	for _, blob := range ss.BufferedEvents {
		event, err := s.events.Deserialize(blob)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize buffered event: %w", err)
		}
		state.BufferedEvents = append(state.BufferedEvents, event)
	}
	state.Normalize()
	return state, nil
}

// Checksum guards the state blob against silent corruption of the column.
func Checksum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
