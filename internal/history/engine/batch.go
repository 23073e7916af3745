package engine

import (
	"time"

	"github.com/linkflow/core/internal/history/types"
)

// Batch accumulates the events of a single decision. Each added event is
// assigned the state's next event id, validated, and applied immediately, so
// later decisions in the same batch observe earlier ones.
type Batch struct {
	engine  *Engine
	state   *MutableState
	version int64
	now     time.Time
	events  []*types.HistoryEvent
}

// NewBatch starts a decision batch against a loaded state. The batch version
// is the state's db_version plus one, stamped on every produced event. The
// supplied clock value keeps every event in the batch on one timestamp source.
func NewBatch(engine *Engine, state *MutableState, now time.Time) *Batch {
	return &Batch{
		engine:  engine,
		state:   state,
		version: state.DBVersion + 1,
		now:     now,
	}
}

// Add appends an event of the given type, assigning its id from the state.
func (b *Batch) Add(eventType types.EventType, attrs any) (*types.HistoryEvent, error) {
	event := &types.HistoryEvent{
		EventID:    b.state.NextEventID,
		EventType:  eventType,
		Version:    b.version,
		Timestamp:  b.now,
		Attributes: attrs,
	}
	if err := b.engine.ProcessEvent(b.state, event); err != nil {
		return nil, err
	}
	b.events = append(b.events, event)
	return event, nil
}

func (b *Batch) Events() []*types.HistoryEvent {
	return b.events
}

func (b *Batch) Empty() bool {
	return len(b.events) == 0
}

// ExpectedEventVersion is the max event id the history must hold before this
// batch is appended.
func (b *Batch) ExpectedEventVersion() int64 {
	if len(b.events) == 0 {
		return b.state.NextEventID - 1
	}
	return b.events[0].EventID - 1
}

func (b *Batch) Now() time.Time {
	return b.now
}
