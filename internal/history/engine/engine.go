package engine

import (
	"errors"
	"log/slog"

	"github.com/linkflow/core/internal/history/types"
)

var (
	ErrInvalidEvent       = errors.New("invalid event")
	ErrEventOutOfOrder    = errors.New("event out of order")
	ErrDuplicateTimer     = errors.New("duplicate timer")
	ErrTimerNotFound      = errors.New("timer not found")
	ErrActivityNotFound   = errors.New("activity not found")
	ErrWorkflowNotRunning = errors.New("workflow is not running")
	ErrInvalidEventType   = errors.New("invalid event type")
)

// Engine validates and applies history events against mutable state. It holds
// no state of its own; callers feed it a loaded MutableState.
type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

func (e *Engine) ProcessEvent(state *MutableState, event *types.HistoryEvent) error {
	if err := e.ValidateEvent(state, event); err != nil {
		return err
	}
	return state.ApplyEvent(event)
}

func (e *Engine) ValidateEvent(state *MutableState, event *types.HistoryEvent) error {
	if event == nil {
		return ErrInvalidEvent
	}

	if event.EventID != state.NextEventID {
		return ErrEventOutOfOrder
	}

	switch event.EventType {
	case types.EventTypeWorkflowStarted:
		if event.EventID != 1 {
			return ErrEventOutOfOrder
		}
		return nil
	case types.EventTypeWorkflowCompleted, types.EventTypeWorkflowFailed,
		types.EventTypeWorkflowCanceled, types.EventTypeContinueAsNew:
		return e.validateWorkflowClose(state)
	case types.EventTypeTimerStarted:
		return e.validateTimerStarted(state, event)
	case types.EventTypeTimerFired, types.EventTypeTimerCanceled:
		return e.validateTimerOperation(state, event)
	case types.EventTypeActivityScheduled:
		return e.validateWorkflowRunning(state)
	case types.EventTypeActivityStarted:
		return e.validateActivityStarted(state, event)
	case types.EventTypeActivityCompleted, types.EventTypeActivityFailed, types.EventTypeActivityTimedOut:
		return e.validateActivityClose(state, event)
	case types.EventTypeSignalReceived:
		return nil
	}

	return nil
}

func (e *Engine) validateWorkflowRunning(state *MutableState) error {
	if !state.IsWorkflowRunning() {
		return ErrWorkflowNotRunning
	}
	return nil
}

func (e *Engine) validateWorkflowClose(state *MutableState) error {
	return e.validateWorkflowRunning(state)
}

func (e *Engine) validateTimerStarted(state *MutableState, event *types.HistoryEvent) error {
	if err := e.validateWorkflowRunning(state); err != nil {
		return err
	}
	attrs, ok := event.Attributes.(*types.TimerStartedAttributes)
	if !ok {
		return ErrInvalidEventType
	}
	if _, exists := state.PendingTimers[attrs.TimerID]; exists {
		return ErrDuplicateTimer
	}
	return nil
}

func (e *Engine) validateTimerOperation(state *MutableState, event *types.HistoryEvent) error {
	if err := e.validateWorkflowRunning(state); err != nil {
		return err
	}
	var timerID string
	switch attrs := event.Attributes.(type) {
	case *types.TimerFiredAttributes:
		timerID = attrs.TimerID
	case *types.TimerCanceledAttributes:
		timerID = attrs.TimerID
	default:
		return ErrInvalidEventType
	}
	if _, exists := state.PendingTimers[timerID]; !exists {
		return ErrTimerNotFound
	}
	return nil
}

func (e *Engine) validateActivityStarted(state *MutableState, event *types.HistoryEvent) error {
	if err := e.validateWorkflowRunning(state); err != nil {
		return err
	}
	attrs, ok := event.Attributes.(*types.ActivityStartedAttributes)
	if !ok {
		return ErrInvalidEventType
	}
	if _, exists := state.PendingActivities[attrs.ScheduledEventID]; !exists {
		return ErrActivityNotFound
	}
	return nil
}

func (e *Engine) validateActivityClose(state *MutableState, event *types.HistoryEvent) error {
	if err := e.validateWorkflowRunning(state); err != nil {
		return err
	}
	var scheduledEventID int64
	switch attrs := event.Attributes.(type) {
	case *types.ActivityCompletedAttributes:
		scheduledEventID = attrs.ScheduledEventID
	case *types.ActivityFailedAttributes:
		scheduledEventID = attrs.ScheduledEventID
	case *types.ActivityTimedOutAttributes:
		scheduledEventID = attrs.ScheduledEventID
	default:
		return ErrInvalidEventType
	}
	if _, exists := state.PendingActivities[scheduledEventID]; !exists {
		return ErrActivityNotFound
	}
	return nil
}
