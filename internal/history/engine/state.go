package engine

import (
	"time"

	"github.com/linkflow/core/internal/history/types"
)

// MutableState is the current snapshot of one run. It is rebuilt from history
// on demand and persisted with an optimistic db_version; every decision batch
// mutates a loaded copy and writes it back at the expected version.
type MutableState struct {
	ExecutionInfo     *types.ExecutionInfo
	NextEventID       int64
	PendingActivities map[int64]*types.ActivityInfo
	PendingTimers     map[string]*types.TimerInfo
	CompletedNodes    map[string]*types.NodeResult
	BufferedEvents    []*types.HistoryEvent
	DBVersion         int64
}

func NewMutableState(info *types.ExecutionInfo) *MutableState {
	return &MutableState{
		ExecutionInfo:     info,
		NextEventID:       1,
		PendingActivities: make(map[int64]*types.ActivityInfo),
		PendingTimers:     make(map[string]*types.TimerInfo),
		CompletedNodes:    make(map[string]*types.NodeResult),
		BufferedEvents:    make([]*types.HistoryEvent, 0),
		DBVersion:         0,
	}
}

// Normalize replaces nil collection fields with empty containers. Stores call
// it after deserialization so callers never see nil maps.
func (ms *MutableState) Normalize() {
	if ms.PendingActivities == nil {
		ms.PendingActivities = make(map[int64]*types.ActivityInfo)
	}
	if ms.PendingTimers == nil {
		ms.PendingTimers = make(map[string]*types.TimerInfo)
	}
	if ms.CompletedNodes == nil {
		ms.CompletedNodes = make(map[string]*types.NodeResult)
	}
	if ms.BufferedEvents == nil {
		ms.BufferedEvents = make([]*types.HistoryEvent, 0)
	}
}

func (ms *MutableState) Clone() *MutableState {
	clone := &MutableState{
		ExecutionInfo:     ms.cloneExecutionInfo(),
		NextEventID:       ms.NextEventID,
		PendingActivities: make(map[int64]*types.ActivityInfo, len(ms.PendingActivities)),
		PendingTimers:     make(map[string]*types.TimerInfo, len(ms.PendingTimers)),
		CompletedNodes:    make(map[string]*types.NodeResult, len(ms.CompletedNodes)),
		BufferedEvents:    make([]*types.HistoryEvent, len(ms.BufferedEvents)),
		DBVersion:         ms.DBVersion,
	}

	for k, v := range ms.PendingActivities {
		clone.PendingActivities[k] = cloneActivityInfo(v)
	}
	for k, v := range ms.PendingTimers {
		clone.PendingTimers[k] = cloneTimerInfo(v)
	}
	for k, v := range ms.CompletedNodes {
		clone.CompletedNodes[k] = cloneNodeResult(v)
	}
	copy(clone.BufferedEvents, ms.BufferedEvents)

	return clone
}

func (ms *MutableState) cloneExecutionInfo() *types.ExecutionInfo {
	if ms.ExecutionInfo == nil {
		return nil
	}
	info := *ms.ExecutionInfo
	info.Input = append([]byte(nil), ms.ExecutionInfo.Input...)
	info.Definition = append([]byte(nil), ms.ExecutionInfo.Definition...)
	if ms.ExecutionInfo.Deterministic != nil {
		det := *ms.ExecutionInfo.Deterministic
		info.Deterministic = &det
	}
	return &info
}

func cloneActivityInfo(ai *types.ActivityInfo) *types.ActivityInfo {
	if ai == nil {
		return nil
	}
	clone := *ai
	clone.Input = append([]byte(nil), ai.Input...)
	return &clone
}

func cloneTimerInfo(ti *types.TimerInfo) *types.TimerInfo {
	if ti == nil {
		return nil
	}
	clone := *ti
	return &clone
}

func cloneNodeResult(nr *types.NodeResult) *types.NodeResult {
	if nr == nil {
		return nil
	}
	clone := *nr
	clone.Output = append([]byte(nil), nr.Output...)
	clone.FailureDetails = append([]byte(nil), nr.FailureDetails...)
	return &clone
}

// ApplyEvent folds one history event into the snapshot. Replaying the full
// history through ApplyEvent reproduces the state byte for byte.
func (ms *MutableState) ApplyEvent(event *types.HistoryEvent) error {
	switch event.EventType {
	case types.EventTypeWorkflowStarted:
		ms.applyWorkflowStarted(event)
	case types.EventTypeWorkflowCompleted:
		ms.ExecutionInfo.Status = types.ExecutionStatusCompleted
		ms.ExecutionInfo.CloseTime = event.Timestamp
	case types.EventTypeWorkflowFailed:
		ms.applyWorkflowFailed(event)
	case types.EventTypeWorkflowCanceled:
		ms.ExecutionInfo.Status = types.ExecutionStatusCanceled
		ms.ExecutionInfo.CloseTime = event.Timestamp
	case types.EventTypeActivityScheduled:
		ms.applyActivityScheduled(event)
	case types.EventTypeActivityStarted:
		ms.applyActivityStarted(event)
	case types.EventTypeActivityCompleted:
		ms.applyActivityCompleted(event)
	case types.EventTypeActivityFailed:
		ms.applyActivityFailed(event)
	case types.EventTypeActivityTimedOut:
		ms.applyActivityTimedOut(event)
	case types.EventTypeTimerStarted:
		ms.applyTimerStarted(event)
	case types.EventTypeTimerFired:
		ms.applyTimerFired(event)
	case types.EventTypeTimerCanceled:
		ms.applyTimerCanceled(event)
	case types.EventTypeContinueAsNew:
		ms.ExecutionInfo.Status = types.ExecutionStatusCompleted
		ms.ExecutionInfo.CloseTime = event.Timestamp
	case types.EventTypeSignalReceived:
		// Signal handling happens at decision time; the event itself does not
		// alter the snapshot.
	}

	ms.NextEventID = event.EventID + 1
	return nil
}

func (ms *MutableState) applyWorkflowStarted(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.WorkflowStartedAttributes)
	if !ok {
		return
	}
	ms.ExecutionInfo.WorkflowType = attrs.WorkflowType
	ms.ExecutionInfo.TaskQueue = attrs.TaskQueue
	ms.ExecutionInfo.Input = attrs.Input
	ms.ExecutionInfo.RequestID = attrs.RequestID
	ms.ExecutionInfo.CallbackURL = attrs.CallbackURL
	ms.ExecutionInfo.Definition = attrs.Definition
	ms.ExecutionInfo.Credentials = attrs.Credentials
	ms.ExecutionInfo.Deterministic = attrs.Deterministic
	ms.ExecutionInfo.Status = types.ExecutionStatusRunning
	ms.ExecutionInfo.StartTime = event.Timestamp
}

func (ms *MutableState) applyWorkflowFailed(event *types.HistoryEvent) {
	ms.ExecutionInfo.Status = types.ExecutionStatusFailed
	ms.ExecutionInfo.CloseTime = event.Timestamp
	if attrs, ok := event.Attributes.(*types.WorkflowFailedAttributes); ok {
		ms.ExecutionInfo.FailedNodeID = attrs.FailedNodeID
	}
}

func (ms *MutableState) applyActivityScheduled(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.ActivityScheduledAttributes)
	if !ok {
		return
	}
	// A reschedule (retry) supersedes any failed result for the node.
	delete(ms.CompletedNodes, attrs.NodeID)
	ms.PendingActivities[event.EventID] = &types.ActivityInfo{
		ScheduledEventID: event.EventID,
		NodeID:           attrs.NodeID,
		NodeType:         attrs.NodeType,
		TaskQueue:        attrs.TaskQueue,
		Input:            attrs.Input,
		ScheduledTime:    event.Timestamp,
		Attempt:          attrs.Attempt,
		MaxAttempts:      attrs.MaxAttempts,
		Timeout:          attrs.Timeout,
		SignalName:       attrs.SignalName,
	}
}

func (ms *MutableState) applyActivityStarted(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.ActivityStartedAttributes)
	if !ok {
		return
	}
	if ai, exists := ms.PendingActivities[attrs.ScheduledEventID]; exists {
		ai.StartedEventID = event.EventID
		ai.StartedTime = event.Timestamp
		ai.Attempt = attrs.Attempt
	}
}

func (ms *MutableState) applyActivityCompleted(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.ActivityCompletedAttributes)
	if !ok {
		return
	}
	ms.CompletedNodes[attrs.NodeID] = &types.NodeResult{
		NodeID:        attrs.NodeID,
		CompletedTime: event.Timestamp,
		Output:        attrs.Result,
	}
	delete(ms.PendingActivities, attrs.ScheduledEventID)
}

func (ms *MutableState) applyActivityFailed(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.ActivityFailedAttributes)
	if !ok {
		return
	}
	ms.CompletedNodes[attrs.NodeID] = &types.NodeResult{
		NodeID:         attrs.NodeID,
		CompletedTime:  event.Timestamp,
		Failed:         true,
		FailureReason:  attrs.Reason,
		FailureDetails: attrs.Details,
	}
	delete(ms.PendingActivities, attrs.ScheduledEventID)
}

func (ms *MutableState) applyActivityTimedOut(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.ActivityTimedOutAttributes)
	if !ok {
		return
	}
	ms.CompletedNodes[attrs.NodeID] = &types.NodeResult{
		NodeID:        attrs.NodeID,
		CompletedTime: event.Timestamp,
		Failed:        true,
		FailureReason: "activity timed out",
	}
	delete(ms.PendingActivities, attrs.ScheduledEventID)
}

func (ms *MutableState) applyTimerStarted(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.TimerStartedAttributes)
	if !ok {
		return
	}
	fireTime := attrs.FireTime
	if fireTime.IsZero() {
		fireTime = event.Timestamp.Add(attrs.StartToFire)
	}
	ms.PendingTimers[attrs.TimerID] = &types.TimerInfo{
		TimerID:        attrs.TimerID,
		StartedEventID: event.EventID,
		NodeID:         attrs.NodeID,
		FireTime:       fireTime,
	}
}

func (ms *MutableState) applyTimerFired(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.TimerFiredAttributes)
	if !ok {
		return
	}
	if ti, exists := ms.PendingTimers[attrs.TimerID]; exists && ti.NodeID != "" {
		ms.CompletedNodes[ti.NodeID] = &types.NodeResult{
			NodeID:        ti.NodeID,
			CompletedTime: event.Timestamp,
		}
	}
	delete(ms.PendingTimers, attrs.TimerID)
}

func (ms *MutableState) applyTimerCanceled(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.TimerCanceledAttributes)
	if !ok {
		return
	}
	delete(ms.PendingTimers, attrs.TimerID)
}

func (ms *MutableState) AddBufferedEvent(event *types.HistoryEvent) {
	ms.BufferedEvents = append(ms.BufferedEvents, event)
}

func (ms *MutableState) ClearBufferedEvents() {
	ms.BufferedEvents = ms.BufferedEvents[:0]
}

// FindPendingActivityByNode returns the live activity for a node, if any.
func (ms *MutableState) FindPendingActivityByNode(nodeID string) (*types.ActivityInfo, bool) {
	for _, ai := range ms.PendingActivities {
		if ai.NodeID == nodeID {
			return ai, true
		}
	}
	return nil, false
}

// FindWaitingActivity returns the pending signal-wait activity for a signal.
func (ms *MutableState) FindWaitingActivity(signalName string) (*types.ActivityInfo, bool) {
	for _, ai := range ms.PendingActivities {
		if ai.SignalName == signalName {
			return ai, true
		}
	}
	return nil, false
}

// HasOutstandingWork reports whether anything is still scheduled or waiting.
func (ms *MutableState) HasOutstandingWork() bool {
	return len(ms.PendingActivities) > 0 || len(ms.PendingTimers) > 0
}

func (ms *MutableState) IsWorkflowRunning() bool {
	return ms.ExecutionInfo != nil && ms.ExecutionInfo.Status.IsRunning()
}

func (ms *MutableState) GetStartTime() time.Time {
	if ms.ExecutionInfo == nil {
		return time.Time{}
	}
	return ms.ExecutionInfo.StartTime
}

func (ms *MutableState) GetCloseTime() time.Time {
	if ms.ExecutionInfo == nil {
		return time.Time{}
	}
	return ms.ExecutionInfo.CloseTime
}
