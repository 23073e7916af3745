package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	histengine "github.com/linkflow/core/internal/history/engine"
	"github.com/linkflow/core/internal/history/store"
	"github.com/linkflow/core/internal/history/types"
	"github.com/linkflow/core/internal/matching"
	"github.com/linkflow/core/internal/timer"
	"github.com/linkflow/core/internal/visibility"

	"github.com/linkflow/core/internal/execution/expr"
	"github.com/linkflow/core/internal/execution/graph"
)

var (
	ErrInvalidWorkflow    = errors.New("invalid workflow definition")
	ErrWorkflowNotRunning = histengine.ErrWorkflowNotRunning
	ErrConflictRetries    = errors.New("decision batch retries exhausted")
	ErrNotTerminal        = errors.New("execution has not reached a terminal state")
)

// Node types the engine interprets itself instead of dispatching to a worker.
const (
	NodeTypeDelay = "delay"
	NodeTypeWait  = "wait"
)

const taskTypeActivity = "activity"

// TaskDispatcher is the slice of the matching service the engine uses.
type TaskDispatcher interface {
	Enqueue(ctx context.Context, task *matching.Task) error
	RemoveTask(ctx context.Context, namespace, taskQueue, taskID string) (bool, error)
}

// TimerScheduler is the slice of the timer service the engine uses.
type TimerScheduler interface {
	CreateTimer(ctx context.Context, t *timer.Timer) error
	CancelTimersForExecution(ctx context.Context, key types.ExecutionKey) error
}

// Notifier delivers lifecycle callbacks to the control plane. Deliveries are
// off the decision path; errors are logged, never propagated.
type Notifier interface {
	NotifyExecutionStarted(callbackURL, workspaceID, workflowID, executionID, runID string, input map[string]any) error
	NotifyExecutionCompleted(callbackURL, workspaceID, workflowID, executionID, runID string, duration time.Duration) error
	NotifyExecutionFailed(callbackURL, workspaceID, workflowID, executionID, runID, errorCode, errorMsg, failedNode string) error
	NotifyExecutionCanceled(callbackURL, workspaceID, workflowID, executionID, runID, reason string) error
	NotifyNodeCompleted(callbackURL, workspaceID, workflowID, executionID, runID, nodeID, nodeType string) error
	NotifyNodeFailed(callbackURL, workspaceID, workflowID, executionID, runID, nodeID, nodeType, errorMsg string, attempt int32, willRetry bool) error
}

// TaskPayload is the envelope the engine puts on a matching task and the
// worker opens before invoking an executor.
type TaskPayload struct {
	NodeID        string                      `json:"node_id"`
	NodeType      string                      `json:"node_type"`
	Config        json.RawMessage             `json:"config,omitempty"`
	Input         json.RawMessage             `json:"input,omitempty"`
	Attempt       int32                       `json:"attempt"`
	Credentials   string                      `json:"credentials,omitempty"`
	Deterministic *types.DeterministicContext `json:"deterministic,omitempty"`
}

type Config struct {
	ShardCount         int32
	DefaultTaskQueue   string
	DefaultMaxAttempts int32
	DefaultNodeTimeout time.Duration
	ConflictRetries    int
	ConflictBackoff    time.Duration
	Logger             *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		ShardCount:         types.DefaultShardCount,
		DefaultTaskQueue:   "default",
		DefaultMaxAttempts: 3,
		DefaultNodeTimeout: 30 * time.Second,
		ConflictRetries:    5,
		ConflictBackoff:    10 * time.Millisecond,
	}
}

// Engine drives runs to a terminal state. It is single-threaded per run
// without holding locks: concurrent decision batches against one run are
// serialized by the mutable state's optimistic version, and the loser
// rebuilds its batch from a fresh read.
type Engine struct {
	eventStore    store.EventStore
	stateStore    store.MutableStateStore
	startRequests store.StartRequestStore
	visibility    visibility.Store
	dispatcher    TaskDispatcher
	timers        TimerScheduler
	notifier      Notifier
	history       *histengine.Engine
	config        Config
	logger        *slog.Logger
}

type Dependencies struct {
	EventStore    store.EventStore
	StateStore    store.MutableStateStore
	StartRequests store.StartRequestStore
	Visibility    visibility.Store
	Dispatcher    TaskDispatcher
	Timers        TimerScheduler
	Notifier      Notifier
}

func NewEngine(deps Dependencies, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = types.DefaultShardCount
	}
	if cfg.DefaultTaskQueue == "" {
		cfg.DefaultTaskQueue = "default"
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.DefaultNodeTimeout <= 0 {
		cfg.DefaultNodeTimeout = 30 * time.Second
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 5
	}
	if cfg.ConflictBackoff <= 0 {
		cfg.ConflictBackoff = 10 * time.Millisecond
	}

	return &Engine{
		eventStore:    deps.EventStore,
		stateStore:    deps.StateStore,
		startRequests: deps.StartRequests,
		visibility:    deps.Visibility,
		dispatcher:    deps.Dispatcher,
		timers:        deps.Timers,
		notifier:      deps.Notifier,
		history:       histengine.NewEngine(cfg.Logger),
		config:        cfg,
		logger:        cfg.Logger,
	}
}

type StartWorkflowRequest struct {
	NamespaceID   string
	WorkflowID    string
	RequestID     string
	WorkflowType  string
	Definition    *graph.WorkflowDefinition
	Input         []byte
	CallbackURL   string
	Credentials   string
	Memo          map[string]string
	Deterministic *types.DeterministicContext
}

type StartWorkflowResponse struct {
	RunID   string
	Started bool
}

// sideEffects collect the external intents of one decision batch. They run
// only after both persistence writes commit.
type sideEffects struct {
	tasks       []*matching.Task
	timers      []*timer.Timer
	removeTasks []*matching.Task
	cancelRun   bool

	recordStarted bool
	recordClosed  bool

	callbacks []func(n Notifier)
}

func (fx *sideEffects) empty() bool {
	return len(fx.tasks) == 0 && len(fx.timers) == 0 && len(fx.removeTasks) == 0 &&
		!fx.cancelRun && !fx.recordStarted && !fx.recordClosed && len(fx.callbacks) == 0
}

// StartWorkflow creates a run, writes WorkflowStarted, and schedules the
// entry nodes. Idempotent per (namespace, workflow_id, request_id): a repeat
// returns the prior run_id with Started=false.
func (e *Engine) StartWorkflow(ctx context.Context, req *StartWorkflowRequest) (*StartWorkflowResponse, error) {
	if req.Definition == nil {
		return nil, fmt.Errorf("%w: missing definition", ErrInvalidWorkflow)
	}
	dag, err := graph.Build(req.Definition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = req.WorkflowID
	}

	runID := uuid.NewString()
	winner, inserted, err := e.startRequests.Register(ctx, req.NamespaceID, req.WorkflowID, requestID, runID)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return &StartWorkflowResponse{RunID: winner, Started: false}, nil
	}

	key := types.ExecutionKey{
		NamespaceID: req.NamespaceID,
		WorkflowID:  req.WorkflowID,
		RunID:       runID,
	}

	now := time.Now().UTC()
	det := req.Deterministic
	if det == nil {
		det = &types.DeterministicContext{
			Seed:      rand.Int64(),
			StartTime: now,
		}
	}

	defJSON, err := json.Marshal(req.Definition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}

	ms := histengine.NewMutableState(&types.ExecutionInfo{
		NamespaceID: key.NamespaceID,
		WorkflowID:  key.WorkflowID,
		RunID:       key.RunID,
	})

	batch := histengine.NewBatch(e.history, ms, now)
	fx := &sideEffects{}

	if _, err := batch.Add(types.EventTypeWorkflowStarted, &types.WorkflowStartedAttributes{
		WorkflowType:  req.WorkflowType,
		TaskQueue:     e.taskQueueFor(dag),
		Input:         req.Input,
		RequestID:     requestID,
		CallbackURL:   req.CallbackURL,
		Definition:    defJSON,
		Credentials:   req.Credentials,
		Deterministic: det,
	}); err != nil {
		return nil, err
	}

	for _, nodeID := range dag.EntryNodes {
		if err := e.scheduleNode(key, ms, dag, batch, fx, nodeID, 1, time.Time{}); err != nil {
			return nil, err
		}
	}
	if err := e.maybeComplete(key, ms, dag, batch, fx); err != nil {
		return nil, err
	}
	refreshWaitStatus(ms)

	if err := e.eventStore.AppendEvents(ctx, key, batch.Events(), 0); err != nil {
		return nil, err
	}
	if err := e.stateStore.UpdateMutableState(ctx, key, ms, 0); err != nil {
		return nil, err
	}

	fx.recordStarted = true
	var input map[string]any
	if len(req.Input) > 0 {
		json.Unmarshal(req.Input, &input)
	}
	fx.callbacks = append(fx.callbacks, func(n Notifier) {
		n.NotifyExecutionStarted(req.CallbackURL, key.NamespaceID, key.WorkflowID, key.RunID, key.RunID, input)
	})
	e.applySideEffects(ctx, key, ms, fx)

	e.logger.Info("workflow started",
		slog.String("workflow_id", key.WorkflowID),
		slog.String("run_id", key.RunID),
	)
	return &StartWorkflowResponse{RunID: runID, Started: true}, nil
}

// update runs one decision batch with bounded optimistic-conflict retries.
// The decide callback builds events through the batch and intents through fx;
// producing neither makes the call a no-op.
func (e *Engine) update(
	ctx context.Context,
	key types.ExecutionKey,
	decide func(ms *histengine.MutableState, batch *histengine.Batch, fx *sideEffects) error,
) error {
	backoff := e.config.ConflictBackoff

	for attempt := 0; attempt <= e.config.ConflictRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		ms, err := e.stateStore.GetMutableState(ctx, key)
		if err != nil {
			return err
		}
		expectedDB := ms.DBVersion

		batch := histengine.NewBatch(e.history, ms, time.Now().UTC())
		fx := &sideEffects{}
		if err := decide(ms, batch, fx); err != nil {
			return err
		}
		if batch.Empty() && fx.empty() {
			return nil
		}

		if !batch.Empty() {
			if err := e.eventStore.AppendEvents(ctx, key, batch.Events(), batch.ExpectedEventVersion()); err != nil {
				if errors.Is(err, types.ErrVersionMismatch) {
					continue
				}
				return err
			}
		}

		if err := e.stateStore.UpdateMutableState(ctx, key, ms, expectedDB); err != nil {
			if errors.Is(err, types.ErrOptimisticLock) {
				continue
			}
			return err
		}

		e.applySideEffects(ctx, key, ms, fx)
		return nil
	}

	return fmt.Errorf("%w: %s/%s", ErrConflictRetries, key.WorkflowID, key.RunID)
}

// OnActivityStarted records that a worker picked the activity up.
func (e *Engine) OnActivityStarted(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, identity string) error {
	return e.update(ctx, key, func(ms *histengine.MutableState, batch *histengine.Batch, fx *sideEffects) error {
		if !ms.IsWorkflowRunning() {
			return nil
		}
		ai, ok := ms.PendingActivities[scheduledEventID]
		if !ok || ai.StartedEventID != 0 {
			return nil
		}
		_, err := batch.Add(types.EventTypeActivityStarted, &types.ActivityStartedAttributes{
			ScheduledEventID: scheduledEventID,
			Identity:         identity,
			Attempt:          ai.Attempt,
		})
		return err
	})
}

// OnActivityCompleted ingests a successful worker report, materializes the
// node result, and fans out to ready successors. Reports against a canceled
// or already-closed run are accepted and dropped.
func (e *Engine) OnActivityCompleted(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, result []byte) error {
	return e.update(ctx, key, func(ms *histengine.MutableState, batch *histengine.Batch, fx *sideEffects) error {
		if !ms.IsWorkflowRunning() {
			return nil
		}
		ai, ok := ms.PendingActivities[scheduledEventID]
		if !ok {
			return nil
		}

		dag, err := e.dagFor(ms)
		if err != nil {
			return err
		}

		if _, err := batch.Add(types.EventTypeActivityCompleted, &types.ActivityCompletedAttributes{
			ScheduledEventID: scheduledEventID,
			StartedEventID:   ai.StartedEventID,
			NodeID:           ai.NodeID,
			Result:           result,
		}); err != nil {
			return err
		}

		info := ms.ExecutionInfo
		nodeID, nodeType := ai.NodeID, ai.NodeType
		fx.callbacks = append(fx.callbacks, func(n Notifier) {
			n.NotifyNodeCompleted(info.CallbackURL, key.NamespaceID, key.WorkflowID, key.RunID, key.RunID, nodeID, nodeType)
		})

		if err := e.fanOut(key, ms, dag, batch, fx, ai.NodeID); err != nil {
			return err
		}
		if err := e.maybeComplete(key, ms, dag, batch, fx); err != nil {
			return err
		}
		refreshWaitStatus(ms)
		return nil
	})
}

// OnActivityFailed ingests a failed worker report. Retryable kinds below the
// attempt cap reschedule the node with backoff; otherwise the failure follows
// an error edge when one exists and fails the workflow when none does.
func (e *Engine) OnActivityFailed(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, kind types.ErrorKind, reason string, details []byte) error {
	return e.update(ctx, key, func(ms *histengine.MutableState, batch *histengine.Batch, fx *sideEffects) error {
		if !ms.IsWorkflowRunning() {
			return nil
		}
		ai, ok := ms.PendingActivities[scheduledEventID]
		if !ok {
			return nil
		}

		dag, err := e.dagFor(ms)
		if err != nil {
			return err
		}

		if kind == types.ErrorKindTimeout {
			if _, err := batch.Add(types.EventTypeActivityTimedOut, &types.ActivityTimedOutAttributes{
				ScheduledEventID: scheduledEventID,
				NodeID:           ai.NodeID,
			}); err != nil {
				return err
			}
		} else {
			if _, err := batch.Add(types.EventTypeActivityFailed, &types.ActivityFailedAttributes{
				ScheduledEventID: scheduledEventID,
				StartedEventID:   ai.StartedEventID,
				NodeID:           ai.NodeID,
				Reason:           reason,
				ErrorKind:        kind,
				Details:          details,
			}); err != nil {
				return err
			}
		}

		willRetry := kind.Retryable() && ai.Attempt < ai.MaxAttempts

		info := ms.ExecutionInfo
		nodeID, nodeType, attempt := ai.NodeID, ai.NodeType, ai.Attempt
		fx.callbacks = append(fx.callbacks, func(n Notifier) {
			n.NotifyNodeFailed(info.CallbackURL, key.NamespaceID, key.WorkflowID, key.RunID, key.RunID, nodeID, nodeType, reason, attempt, willRetry)
		})

		if willRetry {
			visibleAt := batch.Now().Add(matching.Backoff(ai.Attempt))
			return e.scheduleNode(key, ms, dag, batch, fx, ai.NodeID, ai.Attempt+1, visibleAt)
		}

		errorTargets := dag.ErrorSuccessors(ai.NodeID)
		if len(errorTargets) > 0 {
			for _, target := range errorTargets {
				if err := e.scheduleIfReady(key, ms, dag, batch, fx, target); err != nil {
					return err
				}
			}
			if err := e.maybeComplete(key, ms, dag, batch, fx); err != nil {
				return err
			}
			refreshWaitStatus(ms)
			return nil
		}

		return e.failWorkflow(key, ms, batch, fx, ai.NodeID, reason)
	})
}

// OnTimerFired advances whatever was blocked on the timer. Implements
// timer.Handler; duplicate deliveries are no-ops.
func (e *Engine) OnTimerFired(ctx context.Context, key types.ExecutionKey, timerID string) error {
	return e.update(ctx, key, func(ms *histengine.MutableState, batch *histengine.Batch, fx *sideEffects) error {
		if !ms.IsWorkflowRunning() {
			return nil
		}
		ti, ok := ms.PendingTimers[timerID]
		if !ok {
			return nil
		}

		dag, err := e.dagFor(ms)
		if err != nil {
			return err
		}

		if _, err := batch.Add(types.EventTypeTimerFired, &types.TimerFiredAttributes{
			TimerID:        timerID,
			StartedEventID: ti.StartedEventID,
		}); err != nil {
			return err
		}

		if ti.NodeID != "" {
			if err := e.fanOut(key, ms, dag, batch, fx, ti.NodeID); err != nil {
				return err
			}
		}
		if err := e.maybeComplete(key, ms, dag, batch, fx); err != nil {
			return err
		}
		refreshWaitStatus(ms)
		return nil
	})
}

// SendSignal delivers an external signal. A matching waiting node resumes;
// otherwise the signal is buffered for a wait node scheduled later.
func (e *Engine) SendSignal(ctx context.Context, key types.ExecutionKey, signalName string, input []byte, identity string) error {
	return e.update(ctx, key, func(ms *histengine.MutableState, batch *histengine.Batch, fx *sideEffects) error {
		if !ms.IsWorkflowRunning() {
			return ErrWorkflowNotRunning
		}

		event, err := batch.Add(types.EventTypeSignalReceived, &types.SignalReceivedAttributes{
			SignalName: signalName,
			Input:      input,
			Identity:   identity,
		})
		if err != nil {
			return err
		}

		ai, waiting := ms.FindWaitingActivity(signalName)
		if !waiting {
			ms.AddBufferedEvent(event)
			return nil
		}

		dag, err := e.dagFor(ms)
		if err != nil {
			return err
		}

		if _, err := batch.Add(types.EventTypeActivityCompleted, &types.ActivityCompletedAttributes{
			ScheduledEventID: ai.ScheduledEventID,
			NodeID:           ai.NodeID,
			Result:           input,
		}); err != nil {
			return err
		}

		if err := e.fanOut(key, ms, dag, batch, fx, ai.NodeID); err != nil {
			return err
		}
		if err := e.maybeComplete(key, ms, dag, batch, fx); err != nil {
			return err
		}
		refreshWaitStatus(ms)
		return nil
	})
}

// CancelExecution transitions the run to Canceled. Outstanding tasks are
// removed from matching and pending durable timers are canceled; late worker
// reports against the run become no-ops. Idempotent on terminal runs.
func (e *Engine) CancelExecution(ctx context.Context, key types.ExecutionKey, reason string) error {
	return e.update(ctx, key, func(ms *histengine.MutableState, batch *histengine.Batch, fx *sideEffects) error {
		if !ms.IsWorkflowRunning() {
			return nil
		}

		for _, ai := range ms.PendingActivities {
			if ai.SignalName != "" {
				continue
			}
			fx.removeTasks = append(fx.removeTasks, &matching.Task{
				ID:        matching.TaskID(key.NamespaceID, key.WorkflowID, key.RunID, taskTypeActivity, ai.ScheduledEventID),
				Namespace: key.NamespaceID,
				TaskQueue: ai.TaskQueue,
			})
		}

		if _, err := batch.Add(types.EventTypeWorkflowCanceled, &types.WorkflowCanceledAttributes{
			Reason: reason,
		}); err != nil {
			return err
		}

		fx.cancelRun = true
		fx.recordClosed = true

		info := ms.ExecutionInfo
		fx.callbacks = append(fx.callbacks, func(n Notifier) {
			n.NotifyExecutionCanceled(info.CallbackURL, key.NamespaceID, key.WorkflowID, key.RunID, key.RunID, reason)
		})
		return nil
	})
}

// ContinueAsNew closes the current run and starts a fresh one with a new
// run_id, carrying the definition forward with the given input.
func (e *Engine) ContinueAsNew(ctx context.Context, key types.ExecutionKey, input []byte) (*StartWorkflowResponse, error) {
	newRunID := uuid.NewString()

	err := e.update(ctx, key, func(ms *histengine.MutableState, batch *histengine.Batch, fx *sideEffects) error {
		if !ms.IsWorkflowRunning() {
			return ErrWorkflowNotRunning
		}
		if _, err := batch.Add(types.EventTypeContinueAsNew, &types.ContinueAsNewAttributes{
			NewRunID: newRunID,
			Input:    input,
		}); err != nil {
			return err
		}
		fx.cancelRun = true
		fx.recordClosed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	ms, err := e.stateStore.GetMutableState(ctx, key)
	if err != nil {
		return nil, err
	}

	var def graph.WorkflowDefinition
	if err := json.Unmarshal(ms.ExecutionInfo.Definition, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}

	return e.StartWorkflow(ctx, &StartWorkflowRequest{
		NamespaceID:  key.NamespaceID,
		WorkflowID:   key.WorkflowID,
		RequestID:    "continue-as-new:" + newRunID,
		WorkflowType: ms.ExecutionInfo.WorkflowType,
		Definition:   &def,
		Input:        input,
		CallbackURL:  ms.ExecutionInfo.CallbackURL,
		Credentials:  ms.ExecutionInfo.Credentials,
	})
}

// RetryExecution allocates a new run_id for a terminal execution, reusing
// the workflow_id, definition, and the captured deterministic context so the
// rerun replays the original's non-deterministic inputs.
func (e *Engine) RetryExecution(ctx context.Context, key types.ExecutionKey) (*StartWorkflowResponse, error) {
	ms, err := e.stateStore.GetMutableState(ctx, key)
	if err != nil {
		return nil, err
	}
	if ms.IsWorkflowRunning() {
		return nil, ErrNotTerminal
	}

	var def graph.WorkflowDefinition
	if err := json.Unmarshal(ms.ExecutionInfo.Definition, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}

	return e.StartWorkflow(ctx, &StartWorkflowRequest{
		NamespaceID:   key.NamespaceID,
		WorkflowID:    key.WorkflowID,
		RequestID:     "retry:" + uuid.NewString(),
		WorkflowType:  ms.ExecutionInfo.WorkflowType,
		Definition:    &def,
		Input:         ms.ExecutionInfo.Input,
		CallbackURL:   ms.ExecutionInfo.CallbackURL,
		Credentials:   ms.ExecutionInfo.Credentials,
		Deterministic: ms.ExecutionInfo.Deterministic,
	})
}

// ExecutionDetails is the read-model answer for GetExecution.
type ExecutionDetails struct {
	Key           types.ExecutionKey
	WorkflowType  string
	Status        types.ExecutionStatus
	StartTime     time.Time
	CloseTime     time.Time
	FailedNodeID  string
	HistoryLength int64
	CompletedNode []string
}

func (e *Engine) GetExecution(ctx context.Context, key types.ExecutionKey) (*ExecutionDetails, error) {
	ms, err := e.stateStore.GetMutableState(ctx, key)
	if err != nil {
		return nil, err
	}

	details := &ExecutionDetails{
		Key:           key,
		WorkflowType:  ms.ExecutionInfo.WorkflowType,
		Status:        ms.ExecutionInfo.Status,
		StartTime:     ms.ExecutionInfo.StartTime,
		CloseTime:     ms.ExecutionInfo.CloseTime,
		FailedNodeID:  ms.ExecutionInfo.FailedNodeID,
		HistoryLength: ms.NextEventID - 1,
	}
	for nodeID := range ms.CompletedNodes {
		details.CompletedNode = append(details.CompletedNode, nodeID)
	}
	return details, nil
}

// RecoverRunning re-dispatches tasks for every pending activity of every
// running execution. Deterministic task ids make the sweep safe against
// double dispatch; anything still queued is deduplicated away.
func (e *Engine) RecoverRunning(ctx context.Context) error {
	keys, err := e.stateStore.ListRunningExecutions(ctx)
	if err != nil {
		return err
	}

	for _, key := range keys {
		ms, err := e.stateStore.GetMutableState(ctx, key)
		if err != nil {
			e.logger.Error("recovery: failed to load state",
				slog.String("run_id", key.RunID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, ai := range ms.PendingActivities {
			if ai.SignalName != "" {
				continue
			}
			task := e.taskForActivity(key, ms, ai)
			if err := e.dispatcher.Enqueue(ctx, task); err != nil {
				e.logger.Error("recovery: failed to enqueue task",
					slog.String("task_id", task.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	e.logger.Info("recovery sweep finished", slog.Int("executions", len(keys)))
	return nil
}

// --- decision internals ---

func (e *Engine) dagFor(ms *histengine.MutableState) (*graph.DAG, error) {
	var def graph.WorkflowDefinition
	if err := json.Unmarshal(ms.ExecutionInfo.Definition, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	return graph.Build(&def)
}

func (e *Engine) taskQueueFor(dag *graph.DAG) string {
	if dag.Settings.TaskQueue != "" {
		return dag.Settings.TaskQueue
	}
	return e.config.DefaultTaskQueue
}

// fanOut schedules every ready successor of a completed node over its
// non-error edges, evaluating edge conditions against the completed-node
// context.
func (e *Engine) fanOut(key types.ExecutionKey, ms *histengine.MutableState, dag *graph.DAG, batch *histengine.Batch, fx *sideEffects, nodeID string) error {
	evalCtx := nodeContext(ms)

	for _, target := range dag.Successors(nodeID) {
		info := dag.GetEdgeInfo(nodeID, target)
		if info != nil && info.OnError {
			continue
		}
		if info != nil && info.Condition != "" {
			ok, err := expr.EvaluateBool(info.Condition, evalCtx)
			if err != nil {
				e.logger.Warn("condition evaluation failed, branch not taken",
					slog.String("condition", info.Condition),
					slog.String("edge", nodeID+"->"+target),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !ok {
				continue
			}
		}
		if err := e.scheduleIfReady(key, ms, dag, batch, fx, target); err != nil {
			return err
		}
	}
	return nil
}

// scheduleIfReady schedules a node once its join precondition holds and it is
// neither live nor already done.
func (e *Engine) scheduleIfReady(key types.ExecutionKey, ms *histengine.MutableState, dag *graph.DAG, batch *histengine.Batch, fx *sideEffects, nodeID string) error {
	if _, done := ms.CompletedNodes[nodeID]; done {
		return nil
	}
	if _, live := ms.FindPendingActivityByNode(nodeID); live {
		return nil
	}
	for _, ti := range ms.PendingTimers {
		if ti.NodeID == nodeID {
			return nil
		}
	}
	if !e.joinSatisfied(ms, dag, nodeID) {
		return nil
	}
	return e.scheduleNode(key, ms, dag, batch, fx, nodeID, 1, time.Time{})
}

func (e *Engine) joinSatisfied(ms *histengine.MutableState, dag *graph.DAG, nodeID string) bool {
	node := dag.Nodes[nodeID]
	preds := dag.Predecessors(nodeID)
	if len(preds) == 0 {
		return true
	}

	completed := func(pred string) bool {
		result, ok := ms.CompletedNodes[pred]
		if !ok {
			return false
		}
		if info := dag.GetEdgeInfo(pred, nodeID); info != nil && info.OnError {
			return result.Failed
		}
		return !result.Failed
	}

	if node.Join == graph.JoinAny {
		for _, pred := range preds {
			if completed(pred) {
				return true
			}
		}
		return false
	}

	for _, pred := range preds {
		if !completed(pred) {
			return false
		}
	}
	return true
}

// scheduleNode turns one graph node into its runtime form: a durable timer
// for delay nodes, a signal wait for wait nodes, and a matching task for
// everything else.
func (e *Engine) scheduleNode(key types.ExecutionKey, ms *histengine.MutableState, dag *graph.DAG, batch *histengine.Batch, fx *sideEffects, nodeID string, attempt int32, visibleAt time.Time) error {
	node, ok := dag.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: node %s not found", ErrInvalidWorkflow, nodeID)
	}

	switch node.Type {
	case NodeTypeDelay:
		return e.scheduleDelay(key, ms, batch, fx, node)
	case NodeTypeWait:
		return e.scheduleWait(key, ms, dag, batch, fx, node)
	default:
		return e.scheduleActivity(key, ms, dag, batch, fx, node, attempt, visibleAt)
	}
}

func (e *Engine) scheduleActivity(key types.ExecutionKey, ms *histengine.MutableState, dag *graph.DAG, batch *histengine.Batch, fx *sideEffects, node *graph.Node, attempt int32, visibleAt time.Time) error {
	maxAttempts := dag.Settings.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.config.DefaultMaxAttempts
	}
	timeout := dag.Settings.NodeTimeout
	if timeout <= 0 {
		timeout = e.config.DefaultNodeTimeout
	}

	input, err := e.nodeInput(ms, dag, node.ID)
	if err != nil {
		return err
	}

	event, err := batch.Add(types.EventTypeActivityScheduled, &types.ActivityScheduledAttributes{
		NodeID:      node.ID,
		NodeType:    node.Type,
		TaskQueue:   e.taskQueueFor(dag),
		Input:       input,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Timeout:     timeout,
		VisibleAt:   visibleAt,
	})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(&TaskPayload{
		NodeID:        node.ID,
		NodeType:      node.Type,
		Config:        node.Config,
		Input:         input,
		Attempt:       attempt,
		Credentials:   ms.ExecutionInfo.Credentials,
		Deterministic: ms.ExecutionInfo.Deterministic,
	})
	if err != nil {
		return err
	}

	fx.tasks = append(fx.tasks, &matching.Task{
		ID:               matching.TaskID(key.NamespaceID, key.WorkflowID, key.RunID, taskTypeActivity, event.EventID),
		Namespace:        key.NamespaceID,
		TaskQueue:        e.taskQueueFor(dag),
		WorkflowID:       key.WorkflowID,
		RunID:            key.RunID,
		NodeID:           node.ID,
		TaskType:         taskTypeActivity,
		Priority:         dag.Settings.Priority,
		Payload:          payload,
		ScheduledAt:      batch.Now(),
		VisibleAt:        visibleAt,
		Attempts:         0,
		MaxAttempts:      maxAttempts,
		Timeout:          timeout,
		ScheduledEventID: event.EventID,
	})
	return nil
}

type delayConfig struct {
	Duration string  `json:"duration"`
	Seconds  float64 `json:"seconds"`
}

func (e *Engine) scheduleDelay(key types.ExecutionKey, ms *histengine.MutableState, batch *histengine.Batch, fx *sideEffects, node *graph.Node) error {
	var cfg delayConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fmt.Errorf("%w: delay node %s: %v", ErrInvalidWorkflow, node.ID, err)
		}
	}

	var duration time.Duration
	if cfg.Duration != "" {
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return fmt.Errorf("%w: delay node %s: %v", ErrInvalidWorkflow, node.ID, err)
		}
		duration = d
	} else if cfg.Seconds > 0 {
		duration = time.Duration(cfg.Seconds * float64(time.Second))
	}
	if duration <= 0 {
		return fmt.Errorf("%w: delay node %s has no duration", ErrInvalidWorkflow, node.ID)
	}

	timerID := "delay-" + node.ID
	fireTime := batch.Now().Add(duration)

	if _, err := batch.Add(types.EventTypeTimerStarted, &types.TimerStartedAttributes{
		TimerID:     timerID,
		NodeID:      node.ID,
		StartToFire: duration,
		FireTime:    fireTime,
	}); err != nil {
		return err
	}

	fx.timers = append(fx.timers, &timer.Timer{
		NamespaceID: key.NamespaceID,
		WorkflowID:  key.WorkflowID,
		RunID:       key.RunID,
		TimerID:     timerID,
		FireTime:    fireTime,
	})
	return nil
}

type waitConfig struct {
	Signal string `json:"signal"`
}

func (e *Engine) scheduleWait(key types.ExecutionKey, ms *histengine.MutableState, dag *graph.DAG, batch *histengine.Batch, fx *sideEffects, node *graph.Node) error {
	var cfg waitConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fmt.Errorf("%w: wait node %s: %v", ErrInvalidWorkflow, node.ID, err)
		}
	}
	if cfg.Signal == "" {
		return fmt.Errorf("%w: wait node %s has no signal", ErrInvalidWorkflow, node.ID)
	}

	event, err := batch.Add(types.EventTypeActivityScheduled, &types.ActivityScheduledAttributes{
		NodeID:     node.ID,
		NodeType:   node.Type,
		SignalName: cfg.Signal,
	})
	if err != nil {
		return err
	}

	// A signal that arrived before the wait node resumes it immediately.
	for i, buffered := range ms.BufferedEvents {
		attrs, ok := buffered.Attributes.(*types.SignalReceivedAttributes)
		if !ok || attrs.SignalName != cfg.Signal {
			continue
		}
		ms.BufferedEvents = append(ms.BufferedEvents[:i], ms.BufferedEvents[i+1:]...)

		if _, err := batch.Add(types.EventTypeActivityCompleted, &types.ActivityCompletedAttributes{
			ScheduledEventID: event.EventID,
			NodeID:           node.ID,
			Result:           attrs.Input,
		}); err != nil {
			return err
		}
		return e.fanOut(key, ms, dag, batch, fx, node.ID)
	}
	return nil
}

// nodeInput builds the executor input: the workflow input plus the outputs of
// the node's completed predecessors.
func (e *Engine) nodeInput(ms *histengine.MutableState, dag *graph.DAG, nodeID string) ([]byte, error) {
	envelope := map[string]any{}

	if len(ms.ExecutionInfo.Input) > 0 {
		var workflowInput any
		if err := json.Unmarshal(ms.ExecutionInfo.Input, &workflowInput); err == nil {
			envelope["workflow"] = workflowInput
		}
	}

	upstream := map[string]any{}
	for _, pred := range dag.Predecessors(nodeID) {
		result, ok := ms.CompletedNodes[pred]
		if !ok || result.Failed {
			continue
		}
		var output any
		if len(result.Output) > 0 && json.Unmarshal(result.Output, &output) == nil {
			upstream[pred] = output
		} else {
			upstream[pred] = nil
		}
	}
	if len(upstream) > 0 {
		envelope["upstream"] = upstream
	}

	return json.Marshal(envelope)
}

// nodeContext is the data conditional edges evaluate against: each completed
// node's parsed output keyed by node id.
func nodeContext(ms *histengine.MutableState) map[string]any {
	context := make(map[string]any, len(ms.CompletedNodes))
	for nodeID, result := range ms.CompletedNodes {
		if result.Failed {
			context[nodeID] = map[string]any{"failed": true, "reason": result.FailureReason}
			continue
		}
		var output any
		if len(result.Output) > 0 && json.Unmarshal(result.Output, &output) == nil {
			context[nodeID] = output
		} else {
			context[nodeID] = map[string]any{}
		}
	}
	return context
}

// maybeComplete closes the run once nothing is pending and nothing more can
// be scheduled. The result aggregates the outputs of the graph's exit nodes.
func (e *Engine) maybeComplete(key types.ExecutionKey, ms *histengine.MutableState, dag *graph.DAG, batch *histengine.Batch, fx *sideEffects) error {
	if !ms.IsWorkflowRunning() || ms.HasOutstandingWork() {
		return nil
	}

	outputs := map[string]json.RawMessage{}
	for nodeID, result := range ms.CompletedNodes {
		if len(dag.Successors(nodeID)) == 0 && !result.Failed {
			outputs[nodeID] = result.Output
		}
	}
	result, err := json.Marshal(outputs)
	if err != nil {
		return err
	}

	if _, err := batch.Add(types.EventTypeWorkflowCompleted, &types.WorkflowCompletedAttributes{
		Result: result,
	}); err != nil {
		return err
	}

	fx.recordClosed = true
	fx.cancelRun = true

	info := ms.ExecutionInfo
	duration := batch.Now().Sub(info.StartTime)
	fx.callbacks = append(fx.callbacks, func(n Notifier) {
		n.NotifyExecutionCompleted(info.CallbackURL, key.NamespaceID, key.WorkflowID, key.RunID, key.RunID, duration)
	})

	e.logger.Info("workflow completed",
		slog.String("workflow_id", key.WorkflowID),
		slog.String("run_id", key.RunID),
	)
	return nil
}

func (e *Engine) failWorkflow(key types.ExecutionKey, ms *histengine.MutableState, batch *histengine.Batch, fx *sideEffects, failedNodeID, reason string) error {
	if _, err := batch.Add(types.EventTypeWorkflowFailed, &types.WorkflowFailedAttributes{
		Reason:       reason,
		FailedNodeID: failedNodeID,
	}); err != nil {
		return err
	}

	fx.recordClosed = true
	fx.cancelRun = true

	info := ms.ExecutionInfo
	fx.callbacks = append(fx.callbacks, func(n Notifier) {
		n.NotifyExecutionFailed(info.CallbackURL, key.NamespaceID, key.WorkflowID, key.RunID, key.RunID, "node_failed", reason, failedNodeID)
	})

	e.logger.Warn("workflow failed",
		slog.String("workflow_id", key.WorkflowID),
		slog.String("run_id", key.RunID),
		slog.String("failed_node", failedNodeID),
	)
	return nil
}

// refreshWaitStatus keeps the Waiting sub-state in sync: a run whose only
// outstanding work is signal waits reads as Waiting.
func refreshWaitStatus(ms *histengine.MutableState) {
	if !ms.IsWorkflowRunning() {
		return
	}
	waitingOnly := len(ms.PendingTimers) == 0 && len(ms.PendingActivities) > 0
	if waitingOnly {
		for _, ai := range ms.PendingActivities {
			if ai.SignalName == "" {
				waitingOnly = false
				break
			}
		}
	}
	if waitingOnly {
		ms.ExecutionInfo.Status = types.ExecutionStatusWaiting
	} else {
		ms.ExecutionInfo.Status = types.ExecutionStatusRunning
	}
}

func (e *Engine) taskForActivity(key types.ExecutionKey, ms *histengine.MutableState, ai *types.ActivityInfo) *matching.Task {
	payload, _ := json.Marshal(&TaskPayload{
		NodeID:        ai.NodeID,
		NodeType:      ai.NodeType,
		Input:         ai.Input,
		Attempt:       ai.Attempt,
		Credentials:   ms.ExecutionInfo.Credentials,
		Deterministic: ms.ExecutionInfo.Deterministic,
	})
	return &matching.Task{
		ID:               matching.TaskID(key.NamespaceID, key.WorkflowID, key.RunID, taskTypeActivity, ai.ScheduledEventID),
		Namespace:        key.NamespaceID,
		TaskQueue:        ai.TaskQueue,
		WorkflowID:       key.WorkflowID,
		RunID:            key.RunID,
		NodeID:           ai.NodeID,
		TaskType:         taskTypeActivity,
		Payload:          payload,
		ScheduledAt:      ai.ScheduledTime,
		MaxAttempts:      ai.MaxAttempts,
		Timeout:          ai.Timeout,
		ScheduledEventID: ai.ScheduledEventID,
	}
}

// applySideEffects dispatches the batch's external intents after both
// persistence writes committed.
func (e *Engine) applySideEffects(ctx context.Context, key types.ExecutionKey, ms *histengine.MutableState, fx *sideEffects) {
	for _, task := range fx.tasks {
		if err := e.dispatcher.Enqueue(ctx, task); err != nil {
			e.logger.Error("failed to enqueue task",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, t := range fx.timers {
		if err := e.timers.CreateTimer(ctx, t); err != nil && !errors.Is(err, timer.ErrTimerAlreadyExists) {
			e.logger.Error("failed to create timer",
				slog.String("timer_id", t.TimerID),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, task := range fx.removeTasks {
		if _, err := e.dispatcher.RemoveTask(ctx, task.Namespace, task.TaskQueue, task.ID); err != nil {
			e.logger.Error("failed to remove task",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if fx.cancelRun {
		if err := e.timers.CancelTimersForExecution(ctx, key); err != nil {
			e.logger.Error("failed to cancel execution timers",
				slog.String("run_id", key.RunID),
				slog.String("error", err.Error()),
			)
		}
	}

	if fx.recordStarted && e.visibility != nil {
		record := visibilityRecord(key, ms)
		if err := e.visibility.RecordStarted(ctx, record); err != nil {
			e.logger.Error("failed to record visibility start", slog.String("error", err.Error()))
		}
	}
	if fx.recordClosed && e.visibility != nil {
		record := visibilityRecord(key, ms)
		if err := e.visibility.RecordClosed(ctx, record); err != nil {
			e.logger.Error("failed to record visibility close", slog.String("error", err.Error()))
		}
	}

	if e.notifier != nil {
		for _, cb := range fx.callbacks {
			cb(e.notifier)
		}
	}
}

func visibilityRecord(key types.ExecutionKey, ms *histengine.MutableState) *visibility.Record {
	return &visibility.Record{
		NamespaceID:   key.NamespaceID,
		WorkflowID:    key.WorkflowID,
		RunID:         key.RunID,
		WorkflowType:  ms.ExecutionInfo.WorkflowType,
		StartTime:     ms.ExecutionInfo.StartTime,
		CloseTime:     ms.ExecutionInfo.CloseTime,
		Status:        ms.ExecutionInfo.Status,
		HistoryLength: ms.NextEventID - 1,
	}
}
