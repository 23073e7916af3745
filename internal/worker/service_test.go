package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/linkflow/core/internal/execution"
	"github.com/linkflow/core/internal/history/types"
	"github.com/linkflow/core/internal/matching"
	"github.com/linkflow/core/internal/worker"
	"github.com/linkflow/core/internal/worker/executor"
)

type report struct {
	scheduledEventID int64
	kind             types.ErrorKind
	reason           string
	result           []byte
	completed        bool
}

type recordingReporter struct {
	mu      sync.Mutex
	started []int64
	reports []report
}

func (r *recordingReporter) OnActivityStarted(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, scheduledEventID)
	return nil
}

func (r *recordingReporter) OnActivityCompleted(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, result []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{scheduledEventID: scheduledEventID, result: result, completed: true})
	return nil
}

func (r *recordingReporter) OnActivityFailed(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, kind types.ErrorKind, reason string, details []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{scheduledEventID: scheduledEventID, kind: kind, reason: reason})
	return nil
}

func (r *recordingReporter) snapshot() []report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report(nil), r.reports...)
}

func enqueueTask(t *testing.T, svc *matching.Service, nodeType string, scheduledEventID int64) *matching.Task {
	t.Helper()

	payload, err := json.Marshal(&execution.TaskPayload{
		NodeID:   "node-1",
		NodeType: nodeType,
		Input:    json.RawMessage(`{"x":1}`),
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("marshal payload error = %v", err)
	}

	task := &matching.Task{
		ID:               matching.TaskID("ns-1", "wf-1", "run-1", "activity", scheduledEventID),
		Namespace:        "ns-1",
		TaskQueue:        "default",
		WorkflowID:       "wf-1",
		RunID:            "run-1",
		NodeID:           "node-1",
		TaskType:         "activity",
		Payload:          payload,
		MaxAttempts:      3,
		Timeout:          5 * time.Second,
		ScheduledEventID: scheduledEventID,
	}
	if err := svc.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue error = %v", err)
	}
	return task
}

func startWorker(t *testing.T, svc *matching.Service, reporter worker.Reporter, registry *executor.Registry) *worker.Service {
	t.Helper()

	cfg := worker.DefaultConfig()
	cfg.Queues = []worker.QueueAssignment{{Namespace: "ns-1", TaskQueue: "default"}}
	cfg.NumPollers = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Identity = "test-worker"

	svcW, err := worker.NewService(worker.Dependencies{
		Matching: svc,
		Reporter: reporter,
		Registry: registry,
	}, cfg)
	if err != nil {
		t.Fatalf("NewService error = %v", err)
	}
	if err := svcW.Start(context.Background()); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	t.Cleanup(func() { svcW.Stop() })
	return svcW
}

func newMatching(t *testing.T) *matching.Service {
	t.Helper()
	cfg := matching.DefaultConfig()
	cfg.RateLimiter = matching.RateLimiterConfig{
		GlobalRPS:      100000,
		GlobalBurst:    100000,
		NamespaceRPS:   100000,
		NamespaceBurst: 100000,
	}
	return matching.NewService(cfg)
}

func waitForReports(t *testing.T, reporter *recordingReporter, n int) []report {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := reporter.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d reports, have %v", n, reporter.snapshot())
	return nil
}

func TestWorker_ExecutesAndReportsSuccess(t *testing.T) {
	svc := newMatching(t)
	reporter := &recordingReporter{}

	registry := executor.NewRegistry()
	registry.Register(&executor.Func{
		Type: "echo",
		Fn: func(ctx context.Context, req *executor.ExecuteRequest) (*executor.ExecuteResponse, error) {
			return &executor.ExecuteResponse{Output: req.Input}, nil
		},
	})

	enqueueTask(t, svc, "echo", 2)
	startWorker(t, svc, reporter, registry)

	reports := waitForReports(t, reporter, 1)
	if !reports[0].completed {
		t.Fatalf("report = %+v, want completion", reports[0])
	}
	if string(reports[0].result) != `{"x":1}` {
		t.Errorf("result = %s", reports[0].result)
	}

	// The matching task was acknowledged, not redelivered.
	depth, _ := svc.QueueDepth(context.Background(), "ns-1", "default")
	if depth != 0 {
		t.Errorf("QueueDepth = %d, want 0", depth)
	}
}

func TestWorker_MissingExecutorIsNonRetryable(t *testing.T) {
	svc := newMatching(t)
	reporter := &recordingReporter{}

	enqueueTask(t, svc, "no-such-type", 2)
	startWorker(t, svc, reporter, executor.NewRegistry())

	reports := waitForReports(t, reporter, 1)
	if reports[0].completed {
		t.Fatal("expected failure report")
	}
	if reports[0].kind != types.ErrorKindNonRetryable {
		t.Errorf("kind = %v, want NonRetryable", reports[0].kind)
	}
}

func TestWorker_ClassifiedNodeError(t *testing.T) {
	svc := newMatching(t)
	reporter := &recordingReporter{}

	registry := executor.NewRegistry()
	registry.Register(&executor.Func{
		Type: "flaky",
		Fn: func(ctx context.Context, req *executor.ExecuteRequest) (*executor.ExecuteResponse, error) {
			return &executor.ExecuteResponse{
				Error: &executor.ExecError{Kind: executor.ErrorKindRetryable, Message: "upstream 503"},
			}, nil
		},
	})

	enqueueTask(t, svc, "flaky", 2)
	startWorker(t, svc, reporter, registry)

	reports := waitForReports(t, reporter, 1)
	if reports[0].kind != types.ErrorKindRetryable || reports[0].reason != "upstream 503" {
		t.Errorf("report = %+v", reports[0])
	}
}

func TestWorker_TimeoutReportedAsTimeoutKind(t *testing.T) {
	svc := newMatching(t)
	reporter := &recordingReporter{}

	registry := executor.NewRegistry()
	registry.Register(&executor.Func{
		Type: "slow",
		Fn: func(ctx context.Context, req *executor.ExecuteRequest) (*executor.ExecuteResponse, error) {
			select {
			case <-time.After(10 * time.Second):
				return &executor.ExecuteResponse{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	payload, _ := json.Marshal(&execution.TaskPayload{NodeID: "node-1", NodeType: "slow", Attempt: 1})
	short := &matching.Task{
		ID:               matching.TaskID("ns-1", "wf-1", "run-1", "activity", 3),
		Namespace:        "ns-1",
		TaskQueue:        "default",
		WorkflowID:       "wf-1",
		RunID:            "run-1",
		NodeID:           "node-1",
		TaskType:         "activity",
		Payload:          payload,
		MaxAttempts:      3,
		Timeout:          50 * time.Millisecond,
		ScheduledEventID: 3,
	}
	if err := svc.Enqueue(context.Background(), short); err != nil {
		t.Fatalf("Enqueue error = %v", err)
	}

	startWorker(t, svc, reporter, registry)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, r := range reporter.snapshot() {
			if r.scheduledEventID == 3 {
				if r.kind != types.ErrorKindTimeout {
					t.Fatalf("kind = %v, want Timeout", r.kind)
				}
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for timeout report")
}

func TestWorker_StartedRecordedBeforeCompletion(t *testing.T) {
	svc := newMatching(t)
	reporter := &recordingReporter{}

	registry := executor.NewRegistry()
	registry.Register(&executor.Func{
		Type: "echo",
		Fn: func(ctx context.Context, req *executor.ExecuteRequest) (*executor.ExecuteResponse, error) {
			return &executor.ExecuteResponse{Output: req.Input}, nil
		},
	})

	enqueueTask(t, svc, "echo", 7)
	startWorker(t, svc, reporter, registry)
	waitForReports(t, reporter, 1)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.started) != 1 || reporter.started[0] != 7 {
		t.Errorf("started = %v, want [7]", reporter.started)
	}
}
