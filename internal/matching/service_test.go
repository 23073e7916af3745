package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testService(t *testing.T, mutate func(*Config)) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RateLimiter = RateLimiterConfig{
		GlobalRPS:      10000,
		GlobalBurst:    10000,
		NamespaceRPS:   10000,
		NamespaceBurst: 10000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewService(cfg)
}

func newTask(id string, priority int32) *Task {
	return &Task{
		ID:          id,
		Namespace:   "ns-1",
		TaskQueue:   "default",
		WorkflowID:  "wf-1",
		RunID:       "run-1",
		NodeID:      "A",
		TaskType:    "activity",
		Priority:    priority,
		MaxAttempts: 3,
		Timeout:     time.Minute,
	}
}

func TestService_PriorityOrdering(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, nil)

	// Scheduled in the past so every task is already visible when polled.
	base := time.Now().Add(-time.Minute)
	low := newTask("low", PriorityLow)
	low.ScheduledAt = base
	normalLate := newTask("normal-late", PriorityNormal)
	normalLate.ScheduledAt = base.Add(time.Second)
	normalEarly := newTask("normal-early", PriorityNormal)
	normalEarly.ScheduledAt = base
	high := newTask("high", PriorityHigh)
	high.ScheduledAt = base.Add(2 * time.Second)

	for _, task := range []*Task{low, normalLate, normalEarly, high} {
		if err := svc.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", task.ID, err)
		}
	}

	// Highest priority first; ties broken by earlier scheduled_at.
	want := []string{"high", "normal-early", "normal-late", "low"}
	for _, expected := range want {
		task, token, err := svc.PollOne(ctx, "ns-1", "default", "worker-1")
		if err != nil {
			t.Fatalf("PollOne error = %v", err)
		}
		if task == nil {
			t.Fatalf("PollOne returned no task, want %s", expected)
		}
		if task.ID != expected {
			t.Errorf("polled %s, want %s", task.ID, expected)
		}
		if len(token) != 64 {
			t.Errorf("lease token length = %d, want 64 hex chars", len(token))
		}
	}

	task, _, _ := svc.PollOne(ctx, "ns-1", "default", "worker-1")
	if task != nil {
		t.Errorf("queue should be drained, got %s", task.ID)
	}
}

func TestService_VisibilityDelay(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, nil)

	delayed := newTask("delayed", PriorityHigh)
	delayed.VisibleAt = time.Now().Add(80 * time.Millisecond)
	if err := svc.Enqueue(ctx, delayed); err != nil {
		t.Fatalf("Enqueue error = %v", err)
	}

	if task, _, _ := svc.PollOne(ctx, "ns-1", "default", "w"); task != nil {
		t.Fatalf("task visible before visible_at: %s", task.ID)
	}

	time.Sleep(120 * time.Millisecond)
	task, _, err := svc.PollOne(ctx, "ns-1", "default", "w")
	if err != nil || task == nil {
		t.Fatalf("PollOne after visibility = (%v, %v), want task", task, err)
	}
	if task.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 after first poll", task.Attempts)
	}
}

func TestService_DuplicateEnqueueIsDropped(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, nil)

	if err := svc.Enqueue(ctx, newTask("dup", PriorityNormal)); err != nil {
		t.Fatalf("first Enqueue error = %v", err)
	}
	// At-most-once dispatch per scheduled event: the duplicate is silently
	// swallowed.
	if err := svc.Enqueue(ctx, newTask("dup", PriorityNormal)); err != nil {
		t.Fatalf("duplicate Enqueue error = %v", err)
	}

	depth, _ := svc.QueueDepth(ctx, "ns-1", "default")
	if depth != 1 {
		t.Errorf("QueueDepth = %d, want 1", depth)
	}
}

func TestService_LeaseTokenRequired(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, nil)

	svc.Enqueue(ctx, newTask("t1", PriorityNormal))
	task, token, err := svc.PollOne(ctx, "ns-1", "default", "w")
	if err != nil || task == nil {
		t.Fatalf("PollOne = (%v, %v)", task, err)
	}

	if err := svc.Complete(ctx, "ns-1", "default", task.ID, "bogus"); !errors.Is(err, ErrInvalidLease) {
		t.Errorf("Complete with wrong token error = %v, want ErrInvalidLease", err)
	}
	if err := svc.Complete(ctx, "ns-1", "default", task.ID, token); err != nil {
		t.Errorf("Complete with correct token error = %v", err)
	}
	if err := svc.Complete(ctx, "ns-1", "default", task.ID, token); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("second Complete error = %v, want ErrTaskNotFound", err)
	}
}

func TestService_FailRequeuesWithBackoff(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, nil)

	task := newTask("retry-me", PriorityNormal)
	task.MaxAttempts = 3
	svc.Enqueue(ctx, task)

	polled, token, _ := svc.PollOne(ctx, "ns-1", "default", "w")
	if polled == nil {
		t.Fatal("expected task")
	}

	requeued, err := svc.Fail(ctx, "ns-1", "default", polled.ID, token, true, "transient")
	if err != nil {
		t.Fatalf("Fail error = %v", err)
	}
	if !requeued {
		t.Fatal("retryable failure below cap must requeue")
	}

	// First redelivery waits Backoff(1) = 1s; not pollable immediately.
	if task, _, _ := svc.PollOne(ctx, "ns-1", "default", "w"); task != nil {
		t.Errorf("task pollable before backoff elapsed: %s", task.ID)
	}
	depth, _ := svc.QueueDepth(ctx, "ns-1", "default")
	if depth != 1 {
		t.Errorf("QueueDepth = %d, want 1 pending redelivery", depth)
	}
}

func TestService_ExhaustionSignaled(t *testing.T) {
	ctx := context.Background()

	var exhaustedMu sync.Mutex
	var exhausted []*Task
	svc := testService(t, func(cfg *Config) {
		cfg.OnExhausted = func(task *Task, lastError string) {
			exhaustedMu.Lock()
			exhausted = append(exhausted, task)
			exhaustedMu.Unlock()
		}
	})

	task := newTask("doomed", PriorityNormal)
	task.MaxAttempts = 1
	svc.Enqueue(ctx, task)

	polled, token, _ := svc.PollOne(ctx, "ns-1", "default", "w")
	requeued, err := svc.Fail(ctx, "ns-1", "default", polled.ID, token, true, "still broken")
	if err != nil {
		t.Fatalf("Fail error = %v", err)
	}
	if requeued {
		t.Error("task at attempt cap must not requeue")
	}

	exhaustedMu.Lock()
	defer exhaustedMu.Unlock()
	if len(exhausted) != 1 || exhausted[0].ID != "doomed" {
		t.Errorf("exhausted = %v, want [doomed]", exhausted)
	}
}

func TestService_NonRetryableFailDoesNotRequeue(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, nil)

	svc.Enqueue(ctx, newTask("fatal", PriorityNormal))
	polled, token, _ := svc.PollOne(ctx, "ns-1", "default", "w")

	requeued, err := svc.Fail(ctx, "ns-1", "default", polled.ID, token, false, "bad config")
	if err != nil {
		t.Fatalf("Fail error = %v", err)
	}
	if requeued {
		t.Error("non-retryable failure must not requeue")
	}
	depth, _ := svc.QueueDepth(ctx, "ns-1", "default")
	if depth != 0 {
		t.Errorf("QueueDepth = %d, want 0", depth)
	}
}

func TestService_QueueFull(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, func(cfg *Config) {
		cfg.QueueCapacity = 2
	})

	for i := 0; i < 2; i++ {
		if err := svc.Enqueue(ctx, newTask(fmt.Sprintf("t-%d", i), PriorityNormal)); err != nil {
			t.Fatalf("Enqueue %d error = %v", i, err)
		}
	}
	if err := svc.Enqueue(ctx, newTask("overflow", PriorityNormal)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue at capacity error = %v, want ErrQueueFull", err)
	}
}

func TestService_RateLimited(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, func(cfg *Config) {
		cfg.RateLimiter = RateLimiterConfig{
			GlobalRPS:      1,
			GlobalBurst:    1,
			NamespaceRPS:   1000,
			NamespaceBurst: 1000,
		}
	})

	if err := svc.Enqueue(ctx, newTask("first", PriorityNormal)); err != nil {
		t.Fatalf("first Enqueue error = %v", err)
	}
	if err := svc.Enqueue(ctx, newTask("second", PriorityNormal)); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second Enqueue error = %v, want ErrRateLimited", err)
	}

	// The denied enqueue had no side effect.
	depth, _ := svc.QueueDepth(ctx, "ns-1", "default")
	if depth != 1 {
		t.Errorf("QueueDepth = %d, want 1", depth)
	}
}

func TestRateLimiter_NamespaceOverride(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		GlobalRPS:      1000,
		GlobalBurst:    1000,
		NamespaceRPS:   1000,
		NamespaceBurst: 1000,
	})

	limiter.SetNamespaceLimit("throttled", 1, 1)
	if !limiter.Allow("throttled") {
		t.Fatal("first request should pass")
	}
	if limiter.Allow("throttled") {
		t.Error("second request should be denied by the override")
	}

	limiter.RemoveNamespaceLimit("throttled")
	if !limiter.Allow("throttled") {
		t.Error("after removing the override the default applies")
	}
}

func TestService_ExtendLease(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, nil)

	svc.Enqueue(ctx, newTask("long", PriorityNormal))
	task, token, _ := svc.PollOne(ctx, "ns-1", "default", "w")

	if err := svc.ExtendLease(ctx, "ns-1", "default", task.ID, token, time.Minute); err != nil {
		t.Errorf("ExtendLease error = %v", err)
	}
	if err := svc.ExtendLease(ctx, "ns-1", "default", task.ID, "bogus", time.Minute); !errors.Is(err, ErrInvalidLease) {
		t.Errorf("ExtendLease with bad token error = %v, want ErrInvalidLease", err)
	}
}

func TestBackoff_Schedule(t *testing.T) {
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
		60 * time.Second,
		60 * time.Second, // capped
		60 * time.Second,
	}
	for i, expected := range want {
		if got := Backoff(int32(i + 1)); got != expected {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, expected)
		}
	}
}

func TestTaskID_Deterministic(t *testing.T) {
	a := TaskID("ns", "wf", "run", "activity", 7)
	b := TaskID("ns", "wf", "run", "activity", 7)
	if a != b {
		t.Errorf("TaskID not deterministic: %q != %q", a, b)
	}
	if a != "ns:wf:run:activity:7" {
		t.Errorf("TaskID = %q", a)
	}
}

func TestService_ConcurrentPollers(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, nil)

	const numTasks = 50
	for i := 0; i < numTasks; i++ {
		if err := svc.Enqueue(ctx, newTask(fmt.Sprintf("t-%03d", i), PriorityNormal)); err != nil {
			t.Fatalf("Enqueue error = %v", err)
		}
	}

	var mu sync.Mutex
	polled := make(map[string]int)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				task, _, err := svc.PollOne(ctx, "ns-1", "default", fmt.Sprintf("w-%d", worker))
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				polled[task.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(polled) != numTasks {
		t.Errorf("distinct tasks polled = %d, want %d", len(polled), numTasks)
	}
	for id, count := range polled {
		if count != 1 {
			t.Errorf("task %s polled %d times", id, count)
		}
	}
}
