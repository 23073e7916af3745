package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/linkflow/core/internal/crypto"
	"github.com/linkflow/core/internal/execution"
	"github.com/linkflow/core/internal/history/types"
	"github.com/linkflow/core/internal/matching"
	"github.com/linkflow/core/internal/resolver"
	"github.com/linkflow/core/internal/worker/circuit"
	"github.com/linkflow/core/internal/worker/executor"
)

// Matching is the slice of the matching service workers use.
type Matching interface {
	PollOne(ctx context.Context, namespace, taskQueue, workerID string) (*matching.Task, string, error)
	Complete(ctx context.Context, namespace, taskQueue, taskID, token string) error
	Fail(ctx context.Context, namespace, taskQueue, taskID, token string, retryable bool, lastError string) (bool, error)
}

// Reporter receives execution outcomes. The workflow engine implements it.
type Reporter interface {
	OnActivityStarted(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, identity string) error
	OnActivityCompleted(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, result []byte) error
	OnActivityFailed(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, kind types.ErrorKind, reason string, details []byte) error
}

// QueueAssignment names one (namespace, task queue) pair a worker polls.
type QueueAssignment struct {
	Namespace string
	TaskQueue string
}

type Config struct {
	Queues       []QueueAssignment
	NumPollers   int
	Identity     string
	PollInterval time.Duration
	Breaker      circuit.Config
	Bulkhead     circuit.BulkheadConfig
	Logger       *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		NumPollers:   2,
		PollInterval: 200 * time.Millisecond,
		Breaker:      circuit.DefaultConfig(),
		Bulkhead:     circuit.DefaultBulkheadConfig(),
	}
}

// Service is the worker pool: N pollers per assigned queue, a host-level
// bulkhead, per-executor circuit breakers, and a hard timeout around every
// executor invocation.
type Service struct {
	matching  Matching
	reporter  Reporter
	registry  *executor.Registry
	resolver  *resolver.VariableResolver
	encryptor *crypto.Encryptor
	breakers  *circuit.Registry
	bulkhead  *circuit.Bulkhead
	config    Config
	logger    *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

type Dependencies struct {
	Matching  Matching
	Reporter  Reporter
	Registry  *executor.Registry
	Resolver  *resolver.VariableResolver // optional
	Encryptor *crypto.Encryptor          // optional, for encrypted credentials
}

func NewService(deps Dependencies, cfg Config) (*Service, error) {
	if deps.Matching == nil || deps.Reporter == nil || deps.Registry == nil {
		return nil, errors.New("worker service requires matching, reporter, and registry")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NumPollers <= 0 {
		cfg.NumPollers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.Identity == "" {
		cfg.Identity = "worker"
	}
	if cfg.Breaker == (circuit.Config{}) {
		cfg.Breaker = circuit.DefaultConfig()
	}
	if cfg.Bulkhead == (circuit.BulkheadConfig{}) {
		cfg.Bulkhead = circuit.DefaultBulkheadConfig()
	}

	return &Service{
		matching:  deps.Matching,
		reporter:  deps.Reporter,
		registry:  deps.Registry,
		resolver:  deps.Resolver,
		encryptor: deps.Encryptor,
		breakers:  circuit.NewRegistry(cfg.Breaker),
		bulkhead:  circuit.NewBulkhead(cfg.Identity, cfg.Bulkhead),
		config:    cfg,
		logger:    cfg.Logger,
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("worker service is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	for _, assignment := range s.config.Queues {
		for i := 0; i < s.config.NumPollers; i++ {
			identity := fmt.Sprintf("%s-%d", s.config.Identity, i+1)
			s.wg.Add(1)
			go s.runPoller(ctx, assignment, identity)
		}
	}

	s.logger.Info("worker service started",
		slog.Int("queues", len(s.config.Queues)),
		slog.Int("pollers_per_queue", s.config.NumPollers),
	)
	return nil
}

func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("worker service stopped")
	return nil
}

func (s *Service) Breakers() *circuit.Registry {
	return s.breakers
}

func (s *Service) runPoller(ctx context.Context, assignment QueueAssignment, identity string) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		task, token, err := s.matching.PollOne(ctx, assignment.Namespace, assignment.TaskQueue, identity)
		if err != nil {
			if errors.Is(err, matching.ErrRateLimited) {
				s.sleep(ctx, s.config.PollInterval)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("poll failed",
				slog.String("task_queue", assignment.TaskQueue),
				slog.String("error", err.Error()),
			)
			s.sleep(ctx, s.config.PollInterval)
			continue
		}
		if task == nil {
			s.sleep(ctx, s.config.PollInterval)
			continue
		}

		if err := s.bulkhead.Acquire(ctx); err != nil {
			// No capacity on this host; hand the task back for redelivery.
			s.matching.Fail(ctx, task.Namespace, task.TaskQueue, task.ID, token, true, "bulkhead rejected")
			continue
		}

		s.wg.Add(1)
		go func(task *matching.Task, token string) {
			defer s.wg.Done()
			defer s.bulkhead.Release()
			s.processTask(ctx, task, token, identity)
		}(task, token)
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-s.stopCh:
	case <-time.After(d):
	}
}

func (s *Service) processTask(ctx context.Context, task *matching.Task, token string, identity string) {
	key := types.ExecutionKey{
		NamespaceID: task.Namespace,
		WorkflowID:  task.WorkflowID,
		RunID:       task.RunID,
	}

	var payload execution.TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		s.logger.Error("malformed task payload",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		s.completeTask(ctx, task, token)
		s.report(ctx, func(rctx context.Context) error {
			return s.reporter.OnActivityFailed(rctx, key, task.ScheduledEventID, types.ErrorKindNonRetryable, "malformed task payload", nil)
		}, task, token)
		return
	}

	exec, err := s.registry.Get(payload.NodeType)
	if err != nil {
		// Unresolvable node type: permanent, the workflow fails or follows
		// its error edge.
		s.completeTask(ctx, task, token)
		s.report(ctx, func(rctx context.Context) error {
			return s.reporter.OnActivityFailed(rctx, key, task.ScheduledEventID, types.ErrorKindNonRetryable, err.Error(), nil)
		}, task, token)
		return
	}

	breaker := s.breakers.Get(payload.NodeType)
	if !breaker.Allow() {
		// Counts as retryable; matching redelivers with backoff.
		s.matching.Fail(ctx, task.Namespace, task.TaskQueue, task.ID, token, true, circuit.ErrCircuitOpen.Error())
		return
	}

	if err := s.reporter.OnActivityStarted(ctx, key, task.ScheduledEventID, identity); err != nil {
		s.logger.Warn("failed to record activity start",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}

	req := &executor.ExecuteRequest{
		NodeID:        payload.NodeID,
		NodeType:      payload.NodeType,
		Namespace:     task.Namespace,
		WorkflowID:    task.WorkflowID,
		RunID:         task.RunID,
		Config:        payload.Config,
		Input:         payload.Input,
		Attempt:       payload.Attempt,
		Timeout:       task.Timeout,
		Deterministic: payload.Deterministic,
	}

	if s.resolver != nil && len(req.Config) > 0 {
		interpolated, err := s.resolver.InterpolateJSON(ctx, task.Namespace, req.Config)
		if err != nil {
			s.logger.Warn("config interpolation failed",
				slog.String("node_id", payload.NodeID),
				slog.String("error", err.Error()),
			)
		} else {
			req.Config = interpolated
		}
	}

	if payload.Credentials != "" && s.encryptor != nil {
		creds, err := s.encryptor.DecryptCredentials(payload.Credentials)
		if err != nil {
			s.completeTask(ctx, task, token)
			s.report(ctx, func(rctx context.Context) error {
				return s.reporter.OnActivityFailed(rctx, key, task.ScheduledEventID, types.ErrorKindNonRetryable, "credential decryption failed", nil)
			}, task, token)
			return
		}
		req.Credentials = creds
	}

	resp, execErr := circuit.WithTimeout(ctx, task.Timeout, func(ctx context.Context) (*executor.ExecuteResponse, error) {
		return exec.Execute(ctx, req)
	})

	switch {
	case execErr != nil:
		breaker.RecordFailure()
		kind := types.ErrorKindRetryable
		if errors.Is(execErr, circuit.ErrTimeout) {
			kind = types.ErrorKindTimeout
		}
		s.completeTask(ctx, task, token)
		s.report(ctx, func(rctx context.Context) error {
			return s.reporter.OnActivityFailed(rctx, key, task.ScheduledEventID, kind, execErr.Error(), nil)
		}, task, token)

	case resp != nil && resp.Error != nil:
		breaker.RecordFailure()
		s.completeTask(ctx, task, token)
		s.report(ctx, func(rctx context.Context) error {
			return s.reporter.OnActivityFailed(rctx, key, task.ScheduledEventID, resp.Error.Kind, resp.Error.Message, nil)
		}, task, token)

	default:
		breaker.RecordSuccess()
		var output json.RawMessage
		if resp != nil {
			output = resp.Output
		}
		s.completeTask(ctx, task, token)
		s.report(ctx, func(rctx context.Context) error {
			return s.reporter.OnActivityCompleted(rctx, key, task.ScheduledEventID, output)
		}, task, token)
	}
}

func (s *Service) completeTask(ctx context.Context, task *matching.Task, token string) {
	if err := s.matching.Complete(ctx, task.Namespace, task.TaskQueue, task.ID, token); err != nil {
		s.logger.Warn("failed to complete matching task",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

// report delivers an outcome to the engine with a few local retries; worker
// reports must land even when the first attempt hits a transient store error.
func (s *Service) report(ctx context.Context, fn func(context.Context) error, task *matching.Task, token string) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(ctx); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	s.logger.Error("failed to report task outcome",
		slog.String("task_id", task.ID),
		slog.String("error", err.Error()),
	)
}
