package matching

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrTaskExists   = errors.New("task already exists")
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidLease = errors.New("lease token does not match")
	ErrQueueFull    = errors.New("task queue is full")
	ErrRateLimited  = errors.New("rate limited")
	ErrExhausted    = errors.New("task attempts exhausted")
)

const (
	DefaultQueueCapacity = 10000
	DefaultTaskTimeout   = 60 * time.Second
	DefaultMaxAttempts   = 3
	leaseTokenBytes      = 32
)

// ExhaustedFunc is notified when a task runs out of redelivery attempts.
type ExhaustedFunc func(task *Task, lastError string)

type Config struct {
	QueueCapacity int
	RateLimiter   RateLimiterConfig
	RedisClient   *redis.Client
	ReapInterval  time.Duration
	OnExhausted   ExhaustedFunc
	Logger        *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity: DefaultQueueCapacity,
		RateLimiter:   DefaultRateLimiterConfig(),
		ReapInterval:  10 * time.Second,
	}
}

type lease struct {
	task      *Task
	token     string
	workerID  string
	expiresAt time.Time
}

// taskQueue is one (namespace, task_queue) pair: a backing store plus the
// in-flight lease table.
type taskQueue struct {
	namespace string
	name      string
	store     TaskStore
	capacity  int

	leases map[string]*lease // task ID -> lease
	mu     sync.Mutex
}

// Service is the matching service: bounded priority queues with visibility
// timestamps, leases, and two-level rate limiting.
type Service struct {
	queues  map[string]*taskQueue
	limiter *RateLimiter
	config  Config
	logger  *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

func NewService(cfg Config) *Service {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateLimiter == (RateLimiterConfig{}) {
		cfg.RateLimiter = DefaultRateLimiterConfig()
	}

	return &Service{
		queues:  make(map[string]*taskQueue),
		limiter: NewRateLimiter(cfg.RateLimiter),
		config:  cfg,
		logger:  cfg.Logger,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runLeaseReaper(ctx)

	s.logger.Info("matching service started")
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
	s.logger.Info("matching service stopped")
	return nil
}

// RateLimiter exposes the limiter for runtime namespace overrides.
func (s *Service) RateLimiter() *RateLimiter {
	return s.limiter
}

// SetExhaustedHandler installs the exhausted-task callback. Set during
// wiring, before traffic; the engine is constructed after the service.
func (s *Service) SetExhaustedHandler(fn ExhaustedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.OnExhausted = fn
}

func (s *Service) getOrCreateQueue(namespace, name string) *taskQueue {
	queueKey := namespace + "/" + name

	s.mu.RLock()
	tq, exists := s.queues[queueKey]
	s.mu.RUnlock()
	if exists {
		return tq
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tq, exists = s.queues[queueKey]; exists {
		return tq
	}

	var store TaskStore
	if s.config.RedisClient != nil {
		store = NewRedisTaskStore(s.config.RedisClient, namespace, name)
	} else {
		store = NewMemoryTaskStore()
	}

	tq = &taskQueue{
		namespace: namespace,
		name:      name,
		store:     store,
		capacity:  s.config.QueueCapacity,
		leases:    make(map[string]*lease),
	}
	s.queues[queueKey] = tq

	s.logger.Info("created task queue",
		slog.String("namespace", namespace),
		slog.String("name", name),
	)
	return tq
}

// Enqueue adds a task. Duplicate IDs are dropped silently: dispatch is
// at-most-once per scheduled event. Returns ErrQueueFull at capacity and
// ErrRateLimited without side effect when a bucket denies.
func (s *Service) Enqueue(ctx context.Context, task *Task) error {
	if !s.limiter.Allow(task.Namespace) {
		return ErrRateLimited
	}

	now := time.Now()
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	if task.VisibleAt.IsZero() {
		task.VisibleAt = task.ScheduledAt
	}
	if task.Timeout <= 0 {
		task.Timeout = DefaultTaskTimeout
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = DefaultMaxAttempts
	}
	task.clampPriority()

	tq := s.getOrCreateQueue(task.Namespace, task.TaskQueue)

	depth, err := tq.store.Len(ctx)
	if err != nil {
		return err
	}
	if depth >= tq.capacity {
		return ErrQueueFull
	}

	if err := tq.store.Add(ctx, task); err != nil {
		if errors.Is(err, ErrTaskExists) {
			s.logger.Debug("task already enqueued",
				slog.String("task_id", task.ID),
				slog.String("task_queue", task.TaskQueue),
			)
			return nil
		}
		return err
	}
	return nil
}

// PollOne returns the best pollable task under a fresh lease, or (nil, "")
// when the queue has nothing due.
func (s *Service) PollOne(ctx context.Context, namespace, taskQueueName, workerID string) (*Task, string, error) {
	if !s.limiter.Allow(namespace) {
		return nil, "", ErrRateLimited
	}

	tq := s.getOrCreateQueue(namespace, taskQueueName)

	task, err := tq.store.PollReady(ctx, time.Now())
	if err != nil {
		return nil, "", err
	}
	if task == nil {
		return nil, "", nil
	}

	task.Attempts++
	token, err := newLeaseToken()
	if err != nil {
		// Token generation failed; return the task to the queue.
		_ = tq.store.Requeue(ctx, task, task.VisibleAt)
		return nil, "", err
	}

	tq.mu.Lock()
	tq.leases[task.ID] = &lease{
		task:      task,
		token:     token,
		workerID:  workerID,
		expiresAt: time.Now().Add(task.Timeout),
	}
	tq.mu.Unlock()

	return task, token, nil
}

// Complete acknowledges a leased task. The lease token must match; a task
// whose lease already expired and was redelivered rejects the stale token.
func (s *Service) Complete(ctx context.Context, namespace, taskQueueName, taskID, token string) error {
	tq := s.getOrCreateQueue(namespace, taskQueueName)

	tq.mu.Lock()
	defer tq.mu.Unlock()

	l, ok := tq.leases[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if l.token != token {
		return ErrInvalidLease
	}
	delete(tq.leases, taskID)
	return nil
}

// Fail reports a leased task as failed. A retryable failure below the attempt
// cap re-enqueues it with backoff and returns true; otherwise it passes the
// task to the exhausted handler and returns false with a nil error.
func (s *Service) Fail(ctx context.Context, namespace, taskQueueName, taskID, token string, retryable bool, lastError string) (bool, error) {
	tq := s.getOrCreateQueue(namespace, taskQueueName)

	tq.mu.Lock()
	l, ok := tq.leases[taskID]
	if !ok {
		tq.mu.Unlock()
		return false, ErrTaskNotFound
	}
	if l.token != token {
		tq.mu.Unlock()
		return false, ErrInvalidLease
	}
	delete(tq.leases, taskID)
	task := l.task
	tq.mu.Unlock()

	if retryable && task.Attempts < task.MaxAttempts {
		visibleAt := time.Now().Add(Backoff(task.Attempts))
		if err := tq.store.Requeue(ctx, task, visibleAt); err != nil {
			return false, err
		}
		return true, nil
	}

	s.notifyExhausted(task, lastError)
	return false, nil
}

// ExtendLease pushes a lease's expiry out by extra.
func (s *Service) ExtendLease(ctx context.Context, namespace, taskQueueName, taskID, token string, extra time.Duration) error {
	tq := s.getOrCreateQueue(namespace, taskQueueName)

	tq.mu.Lock()
	defer tq.mu.Unlock()

	l, ok := tq.leases[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if l.token != token {
		return ErrInvalidLease
	}
	l.expiresAt = l.expiresAt.Add(extra)
	return nil
}

// RemoveTask drops a pending task, e.g. when its execution was canceled.
func (s *Service) RemoveTask(ctx context.Context, namespace, taskQueueName, taskID string) (bool, error) {
	tq := s.getOrCreateQueue(namespace, taskQueueName)
	return tq.store.Remove(ctx, taskID)
}

// QueueDepth returns the pending count of one queue.
func (s *Service) QueueDepth(ctx context.Context, namespace, taskQueueName string) (int, error) {
	tq := s.getOrCreateQueue(namespace, taskQueueName)
	return tq.store.Len(ctx)
}

func (s *Service) notifyExhausted(task *Task, lastError string) {
	s.logger.Warn("task attempts exhausted",
		slog.String("task_id", task.ID),
		slog.Int("attempts", int(task.Attempts)),
		slog.String("last_error", lastError),
	)
	s.mu.RLock()
	handler := s.config.OnExhausted
	s.mu.RUnlock()
	if handler != nil {
		handler(task, lastError)
	}
}

func (s *Service) runLeaseReaper(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.requeueExpiredLeases(ctx)
		}
	}
}

// requeueExpiredLeases returns crashed workers' tasks to the pollable pool
// with backoff, or reports them exhausted past the attempt cap. The lease
// table lives in process memory, so leases held when the process stops are
// not seen by this sweep; the engine's RecoverRunning re-dispatches those
// tasks after a restart.
func (s *Service) requeueExpiredLeases(ctx context.Context) {
	s.mu.RLock()
	queues := make([]*taskQueue, 0, len(s.queues))
	for _, tq := range s.queues {
		queues = append(queues, tq)
	}
	s.mu.RUnlock()

	now := time.Now()
	requeued := 0

	for _, tq := range queues {
		var expired []*Task
		tq.mu.Lock()
		for taskID, l := range tq.leases {
			if now.After(l.expiresAt) {
				expired = append(expired, l.task)
				delete(tq.leases, taskID)
			}
		}
		tq.mu.Unlock()

		for _, task := range expired {
			if task.Attempts >= task.MaxAttempts {
				s.notifyExhausted(task, "lease timeout")
				continue
			}
			visibleAt := now.Add(Backoff(task.Attempts))
			if err := tq.store.Requeue(ctx, task, visibleAt); err != nil {
				s.logger.Error("failed to requeue expired task",
					slog.String("task_id", task.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			requeued++
		}
	}

	if requeued > 0 {
		s.logger.Info("requeued expired leases", slog.Int("count", requeued))
	}
}

func newLeaseToken() (string, error) {
	buf := make([]byte, leaseTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
