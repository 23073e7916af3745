package timer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/linkflow/core/internal/history/types"
)

var (
	ErrServiceNotRunning      = errors.New("timer service is not running")
	ErrTimerNotFound          = errors.New("timer not found")
	ErrTimerAlreadyExists     = errors.New("timer already exists")
	ErrInvalidFireTime        = errors.New("timer fire time before creation time")
	ErrOptimisticLockConflict = errors.New("optimistic lock conflict: version mismatch")
)

// Status is the timer lifecycle state. Transitions out of Pending are
// terminal.
type Status int32

const (
	StatusPending Status = iota
	StatusFired
	StatusCanceled
)

// Timer is one durable shard-scoped timer row.
type Timer struct {
	ShardID     int32
	NamespaceID string
	WorkflowID  string
	RunID       string
	TimerID     string
	FireTime    time.Time
	Status      Status
	Version     int64
	CreatedAt   time.Time
	FiredAt     time.Time
}

// Store is the durable timer backend. GetDueTimers uses lock-and-skip
// semantics where the backend has row locks. A timer is marked Fired only
// after the handler returns, so one timer can reach the handler more than
// once; the engine's handler ignores timers that are no longer pending.
type Store interface {
	CreateTimer(ctx context.Context, timer *Timer) error
	GetTimer(ctx context.Context, namespaceID, workflowID, runID, timerID string) (*Timer, error)
	UpdateTimer(ctx context.Context, timer *Timer) error
	DeleteTimer(ctx context.Context, namespaceID, workflowID, runID, timerID string) error
	GetDueTimers(ctx context.Context, shardID int32, fireTime time.Time, limit int) ([]*Timer, error)
	GetTimersByExecution(ctx context.Context, namespaceID, workflowID, runID string) ([]*Timer, error)
	CleanupTimers(ctx context.Context, olderThan time.Time) (int64, error)
}

// Handler receives fired timers. The workflow engine implements this and
// writes the TimerFired event.
type Handler interface {
	OnTimerFired(ctx context.Context, key types.ExecutionKey, timerID string) error
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, key types.ExecutionKey, timerID string) error

func (f HandlerFunc) OnTimerFired(ctx context.Context, key types.ExecutionKey, timerID string) error {
	return f(ctx, key, timerID)
}

type Config struct {
	ShardCount      int32
	ScanInterval    time.Duration
	ScanBatch       int
	ProcessorCount  int
	Retention       time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		ShardCount:      types.DefaultShardCount,
		ScanInterval:    time.Second,
		ScanBatch:       100,
		ProcessorCount:  4,
		Retention:       24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Service scans owned shards for due timers and delivers them to the engine.
type Service struct {
	store   Store
	handler Handler
	config  Config
	logger  *slog.Logger

	assignedShards []int32

	stopCh  chan struct{}
	timerCh chan *Timer

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

func NewService(store Store, handler Handler, config Config) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ShardCount <= 0 {
		config.ShardCount = types.DefaultShardCount
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = time.Second
	}
	if config.ScanBatch <= 0 {
		config.ScanBatch = 100
	}
	if config.ProcessorCount <= 0 {
		config.ProcessorCount = 4
	}

	return &Service{
		store:   store,
		handler: handler,
		config:  config,
		logger:  config.Logger,
		stopCh:  make(chan struct{}),
		timerCh: make(chan *Timer, config.ScanBatch*config.ProcessorCount),
	}
}

// AssignShards sets the shards this instance scans. Empty means all shards;
// which instance owns which shard is decided outside the core.
func (s *Service) AssignShards(shards []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignedShards = shards
	s.logger.Info("assigned timer shards", slog.Any("shards", shards))
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("timer service is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("starting timer service",
		slog.Int("processor_count", s.config.ProcessorCount),
		slog.Duration("scan_interval", s.config.ScanInterval),
	)

	s.wg.Add(1)
	go s.runScanner(ctx)

	for i := 0; i < s.config.ProcessorCount; i++ {
		s.wg.Add(1)
		go s.runProcessor(ctx, i)
	}

	if s.config.Retention > 0 && s.config.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.runCleanup(ctx)
	}

	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("timer service stopped")
	case <-ctx.Done():
		s.logger.Warn("timer service stop timed out")
	}

	return nil
}

func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// CreateTimer persists a new pending timer. Duplicate timer ids within a run
// fail with ErrTimerAlreadyExists.
func (s *Service) CreateTimer(ctx context.Context, timer *Timer) error {
	now := time.Now()
	timer.Status = StatusPending
	timer.CreatedAt = now
	timer.Version = 0
	timer.ShardID = types.ShardID(timer.NamespaceID, timer.WorkflowID, s.config.ShardCount)

	if timer.FireTime.Before(timer.CreatedAt) {
		return ErrInvalidFireTime
	}

	s.logger.Debug("creating timer",
		slog.String("timer_id", timer.TimerID),
		slog.String("workflow_id", timer.WorkflowID),
		slog.Time("fire_time", timer.FireTime),
	)

	return s.store.CreateTimer(ctx, timer)
}

// CancelTimer moves a pending timer to Canceled. Already fired or canceled
// timers are left alone.
func (s *Service) CancelTimer(ctx context.Context, key types.ExecutionKey, timerID string) error {
	timer, err := s.store.GetTimer(ctx, key.NamespaceID, key.WorkflowID, key.RunID, timerID)
	if err != nil {
		return err
	}

	if timer.Status != StatusPending {
		return nil
	}

	timer.Status = StatusCanceled
	timer.Version++

	s.logger.Debug("canceling timer",
		slog.String("timer_id", timerID),
		slog.String("workflow_id", key.WorkflowID),
	)

	return s.store.UpdateTimer(ctx, timer)
}

// CancelTimersForExecution cancels every pending timer of a run. Used when an
// execution is canceled or closes.
func (s *Service) CancelTimersForExecution(ctx context.Context, key types.ExecutionKey) error {
	timers, err := s.store.GetTimersByExecution(ctx, key.NamespaceID, key.WorkflowID, key.RunID)
	if err != nil {
		return err
	}
	for _, t := range timers {
		if t.Status != StatusPending {
			continue
		}
		t.Status = StatusCanceled
		t.Version++
		if err := s.store.UpdateTimer(ctx, t); err != nil && !errors.Is(err, ErrOptimisticLockConflict) {
			return err
		}
	}
	return nil
}

func (s *Service) GetTimer(ctx context.Context, key types.ExecutionKey, timerID string) (*Timer, error) {
	return s.store.GetTimer(ctx, key.NamespaceID, key.WorkflowID, key.RunID, timerID)
}

func (s *Service) runScanner(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scanDueTimers(ctx)
		}
	}
}

func (s *Service) scanDueTimers(ctx context.Context) {
	s.mu.RLock()
	shards := s.assignedShards
	s.mu.RUnlock()

	if len(shards) == 0 {
		shards = make([]int32, s.config.ShardCount)
		for i := int32(0); i < s.config.ShardCount; i++ {
			shards[i] = i
		}
	}

	now := time.Now()

	for _, shardID := range shards {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		timers, err := s.store.GetDueTimers(ctx, shardID, now, s.config.ScanBatch)
		if err != nil {
			s.logger.Error("failed to get due timers",
				slog.Int("shard_id", int(shardID)),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, timer := range timers {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case s.timerCh <- timer:
			}
		}
	}
}

func (s *Service) runProcessor(ctx context.Context, id int) {
	defer s.wg.Done()

	s.logger.Debug("timer processor started", slog.Int("processor_id", id))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case timer := <-s.timerCh:
			s.processTimer(ctx, timer)
		}
	}
}

func (s *Service) processTimer(ctx context.Context, timer *Timer) {
	current, err := s.store.GetTimer(ctx, timer.NamespaceID, timer.WorkflowID, timer.RunID, timer.TimerID)
	if err != nil {
		s.logger.Error("failed to get timer for processing",
			slog.String("timer_id", timer.TimerID),
			slog.String("error", err.Error()),
		)
		return
	}

	if current.Status != StatusPending {
		return
	}

	key := types.ExecutionKey{
		NamespaceID: current.NamespaceID,
		WorkflowID:  current.WorkflowID,
		RunID:       current.RunID,
	}

	if err := s.handler.OnTimerFired(ctx, key, current.TimerID); err != nil {
		s.logger.Error("failed to deliver fired timer",
			slog.String("timer_id", timer.TimerID),
			slog.String("workflow_id", timer.WorkflowID),
			slog.String("error", err.Error()),
		)
		return
	}

	current.Status = StatusFired
	current.FiredAt = time.Now()
	current.Version++

	if err := s.store.UpdateTimer(ctx, current); err != nil {
		if errors.Is(err, ErrOptimisticLockConflict) {
			// Another processor claimed it; the engine side is idempotent.
			return
		}
		s.logger.Error("failed to mark timer fired",
			slog.String("timer_id", timer.TimerID),
			slog.String("error", err.Error()),
		)
		return
	}

	delay := time.Since(current.FireTime)
	s.logger.Info("timer fired",
		slog.String("timer_id", timer.TimerID),
		slog.String("workflow_id", timer.WorkflowID),
		slog.Duration("delay", delay),
	)
}

func (s *Service) runCleanup(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.config.Retention)
			purged, err := s.store.CleanupTimers(ctx, cutoff)
			if err != nil {
				s.logger.Error("timer cleanup failed", slog.String("error", err.Error()))
				continue
			}
			if purged > 0 {
				s.logger.Info("purged finished timers", slog.Int64("count", purged))
			}
		}
	}
}
