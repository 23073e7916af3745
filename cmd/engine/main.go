package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/linkflow/core/internal/callback"
	"github.com/linkflow/core/internal/config"
	"github.com/linkflow/core/internal/crypto"
	"github.com/linkflow/core/internal/execution"
	"github.com/linkflow/core/internal/frontend"
	historystore "github.com/linkflow/core/internal/history/store"
	"github.com/linkflow/core/internal/history/types"
	"github.com/linkflow/core/internal/matching"
	"github.com/linkflow/core/internal/observability/metrics"
	"github.com/linkflow/core/internal/resolver"
	"github.com/linkflow/core/internal/timer"
	timerstore "github.com/linkflow/core/internal/timer/store"
	"github.com/linkflow/core/internal/visibility"
	"github.com/linkflow/core/internal/worker"
	"github.com/linkflow/core/internal/worker/executor"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	m := metrics.New()

	// Stores. With no database URL everything runs in-memory, which is only
	// meant for local DAG execution.
	var (
		eventStore    historystore.EventStore
		stateStore    historystore.MutableStateStore
		startRequests historystore.StartRequestStore
		visStore      visibility.Store
		timerStore    timer.Store
		variableStore resolver.Store
	)

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		eventStore = historystore.NewPostgresEventStore(pool, cfg.ShardCount)
		stateStore = historystore.NewPostgresMutableStateStore(pool, cfg.ShardCount, historystore.ChecksumLog, logger)
		startRequests = historystore.NewPostgresStartRequestStore(pool)
		visStore = visibility.NewPostgresStore(pool)
		timerStore = timerstore.NewPostgresStore(pool)
		variableStore = resolver.NewPostgresStore(pool)
	} else {
		logger.Warn("no database configured, running with in-memory stores")
		eventStore = historystore.NewMemoryEventStore()
		stateStore = historystore.NewMemoryMutableStateStore()
		startRequests = historystore.NewMemoryStartRequestStore()
		visStore = visibility.NewMemoryStore()
		timerStore = timerstore.NewMemoryStore()
		variableStore = resolver.NewMemoryStore()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	// Callback notifier.
	notifierCfg := callback.DefaultConfig()
	notifierCfg.SecretKey = cfg.CallbackSecret
	notifier := callback.NewClient(notifierCfg, logger)
	defer notifier.Close()

	// Matching.
	matchingSvc := matching.NewService(matching.Config{
		RateLimiter: matching.RateLimiterConfig{
			GlobalRPS:      cfg.MatchingGlobalRPS,
			GlobalBurst:    cfg.MatchingGlobalBurst,
			NamespaceRPS:   cfg.MatchingNamespaceRPS,
			NamespaceBurst: cfg.MatchingNamespaceBurst,
		},
		RedisClient: redisClient,
		Logger:      logger,
	})

	// Engine, with metrics-decorated task dispatch.
	engineCfg := execution.DefaultConfig()
	engineCfg.ShardCount = cfg.ShardCount
	engineCfg.Logger = logger

	var engine *execution.Engine

	timerCfg := timer.DefaultConfig()
	timerCfg.ShardCount = cfg.ShardCount
	timerCfg.ScanInterval = cfg.TimerScanInterval
	timerCfg.ScanBatch = cfg.TimerScanBatch
	timerCfg.Logger = logger
	timerSvc := timer.NewService(timerStore, timer.HandlerFunc(func(ctx context.Context, key types.ExecutionKey, timerID string) error {
		return engine.OnTimerFired(ctx, key, timerID)
	}), timerCfg)

	engine = execution.NewEngine(execution.Dependencies{
		EventStore:    eventStore,
		StateStore:    stateStore,
		StartRequests: startRequests,
		Visibility:    visStore,
		Dispatcher:    &meteredDispatcher{svc: matchingSvc, metrics: m},
		Timers:        timerSvc,
		Notifier:      notifier,
	}, engineCfg)

	// Exhausted matching redeliveries surface as non-retryable node failures.
	matchingSvc.SetExhaustedHandler(func(task *matching.Task, lastError string) {
		key := types.ExecutionKey{
			NamespaceID: task.Namespace,
			WorkflowID:  task.WorkflowID,
			RunID:       task.RunID,
		}
		reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.OnActivityFailed(reportCtx, key, task.ScheduledEventID, types.ErrorKindNonRetryable, "task attempts exhausted: "+lastError, nil); err != nil {
			logger.Error("failed to report exhausted task",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	})

	// Worker pool.
	registry := executor.NewRegistry()
	registerBuiltinExecutors(registry)

	var encryptor *crypto.Encryptor
	if cfg.CredentialMasterKey != "" {
		enc, err := crypto.NewEncryptor([]byte(cfg.CredentialMasterKey))
		if err != nil {
			return err
		}
		encryptor = enc
	}

	workerCfg := worker.DefaultConfig()
	workerCfg.Identity = cfg.WorkerIdentity
	workerCfg.NumPollers = cfg.WorkerNumPollers
	workerCfg.Breaker.FailureThreshold = cfg.BreakerFailureThreshold
	workerCfg.Breaker.OpenTimeout = cfg.BreakerOpenTimeout
	workerCfg.Bulkhead.MaxConcurrency = cfg.BulkheadMaxConcurrency
	workerCfg.Logger = logger
	for _, q := range cfg.WorkerQueues {
		namespace, taskQueue, ok := strings.Cut(q, "/")
		if !ok {
			logger.Warn("ignoring malformed worker queue assignment", slog.String("queue", q))
			continue
		}
		workerCfg.Queues = append(workerCfg.Queues, worker.QueueAssignment{
			Namespace: namespace,
			TaskQueue: taskQueue,
		})
	}

	workerSvc, err := worker.NewService(worker.Dependencies{
		Matching:  matchingSvc,
		Reporter:  engine,
		Registry:  registry,
		Resolver:  resolver.NewVariableResolver(variableStore),
		Encryptor: encryptor,
	}, workerCfg)
	if err != nil {
		return err
	}

	// Frontend.
	frontendSvc := frontend.NewService(engine, visStore, frontend.Config{
		BearerToken: cfg.BearerToken,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", frontendSvc.Router())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Lifecycle.
	if err := matchingSvc.Start(ctx); err != nil {
		return err
	}
	defer matchingSvc.Stop()

	if err := timerSvc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		timerSvc.Stop(stopCtx)
	}()

	if len(workerCfg.Queues) > 0 {
		if err := workerSvc.Start(ctx); err != nil {
			return err
		}
		defer workerSvc.Stop()
	}

	if err := engine.RecoverRunning(ctx); err != nil {
		logger.Error("recovery sweep failed", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// meteredDispatcher decorates the matching service with enqueue metrics.
type meteredDispatcher struct {
	svc     *matching.Service
	metrics *metrics.Metrics
}

func (d *meteredDispatcher) Enqueue(ctx context.Context, task *matching.Task) error {
	err := d.svc.Enqueue(ctx, task)
	if err == nil {
		d.metrics.TasksEnqueued.WithLabelValues(task.Namespace, task.TaskQueue).Inc()
		if depth, derr := d.svc.QueueDepth(ctx, task.Namespace, task.TaskQueue); derr == nil {
			d.metrics.QueueDepth.WithLabelValues(task.Namespace, task.TaskQueue).Set(float64(depth))
		}
	}
	return err
}

func (d *meteredDispatcher) RemoveTask(ctx context.Context, namespace, taskQueue, taskID string) (bool, error) {
	return d.svc.RemoveTask(ctx, namespace, taskQueue, taskID)
}

// registerBuiltinExecutors installs the no-op executors the engine ships
// with. Real node executors are registered by the embedding deployment.
func registerBuiltinExecutors(registry *executor.Registry) {
	registry.Register(&executor.Func{
		Type: "noop",
		Fn: func(ctx context.Context, req *executor.ExecuteRequest) (*executor.ExecuteResponse, error) {
			return &executor.ExecuteResponse{Output: req.Input}, nil
		},
	})
}
