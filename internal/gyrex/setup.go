package gyrex

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gyrex/internal/cloud"
	"gyrex/internal/constants"
	"gyrex/internal/db"
	"gyrex/internal/gate"
	"gyrex/internal/jobs"
	"gyrex/internal/logging"
	"gyrex/internal/metrics"
	"gyrex/internal/models/config"
	"gyrex/internal/preferences"
	"gyrex/internal/queue"
	"gyrex/internal/schedule"
	"gyrex/internal/scheduler"
	"gyrex/internal/worker"
)

type setupOptions struct {
	gate     gate.Gate
	logger   *zap.Logger
	registry prometheus.Registerer
}

type Option func(*setupOptions)

// WithGate makes the server use an already connected gate instead of the configured
// driver. The server closes it on shutdown.
func WithGate(g gate.Gate) Option {
	return func(o *setupOptions) {
		o.gate = g
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *setupOptions) {
		o.logger = logger
	}
}

// WithRegisterer registers the metrics with reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *setupOptions) {
		o.registry = reg
	}
}

func setupPostgres(ctx context.Context, url string) (*sql.DB, error) {
	conn, err := db.Open(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return conn, nil
}

func setupRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// openConnections opens the database and Redis clients the configured drivers need
// and registers their Close with closers.
func openConnections(ctx context.Context, cfg *config.GyrexConfig, closers *[]func() error) (connections, error) {
	var conns connections
	var err error
	if cfg.StorageDriver == config.Postgres || cfg.LockDriver == config.PostgresLock {
		if conns.db, err = setupPostgres(ctx, cfg.PostgresConfig.ConnectionUrl); err != nil {
			return conns, err
		}
		*closers = append(*closers, conns.db.Close)
	}
	if cfg.StorageDriver == config.Redis || cfg.LockDriver == config.RedisLock {
		if conns.redis, err = setupRedis(ctx, cfg.RedisConfig); err != nil {
			return conns, err
		}
		*closers = append(*closers, conns.redis.Close)
	}
	return conns, nil
}

// SetUp connects every backend selected by cfg, registers the node with the cluster
// and builds the job managers, scheduler and worker pools. Nothing runs until Run is
// called. On error every resource opened so far is closed again.
func SetUp(ctx context.Context, cfg *config.GyrexConfig, opts ...Option) (_ *Server, err error) {
	o := &setupOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		if o.logger, err = logging.New(cfg.LogLevel, cfg.LogFormat); err != nil {
			return nil, err
		}
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	logger := o.logger.With(zap.String("node", cfg.Instance))

	s := &Server{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.closeAll()
		}
	}()

	g := o.gate
	if g == nil {
		if g, err = CreateGate(ctx, cfg, logger); err != nil {
			return nil, fmt.Errorf("failed to connect coordination service: %w", err)
		}
	}
	s.gate = g
	s.closers = append(s.closers, g.Close)

	if s.membership, err = cloud.NewCloudState(g, cfg.Namespace, cfg.Instance, cfg.Location, logger.Named("cloud")); err != nil {
		return nil, err
	}
	if _, err = s.membership.RegisterNode(ctx); err != nil {
		if cloud.IsFatal(err) {
			return nil, fmt.Errorf("node %s cannot join the cluster: %w", cfg.Instance, err)
		}
		return nil, fmt.Errorf("failed to register node %s: %w", cfg.Instance, err)
	}
	if cfg.WaitForApproval && s.membership.State() == cloud.Pending {
		logger.Info("waiting for an administrator to approve this node")
		if err = s.membership.AwaitApproval(ctx, cfg.ApprovalPollInterval); err != nil {
			return nil, fmt.Errorf("node %s was not approved: %w", cfg.Instance, err)
		}
	}

	conns, err := openConnections(ctx, cfg, &s.closers)
	if err != nil {
		return nil, err
	}

	if s.locks, err = CreateLockManager(cfg, g, conns, logger); err != nil {
		return nil, err
	}
	if cfg.StorageDriver == config.Postgres {
		if err = db.Init(ctx, conns.db, s.locks, logger.Named("db")); err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}
	if s.store, err = CreateJobStore(cfg, g, conns, logger); err != nil {
		return nil, err
	}

	queues, broker, err := CreateQueueService(cfg, g, logger)
	if err != nil {
		return nil, err
	}
	if broker != nil {
		s.closers = append(s.closers, broker.Close)
	}
	s.queues = queues

	s.registry = jobs.NewRegistry()
	for _, h := range cfg.Handlers {
		if err = s.registry.Register(h.TypeID, h.Func); err != nil {
			return nil, err
		}
	}
	s.contexts = jobs.NewContexts()
	for _, path := range cfg.Contexts {
		m := jobs.NewManager(path, s.store, s.locks, cfg.Instance, logger.Named("jobs"), jobs.WithQueuedTimeout(cfg.QueuedTimeout))
		if err = s.contexts.Register(m); err != nil {
			return nil, err
		}
	}

	prefs := preferences.NewStore(g, gate.Join(cfg.Namespace, constants.PreferencesPath))
	s.schedules = schedule.NewStore(prefs, s.locks, logger.Named("schedule"))
	s.metrics = metrics.NewCollector(o.registry)

	queueOpts := queue.Options{VisibilityTimeout: cfg.VisibilityTimeout}
	s.engine = scheduler.NewEngine(s.schedules, s.contexts, s.queues, s.locks, s.metrics, scheduler.Options{
		RefreshInterval:   cfg.ScheduleRefresh,
		LockCheckInterval: cfg.LockCheckInterval,
		Queue:             queueOpts,
	}, logger.Named("scheduler"))

	for _, id := range cfg.Queues {
		q, err := s.queues.CreateQueue(ctx, id, queueOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to create queue %s: %w", id, err)
		}
		s.pools = append(s.pools, worker.NewPool(q, s.contexts, s.registry, s.locks, s.engine, s.metrics, worker.Options{
			Concurrency:       cfg.WorkerCount,
			LockCheckInterval: cfg.LockCheckInterval,
		}, logger.Named("worker")))
	}

	s.reportMembership()
	logger.Info("node set up",
		zap.Stringer("membership", s.membership.State()),
		zap.Strings("contexts", s.contexts.Paths()),
		zap.Strings("queues", cfg.Queues),
		zap.Strings("job_types", s.registry.List()))
	return s, nil
}
