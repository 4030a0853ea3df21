package gyrex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gyrex/internal/gate"
	"gyrex/internal/lock"
	"gyrex/internal/message_broaker"
	"gyrex/internal/models/config"
	"gyrex/internal/queue"
	"gyrex/internal/store"
	"gyrex/internal/store/cloud"
	"gyrex/internal/store/postgres"
	redisstore "gyrex/internal/store/redis"
)

// connections holds the backend clients shared by stores and lock managers. Nil
// fields are backends no driver selected.
type connections struct {
	db    *sql.DB
	redis *redis.Client
}

// keyPrefix turns a namespace like /gyrex/prod into gyrex:prod:<kind>:.
func keyPrefix(namespace, kind string) string {
	base := strings.ReplaceAll(strings.Trim(namespace, "/"), "/", ":")
	return base + ":" + kind + ":"
}

func CreateGate(ctx context.Context, cfg *config.GyrexConfig, logger *zap.Logger) (gate.Gate, error) {
	switch cfg.GateDriver {
	case config.ZooKeeper:
		return gate.DialZooKeeper(ctx, gate.ZooKeeperConfig{
			Servers:        cfg.ZooKeeperConfig.Servers,
			SessionTimeout: cfg.ZooKeeperConfig.SessionTimeout,
		}, logger.Named("gate"))
	case config.Memory:
		logger.Warn("using in-process coordination tree, membership and locks are local to this node")
		return gate.NewMemoryTree().Connect(), nil
	default:
		return nil, fmt.Errorf("unsupported gate driver: %v", cfg.GateDriver)
	}
}

func CreateLockManager(cfg *config.GyrexConfig, g gate.Gate, conns connections, logger *zap.Logger) (lock.DistributedLockManager, error) {
	logger = logger.Named("lock")
	switch cfg.LockDriver {
	case config.GateLock:
		return lock.NewGateDistributedLockManager(g, cfg.Namespace, cfg.Instance, logger), nil
	case config.PostgresLock:
		return lock.NewPostgresDistributedLockManager(conns.db, logger), nil
	case config.RedisLock:
		return lock.NewRedisDistributedLockManager(conns.redis, keyPrefix(cfg.Namespace, "locks"), cfg.RedisConfig.LockTTL, logger), nil
	default:
		return nil, fmt.Errorf("unsupported lock driver: %v", cfg.LockDriver)
	}
}

func CreateJobStore(cfg *config.GyrexConfig, g gate.Gate, conns connections, logger *zap.Logger) (store.JobStore, error) {
	logger = logger.Named("store")
	switch cfg.StorageDriver {
	case config.Postgres:
		return postgres.NewPostgresJobStore(conns.db, logger), nil
	case config.Redis:
		return redisstore.NewRedisJobStore(conns.redis, keyPrefix(cfg.Namespace, "jobs"), logger), nil
	case config.Cloud:
		return cloud.NewCloudJobStore(g, cfg.Namespace, logger), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %v", cfg.StorageDriver)
	}
}

// CreateQueueService returns the queue service and, for broker backed queues, the
// broker the caller has to close.
func CreateQueueService(cfg *config.GyrexConfig, g gate.Gate, logger *zap.Logger) (queue.Service, message_broaker.MessageBroker, error) {
	logger = logger.Named("queue")
	switch cfg.QueueDriver {
	case config.GateQueue:
		return queue.NewGateService(g, cfg.Namespace, cfg.Instance, logger), nil, nil
	case config.RabbitMQ:
		rabbit := cfg.RabbitMQConfig
		broker, err := message_broaker.NewRabbitMQ(rabbit.URL, rabbit.Exchange, rabbit.Prefetch, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		return queue.NewBrokerService(broker, logger), broker, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue driver: %v", cfg.QueueDriver)
	}
}
