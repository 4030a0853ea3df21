package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gyrex/internal/constants"
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisDistributedLockManager holds locks as expiring keys. A holder renews its key
// until release; a crashed holder loses the lock once the ttl runs out.
type RedisDistributedLockManager struct {
	client        redis.UniversalClient
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *zap.Logger
}

func NewRedisDistributedLockManager(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisDistributedLockManager {
	if ttl <= 0 {
		ttl = constants.DefaultLockTTL
	}
	if prefix == "" {
		prefix = "gyrex:locks:"
	}
	return &RedisDistributedLockManager{
		client:        client,
		prefix:        prefix,
		ttl:           ttl,
		retryInterval: DefaultRetryInterval,
		logger:        logger,
	}
}

func (m *RedisDistributedLockManager) key(id string) string {
	return m.prefix + id
}

func (m *RedisDistributedLockManager) TryAcquire(ctx context.Context, id string) (DistributedLock, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.key(id), token, m.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockUnavailable, id)
	}

	keepAlive, stop := context.WithCancel(context.Background())
	l := &redisLock{manager: m, id: id, key: m.key(id), token: token, stop: stop, done: make(chan struct{})}
	go l.keepAlive(keepAlive)
	return l, nil
}

func (m *RedisDistributedLockManager) Acquire(ctx context.Context, id string) (DistributedLock, error) {
	return acquireBlocking(ctx, id, m.retryInterval, m.TryAcquire)
}

func (m *RedisDistributedLockManager) IsHeld(ctx context.Context, id string) (bool, error) {
	n, err := m.client.Exists(ctx, m.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock: %w", err)
	}
	return n > 0, nil
}

type redisLock struct {
	manager *RedisDistributedLockManager
	id      string
	key     string
	token   string
	stop    context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	released bool
}

func (l *redisLock) ID() string {
	return l.id
}

func (l *redisLock) keepAlive(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.manager.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, l.manager.client, []string{l.key}, l.token, l.manager.ttl.Milliseconds()).Int64()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				l.manager.logger.Warn("lock renewal failed", zap.String("lock", l.id), zap.Error(err))
				continue
			}
			if n == 0 {
				l.manager.logger.Warn("lock lost", zap.String("lock", l.id))
				return
			}
		}
	}
}

func (l *redisLock) IsValid(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return false
	}
	value, err := l.manager.client.Get(ctx, l.key).Result()
	return err == nil && value == l.token
}

func (l *redisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true
	l.stop()
	<-l.done

	n, err := releaseScript.Run(ctx, l.manager.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to release lock %s: %w", l.id, ErrNotOwner)
	}
	return nil
}
