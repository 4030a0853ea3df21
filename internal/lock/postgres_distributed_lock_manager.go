package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PostgresDistributedLockManager maps lock ids onto session level advisory locks. Each
// lock pins its own connection because advisory locks belong to the backend session.
type PostgresDistributedLockManager struct {
	db            *sql.DB
	retryInterval time.Duration
	logger        *zap.Logger
}

func NewPostgresDistributedLockManager(db *sql.DB, logger *zap.Logger) *PostgresDistributedLockManager {
	return &PostgresDistributedLockManager{
		db:            db,
		retryInterval: DefaultRetryInterval,
		logger:        logger,
	}
}

// Key hashes a lock id into the bigint key space of advisory locks.
func Key(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}

// splitKey returns the classid and objid pg_locks reports for a bigint advisory key.
func splitKey(key int64) (int64, int64) {
	u := uint64(key)
	return int64(u >> 32), int64(u & 0xffffffff)
}

func (m *PostgresDistributedLockManager) TryAcquire(ctx context.Context, id string) (DistributedLock, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	key := Key(id)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrLockUnavailable, id)
	}

	m.logger.Debug("advisory lock acquired", zap.String("lock", id), zap.Int64("key", key))
	return &postgresLock{manager: m, id: id, key: key, conn: conn}, nil
}

func (m *PostgresDistributedLockManager) Acquire(ctx context.Context, id string) (DistributedLock, error) {
	return acquireBlocking(ctx, id, m.retryInterval, m.TryAcquire)
}

func (m *PostgresDistributedLockManager) IsHeld(ctx context.Context, id string) (bool, error) {
	classID, objID := splitKey(Key(id))
	var held bool
	err := m.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_locks WHERE locktype = 'advisory' AND classid = $1 AND objid = $2 AND objsubid = 1 AND granted)`,
		classID, objID).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("failed to check lock: %w", err)
	}
	return held, nil
}

type postgresLock struct {
	manager *PostgresDistributedLockManager
	id      string
	key     int64

	mu   sync.Mutex
	conn *sql.Conn
}

func (l *postgresLock) ID() string {
	return l.id
}

func (l *postgresLock) IsValid(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return false
	}
	classID, objID := splitKey(l.key)
	var held bool
	err := l.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_locks WHERE locktype = 'advisory' AND pid = pg_backend_pid() AND classid = $1 AND objid = $2 AND objsubid = 1 AND granted)`,
		classID, objID).Scan(&held)
	if err != nil {
		l.manager.logger.Warn("advisory lock check failed", zap.String("lock", l.id), zap.Error(err))
		return false
	}
	return held
}

func (l *postgresLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&released); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if !released {
		return fmt.Errorf("failed to release lock %s: %w", l.id, ErrNotOwner)
	}
	return nil
}
