package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gyrex/internal/constants"
	"gyrex/internal/gate"
)

type lockPayload struct {
	Owner    string    `json:"owner"`
	Node     string    `json:"node"`
	Acquired time.Time `json:"acquired"`
}

// GateDistributedLockManager backs locks with ephemeral records, so a lock held by a
// crashed process disappears together with its coordination session.
type GateDistributedLockManager struct {
	gate          gate.Gate
	namespace     string
	nodeID        string
	retryInterval time.Duration
	logger        *zap.Logger
}

func NewGateDistributedLockManager(g gate.Gate, namespace, nodeID string, logger *zap.Logger) *GateDistributedLockManager {
	if namespace == "" {
		namespace = constants.DefaultNamespace
	}
	return &GateDistributedLockManager{
		gate:          g,
		namespace:     namespace,
		nodeID:        nodeID,
		retryInterval: DefaultRetryInterval,
		logger:        logger,
	}
}

func (m *GateDistributedLockManager) path(id string) string {
	return gate.Join(m.namespace, constants.LocksPath, gate.EscapeSegment(id))
}

func (m *GateDistributedLockManager) TryAcquire(ctx context.Context, id string) (DistributedLock, error) {
	token := uuid.NewString()
	payload, err := json.Marshal(lockPayload{Owner: token, Node: m.nodeID, Acquired: time.Now()})
	if err != nil {
		return nil, err
	}

	path := m.path(id)
	if _, err := m.gate.CreateRecord(ctx, path, gate.Ephemeral, payload); err != nil {
		if errors.Is(err, gate.ErrNodeExists) {
			return nil, fmt.Errorf("%w: %s", ErrLockUnavailable, id)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	m.logger.Debug("lock acquired", zap.String("lock", id))
	return &gateLock{manager: m, id: id, path: path, token: token}, nil
}

func (m *GateDistributedLockManager) Acquire(ctx context.Context, id string) (DistributedLock, error) {
	return acquireBlocking(ctx, id, m.retryInterval, m.TryAcquire)
}

func (m *GateDistributedLockManager) IsHeld(ctx context.Context, id string) (bool, error) {
	return m.gate.Exists(ctx, m.path(id))
}

type gateLock struct {
	manager *GateDistributedLockManager
	id      string
	path    string
	token   string

	mu       sync.Mutex
	released bool
}

func (l *gateLock) ID() string {
	return l.id
}

// owned reads the backing record and checks it still belongs to this handle.
func (l *gateLock) owned(ctx context.Context) (*gate.Record, error) {
	rec, err := l.manager.gate.ReadRecord(ctx, l.path)
	if err != nil {
		return nil, err
	}
	if rec.EphemeralOwner != l.manager.gate.SessionID() {
		return nil, ErrNotOwner
	}
	var p lockPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil || p.Owner != l.token {
		return nil, ErrNotOwner
	}
	return rec, nil
}

func (l *gateLock) IsValid(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return false
	}
	_, err := l.owned(ctx)
	return err == nil
}

func (l *gateLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	rec, err := l.owned(ctx)
	if errors.Is(err, gate.ErrNoNode) {
		l.manager.logger.Debug("lock already gone on release", zap.String("lock", l.id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.id, err)
	}
	if err := l.manager.gate.Delete(ctx, l.path, rec.Version); err != nil && !errors.Is(err, gate.ErrNoNode) {
		return fmt.Errorf("failed to release lock %s: %w", l.id, err)
	}
	l.manager.logger.Debug("lock released", zap.String("lock", l.id))
	return nil
}
