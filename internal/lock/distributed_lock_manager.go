package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockUnavailable is returned by TryAcquire when another owner holds the lock.
	ErrLockUnavailable = errors.New("lock unavailable")
	ErrNotOwner        = errors.New("lock is not owned by this handle")
	ErrLockLost        = errors.New("lock lost")
)

// DistributedLock is a handle on an acquired lock. Ownership can be revoked silently
// (session loss, partition), so long running holders must poll IsValid.
type DistributedLock interface {
	ID() string
	IsValid(ctx context.Context) bool
	Release(ctx context.Context) error
}

type DistributedLockManager interface {
	// TryAcquire fails with ErrLockUnavailable instead of waiting.
	TryAcquire(ctx context.Context, id string) (DistributedLock, error)
	// Acquire waits until the lock is acquired or ctx is done.
	Acquire(ctx context.Context, id string) (DistributedLock, error)
	IsHeld(ctx context.Context, id string) (bool, error)
}

const DefaultRetryInterval = 250 * time.Millisecond

func acquireBlocking(ctx context.Context, id string, interval time.Duration, try func(context.Context, string) (DistributedLock, error)) (DistributedLock, error) {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		l, err := try(ctx, id)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLockUnavailable) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Monitor polls l and cancels the returned context once the lock is no longer valid.
// context.Cause of the returned context is ErrLockLost in that case.
func Monitor(ctx context.Context, l DistributedLock, interval time.Duration) (context.Context, context.CancelFunc) {
	monitored, cancel := context.WithCancelCause(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitored.Done():
				return
			case <-ticker.C:
				if !l.IsValid(monitored) {
					cancel(ErrLockLost)
					return
				}
			}
		}
	}()

	return monitored, func() { cancel(context.Canceled) }
}
