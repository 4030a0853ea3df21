package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"gyrex/internal/constants"
	"gyrex/internal/jobs"
	"gyrex/internal/lock"
	"gyrex/internal/metrics"
	"gyrex/internal/models"
	"gyrex/internal/queue"
	"gyrex/internal/store"
)

const (
	DefaultConcurrency       = 4
	DefaultLockCheckInterval = 5 * time.Second
	receiveBackoff           = time.Second
)

// Chainer fires the schedule entries waiting for a successful run.
type Chainer interface {
	TriggerAfter(ctx context.Context, scheduleInfo string) error
}

type Options struct {
	Concurrency int
	// LockCheckInterval is how often a running job's lock is checked for validity.
	LockCheckInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.LockCheckInterval <= 0 {
		o.LockCheckInterval = DefaultLockCheckInterval
	}
	return o
}

// Pool consumes job requests from one queue and runs them.
type Pool struct {
	queue    queue.Queue
	contexts jobs.Resolver
	registry *jobs.Registry
	locks    lock.DistributedLockManager
	chainer  Chainer
	metrics  *metrics.Collector
	opts     Options
	logger   *zap.Logger
}

func NewPool(q queue.Queue, contexts jobs.Resolver, registry *jobs.Registry, locks lock.DistributedLockManager, chainer Chainer, collector *metrics.Collector, opts Options, logger *zap.Logger) *Pool {
	return &Pool{
		queue:    q,
		contexts: contexts,
		registry: registry,
		locks:    locks,
		chainer:  chainer,
		metrics:  collector,
		opts:     opts.withDefaults(),
		logger:   logger.With(zap.String("queue", q.ID())),
	}
}

// Start consumes until ctx is done and waits for running jobs before returning.
func (p *Pool) Start(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(p.opts.Concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	p.logger.Info("worker pool started", zap.Int("concurrency", p.opts.Concurrency))
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		d, err := p.queue.Receive(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("failed to receive job request", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("panic while handling job request", zap.Any("panic", r))
				}
				sem.Release(1)
				wg.Done()
			}()
			p.handle(ctx, d)
		}()
	}
}

func (p *Pool) handle(ctx context.Context, d *queue.Delivery) {
	settleCtx := context.WithoutCancel(ctx)
	logger := p.logger.With(zap.String("message", d.Message.ID), zap.Int("attempt", d.Attempt))
	if d.Attempt > 1 {
		p.metrics.RecordRedelivery()
	}

	req, err := decode(d.Message)
	if err != nil {
		logger.Error("dropping malformed job request", zap.Error(err))
		p.skip(settleCtx, d, "malformed")
		return
	}
	logger = logger.With(zap.String("context", req.ContextPath), zap.String("job", req.JobID))

	m, err := p.contexts.Resolve(req.ContextPath)
	if err != nil {
		logger.Error("dropping job request of unknown context", zap.Error(err))
		p.skip(settleCtx, d, "unknown_context")
		return
	}

	l, err := p.locks.TryAcquire(ctx, m.RunningLock(req.JobID))
	if errors.Is(err, lock.ErrLockUnavailable) {
		logger.Warn("job is already running elsewhere, skipping duplicate delivery")
		p.skip(settleCtx, d, "duplicate")
		return
	}
	if err != nil {
		logger.Error("failed to acquire running lock", zap.Error(err))
		p.nack(settleCtx, d, logger)
		return
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := l.Release(settleCtx); err != nil && !errors.Is(err, lock.ErrNotOwner) {
			logger.Warn("failed to release running lock", zap.Error(err))
		}
	}
	defer release()

	job, err := m.StartJob(ctx, req.JobID)
	if errors.Is(err, jobs.ErrNotQueued) || errors.Is(err, store.ErrJobNotFound) || errors.Is(err, store.ErrStateConflict) {
		logger.Info("job is no longer queued, skipping stale request", zap.Error(err))
		p.skip(settleCtx, d, "stale")
		return
	}
	if err != nil {
		logger.Error("failed to start job", zap.Error(err))
		p.nack(settleCtx, d, logger)
		return
	}

	done := p.metrics.RecordStarted()
	started := time.Now()
	runCtx, cancel := lock.Monitor(ctx, l, p.opts.LockCheckInterval)
	result := p.run(runCtx, job.TypeID, job.Parameter)
	if cause := context.Cause(runCtx); errors.Is(cause, lock.ErrLockLost) {
		result = models.JobResult{OK: false, Message: "running lock lost"}
	}
	cancel()
	done()
	p.metrics.RecordFinished(job.TypeID, result.OK, time.Since(started))

	if _, err := m.FinishJob(settleCtx, req.JobID, result); err != nil {
		logger.Error("failed to record job result", zap.Error(err))
	}
	release()
	if err := d.Ack(settleCtx); err != nil {
		logger.Warn("failed to ack job request", zap.Error(err))
	}

	if !result.OK {
		logger.Warn("job failed", zap.String("result", result.Message))
		return
	}
	logger.Info("job finished", zap.Duration("duration", time.Since(started)))

	if req.ScheduleInfo != "" && p.chainer != nil {
		if err := p.chainer.TriggerAfter(ctx, req.ScheduleInfo); err != nil {
			logger.Error("failed to trigger chained entries", zap.Error(err))
		}
	}
}

// run executes the job function, turning errors and panics into a failed result.
func (p *Pool) run(ctx context.Context, typeID string, parameter map[string]string) (result models.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			result = models.JobResult{OK: false, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if err := p.registry.Execute(ctx, typeID, parameter); err != nil {
		return models.JobResult{OK: false, Message: err.Error()}
	}
	return models.JobResult{OK: true}
}

func (p *Pool) skip(ctx context.Context, d *queue.Delivery, reason string) {
	p.metrics.RecordSkipped(reason)
	if err := d.Ack(ctx); err != nil {
		p.logger.Warn("failed to ack skipped job request", zap.Error(err))
	}
}

func (p *Pool) nack(ctx context.Context, d *queue.Delivery, logger *zap.Logger) {
	if err := d.Nack(ctx); err != nil {
		logger.Warn("failed to nack job request", zap.Error(err))
	}
}

func decode(msg *models.EventMessage) (*models.JobRequest, error) {
	if msg.Type != models.JobRequestType {
		return nil, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var req models.JobRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if req.JobID == "" {
		return nil, errors.New("job id is missing")
	}
	if req.ContextPath == "" {
		req.ContextPath = constants.DefaultContext
	}
	return &req, nil
}
