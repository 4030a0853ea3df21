package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gyrex/internal/constants"
	"gyrex/internal/jobs"
	"gyrex/internal/lock"
	"gyrex/internal/metrics"
	"gyrex/internal/queue"
	"gyrex/internal/schedule"
	"gyrex/internal/store"
)

const (
	DefaultRefreshInterval   = time.Minute
	DefaultLockCheckInterval = 5 * time.Second
)

// Schedules is the read side of the schedule store.
type Schedules interface {
	List(ctx context.Context) ([]string, error)
	Load(ctx context.Context, id string) (*schedule.Schedule, error)
}

type Options struct {
	// RefreshInterval is how often schedules are reloaded from the store.
	RefreshInterval time.Duration
	// LockCheckInterval is how often the scheduler lock is checked for validity.
	LockCheckInterval time.Duration
	Queue             queue.Options
}

func (o Options) withDefaults() Options {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.LockCheckInterval <= 0 {
		o.LockCheckInterval = DefaultLockCheckInterval
	}
	return o
}

type loaded struct {
	fingerprint string
	entries     []cron.EntryID
}

// Engine fires schedule entries. Every node can fire chained entries, but cron
// triggers only run on the node holding the scheduler lock.
type Engine struct {
	schedules Schedules
	contexts  jobs.Resolver
	queues    queue.Service
	locks     lock.DistributedLockManager
	metrics   *metrics.Collector
	opts      Options
	logger    *zap.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	runCtx context.Context
	loaded map[string]loaded
}

func NewEngine(schedules Schedules, contexts jobs.Resolver, queues queue.Service, locks lock.DistributedLockManager, collector *metrics.Collector, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		schedules: schedules,
		contexts:  contexts,
		queues:    queues,
		locks:     locks,
		metrics:   collector,
		opts:      opts.withDefaults(),
		logger:    logger,
		loaded:    make(map[string]loaded),
	}
}

// Start competes for the scheduler lock and runs cron triggers while holding it. It
// returns once ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	for {
		l, err := e.locks.Acquire(ctx, constants.SchedulerLock)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			e.logger.Error("failed to acquire scheduler lock", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.opts.LockCheckInterval):
			}
			continue
		}

		e.logger.Info("scheduler lock acquired, starting cron triggers")
		e.metrics.SetSchedulerActive(true)
		active, cancel := lock.Monitor(ctx, l, e.opts.LockCheckInterval)
		e.run(active)
		lost := errors.Is(context.Cause(active), lock.ErrLockLost)
		cancel()
		e.metrics.SetSchedulerActive(false)

		if err := l.Release(context.WithoutCancel(ctx)); err != nil && !lost {
			e.logger.Warn("failed to release scheduler lock", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
		e.logger.Warn("scheduler lock lost, cron triggers stopped")
	}
}

func (e *Engine) run(ctx context.Context) {
	zl := cronLogger{e.logger.Sugar()}
	c := cron.New(
		cron.WithParser(schedule.Parser),
		cron.WithLogger(zl),
		cron.WithChain(cron.Recover(zl)),
	)

	e.mu.Lock()
	e.cron = c
	e.runCtx = ctx
	e.loaded = make(map[string]loaded)
	e.mu.Unlock()

	e.refresh(ctx)
	c.Start()

	ticker := time.NewTicker(e.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			e.mu.Lock()
			e.cron = nil
			e.runCtx = nil
			e.loaded = make(map[string]loaded)
			e.mu.Unlock()
			return
		case <-ticker.C:
			e.refresh(ctx)
		}
	}
}

// Active reports whether this engine currently runs cron triggers.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cron != nil
}

func (e *Engine) refresh(ctx context.Context) {
	ids, err := e.schedules.List(ctx)
	if err != nil {
		e.logger.Error("failed to list schedules", zap.Error(err))
		return
	}
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
		if err := e.Reload(ctx, id); err != nil {
			e.logger.Error("failed to load schedule", zap.String("schedule", id), zap.Error(err))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.loaded {
		if !present[id] {
			e.unscheduleLocked(id)
		}
	}
}

// Reload registers the cron triggers of schedule id anew. It is a no-op while the
// engine does not hold the scheduler lock.
func (e *Engine) Reload(ctx context.Context, id string) error {
	if !e.Active() {
		return nil
	}
	sched, err := e.schedules.Load(ctx, id)
	if errors.Is(err, schedule.ErrScheduleNotFound) {
		e.mu.Lock()
		e.unscheduleLocked(id)
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	fp, err := json.Marshal(sched)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron == nil {
		return nil
	}
	if current, ok := e.loaded[id]; ok && current.fingerprint == string(fp) {
		return nil
	}
	e.unscheduleLocked(id)

	entry := loaded{fingerprint: string(fp)}
	if sched.Enabled {
		loc, err := sched.Location()
		if err != nil {
			return fmt.Errorf("schedule %s: %w", id, err)
		}
		for _, en := range sched.Entries {
			if !en.Enabled || en.Cron == "" {
				continue
			}
			trigger, err := schedule.ParseCron(en.Cron, loc)
			if err != nil {
				e.logger.Error("skipping entry with invalid cron expression",
					zap.String("schedule", id), zap.String("entry", en.ID), zap.Error(err))
				continue
			}
			info := schedule.Info{ScheduleID: id, EntryID: en.ID}
			runCtx := e.runCtx
			entryID := e.cron.Schedule(trigger, cron.FuncJob(func() {
				e.fireLogged(runCtx, info)
			}))
			entry.entries = append(entry.entries, entryID)
		}
	}
	e.loaded[id] = entry
	e.logger.Info("schedule loaded", zap.String("schedule", id), zap.Int("triggers", len(entry.entries)))
	return nil
}

func (e *Engine) unscheduleLocked(id string) {
	current, ok := e.loaded[id]
	if !ok {
		return
	}
	for _, entryID := range current.entries {
		e.cron.Remove(entryID)
	}
	delete(e.loaded, id)
}

// fireLogged loads the schedule of info and fires it. Errors end the firing, never
// the engine.
func (e *Engine) fireLogged(ctx context.Context, info schedule.Info) {
	sched, err := e.schedules.Load(ctx, info.ScheduleID)
	if err != nil {
		e.logger.Error("failed to load schedule for firing", zap.String("schedule", info.ScheduleID), zap.Error(err))
		return
	}
	if err := e.Fire(ctx, sched, info); err != nil {
		e.logger.Error("schedule firing failed",
			zap.String("schedule", info.ScheduleID), zap.String("entry", info.EntryID), zap.Error(err))
	}
}

// Fire queues the job of the entry described by info unless the job is still active.
// Skipped firings are logged and return nil.
func (e *Engine) Fire(ctx context.Context, sched *schedule.Schedule, info schedule.Info) error {
	en, ok := sched.Entry(info.EntryID)
	if !ok {
		return fmt.Errorf("schedule %s has no entry %s", sched.ID, info.EntryID)
	}
	contextPath := sched.ContextOrDefault()
	jobID := en.EffectiveJobID(sched.ID)
	logger := e.logger.With(
		zap.String("schedule", sched.ID),
		zap.String("entry", en.ID),
		zap.String("context", contextPath),
		zap.String("job", jobID))

	m, err := e.contexts.Resolve(contextPath)
	if err != nil {
		logger.Error("cannot resolve job manager, aborting firing", zap.Error(err))
		return err
	}

	guard, err := e.locks.TryAcquire(ctx, constants.EnqueueLock(contextPath, jobID))
	if errors.Is(err, lock.ErrLockUnavailable) {
		logger.Warn("job is being queued by another scheduler, skipping firing")
		e.metrics.RecordSkipped("enqueue_busy")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to acquire enqueue lock: %w", err)
	}
	defer func() {
		if err := guard.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release enqueue lock", zap.Error(err))
		}
	}()

	job, err := m.GetJob(ctx, jobID)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return err
	}
	if err == nil && store.StoredState(job).IsActive() {
		stuck, err := m.IsStuck(ctx, job)
		if err != nil {
			return err
		}
		if !stuck {
			logger.Warn("job is still active, skipping firing", zap.Stringer("state", store.StoredState(job)))
			e.metrics.RecordSkipped("active")
			return nil
		}
	}

	q, err := e.queues.CreateQueue(ctx, sched.QueueOrDefault(), e.opts.Queue)
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", sched.QueueOrDefault(), err)
	}

	_, err = m.QueueJob(ctx, q, jobs.QueueRequest{
		JobID:        jobID,
		JobTypeID:    en.JobTypeID,
		Parameter:    en.Parameter,
		Trigger:      info.Trigger(),
		ScheduleInfo: info.WithNext(sched).String(),
	})
	if errors.Is(err, jobs.ErrJobActive) || errors.Is(err, store.ErrStateConflict) {
		logger.Warn("job became active concurrently, skipping firing", zap.Error(err))
		e.metrics.RecordSkipped("active")
		return nil
	}
	if err != nil {
		return err
	}
	e.metrics.RecordQueued(en.JobTypeID)
	return nil
}

// TriggerAfter fires the entries listed as successors in scheduleInfo. Entries that
// were removed or disabled since the job was queued are skipped. Saved schedules are
// acyclic, so a chain always ends.
func (e *Engine) TriggerAfter(ctx context.Context, scheduleInfo string) error {
	info, err := schedule.ParseInfo(scheduleInfo)
	if err != nil {
		return err
	}
	if len(info.Next) == 0 {
		return nil
	}
	sched, err := e.schedules.Load(ctx, info.ScheduleID)
	if errors.Is(err, schedule.ErrScheduleNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sched.Enabled {
		return nil
	}

	var errs []error
	for _, id := range info.Next {
		en, ok := sched.Entry(id)
		if !ok || !en.Enabled || id == info.EntryID {
			e.logger.Debug("skipping chained entry",
				zap.String("schedule", sched.ID), zap.String("entry", id), zap.String("after", info.EntryID))
			continue
		}
		if err := e.Fire(ctx, sched, info.Chain(id)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// cronLogger adapts zap to the cron logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
