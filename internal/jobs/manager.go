package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gyrex/internal/constants"
	"gyrex/internal/lock"
	"gyrex/internal/models"
	"gyrex/internal/queue"
	"gyrex/internal/state"
	"gyrex/internal/store"
)

var (
	// ErrJobActive is returned when a job is queued or running and not stuck.
	ErrJobActive = errors.New("job is active")
	ErrNotQueued = errors.New("job is not queued")
	ErrNotActive = errors.New("job is not running")
)

const cancelledMessage = "cancelled"

// QueueRequest describes one run of a job.
type QueueRequest struct {
	JobID        string
	JobTypeID    string
	Parameter    map[string]string
	Trigger      string
	ScheduleInfo string
}

type Option func(*Manager)

// WithQueuedTimeout sets how long a job may wait in a queue before it counts as stuck.
func WithQueuedTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.queuedTimeout = d
		}
	}
}

// Manager owns the jobs of one runtime context. Every state change is a compare-and-set
// on the job store, so managers of the same context on different nodes can race safely.
type Manager struct {
	contextPath   string
	store         store.JobStore
	locks         lock.DistributedLockManager
	nodeID        string
	queuedTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

func NewManager(contextPath string, s store.JobStore, locks lock.DistributedLockManager, nodeID string, logger *zap.Logger, opts ...Option) *Manager {
	if contextPath == "" {
		contextPath = constants.DefaultContext
	}
	m := &Manager{
		contextPath:   contextPath,
		store:         s,
		locks:         locks,
		nodeID:        nodeID,
		queuedTimeout: constants.DefaultQueuedTimeout,
		logger:        logger.With(zap.String("context", contextPath)),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) ContextPath() string {
	return m.contextPath
}

// RunningLock returns the id of the lock held while job id executes.
func (m *Manager) RunningLock(id string) string {
	return constants.RunningLock(m.contextPath, id)
}

func (m *Manager) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return m.store.Find(ctx, m.contextPath, id)
}

func (m *Manager) ListJobs(ctx context.Context, states ...state.JobState) ([]*models.Job, error) {
	return m.store.List(ctx, m.contextPath, states...)
}

// IsStuck reports whether an active job has nobody working on it: a running job whose
// running lock is not held, or a queued job that waited longer than the queued timeout.
func (m *Manager) IsStuck(ctx context.Context, job *models.Job) (bool, error) {
	switch store.StoredState(job) {
	case state.StateRunning:
		held, err := m.locks.IsHeld(ctx, m.RunningLock(job.ID))
		if err != nil {
			return false, fmt.Errorf("failed to check running lock of job %s: %w", job.ID, err)
		}
		return !held, nil
	case state.StateQueued:
		return m.now().Sub(job.LastQueued) > m.queuedTimeout, nil
	default:
		return false, nil
	}
}

// DisplayState returns the stored state of job, or stuck.
func (m *Manager) DisplayState(ctx context.Context, job *models.Job) (state.JobState, error) {
	stuck, err := m.IsStuck(ctx, job)
	if err != nil {
		return "", err
	}
	if stuck {
		return state.StateStuck, nil
	}
	return store.StoredState(job), nil
}

// expectedForRestart returns the state a new run may replace: none, or the stored state
// of a stuck job.
func (m *Manager) expectedForRestart(ctx context.Context, current *models.Job, target state.JobState) (state.JobState, error) {
	from := store.StoredState(current)
	if !from.IsActive() {
		return from, nil
	}
	stuck, err := m.IsStuck(ctx, current)
	if err != nil {
		return "", err
	}
	if !stuck || !state.IsValidRecovery(from, target) {
		return "", fmt.Errorf("%w: %s is %s", ErrJobActive, current.ID, from)
	}
	m.logger.Warn("recovering stuck job",
		zap.String("job", current.ID),
		zap.Stringer("state", from),
		zap.String("activeNode", current.ActiveNode))
	return from, nil
}

// QueueJob marks the job queued and sends its request to q. When sending fails the job
// goes back to none.
func (m *Manager) QueueJob(ctx context.Context, q queue.Queue, req QueueRequest) (*models.Job, error) {
	if !models.ValidID(req.JobID) {
		return nil, fmt.Errorf("invalid job id '%s'", req.JobID)
	}
	if req.JobTypeID == "" {
		return nil, fmt.Errorf("job %s: job type is required", req.JobID)
	}

	current, err := m.store.Find(ctx, m.contextPath, req.JobID)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return nil, err
	}
	job := current.Clone()
	if job == nil {
		job = &models.Job{ID: req.JobID}
	}
	expected, err := m.expectedForRestart(ctx, current, state.StateQueued)
	if err != nil {
		return nil, err
	}

	now := m.now()
	job.TypeID = req.JobTypeID
	job.Parameter = req.Parameter
	job.State = state.StateQueued
	job.QueueID = q.ID()
	job.LastTrigger = req.Trigger
	job.ScheduleInfo = req.ScheduleInfo
	job.LastQueued = now
	job.ActiveNode = ""
	job.UpdatedAt = now

	if err := m.store.UpdateState(ctx, m.contextPath, job, expected); err != nil {
		return nil, fmt.Errorf("failed to queue job %s: %w", req.JobID, err)
	}

	msg, err := m.requestMessage(job)
	if err == nil {
		err = q.Send(ctx, msg)
	}
	if err != nil {
		m.revert(ctx, job)
		return nil, fmt.Errorf("failed to send request of job %s: %w", req.JobID, err)
	}

	m.logger.Info("job queued",
		zap.String("job", job.ID),
		zap.String("queue", job.QueueID),
		zap.String("trigger", job.LastTrigger))
	return job, nil
}

func (m *Manager) requestMessage(job *models.Job) (*models.EventMessage, error) {
	payload, err := json.Marshal(models.JobRequest{
		ContextPath:  m.contextPath,
		JobID:        job.ID,
		JobTypeID:    job.TypeID,
		Parameter:    job.Parameter,
		QueueID:      job.QueueID,
		Trigger:      job.LastTrigger,
		ScheduleInfo: job.ScheduleInfo,
		QueuedAt:     job.LastQueued,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job request: %w", err)
	}
	return models.NewEventMessage(uuid.NewString(), models.JobRequestType, payload), nil
}

// revert moves a job whose request could not be sent from queued back to none.
func (m *Manager) revert(ctx context.Context, job *models.Job) {
	reverted := job.Clone()
	reverted.State = state.StateNone
	reverted.UpdatedAt = m.now()
	if err := m.store.UpdateState(context.WithoutCancel(ctx), m.contextPath, reverted, state.StateQueued); err != nil {
		m.logger.Error("failed to revert job after aborted enqueue", zap.String("job", job.ID), zap.Error(err))
	}
}

// StartJob moves a queued job to running on this node.
func (m *Manager) StartJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := m.store.Find(ctx, m.contextPath, id)
	if err != nil {
		return nil, err
	}
	if store.StoredState(job) != state.StateQueued {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotQueued, id, store.StoredState(job))
	}

	now := m.now()
	job.State = state.StateRunning
	job.LastStart = now
	job.ActiveNode = m.nodeID
	job.UpdatedAt = now
	if err := m.store.UpdateState(ctx, m.contextPath, job, state.StateQueued); err != nil {
		return nil, fmt.Errorf("failed to start job %s: %w", id, err)
	}
	return job, nil
}

// FinishJob records the result of a run and moves the job back to none.
func (m *Manager) FinishJob(ctx context.Context, id string, result models.JobResult) (*models.Job, error) {
	job, err := m.store.Find(ctx, m.contextPath, id)
	if err != nil {
		return nil, err
	}
	if store.StoredState(job) != state.StateRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, store.StoredState(job))
	}

	now := m.now()
	job.State = state.StateNone
	job.LastFinish = now
	job.LastResult = result
	if result.OK {
		job.LastSuccessfulFinish = now
	}
	job.ActiveNode = ""
	job.UpdatedAt = now
	if err := m.store.UpdateState(ctx, m.contextPath, job, state.StateRunning); err != nil {
		return nil, fmt.Errorf("failed to finish job %s: %w", id, err)
	}
	return job, nil
}

// CancelJob moves a queued or stuck job back to none. A request that is still in a
// queue is dropped by the worker because the job is no longer queued.
func (m *Manager) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	current, err := m.store.Find(ctx, m.contextPath, id)
	if err != nil {
		return nil, err
	}
	from := store.StoredState(current)
	if from == state.StateNone {
		return current, nil
	}
	if from == state.StateRunning {
		if _, err := m.expectedForRestart(ctx, current, state.StateNone); err != nil {
			return nil, err
		}
	}

	job := current.Clone()
	now := m.now()
	job.State = state.StateNone
	job.LastFinish = now
	job.LastResult = models.JobResult{OK: false, Message: cancelledMessage}
	job.ActiveNode = ""
	job.UpdatedAt = now
	if err := m.store.UpdateState(ctx, m.contextPath, job, from); err != nil {
		return nil, fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	m.logger.Info("job cancelled", zap.String("job", id), zap.Stringer("state", from))
	return job, nil
}

// RemoveJob deletes a job that is not active.
func (m *Manager) RemoveJob(ctx context.Context, id string) error {
	current, err := m.store.Find(ctx, m.contextPath, id)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if store.StoredState(current).IsActive() {
		stuck, err := m.IsStuck(ctx, current)
		if err != nil {
			return err
		}
		if !stuck {
			return fmt.Errorf("%w: %s is %s", ErrJobActive, id, store.StoredState(current))
		}
	}
	return m.store.Remove(ctx, m.contextPath, id)
}
