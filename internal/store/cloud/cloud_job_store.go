package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gyrex/internal/constants"
	"gyrex/internal/gate"
	"gyrex/internal/models"
	"gyrex/internal/state"
	"gyrex/internal/store"
)

// CloudJobStore keeps jobs as persistent records in the coordination tree. Record
// versions make UpdateState a compare-and-set.
type CloudJobStore struct {
	gate      gate.Gate
	namespace string
	logger    *zap.Logger
}

func NewCloudJobStore(g gate.Gate, namespace string, logger *zap.Logger) *CloudJobStore {
	if namespace == "" {
		namespace = constants.DefaultNamespace
	}
	return &CloudJobStore{gate: g, namespace: namespace, logger: logger}
}

var _ store.JobStore = (*CloudJobStore)(nil)

func (s *CloudJobStore) dir(contextPath string) string {
	return gate.Join(s.namespace, constants.JobsPath, gate.EscapeSegment(contextPath))
}

func (s *CloudJobStore) path(contextPath, id string) string {
	return gate.Join(s.dir(contextPath), gate.EscapeSegment(id))
}

func (s *CloudJobStore) read(ctx context.Context, path, id string) (*models.Job, *gate.Record, error) {
	rec, err := s.gate.ReadRecord(ctx, path)
	if errors.Is(err, gate.ErrNoNode) {
		return nil, nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(rec.Payload, &job); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, rec, nil
}

func (s *CloudJobStore) Find(ctx context.Context, contextPath, id string) (*models.Job, error) {
	job, _, err := s.read(ctx, s.path(contextPath, id), id)
	return job, err
}

func (s *CloudJobStore) Save(ctx context.Context, contextPath string, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	path := s.path(contextPath, job.ID)
	if _, err := s.gate.CreateRecord(ctx, path, gate.Persistent, data); err != nil {
		if !errors.Is(err, gate.ErrNodeExists) {
			return fmt.Errorf("failed to save job: %w", err)
		}
		if _, err := s.gate.WriteRecord(ctx, path, data, gate.AnyVersion); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	}
	return nil
}

func (s *CloudJobStore) UpdateState(ctx context.Context, contextPath string, job *models.Job, expected state.JobState) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	path := s.path(contextPath, job.ID)
	conflict := fmt.Errorf("%w: %s expected %s", store.ErrStateConflict, job.ID, expected)

	current, rec, err := s.read(ctx, path, job.ID)
	if errors.Is(err, store.ErrJobNotFound) {
		if expected != state.StateNone {
			return conflict
		}
		if _, err := s.gate.CreateRecord(ctx, path, gate.Persistent, data); err != nil {
			if errors.Is(err, gate.ErrNodeExists) {
				return conflict
			}
			return fmt.Errorf("failed to update job state: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if store.StoredState(current) != expected {
		return conflict
	}
	if _, err := s.gate.WriteRecord(ctx, path, data, rec.Version); err != nil {
		if errors.Is(err, gate.ErrBadVersion) || errors.Is(err, gate.ErrNoNode) {
			return conflict
		}
		return fmt.Errorf("failed to update job state: %w", err)
	}
	return nil
}

func (s *CloudJobStore) List(ctx context.Context, contextPath string, states ...state.JobState) ([]*models.Job, error) {
	names, err := s.gate.Children(ctx, s.dir(contextPath))
	if errors.Is(err, gate.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var jobs []*models.Job
	for _, name := range names {
		job, _, err := s.read(ctx, gate.Join(s.dir(contextPath), name), name)
		if errors.Is(err, store.ErrJobNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("skipping unreadable job", zap.String("job", name), zap.Error(err))
			continue
		}
		if store.Matches(store.StoredState(job), states) {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *CloudJobStore) Remove(ctx context.Context, contextPath, id string) error {
	err := s.gate.Delete(ctx, s.path(contextPath, id), gate.AnyVersion)
	if err != nil && !errors.Is(err, gate.ErrNoNode) {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	return nil
}

// Close is a no-op; the gate is owned by the caller.
func (s *CloudJobStore) Close() error {
	return nil
}
