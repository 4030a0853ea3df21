package store

import (
	"context"
	"errors"

	"gyrex/internal/models"
	"gyrex/internal/state"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrStateConflict is returned by UpdateState when the stored state differs from
	// the expected one.
	ErrStateConflict = errors.New("job state changed concurrently")
)

// JobStore persists jobs per runtime context.
type JobStore interface {
	// Find returns ErrJobNotFound for unknown jobs.
	Find(ctx context.Context, contextPath, id string) (*models.Job, error)

	// Save writes job unconditionally.
	Save(ctx context.Context, contextPath string, job *models.Job) error

	// UpdateState writes job only if the stored state equals expected. A missing job
	// counts as state none.
	UpdateState(ctx context.Context, contextPath string, job *models.Job, expected state.JobState) error

	// List returns the jobs of a context ordered by id, optionally filtered by state.
	List(ctx context.Context, contextPath string, states ...state.JobState) ([]*models.Job, error)

	Remove(ctx context.Context, contextPath, id string) error

	// Close closes the underlying connection
	Close() error
}

// StoredState normalizes the empty state of freshly decoded jobs.
func StoredState(j *models.Job) state.JobState {
	if j == nil || j.State == "" {
		return state.StateNone
	}
	return j.State
}

// Matches reports whether s is one of states; no states matches everything.
func Matches(s state.JobState, states []state.JobState) bool {
	if len(states) == 0 {
		return true
	}
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}
