package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"gyrex/internal/models"
	"gyrex/internal/state"
	"gyrex/internal/store"
)

const columns = `id, type_id, parameter, state, queue_id, last_trigger, schedule_info,
	last_queued, last_start, last_finish, last_successful_finish,
	last_result_ok, last_result_message, active_node, updated_at`

type PostgresJobStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresJobStore(db *sql.DB, logger *zap.Logger) *PostgresJobStore {
	return &PostgresJobStore{db: db, logger: logger}
}

var _ store.JobStore = (*PostgresJobStore)(nil)

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// values returns the column values of job in the order of columns.
func values(job *models.Job) ([]any, error) {
	parameter, err := json.Marshal(job.Parameter)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameter: %w", err)
	}
	return []any{
		job.ID, job.TypeID, parameter, string(store.StoredState(job)), job.QueueID, job.LastTrigger, job.ScheduleInfo,
		nullTime(job.LastQueued), nullTime(job.LastStart), nullTime(job.LastFinish), nullTime(job.LastSuccessfulFinish),
		job.LastResult.OK, job.LastResult.Message, job.ActiveNode, job.UpdatedAt,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job                                  models.Job
		parameter                            []byte
		jobState                             string
		queued, started, finished, succeeded sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.TypeID, &parameter, &jobState, &job.QueueID, &job.LastTrigger, &job.ScheduleInfo,
		&queued, &started, &finished, &succeeded,
		&job.LastResult.OK, &job.LastResult.Message, &job.ActiveNode, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(parameter) > 0 {
		if err := json.Unmarshal(parameter, &job.Parameter); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameter of job %s: %w", job.ID, err)
		}
	}
	job.State = state.JobState(jobState)
	job.LastQueued, job.LastStart = queued.Time, started.Time
	job.LastFinish, job.LastSuccessfulFinish = finished.Time, succeeded.Time
	return &job, nil
}

func (r *PostgresJobStore) Find(ctx context.Context, contextPath, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM gyrex_schema.jobs WHERE context_path = $1 AND id = $2`,
		contextPath, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	return job, nil
}

const upsert = `
	INSERT INTO gyrex_schema.jobs (context_path, ` + columns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (context_path, id) DO UPDATE SET
		type_id = EXCLUDED.type_id,
		parameter = EXCLUDED.parameter,
		state = EXCLUDED.state,
		queue_id = EXCLUDED.queue_id,
		last_trigger = EXCLUDED.last_trigger,
		schedule_info = EXCLUDED.schedule_info,
		last_queued = EXCLUDED.last_queued,
		last_start = EXCLUDED.last_start,
		last_finish = EXCLUDED.last_finish,
		last_successful_finish = EXCLUDED.last_successful_finish,
		last_result_ok = EXCLUDED.last_result_ok,
		last_result_message = EXCLUDED.last_result_message,
		active_node = EXCLUDED.active_node,
		updated_at = EXCLUDED.updated_at`

const conditionalUpdate = `
	UPDATE gyrex_schema.jobs SET
		type_id = $3, parameter = $4, state = $5, queue_id = $6, last_trigger = $7, schedule_info = $8,
		last_queued = $9, last_start = $10, last_finish = $11, last_successful_finish = $12,
		last_result_ok = $13, last_result_message = $14, active_node = $15, updated_at = $16
	WHERE context_path = $1 AND id = $2 AND state = $17`

func (r *PostgresJobStore) Save(ctx context.Context, contextPath string, job *models.Job) error {
	vals, err := values(job)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, upsert, append([]any{contextPath}, vals...)...); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (r *PostgresJobStore) UpdateState(ctx context.Context, contextPath string, job *models.Job, expected state.JobState) error {
	vals, err := values(job)
	if err != nil {
		return err
	}
	queryArgs := append(append([]any{contextPath}, vals...), string(expected))

	query := conditionalUpdate
	if expected == state.StateNone {
		// a missing row counts as none
		query = upsert + ` WHERE gyrex_schema.jobs.state = $17`
	}

	res, err := r.db.ExecContext(ctx, query, queryArgs...)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s expected %s", store.ErrStateConflict, job.ID, expected)
	}
	return nil
}

func (r *PostgresJobStore) List(ctx context.Context, contextPath string, states ...state.JobState) ([]*models.Job, error) {
	query := `SELECT ` + columns + ` FROM gyrex_schema.jobs WHERE context_path = $1`
	queryArgs := []any{contextPath}
	if len(states) > 0 {
		filter := make([]string, 0, len(states))
		for _, s := range states {
			filter = append(filter, string(s))
		}
		query += ` AND state = ANY($2)`
		queryArgs = append(queryArgs, pq.Array(filter))
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			r.logger.Warn("skipping unreadable job row", zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *PostgresJobStore) Remove(ctx context.Context, contextPath, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM gyrex_schema.jobs WHERE context_path = $1 AND id = $2`, contextPath, id)
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	return nil
}

func (r *PostgresJobStore) Close() error {
	return r.db.Close()
}
