package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gyrex/internal/models"
	"gyrex/internal/state"
	"gyrex/internal/store"
)

// casScript writes the job hash only if its state field still holds ARGV[1].
var casScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "state")
if not current then
	current = "none"
end
if current ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[2], "state", ARGV[3])
redis.call("SADD", KEYS[2], ARGV[4])
return 1`)

// RedisJobStore keeps each job in a hash with its encoded form and its state, plus a
// set per context indexing the job ids.
type RedisJobStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

func NewRedisJobStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisJobStore {
	if prefix == "" {
		prefix = "gyrex:jobs:"
	}
	return &RedisJobStore{client: client, prefix: prefix, logger: logger}
}

var _ store.JobStore = (*RedisJobStore)(nil)

func (s *RedisJobStore) jobKey(contextPath, id string) string {
	return s.prefix + contextPath + ":" + id
}

func (s *RedisJobStore) indexKey(contextPath string) string {
	return s.prefix + contextPath
}

func (s *RedisJobStore) Find(ctx context.Context, contextPath, id string) (*models.Job, error) {
	data, err := s.client.HGet(ctx, s.jobKey(contextPath, id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisJobStore) Save(ctx context.Context, contextPath string, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.jobKey(contextPath, job.ID), "data", data, "state", string(store.StoredState(job)))
		p.SAdd(ctx, s.indexKey(contextPath), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *RedisJobStore) UpdateState(ctx context.Context, contextPath string, job *models.Job, expected state.JobState) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	n, err := casScript.Run(ctx, s.client,
		[]string{s.jobKey(contextPath, job.ID), s.indexKey(contextPath)},
		string(expected), data, string(store.StoredState(job)), job.ID).Int64()
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s expected %s", store.ErrStateConflict, job.ID, expected)
	}
	return nil
}

func (s *RedisJobStore) List(ctx context.Context, contextPath string, states ...state.JobState) ([]*models.Job, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(contextPath)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	sort.Strings(ids)

	var jobs []*models.Job
	for _, id := range ids {
		job, err := s.Find(ctx, contextPath, id)
		if errors.Is(err, store.ErrJobNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("skipping unreadable job", zap.String("job", id), zap.Error(err))
			continue
		}
		if store.Matches(store.StoredState(job), states) {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *RedisJobStore) Remove(ctx context.Context, contextPath, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.jobKey(contextPath, id))
		p.SRem(ctx, s.indexKey(contextPath), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	return nil
}

func (s *RedisJobStore) Close() error {
	return s.client.Close()
}
