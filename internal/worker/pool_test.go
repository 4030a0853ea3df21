package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"gyrex/internal/gate"
	"gyrex/internal/jobs"
	"gyrex/internal/lock"
	"gyrex/internal/models"
	"gyrex/internal/queue"
	"gyrex/internal/state"
	jobstore "gyrex/internal/store/cloud"
)

const waitFor = 5 * time.Second

type mockChainer struct {
	mu    sync.Mutex
	infos []string
}

func (m *mockChainer) TriggerAfter(ctx context.Context, scheduleInfo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, scheduleInfo)
	return nil
}

func (m *mockChainer) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.infos...)
}

type harness struct {
	manager  *jobs.Manager
	registry *jobs.Registry
	locks    lock.DistributedLockManager
	queue    queue.Queue
	chainer  *mockChainer
	logs     *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	g := gate.NewMemoryTree().Connect()
	locks := lock.NewGateDistributedLockManager(g, "", "n1", zap.NewNop())
	q, err := queue.NewGateService(g, "", "n1", zap.NewNop()).CreateQueue(context.Background(), "default", queue.Options{})
	require.NoError(t, err)

	manager := jobs.NewManager("/", jobstore.NewCloudJobStore(g, "", zap.NewNop()), locks, "n1", zap.NewNop())
	contexts := jobs.NewContexts()
	require.NoError(t, contexts.Register(manager))

	core, logs := observer.New(zap.InfoLevel)
	h := &harness{
		manager:  manager,
		registry: jobs.NewRegistry(),
		locks:    locks,
		queue:    q,
		chainer:  &mockChainer{},
		logs:     logs,
	}

	pool := NewPool(q, contexts, h.registry, locks, h.chainer, nil, Options{Concurrency: 2}, zap.New(core))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) queueJob(t *testing.T, typeID string) {
	t.Helper()
	_, err := h.manager.QueueJob(context.Background(), h.queue, jobs.QueueRequest{
		JobID:        "s1_e1",
		JobTypeID:    typeID,
		Parameter:    map[string]string{"k": "v"},
		Trigger:      "schedule 's1' entry 'e1'",
		ScheduleInfo: "s1,e1",
	})
	require.NoError(t, err)
}

func (h *harness) waitFinished(t *testing.T) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := h.manager.GetJob(context.Background(), "s1_e1")
		if err != nil || j.State != state.StateNone || j.LastFinish.IsZero() {
			return false
		}
		job = j
		return true
	}, waitFor, 20*time.Millisecond)
	return job
}

func TestPool_RunsJob(t *testing.T) {
	h := newHarness(t)
	var got map[string]string
	require.NoError(t, h.registry.Register("export", func(ctx context.Context, parameter map[string]string) error {
		got = parameter
		return nil
	}))

	h.queueJob(t, "export")
	job := h.waitFinished(t)

	assert.True(t, job.LastResult.OK)
	assert.False(t, job.LastSuccessfulFinish.IsZero())
	assert.Empty(t, job.ActiveNode)
	assert.Equal(t, map[string]string{"k": "v"}, got)

	assert.Eventually(t, func() bool {
		return len(h.chainer.calls()) == 1
	}, waitFor, 20*time.Millisecond)
	assert.Equal(t, []string{"s1,e1"}, h.chainer.calls())

	held, err := h.locks.IsHeld(context.Background(), h.manager.RunningLock("s1_e1"))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestPool_FailedJob(t *testing.T) {
	tests := []struct {
		name    string
		typeID  string
		fn      jobs.Func
		message string
	}{
		{
			name:    "error",
			typeID:  "export",
			fn:      func(ctx context.Context, parameter map[string]string) error { return errors.New("disk full") },
			message: "disk full",
		},
		{
			name:    "panic",
			typeID:  "export",
			fn:      func(ctx context.Context, parameter map[string]string) error { panic("boom") },
			message: "panic: boom",
		},
		{
			name:    "unknown type",
			typeID:  "missing",
			message: "unknown job type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.fn != nil {
				require.NoError(t, h.registry.Register(tt.typeID, tt.fn))
			}

			h.queueJob(t, tt.typeID)
			job := h.waitFinished(t)

			assert.False(t, job.LastResult.OK)
			assert.Contains(t, job.LastResult.Message, tt.message)
			assert.True(t, job.LastSuccessfulFinish.IsZero())
			assert.Empty(t, h.chainer.calls())
		})
	}
}

func TestPool_SkipsDuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	require.NoError(t, h.registry.Register("export", func(ctx context.Context, parameter map[string]string) error {
		calls.Add(1)
		return nil
	}))

	l, err := h.locks.TryAcquire(context.Background(), h.manager.RunningLock("s1_e1"))
	require.NoError(t, err)
	defer l.Release(context.Background())

	h.queueJob(t, "export")

	require.Eventually(t, func() bool {
		return h.logs.FilterMessage("job is already running elsewhere, skipping duplicate delivery").Len() == 1
	}, waitFor, 20*time.Millisecond)
	assert.Zero(t, calls.Load())

	job, err := h.manager.GetJob(context.Background(), "s1_e1")
	require.NoError(t, err)
	assert.Equal(t, state.StateQueued, job.State)
}

func TestPool_SkipsStaleRequest(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	require.NoError(t, h.registry.Register("export", func(ctx context.Context, parameter map[string]string) error {
		calls.Add(1)
		return nil
	}))

	payload, err := json.Marshal(models.JobRequest{ContextPath: "/", JobID: "never-queued", JobTypeID: "export"})
	require.NoError(t, err)
	require.NoError(t, h.queue.Send(context.Background(), models.NewEventMessage("m1", models.JobRequestType, payload)))

	require.Eventually(t, func() bool {
		return h.logs.FilterMessage("job is no longer queued, skipping stale request").Len() == 1
	}, waitFor, 20*time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestPool_DropsMalformedRequest(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.queue.Send(context.Background(), models.NewEventMessage("m1", "other.type", []byte("{}"))))
	require.NoError(t, h.queue.Send(context.Background(), models.NewEventMessage("m2", models.JobRequestType, []byte("{"))))

	require.Eventually(t, func() bool {
		return h.logs.FilterMessage("dropping malformed job request").Len() == 2
	}, waitFor, 20*time.Millisecond)
}

func TestDecode(t *testing.T) {
	payload, err := json.Marshal(models.JobRequest{JobID: "job"})
	require.NoError(t, err)

	req, err := decode(models.NewEventMessage("m", models.JobRequestType, payload))
	require.NoError(t, err)
	assert.Equal(t, "/", req.ContextPath)

	_, err = decode(models.NewEventMessage("m", models.JobRequestType, []byte(`{"contextPath":"/"}`)))
	assert.Error(t, err)
}
