package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"gyrex/internal/constants"
	"gyrex/internal/gate"
	"gyrex/internal/jobs"
	"gyrex/internal/lock"
	"gyrex/internal/models"
	"gyrex/internal/preferences"
	"gyrex/internal/queue"
	"gyrex/internal/schedule"
	"gyrex/internal/state"
	"gyrex/internal/store"
	jobstore "gyrex/internal/store/cloud"
)

type env struct {
	tree      *gate.MemoryTree
	engine    *Engine
	schedules *schedule.Store
	manager   *jobs.Manager
	store     store.JobStore
	locks     lock.DistributedLockManager
	queues    queue.Service
	logs      *observer.ObservedLogs
}

func newEnv(t *testing.T) *env {
	t.Helper()
	tree := gate.NewMemoryTree()
	return newEnvOn(t, tree, "n1")
}

func newEnvOn(t *testing.T, tree *gate.MemoryTree, nodeID string) *env {
	t.Helper()
	g := tree.Connect()
	locks := lock.NewGateDistributedLockManager(g, "", nodeID, zap.NewNop())
	schedules := schedule.NewStore(preferences.NewStore(g, "/gyrex/preferences"), locks, zap.NewNop())
	s := jobstore.NewCloudJobStore(g, "", zap.NewNop())
	manager := jobs.NewManager("/", s, locks, nodeID, zap.NewNop())
	contexts := jobs.NewContexts()
	require.NoError(t, contexts.Register(manager))
	queues := queue.NewGateService(g, "", nodeID, zap.NewNop())

	core, logs := observer.New(zap.InfoLevel)
	engine := NewEngine(schedules, contexts, queues, locks, nil,
		Options{RefreshInterval: 100 * time.Millisecond, LockCheckInterval: 50 * time.Millisecond}, zap.New(core))

	return &env{
		tree:      tree,
		engine:    engine,
		schedules: schedules,
		manager:   manager,
		store:     s,
		locks:     locks,
		queues:    queues,
		logs:      logs,
	}
}

func importSchedule() *schedule.Schedule {
	s := schedule.New("s1")
	s.Entries = []schedule.Entry{
		{ID: "e1", JobID: "job-x", JobTypeID: "import", Cron: "0 3 * * *", Enabled: true, Parameter: map[string]string{"src": "ftp"}},
		{ID: "e2", JobTypeID: "index", Enabled: true, TriggerAfter: []string{"e1"}},
		{ID: "e3", JobTypeID: "report", Enabled: true, TriggerAfter: []string{"e2"}},
		{ID: "e4", JobTypeID: "cleanup", Enabled: false, TriggerAfter: []string{"e1"}},
	}
	return s
}

func (e *env) receive(t *testing.T, queueID string) *models.JobRequest {
	t.Helper()
	q, err := e.queues.GetQueue(context.Background(), queueID, queue.Options{})
	require.NoError(t, err)
	d, err := q.TryReceive(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Ack(context.Background()))

	var req models.JobRequest
	require.NoError(t, json.Unmarshal(d.Message.Payload, &req))
	return &req
}

func TestEngine_Fire(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sched := importSchedule()

	require.NoError(t, e.engine.Fire(ctx, sched, schedule.Info{ScheduleID: "s1", EntryID: "e1"}))

	job, err := e.manager.GetJob(ctx, "job-x")
	require.NoError(t, err)
	assert.Equal(t, state.StateQueued, job.State)
	assert.Equal(t, "import", job.TypeID)
	assert.Equal(t, constants.DefaultQueueID, job.QueueID)
	assert.Equal(t, "schedule 's1' entry 'e1'", job.LastTrigger)
	assert.Equal(t, "s1,e1,e2", job.ScheduleInfo)

	req := e.receive(t, constants.DefaultQueueID)
	assert.Equal(t, "job-x", req.JobID)
	assert.Equal(t, "import", req.JobTypeID)
	assert.Equal(t, map[string]string{"src": "ftp"}, req.Parameter)
	assert.Equal(t, "s1,e1,e2", req.ScheduleInfo)

	held, err := e.locks.IsHeld(ctx, constants.EnqueueLock("/", "job-x"))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestEngine_Fire_SkipsRunningJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	require.NoError(t, e.store.Save(ctx, "/", &models.Job{ID: "job-x", TypeID: "import", State: state.StateRunning}))
	l, err := e.locks.TryAcquire(ctx, constants.RunningLock("/", "job-x"))
	require.NoError(t, err)
	defer l.Release(ctx)

	require.NoError(t, e.engine.Fire(ctx, importSchedule(), schedule.Info{ScheduleID: "s1", EntryID: "e1"}))

	job, err := e.manager.GetJob(ctx, "job-x")
	require.NoError(t, err)
	assert.Equal(t, state.StateRunning, job.State)
	assert.Equal(t, 1, e.logs.FilterMessage("job is still active, skipping firing").Len())

	q, err := e.queues.CreateQueue(ctx, constants.DefaultQueueID, queue.Options{})
	require.NoError(t, err)
	_, err = q.TryReceive(ctx)
	assert.ErrorIs(t, err, queue.ErrQueueEmpty)
}

func TestEngine_Fire_RequeuesStuckJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	require.NoError(t, e.store.Save(ctx, "/", &models.Job{ID: "job-x", TypeID: "import", State: state.StateRunning, ActiveNode: "gone"}))

	require.NoError(t, e.engine.Fire(ctx, importSchedule(), schedule.Info{ScheduleID: "s1", EntryID: "e1"}))

	job, err := e.manager.GetJob(ctx, "job-x")
	require.NoError(t, err)
	assert.Equal(t, state.StateQueued, job.State)
	assert.Equal(t, "job-x", e.receive(t, constants.DefaultQueueID).JobID)
}

func TestEngine_Fire_SkipsWhileEnqueueLockHeld(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	other := lock.NewGateDistributedLockManager(e.tree.Connect(), "", "n2", zap.NewNop())
	l, err := other.TryAcquire(ctx, constants.EnqueueLock("/", "job-x"))
	require.NoError(t, err)
	defer l.Release(ctx)

	require.NoError(t, e.engine.Fire(ctx, importSchedule(), schedule.Info{ScheduleID: "s1", EntryID: "e1"}))

	_, err = e.manager.GetJob(ctx, "job-x")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
	assert.Equal(t, 1, e.logs.FilterMessage("job is being queued by another scheduler, skipping firing").Len())
}

func TestEngine_Fire_UnknownContext(t *testing.T) {
	e := newEnv(t)
	sched := importSchedule()
	sched.ContextPath = "/missing"

	err := e.engine.Fire(context.Background(), sched, schedule.Info{ScheduleID: "s1", EntryID: "e1"})
	assert.ErrorIs(t, err, jobs.ErrContextNotFound)
	assert.Equal(t, 1, e.logs.FilterMessage("cannot resolve job manager, aborting firing").Len())
}

func TestEngine_Fire_CustomQueue(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sched := importSchedule()
	sched.QueueID = "imports"

	require.NoError(t, e.engine.Fire(ctx, sched, schedule.Info{ScheduleID: "s1", EntryID: "e1"}))
	assert.Equal(t, "job-x", e.receive(t, "imports").JobID)
}

func TestEngine_TriggerAfter(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.schedules.Save(ctx, importSchedule()))

	require.NoError(t, e.engine.TriggerAfter(ctx, "s1,e1,e2"))

	job, err := e.manager.GetJob(ctx, "s1_e2")
	require.NoError(t, err)
	assert.Equal(t, state.StateQueued, job.State)
	assert.Equal(t, "s1,e2,e3", job.ScheduleInfo)
	assert.Equal(t, "triggered after e1 in schedule 's1'", job.LastTrigger)

	_, err = e.manager.GetJob(ctx, "s1_e4")
	assert.ErrorIs(t, err, store.ErrJobNotFound)

	require.NoError(t, e.engine.TriggerAfter(ctx, "s1,e2,e3"))
	job, err = e.manager.GetJob(ctx, "s1_e3")
	require.NoError(t, err)
	assert.Equal(t, "s1,e3", job.ScheduleInfo)
	assert.Equal(t, "triggered after e2 in schedule 's1'", job.LastTrigger)
}

func TestEngine_TriggerAfter_FollowsEncodedSuccessors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.schedules.Save(ctx, importSchedule()))

	// no successors recorded at fire time, nothing to trigger
	require.NoError(t, e.engine.TriggerAfter(ctx, "s1,e1"))
	_, err := e.manager.GetJob(ctx, "s1_e2")
	assert.ErrorIs(t, err, store.ErrJobNotFound)

	// unknown and disabled successors are skipped
	require.NoError(t, e.engine.TriggerAfter(ctx, "s1,e1,gone,e4,e1"))
	for _, id := range []string{"s1_e4", "job-x"} {
		_, err := e.manager.GetJob(ctx, id)
		assert.ErrorIs(t, err, store.ErrJobNotFound, id)
	}
}

func TestEngine_TriggerAfter_DisabledOrMissingSchedule(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	require.NoError(t, e.engine.TriggerAfter(ctx, "missing,e1,e2"))
	assert.ErrorIs(t, e.engine.TriggerAfter(ctx, "garbage"), schedule.ErrInvalidInfo)

	sched := importSchedule()
	sched.Enabled = false
	require.NoError(t, e.schedules.Save(ctx, sched))
	require.NoError(t, e.engine.TriggerAfter(ctx, "s1,e1,e2"))

	_, err := e.manager.GetJob(ctx, "s1_e2")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestEngine_Start(t *testing.T) {
	e := newEnv(t)
	sched := schedule.New("fast")
	sched.Entries = []schedule.Entry{{ID: "tick", JobTypeID: "noop", Cron: "@every 1s", Enabled: true}}
	require.NoError(t, e.schedules.Save(context.Background(), sched))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.engine.Start(ctx) }()

	require.Eventually(t, e.engine.Active, 2*time.Second, 10*time.Millisecond)

	standby := newEnvOn(t, e.tree, "n2")
	standbyCtx, stopStandby := context.WithCancel(context.Background())
	standbyDone := make(chan error, 1)
	go func() { standbyDone <- standby.engine.Start(standbyCtx) }()

	require.Eventually(t, func() bool {
		job, err := e.manager.GetJob(context.Background(), "fast_tick")
		return err == nil && job.State == state.StateQueued
	}, 5*time.Second, 50*time.Millisecond)
	assert.False(t, standby.engine.Active())

	cancel()
	require.NoError(t, <-done)
	assert.False(t, e.engine.Active())

	require.Eventually(t, standby.engine.Active, 2*time.Second, 10*time.Millisecond)
	stopStandby()
	require.NoError(t, <-standbyDone)
}

func TestEngine_ReloadInactive(t *testing.T) {
	e := newEnv(t)
	assert.NoError(t, e.engine.Reload(context.Background(), "anything"))
}
