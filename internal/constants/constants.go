package constants

import "time"

// Lock identifiers shared by every node of a cluster.
const (
	MigrationLock = "gyrex.db.migration"
	SchedulerLock = "gyrex.jobs.scheduler"
	ScheduleLock  = "gyrex.jobs.schedules"
)

// RunningLock names the lock a worker holds while a job executes.
func RunningLock(contextPath, jobID string) string {
	return "jobs.running." + contextPath + "." + jobID
}

// EnqueueLock guards the check-then-enqueue step of the scheduler for one job.
func EnqueueLock(contextPath, jobID string) string {
	return "scheduler.enqueue." + contextPath + "." + jobID
}

// Coordination tree layout, relative to the namespace root.
const (
	DefaultNamespace = "/gyrex"

	NodesPath       = "cloud/nodes"
	ApprovedPath    = NodesPath + "/approved"
	PendingPath     = NodesPath + "/pending"
	OnlinePath      = NodesPath + "/online"
	LocksPath       = "locks/exclusive"
	QueuesPath      = "queues"
	PreferencesPath = "preferences"
	SchedulesNode   = "gyrex.jobs/schedules"
	JobsPath        = "jobs"
	DefaultQueueID  = "gyrex.jobs.queue.default"
	DefaultContext  = "/"
	DefaultTimeZone = "UTC"
)

const (
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultQueuedTimeout     = 30 * time.Minute
	DefaultPollInterval      = time.Second
	DefaultLockTTL           = 30 * time.Second
)
