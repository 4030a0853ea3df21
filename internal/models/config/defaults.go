package config

import (
	"time"

	"gyrex/internal/constants"
)

const (
	DefaultWorkerCount          = 4
	DefaultGateDriver           = ZooKeeper
	DefaultStorageDriver        = Cloud
	DefaultLockDriver           = GateLock
	DefaultQueueDriver          = GateQueue
	DefaultSessionTimeout       = 10 * time.Second
	DefaultScheduleRefresh      = time.Minute
	DefaultLockCheckInterval    = 5 * time.Second
	DefaultMembershipInterval   = 5 * time.Second
	DefaultRabbitMQExchange     = "gyrex"
	DefaultRabbitMQPrefetch     = 1
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultQueuedTimeout        = constants.DefaultQueuedTimeout
	DefaultVisibilityTimeout    = constants.DefaultVisibilityTimeout
	DefaultRedisLockTTL         = constants.DefaultLockTTL
	DefaultShutdownGracePeriod  = 30 * time.Second
	DefaultApprovalPollInterval = 2 * time.Second
)
