package config

import "fmt"

type GateDriver int

const (
	ZooKeeper GateDriver = iota + 1
	Memory
)

func (d GateDriver) String() string {
	switch d {
	case ZooKeeper:
		return "zookeeper"
	case Memory:
		return "memory"
	}
	return "unknown"
}

// StorageDriver selects the job store.
type StorageDriver int

const (
	Postgres StorageDriver = iota + 1
	Redis
	Cloud
)

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case Redis:
		return "redis"
	case Cloud:
		return "cloud"
	}
	return "unknown"
}

type LockDriver int

const (
	GateLock LockDriver = iota + 1
	PostgresLock
	RedisLock
)

func (d LockDriver) String() string {
	switch d {
	case GateLock:
		return "gate"
	case PostgresLock:
		return "postgres"
	case RedisLock:
		return "redis"
	}
	return "unknown"
}

type QueueDriver int

const (
	GateQueue QueueDriver = iota + 1
	RabbitMQ
)

func (d QueueDriver) String() string {
	switch d {
	case GateQueue:
		return "gate"
	case RabbitMQ:
		return "rabbitmq"
	}
	return "unknown"
}

func ParseGateDriver(s string) (GateDriver, error) {
	for _, d := range []GateDriver{ZooKeeper, Memory} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown gate driver %q", s)
}

func ParseStorageDriver(s string) (StorageDriver, error) {
	for _, d := range []StorageDriver{Postgres, Redis, Cloud} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown storage driver %q", s)
}

func ParseLockDriver(s string) (LockDriver, error) {
	for _, d := range []LockDriver{GateLock, PostgresLock, RedisLock} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown lock driver %q", s)
}

func ParseQueueDriver(s string) (QueueDriver, error) {
	for _, d := range []QueueDriver{GateQueue, RabbitMQ} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown queue driver %q", s)
}
