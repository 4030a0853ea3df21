package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gyrex/custom_errors"
	"gyrex/internal/constants"
)

// EnvPrefix prefixes environment overrides, e.g. GYREX_POSTGRES_URL.
const EnvPrefix = "GYREX"

// File is the layout of a YAML configuration file.
type File struct {
	Node struct {
		ID              string        `mapstructure:"id"`
		Location        string        `mapstructure:"location"`
		Namespace       string        `mapstructure:"namespace"`
		WaitForApproval bool          `mapstructure:"wait_for_approval"`
		MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	} `mapstructure:"node"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Gate struct {
		Driver         string        `mapstructure:"driver"`
		Servers        []string      `mapstructure:"servers"`
		SessionTimeout time.Duration `mapstructure:"session_timeout"`
	} `mapstructure:"gate"`

	Store struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"store"`

	Lock struct {
		Driver        string        `mapstructure:"driver"`
		CheckInterval time.Duration `mapstructure:"check_interval"`
	} `mapstructure:"lock"`

	Queue struct {
		Driver            string        `mapstructure:"driver"`
		IDs               []string      `mapstructure:"ids"`
		VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	} `mapstructure:"queue"`

	Postgres struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"postgres"`

	Redis struct {
		Address  string        `mapstructure:"address"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		LockTTL  time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"redis"`

	RabbitMQ struct {
		URL      string `mapstructure:"url"`
		Exchange string `mapstructure:"exchange"`
		Prefetch int    `mapstructure:"prefetch"`
	} `mapstructure:"rabbitmq"`

	Worker struct {
		Count int `mapstructure:"count"`
	} `mapstructure:"worker"`

	Jobs struct {
		Contexts      []string      `mapstructure:"contexts"`
		QueuedTimeout time.Duration `mapstructure:"queued_timeout"`
	} `mapstructure:"jobs"`

	Scheduler struct {
		Enabled         bool          `mapstructure:"enabled"`
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	} `mapstructure:"scheduler"`

	Metrics struct {
		Address string `mapstructure:"address"`
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("node.location", "")
	v.SetDefault("node.namespace", constants.DefaultNamespace)
	v.SetDefault("node.wait_for_approval", false)
	v.SetDefault("node.monitor_interval", DefaultMembershipInterval)
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
	v.SetDefault("gate.driver", DefaultGateDriver.String())
	v.SetDefault("gate.servers", []string{})
	v.SetDefault("gate.session_timeout", DefaultSessionTimeout)
	v.SetDefault("store.driver", DefaultStorageDriver.String())
	v.SetDefault("lock.driver", DefaultLockDriver.String())
	v.SetDefault("lock.check_interval", DefaultLockCheckInterval)
	v.SetDefault("queue.driver", DefaultQueueDriver.String())
	v.SetDefault("queue.ids", []string{constants.DefaultQueueID})
	v.SetDefault("queue.visibility_timeout", DefaultVisibilityTimeout)
	v.SetDefault("postgres.url", "")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", DefaultRedisLockTTL)
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", DefaultRabbitMQExchange)
	v.SetDefault("rabbitmq.prefetch", DefaultRabbitMQPrefetch)
	v.SetDefault("worker.count", DefaultWorkerCount)
	v.SetDefault("jobs.contexts", []string{constants.DefaultContext})
	v.SetDefault("jobs.queued_timeout", DefaultQueuedTimeout)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.refresh_interval", DefaultScheduleRefresh)
	v.SetDefault("metrics.address", "")
}

// NewViper returns a viper instance reading GYREX_ prefixed environment variables,
// with every known key defaulted so the environment can override it.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the configuration file at path, if any, applies environment overrides
// and builds the configuration.
func Load(path string) (*GyrexConfig, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*GyrexConfig, error) {
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return f.Build()
}

// Build turns the file layout into functional options.
func (f *File) Build() (*GyrexConfig, error) {
	parseErrs := &custom_errors.ValidationError{}
	opts := []Option{
		WithNamespace(f.Node.Namespace),
		WithLogging(f.Log.Level, f.Log.Format),
		WithApprovalWait(f.Node.WaitForApproval),
		WithScheduler(f.Scheduler.Enabled, f.Scheduler.RefreshInterval),
		WithMetricsAddress(f.Metrics.Address),
		WithQueues(f.Queue.IDs...),
		WithContexts(f.Jobs.Contexts...),
	}
	if f.Node.Location != "" {
		opts = append(opts, WithLocation(f.Node.Location))
	}
	if f.Node.MonitorInterval > 0 {
		opts = append(opts, WithMembershipInterval(f.Node.MonitorInterval))
	}
	if f.Lock.CheckInterval > 0 {
		opts = append(opts, WithLockCheckInterval(f.Lock.CheckInterval))
	}
	if f.Worker.Count > 0 {
		opts = append(opts, WithWorkerCount(f.Worker.Count))
	}
	if f.Jobs.QueuedTimeout > 0 {
		opts = append(opts, WithQueuedTimeout(f.Jobs.QueuedTimeout))
	}
	if f.Queue.VisibilityTimeout > 0 {
		opts = append(opts, WithVisibilityTimeout(f.Queue.VisibilityTimeout))
	}

	if gd, err := ParseGateDriver(f.Gate.Driver); err != nil {
		parseErrs.Add(err)
	} else if gd == Memory {
		opts = append(opts, WithMemoryGate())
	} else if len(f.Gate.Servers) > 0 {
		opts = append(opts, WithZooKeeperConfig(ZooKeeperConfig{Servers: f.Gate.Servers, SessionTimeout: f.Gate.SessionTimeout}))
	}

	if f.Postgres.URL != "" {
		opts = append(opts, WithPostgresConfig(PostgresConfig{ConnectionUrl: f.Postgres.URL}))
	}
	if f.Redis.Address != "" {
		opts = append(opts, WithRedisConfig(RedisConfig{
			Address:  f.Redis.Address,
			Password: f.Redis.Password,
			DB:       f.Redis.DB,
			LockTTL:  f.Redis.LockTTL,
		}))
	}
	if f.RabbitMQ.URL != "" {
		opts = append(opts, WithRabbitMQConfig(RabbitMQConfig{
			URL:      f.RabbitMQ.URL,
			Exchange: f.RabbitMQ.Exchange,
			Prefetch: f.RabbitMQ.Prefetch,
		}))
	}

	// explicit drivers win over the ones implied by connection settings
	var driverOpts []Option
	if sd, err := ParseStorageDriver(f.Store.Driver); err != nil {
		parseErrs.Add(err)
	} else {
		driverOpts = append(driverOpts, WithStorageDriver(sd))
	}
	if ld, err := ParseLockDriver(f.Lock.Driver); err != nil {
		parseErrs.Add(err)
	} else {
		driverOpts = append(driverOpts, WithLockDriver(ld))
	}
	if qd, err := ParseQueueDriver(f.Queue.Driver); err != nil {
		parseErrs.Add(err)
	} else {
		driverOpts = append(driverOpts, WithQueueDriver(qd))
	}

	if parseErrs.HasError() {
		return nil, parseErrs
	}
	return NewGyrexConfig(f.Node.ID, append(opts, driverOpts...)...)
}
