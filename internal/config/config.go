// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"threat-api/internal/longpoll"
	"threat-api/internal/modules"
	"threat-api/internal/validation"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, so jobs.retention
// is read from THREAT_JOBS_RETENTION.
const EnvPrefix = "THREAT"

// Config holds all configuration for every binary.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Etcd        EtcdConfig        `mapstructure:"etcd"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Store       StoreConfig       `mapstructure:"store"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Streams     StreamsConfig     `mapstructure:"streams"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Aggregator  AggregatorConfig  `mapstructure:"aggregator"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
}

type EtcdConfig struct {
	Endpoints []string      `mapstructure:"endpoints"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=etcd redis memory"`
}

// BrokerConfig selects the dispatch and return channel backend. The memory
// broker only works when every component runs in one process. Concurrency
// caps the messages one consumer handles at once on either backend.
type BrokerConfig struct {
	Backend     string `mapstructure:"backend" validate:"oneof=redis memory"`
	Concurrency int    `mapstructure:"concurrency" validate:"gte=1"`
}

type StreamsConfig struct {
	DispatchStream string        `mapstructure:"dispatch_stream" validate:"required"`
	ResultStream   string        `mapstructure:"result_stream" validate:"required"`
	ResultGroup    string        `mapstructure:"result_group" validate:"required"`
	MaxLen         int64         `mapstructure:"max_len" validate:"gte=0"`
	Block          time.Duration `mapstructure:"block" validate:"gt=0"`
	Batch          int64         `mapstructure:"batch" validate:"gt=0"`
	ClaimMinIdle   time.Duration `mapstructure:"claim_min_idle" validate:"gt=0"`
	// Heartbeat refreshes entries still being handled so a healthy
	// consumer's work is never claimed by another.
	Heartbeat time.Duration `mapstructure:"heartbeat" validate:"gt=0"`
}

type JobsConfig struct {
	Retention        time.Duration `mapstructure:"retention" validate:"gt=0"`
	SyncPollInterval time.Duration `mapstructure:"sync_poll_interval" validate:"gt=0"`
	SyncMaxWait      time.Duration `mapstructure:"sync_max_wait" validate:"gt=0"`
	PollJitter       time.Duration `mapstructure:"poll_jitter" validate:"gte=0"`
}

// WorkerConfig describes one worker pool. Replicas of a pool share Group;
// every distinct Group receives every dispatch.
type WorkerConfig struct {
	Group         string        `mapstructure:"group" validate:"required,modulename"`
	ModuleTimeout time.Duration `mapstructure:"module_timeout" validate:"gt=0"`
	MaxConcurrent int           `mapstructure:"max_concurrent" validate:"gte=0"`
	RegistryTTL   time.Duration `mapstructure:"registry_ttl" validate:"gte=1s"`
	// IngestTarget, when set, sends partial results to the aggregator's
	// gRPC ingest endpoint instead of the return stream.
	IngestTarget string                  `mapstructure:"ingest_target"`
	Echo         bool                    `mapstructure:"echo"`
	Sandbox      SandboxConfig           `mapstructure:"sandbox"`
	Commands     []modules.CommandConfig `mapstructure:"commands" validate:"dive"`
}

// SandboxConfig configures the long-poll detonation module.
type SandboxConfig struct {
	Enabled        bool            `mapstructure:"enabled"`
	Name           string          `mapstructure:"name" validate:"omitempty,modulename"`
	BaseURL        string          `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey         string          `mapstructure:"api_key"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout" validate:"gt=0"`
	LongPoll       longpoll.Config `mapstructure:"long_poll"`
}

type AggregatorConfig struct {
	GRPCListenAddr    string        `mapstructure:"grpc_listen_addr"`
	UnknownJobRetries uint64        `mapstructure:"unknown_job_retries"`
	UnknownJobBackoff time.Duration `mapstructure:"unknown_job_backoff" validate:"gt=0"`
}

// MaintenanceConfig holds six-field cron specs for leader-only housekeeping.
type MaintenanceConfig struct {
	LeaderTTL   time.Duration `mapstructure:"leader_ttl" validate:"gte=1s"`
	ReclaimSpec string        `mapstructure:"reclaim_spec" validate:"required"`
	PruneSpec   string        `mapstructure:"prune_spec" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	lp := longpoll.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.timeout", "5s")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.timeout", "5s")
	v.SetDefault("store.backend", "etcd")
	v.SetDefault("broker.backend", "redis")
	v.SetDefault("broker.concurrency", 16)
	v.SetDefault("streams.dispatch_stream", "threat:dispatch")
	v.SetDefault("streams.result_stream", "threat:results")
	v.SetDefault("streams.result_group", "aggregators")
	v.SetDefault("streams.max_len", 100000)
	v.SetDefault("streams.block", "5s")
	v.SetDefault("streams.batch", 16)
	v.SetDefault("streams.claim_min_idle", "10m")
	v.SetDefault("streams.heartbeat", "1m")
	v.SetDefault("jobs.retention", "720h")
	v.SetDefault("jobs.sync_poll_interval", "500ms")
	v.SetDefault("jobs.sync_max_wait", "60s")
	v.SetDefault("jobs.poll_jitter", "50ms")
	v.SetDefault("worker.group", "default")
	v.SetDefault("worker.module_timeout", "5m")
	v.SetDefault("worker.max_concurrent", 0)
	v.SetDefault("worker.registry_ttl", "10s")
	v.SetDefault("worker.ingest_target", "")
	v.SetDefault("worker.echo", true)
	v.SetDefault("worker.sandbox.enabled", false)
	v.SetDefault("worker.sandbox.name", "sandbox")
	v.SetDefault("worker.sandbox.base_url", "")
	v.SetDefault("worker.sandbox.api_key", "")
	v.SetDefault("worker.sandbox.request_timeout", "30s")
	v.SetDefault("worker.sandbox.long_poll.submission_check_interval", lp.SubmissionCheckInterval.String())
	v.SetDefault("worker.sandbox.long_poll.completion_check_interval", lp.CompletionCheckInterval.String())
	v.SetDefault("worker.sandbox.long_poll.overall_timeout", lp.OverallTimeout.String())
	v.SetDefault("worker.sandbox.long_poll.jitter", lp.Jitter.String())
	v.SetDefault("worker.sandbox.long_poll.max_retries", lp.MaxRetries)
	v.SetDefault("worker.sandbox.long_poll.retry_base", lp.RetryBase.String())
	v.SetDefault("aggregator.grpc_listen_addr", ":50051")
	v.SetDefault("aggregator.unknown_job_retries", 3)
	v.SetDefault("aggregator.unknown_job_backoff", "200ms")
	v.SetDefault("maintenance.leader_ttl", "10s")
	v.SetDefault("maintenance.reclaim_spec", "*/30 * * * * *")
	v.SetDefault("maintenance.prune_spec", "0 */5 * * * *")
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	return load(viper.New(), "./configs", ".")
}

func load(v *viper.Viper, paths ...string) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file: defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the combinations tags cannot express.
func (c *Config) Validate() error {
	if err := validation.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %s", strings.Join(validation.Problems(err), "; "))
	}
	if c.Store.Backend == "etcd" && len(c.Etcd.Endpoints) == 0 {
		return errors.New("invalid config: etcd store requires etcd.endpoints")
	}
	if (c.Store.Backend == "redis" || c.Broker.Backend == "redis") && c.Redis.Addr == "" {
		return errors.New("invalid config: redis backend requires redis.addr")
	}
	if c.Worker.Sandbox.Enabled && (c.Worker.Sandbox.Name == "" || c.Worker.Sandbox.BaseURL == "") {
		return errors.New("invalid config: enabled sandbox requires worker.sandbox.name and worker.sandbox.base_url")
	}
	if c.Jobs.SyncPollInterval > c.Jobs.SyncMaxWait {
		return errors.New("invalid config: jobs.sync_poll_interval exceeds jobs.sync_max_wait")
	}
	if 2*c.Streams.Heartbeat > c.Streams.ClaimMinIdle {
		return errors.New("invalid config: streams.heartbeat must be at most half of streams.claim_min_idle")
	}
	return nil
}
