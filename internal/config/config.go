package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/acme/campaign-dispatch/internal/domain"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Events    EventsConfig    `mapstructure:"events"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Vault     VaultConfig     `mapstructure:"vault"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Version  string `mapstructure:"version"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// StorageConfig selects the queue backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ScyllaConfig configures the dispatch attempt log. Empty hosts disables it.
type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RedisConfig configures the tenant throttle. Empty address disables it.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// EventsConfig selects where campaign lifecycle events go: kafka, rabbitmq or none.
type EventsConfig struct {
	Driver string `mapstructure:"driver"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ClientID      string   `mapstructure:"client_id"`
	CampaignTopic string   `mapstructure:"campaign_topic"`
	Partitions    int      `mapstructure:"partitions"`
	Replication   int      `mapstructure:"replication"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type TelemetryConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
}

// QueueConfig holds the batching, claiming and retry parameters.
type QueueConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	InterBatchDelay  time.Duration `mapstructure:"inter_batch_delay"`
	MaxBatchesPerRun int           `mapstructure:"max_batches_per_run"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	ReclaimLimit     int           `mapstructure:"reclaim_limit"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

type WebhookConfig struct {
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	MaxRequestsPerSecond float64       `mapstructure:"max_requests_per_second"`
	Burst                int           `mapstructure:"burst"`
	MaxErrorLength       int           `mapstructure:"max_error_length"`
	UserAgent            string        `mapstructure:"user_agent"`
}

// ThrottleConfig bounds in-flight dispatches per tenant and channel. Zero disables it.
type ThrottleConfig struct {
	PerTenantConcurrency int           `mapstructure:"per_tenant_concurrency"`
	LockTTL              time.Duration `mapstructure:"lock_ttl"`
	DeferDelay           time.Duration `mapstructure:"defer_delay"`
}

type VaultConfig struct {
	Key        string        `mapstructure:"key"`
	KeyID      string        `mapstructure:"key_id"`
	KeyVersion int           `mapstructure:"key_version"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// runTimeoutMargin leaves room after the slowest webhook request for the
// writes that record its result.
const runTimeoutMargin = 30 * time.Second

// Load reads configuration from file and environment variables.
// A .env file next to the process is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to read .env: %w", err)
	}

	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func (c *Config) normalize() {
	if c.App.Name == "" {
		c.App.Name = "campaign-dispatch"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = time.Minute
	}
	if c.Scheduler.RunTimeout <= 0 {
		c.Scheduler.RunTimeout = 5 * time.Minute
	}

	q := &c.Queue
	if q.BatchSize <= 0 {
		q.BatchSize = domain.DefaultBatchSize
	}
	if q.InterBatchDelay <= 0 {
		q.InterBatchDelay = domain.DefaultInterBatchDelay
	}
	if q.MaxBatchesPerRun <= 0 {
		q.MaxBatchesPerRun = domain.DefaultMaxBatchesPerRun
	}
	if q.StaleAfter <= 0 {
		q.StaleAfter = domain.DefaultStaleAfter
	}
	if q.ReclaimLimit <= 0 {
		q.ReclaimLimit = domain.DefaultReclaimLimit
	}
	if q.MaxRetries <= 0 {
		q.MaxRetries = domain.DefaultMaxRetries
	}
	if q.RetryDelay <= 0 {
		q.RetryDelay = domain.DefaultRetryDelay
	}

	if c.Webhook.RequestTimeout <= 0 {
		c.Webhook.RequestTimeout = 30 * time.Second
	}
	if c.Webhook.MaxErrorLength <= 0 {
		c.Webhook.MaxErrorLength = 2000
	}
	if c.Throttle.LockTTL <= 0 {
		c.Throttle.LockTTL = 2 * time.Minute
	}
	if c.Throttle.DeferDelay <= 0 {
		c.Throttle.DeferDelay = 30 * time.Second
	}
	if c.Vault.KeyID == "" {
		c.Vault.KeyID = "app-key"
	}
	if c.Vault.KeyVersion <= 0 {
		c.Vault.KeyVersion = 1
	}
	if c.Vault.CacheTTL <= 0 {
		c.Vault.CacheTTL = time.Minute
	}
	if c.Kafka.Partitions <= 0 {
		c.Kafka.Partitions = 12
	}
	if c.Kafka.Replication <= 0 {
		c.Kafka.Replication = 1
	}

	// A run must outlive one webhook request.
	if floor := c.Webhook.RequestTimeout + runTimeoutMargin; c.Scheduler.RunTimeout < floor {
		c.Scheduler.RunTimeout = floor
	}
}
