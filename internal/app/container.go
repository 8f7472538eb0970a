package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/campaign-dispatch/internal/config"
	"github.com/acme/campaign-dispatch/internal/infra/db"
	"github.com/acme/campaign-dispatch/internal/infra/redis"
	"github.com/acme/campaign-dispatch/internal/processor"
	"github.com/acme/campaign-dispatch/internal/queue"
	"github.com/acme/campaign-dispatch/internal/repository"
	"github.com/acme/campaign-dispatch/internal/repository/memory"
	pgrepo "github.com/acme/campaign-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/campaign-dispatch/internal/repository/scylla"
	campaignsvc "github.com/acme/campaign-dispatch/internal/service/campaign"
	"github.com/acme/campaign-dispatch/internal/service/concurrency"
	"github.com/acme/campaign-dispatch/internal/service/dispatch"
	"github.com/acme/campaign-dispatch/internal/service/progress"
	"github.com/acme/campaign-dispatch/internal/service/retry"
	"github.com/acme/campaign-dispatch/internal/vault"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	EventsNone     = "none"
	EventsKafka    = "kafka"
	EventsRabbitMQ = "rabbitmq"
)

// Container wires together shared infrastructure dependencies. Optional
// backends are nil when their configuration is absent.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres  *db.Postgres
	Scylla    *db.Scylla
	Redis     *redis.Client
	Kafka     *queue.Kafka
	Publisher queue.Publisher

	memory *memory.Store
	cipher *vault.Cipher

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *Repositories
		services     *Services
		processor    *processor.Processor
	}
}

// Repositories is the storage surface the services run on.
type Repositories struct {
	Campaigns   repository.CampaignRepository
	Batches     repository.BatchRepository
	Progress    repository.ProgressRepository
	Credentials repository.CredentialRepository
	Attempts    repository.AttemptLog
}

// Services holds the application services.
type Services struct {
	Campaign   *campaignsvc.Service
	Vault      *vault.Vault
	Progress   *progress.Aggregator
	Dispatcher *dispatch.Dispatcher
	Throttle   *concurrency.Limiter
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	lg, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, lg)
}

// New connects the backends selected by cfg. On error everything opened so
// far is closed again.
func New(ctx context.Context, cfg *config.Config, lg *logger.Logger) (_ *Container, err error) {
	cipher, err := vault.NewCipher(cfg.Vault.Key, cfg.Vault.KeyID, cfg.Vault.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("bootstrap vault: %w", err)
	}

	c := &Container{Config: cfg, Logger: lg, cipher: cipher, Publisher: queue.NopPublisher{}}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	switch cfg.Storage.Driver {
	case StorageMemory:
		c.memory = memory.NewStore()
		lg.Warn("app: using in-memory storage, state is lost on exit")
	case StoragePostgres:
		c.Postgres, err = db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("bootstrap postgres: %w", err)
		}
		if cfg.Postgres.AutoMigrate {
			if err = pgrepo.Migrate(ctx, c.Postgres.DB()); err != nil {
				return nil, fmt.Errorf("bootstrap postgres: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("bootstrap: unknown storage driver %q", cfg.Storage.Driver)
	}

	if len(cfg.Scylla.Hosts) > 0 {
		c.Scylla, err = db.NewScylla(cfg.Scylla)
		if err != nil {
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
		if err = scyllarepo.NewAttemptLog(c.Scylla.Session()).EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
	}

	if cfg.Redis.Address != "" {
		c.Redis, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
	}

	switch cfg.Events.Driver {
	case EventsNone:
	case EventsKafka:
		c.Kafka, err = queue.NewKafka(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Publisher = queue.NewKafkaPublisher(c.Kafka, cfg.Kafka.CampaignTopic)
	case EventsRabbitMQ:
		var pub *queue.RabbitPublisher
		pub, err = queue.NewRabbitPublisher(cfg.RabbitMQ)
		if err != nil {
			return nil, fmt.Errorf("bootstrap rabbitmq: %w", err)
		}
		c.Publisher = pub
	default:
		return nil, fmt.Errorf("bootstrap: unknown events driver %q", cfg.Events.Driver)
	}

	return c, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := c.buildRepositories()

		var throttle *concurrency.Limiter
		if c.Redis != nil && c.Config.Throttle.PerTenantConcurrency > 0 {
			throttle = concurrency.NewLimiter(c.Redis.Inner(), c.Config.Throttle.PerTenantConcurrency, c.Config.Throttle.LockTTL)
		}

		v := vault.New(repos.Credentials, c.cipher, c.Config.Vault.CacheTTL)
		wh := c.Config.Webhook
		services := &Services{
			Campaign: campaignsvc.NewService(
				repos.Campaigns,
				repos.Batches,
				repos.Attempts,
				c.Config.Queue.BatchSize,
				c.Config.Queue.InterBatchDelay,
			),
			Vault:    v,
			Progress: progress.NewAggregator(repos.Campaigns, repos.Progress, c.Publisher, c.Logger),
			Dispatcher: dispatch.NewDispatcher(v, dispatch.Options{
				Timeout:        wh.RequestTimeout,
				RatePerSecond:  wh.MaxRequestsPerSecond,
				Burst:          wh.Burst,
				MaxErrorLength: wh.MaxErrorLength,
				UserAgent:      wh.UserAgent,
			}, c.Logger),
			Throttle: throttle,
		}

		deps := processor.Deps{
			Batches:    repos.Batches,
			Progress:   services.Progress,
			Dispatcher: services.Dispatcher,
			Attempts:   repos.Attempts,
			Logger:     c.Logger,
		}
		// A nil *Limiter must not reach the interface as a typed nil.
		if throttle != nil {
			deps.Throttle = throttle
		}
		q := c.Config.Queue
		proc := processor.New(deps, processor.Options{
			MaxBatchesPerRun: q.MaxBatchesPerRun,
			StaleAfter:       q.StaleAfter,
			ReclaimLimit:     q.ReclaimLimit,
			DeferDelay:       c.Config.Throttle.DeferDelay,
			Policy:           retry.NewPolicy(q.MaxRetries, q.RetryDelay),
		})

		c.components.repositories = repos
		c.components.services = services
		c.components.processor = proc
	})
}

func (c *Container) buildRepositories() *Repositories {
	repos := &Repositories{}
	if c.memory != nil {
		repos.Campaigns = c.memory
		repos.Batches = c.memory
		repos.Progress = c.memory
		repos.Credentials = c.memory
		repos.Attempts = c.memory
	} else {
		sqlDB := c.Postgres.DB()
		repos.Campaigns = pgrepo.NewCampaignRepository(sqlDB)
		repos.Batches = pgrepo.NewBatchRepository(sqlDB)
		repos.Progress = pgrepo.NewProgressRepository(sqlDB)
		repos.Credentials = pgrepo.NewCredentialRepository(sqlDB)
	}
	if c.Scylla != nil {
		repos.Attempts = scyllarepo.NewAttemptLog(c.Scylla.Session())
	}
	return repos
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *Repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *Services {
	c.initComponents()
	return c.components.services
}

// Processor exposes the queue processor.
func (c *Container) Processor() *processor.Processor {
	c.initComponents()
	return c.components.processor
}

// Health pings every connected backend and returns the failures by name.
func (c *Container) Health(ctx context.Context) map[string]string {
	errs := make(map[string]string)
	if c.Postgres != nil {
		if err := c.Postgres.Ping(ctx); err != nil {
			errs["postgres"] = err.Error()
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx); err != nil {
			errs["redis"] = err.Error()
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Ping(ctx); err != nil {
			errs["scylla"] = err.Error()
		}
	}
	return errs
}

// EnsureTopics creates the campaign event topic when Kafka is the event sink.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, c.Config.Kafka.CampaignTopic)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
