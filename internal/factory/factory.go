package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"

	"github.com/veloura/auth-service/internal/audit"
	"github.com/veloura/auth-service/internal/bucketing"
	"github.com/veloura/auth-service/internal/client"
	"github.com/veloura/auth-service/internal/config"
	"github.com/veloura/auth-service/internal/credential"
	"github.com/veloura/auth-service/internal/email"
	"github.com/veloura/auth-service/internal/encryption"
	redisrepo "github.com/veloura/auth-service/internal/repository/redis"
	"github.com/veloura/auth-service/internal/repository/scylla"
	"github.com/veloura/auth-service/internal/service"
	"github.com/veloura/auth-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Managers
	codec             *credential.Codec
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	mailer            email.Mailer
	recorder          *audit.Recorder

	// Repositories
	userRepository scylla.UserRepository
	otpCache       *redisrepo.OTPCache
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient

	scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("scylla: %w", err)
	}
	f.scyllaClient = scyllaClient

	if f.config.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(f.config, util.Get())
		if err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if f.config.Clickhouse.Enabled {
		chClient, err := client.NewClickHouseClient(f.config, util.Get())
		if err != nil {
			if f.config.IsProduction() {
				return fmt.Errorf("clickhouse: %w", err)
			}
			util.Warn("ClickHouse initialization failed - proceeding without archive", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
		}
	}

	// Redis and Scylla are hard dependencies; check them in parallel.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := f.redisClient.HealthCheck(gctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			return fmt.Errorf("scylla health check: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	util.Info("Core clients initialized and healthy")
	return nil
}

// initializeManagers initializes credential, encryption, bucketing and audit plumbing
func (f *Factory) initializeManagers() {
	f.codec = credential.NewCodec(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Fatal("Failed to load AWS configuration for KMS", util.ErrorField(err))
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.mailer = email.NewSMTPMailer(f.config.SMTP)
	f.recorder = audit.NewRecorder(f.kafkaProducer, f.clickhouseClient, f.bucketingManager)

	util.Info("Managers initialized successfully",
		util.Bool("codec_initialized", f.codec != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) UserRepository() scylla.UserRepository {
	if f.userRepository == nil {
		f.userRepository = scylla.NewUserRepository(
			f.scyllaClient,
			f.bucketingManager,
			util.Get(),
		)
	}
	return f.userRepository
}

func (f *Factory) OTPCache() *redisrepo.OTPCache {
	if f.otpCache == nil {
		f.otpCache = redisrepo.NewOTPCache(f.redisClient)
	}
	return f.otpCache
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.UserRepository(),
			f.OTPCache(),
			f.codec,
			f.encryptionManager,
			f.mailer,
			f.recorder,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// HealthCheck probes every wired dependency and reports per-component errors.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)
	var mu sync.Mutex

	record := func(name string, err error) {
		mu.Lock()
		healthErrors[name] = err
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := f.redisClient.HealthCheck(gctx); err != nil {
			record("redis", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			record("scylla", err)
		}
		return nil
	})
	if f.clickhouseClient != nil {
		g.Go(func() error {
			if err := f.clickhouseClient.HealthCheck(gctx); err != nil {
				record("clickhouse", err)
			}
			return nil
		})
	}
	if f.kafkaProducer != nil {
		g.Go(func() error {
			if err := f.kafkaProducer.HealthCheck(gctx); err != nil {
				record("kafka", err)
			}
			return nil
		})
	}
	g.Wait()

	return healthErrors
}

// IsHealthy reports whether the hard dependencies are reachable. The audit
// sinks are best-effort and do not affect readiness.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// Drain the audit pipeline before its sinks close.
		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		} else if f.recorder != nil {
			f.recorder.Close()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown complete")
		util.Sync()
	})
	return nil
}
