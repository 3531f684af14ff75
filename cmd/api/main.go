package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/delivery-notifier/internal/config"
	"github.com/kursadbilgin/delivery-notifier/internal/handler"
	inframongo "github.com/kursadbilgin/delivery-notifier/internal/infra/mongo"
	"github.com/kursadbilgin/delivery-notifier/internal/infra/postgresql"
	"github.com/kursadbilgin/delivery-notifier/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/delivery-notifier/internal/infra/redis"
	"github.com/kursadbilgin/delivery-notifier/internal/observability"
	"github.com/kursadbilgin/delivery-notifier/internal/provider"
	"github.com/kursadbilgin/delivery-notifier/internal/queue"
	"github.com/kursadbilgin/delivery-notifier/internal/repository"
	"github.com/kursadbilgin/delivery-notifier/internal/service"
	"github.com/kursadbilgin/delivery-notifier/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	intakeConcurrency = 4
	intakePrefetch    = 10
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, storeChecks, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store initialization failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	locker, err := infraredis.NewRedisLocker(rdb)
	if err != nil {
		logger.Fatal("dispatch locker initialization failed", zap.Error(err))
	}
	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, infraredis.Limits{
		SubmitPerSec: cfg.RateLimitPerSec,
		StatusPerSec: cfg.StatusRateLimitPerSec,
	})
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	twilio, err := provider.NewTwilioTransport(provider.TwilioConfig{
		AccountSID:          cfg.Twilio.AccountSID,
		AuthToken:           cfg.Twilio.AuthToken,
		FromNumber:          cfg.Twilio.FromNumber,
		MessagingServiceSID: cfg.Twilio.MessagingServiceSID,
		BaseURL:             cfg.Twilio.BaseURL,
		DefaultCountryCode:  cfg.Twilio.DefaultCountryCode,
		Timeout:             cfg.Twilio.Timeout,
	})
	if err != nil {
		logger.Fatal("transport initialization failed", zap.Error(err))
	}

	location, err := time.LoadLocation(cfg.HistoryTimezone)
	if err != nil {
		logger.Fatal("invalid history timezone", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	notificationService, err := service.NewNotificationService(store, location, logger)
	if err != nil {
		logger.Fatal("notification service initialization failed", zap.Error(err))
	}
	notificationService.SetMetrics(metrics)

	sweepOpts := service.SweepOptions{
		Limit:       cfg.Sweep.BatchLimit,
		CallTimeout: cfg.Twilio.Timeout,
		LeaseTTL:    cfg.Sweep.LeaseTTL,
	}
	dispatch, err := service.NewDispatchSweep(store, twilio, locker, rateLimiter, sweepOpts, logger)
	if err != nil {
		logger.Fatal("dispatch sweep initialization failed", zap.Error(err))
	}
	dispatch.SetMetrics(metrics)

	reconcile, err := service.NewReconcileSweep(store, twilio, rateLimiter, sweepOpts, logger)
	if err != nil {
		logger.Fatal("reconcile sweep initialization failed", zap.Error(err))
	}
	reconcile.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:      "delivery-notifier",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	checks := append([]handler.HealthCheck{
		{Name: "store", Check: notificationService.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}, storeChecks...)
	handler.RegisterHealthRoutes(app, checks...)
	handler.RegisterMetricsRoute(app, metrics.Handler())
	if err := handler.RegisterNotificationRoutes(app, notificationService); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	g, groupCtx := errgroup.WithContext(ctx)

	if cfg.Sweep.Enabled {
		scheduler, err := service.NewScheduler(dispatch, reconcile, cfg.Sweep.Schedule, logger)
		if err != nil {
			logger.Fatal("scheduler initialization failed", zap.Error(err))
		}
		scheduler.SetMetrics(metrics)

		g.Go(func() error {
			return scheduler.Start(groupCtx)
		})
	} else {
		logger.Info("sweep scheduler disabled")
	}

	if cfg.RabbitMQURL != "" {
		mq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}
		defer mq.Close()

		consumer := queue.NewRabbitMQConsumer(mq, intakePrefetch, logger)
		defer consumer.Close()

		intake, err := service.NewIntakeWorker(notificationService, consumer, intakeConcurrency, logger)
		if err != nil {
			logger.Fatal("intake worker initialization failed", zap.Error(err))
		}

		g.Go(func() error {
			return intake.Start(groupCtx)
		})
	}

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("delivery-notifier api started", zap.String("addr", addr), zap.String("store", cfg.StoreDriver))
		return app.Listen(addr)
	})

	g.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("delivery-notifier stopped with error", zap.Error(err))
		return
	}
	logger.Info("delivery-notifier stopped")
}

// openStore builds the notification store selected by STORE_DRIVER. It also
// returns driver-level readiness checks and a function releasing connections.
func openStore(
	ctx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
) (repository.NotificationRepository, []handler.HealthCheck, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := migrations.Migrate(db); err != nil {
			return nil, nil, nil, fmt.Errorf("database migrations failed: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, nil, err
		}
		checks := []handler.HealthCheck{{Name: "postgres", Check: sqlDB.PingContext}}
		return repository.NewGormNotificationRepo(db), checks, func() { _ = sqlDB.Close() }, nil

	case config.StoreDriverMongo:
		db, err := inframongo.NewDatabase(ctx, inframongo.Config{ConnectionURL: cfg.MongoURL}, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := repository.NewMongoNotificationRepo(db)
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("mongo index setup failed: %w", err)
		}
		checks := []handler.HealthCheck{{Name: "mongo", Check: inframongo.Healthcheck(db.Client())}}
		return repo, checks, func() { _ = db.Client().Disconnect(context.Background()) }, nil

	default:
		logger.Warn("using in-memory notification store, records are lost on restart")
		return repository.NewMemoryNotificationRepo(), nil, func() {}, nil
	}
}
