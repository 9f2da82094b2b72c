package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stock-service/config"
	"stock-service/internal/api"
	"stock-service/internal/archive"
	"stock-service/internal/broker"
	"stock-service/internal/redisclient"
	"stock-service/internal/service"
	"stock-service/internal/store"
	"stock-service/internal/store/memory"
	"stock-service/internal/store/postgres"
	"stock-service/internal/store/sqlite"
	"stock-service/internal/util"
	"stock-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(util.LogOptions{
		Service: cfg.Server.ServiceName,
		Env:     cfg.Server.Env,
		Level:   cfg.Server.LogLevel,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting stock service")

	tp, err := util.InitTracer(util.TraceOptions{
		Service:        cfg.Server.ServiceName,
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		SampleRatio:    cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	checks := map[string]api.ReadinessCheck{}

	db, err := openStore(cfg.Database, checks)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Store opened", zap.String("driver", cfg.Database.Driver))

	// interface values stay nil when a backend is disabled
	var (
		locker    service.Locker
		cache     service.SnapshotCache
		publisher service.EventPublisher
	)

	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redisclient.Options{
			LockTTL:     cfg.Business.LockTTL,
			SnapshotTTL: cfg.Redis.SnapshotTTL,
		})
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		locker, cache = redisClient, redisClient
		checks["redis"] = redisClient.Ping
		logger.Info("Redis connected")
	}

	kafkaEnabled := cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) > 0
	if kafkaEnabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))
	}

	opts := service.DefaultOptions()
	opts.UrgencySurcharge = cfg.Business.UrgencySurcharge
	opts.CriticalRatio = cfg.Business.CriticalRatio
	opts.ConflictRetries = cfg.Business.ConflictRetries
	opts.LockWait = cfg.Business.LockWait

	exec := service.NewExecutor(db, locker, publisher, cache, opts)
	engine := service.NewAllocationEngine(exec)
	orders := service.NewOrderLifecycle(exec, engine)
	sales := service.NewImmediateSaleProcessor(exec, engine)
	alerts := service.NewAlertMonitor(exec, engine)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var intakeWorker *worker.IntakeWorker
	if kafkaEnabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicIntake, cfg.Kafka.ConsumerGroup)
		intakeWorker = worker.NewIntakeWorker(consumer, worker.NewIntakeHandlers(orders, engine))
		go func() {
			if err := intakeWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Intake worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Archive.Bucket != "" {
		s3Client, err := archive.NewS3Client(workerCtx, archive.S3Config{
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			PathStyle:       cfg.Archive.PathStyle,
		})
		if err != nil {
			logger.Fatal("Failed to initialize archive client", zap.Error(err))
		}
		archiver := archive.NewMovementArchiver(exec.Movements(), s3Client, archive.Options{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
			Lag:    cfg.Archive.Lag,
		})
		archiveWorker := worker.NewArchiveWorker(archiver, cfg.Archive.Interval)
		go func() {
			if err := archiveWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Archive worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(api.Services{
		Engine: engine,
		Orders: orders,
		Sales:  sales,
		Alerts: alerts,
		Ledger: exec.Movements(),
	}, checks)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if intakeWorker != nil {
		_ = intakeWorker.Stop()
	}

	logger.Info("Server exited")
}

// openStore opens the configured store and registers its readiness check
func openStore(cfg config.DatabaseConfig, checks map[string]api.ReadinessCheck) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := postgres.NewStore(cfg.URL)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, err
			}
		}
		checks["database"] = pg.GetDB().PingContext
		return pg, nil
	case "sqlite":
		lite, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return lite, nil
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
