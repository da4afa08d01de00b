package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cardscan/internal/api"
	"cardscan/internal/audit"
	"cardscan/internal/config"
	"cardscan/internal/inference"
	"cardscan/internal/logging"
	"cardscan/internal/ratelimit"
	"cardscan/internal/redis"
	"cardscan/internal/scan"
	"cardscan/internal/storage"
	"cardscan/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("CARDSCAN_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	basic := cfg.BasicConfig
	stager, err := scan.NewStager(basic.StagingDir)
	if err != nil {
		logger.Fatal("init staging dir", zap.String("dir", basic.StagingDir), zap.Error(err))
	}
	stager.StartSweeper(ctx,
		time.Duration(basic.StagingSweepInterval)*time.Minute,
		time.Duration(basic.StagingTTL)*time.Minute,
		logger,
	)
	receiver := scan.NewReceiver(stager, int64(basic.MaxUploadMB)<<20, basic.AllowedMIMETypes)

	analyzer, err := inference.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init inference provider", zap.Error(err))
	}
	logger.Info("inference provider ready",
		zap.String("provider", analyzer.Name()),
		zap.String("model", analyzer.Model()),
	)

	checks := map[string]api.Pinger{}
	opts := api.Options{Logger: logger, Checks: checks}

	var recorder scan.Recorder
	if dbType := basic.AuditDB; dbType != "" {
		db, err := storage.Open(dbType, cfg.Databases[dbType])
		if err != nil {
			logger.Fatal("open audit database", zap.String("driver", dbType), zap.Error(err))
		}
		defer db.Close()
		if err := storage.Migrate(db, dbType); err != nil {
			logger.Fatal("migrate audit database", zap.Error(err))
		}
		repo := audit.NewRepository(db, dbType)
		repo.StartRetention(ctx, time.Hour, time.Duration(basic.AuditRetentionHours)*time.Hour, logger)
		recorder = repo
		opts.Events = repo
		checks["database"] = repo
		logger.Info("audit log enabled", zap.String("driver", storage.Normalize(dbType)))
	}

	if basic.RateLimitPerMinute > 0 {
		if cfg.Redis.Enabled() {
			rdb, err := redis.NewRedisClient(cfg.Redis)
			if err != nil {
				logger.Fatal("create redis client", zap.Error(err))
			}
			defer rdb.Close()
			opts.Limiter = ratelimit.NewRedis(rdb, basic.RateLimitPerMinute, time.Minute)
			checks["redis"] = rdb
		} else {
			mem := ratelimit.NewMemory(basic.RateLimitPerMinute, time.Minute)
			go pruneLimiter(ctx, mem)
			opts.Limiter = mem
		}
	}

	pipeline := scan.NewPipeline(receiver, analyzer, recorder, logger, scan.PipelineConfig{
		InferenceTimeout: time.Duration(cfg.Inference.TimeoutSeconds) * time.Second,
		MaxAttempts:      cfg.Inference.MaxAttempts,
		RetryBackoff:     time.Duration(cfg.Inference.RetryBackoffMS) * time.Millisecond,
	})
	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        basic.MinWorkers,
		MaxWorkers:        basic.MaxWorkers,
		QueueSize:         basic.QueueSize,
		WorkerIdleTimeout: time.Duration(basic.WorkerIdleTimeout) * time.Second,
	}, logger)
	defer dispatcher.Close()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), logging.Middleware(logger))
	api.NewHandler(pipeline, dispatcher, opts).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              basic.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", zap.Error(err))
	}
}

func pruneLimiter(ctx context.Context, l *ratelimit.Memory) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
