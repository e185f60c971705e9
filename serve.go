package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"lineinspect/internal/api"
	"lineinspect/internal/auth"
	"lineinspect/internal/config"
	"lineinspect/internal/ingest"
	"lineinspect/internal/redis"
	"lineinspect/internal/service/ai"
	"lineinspect/internal/service/analysis"
	"lineinspect/internal/service/catalog"
	"lineinspect/internal/sessionstore"
	"lineinspect/internal/worker"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload and analysis HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(runCtx, ctx, cfg, logger)
		},
	}
}

func runServer(ctx context.Context, cc *commandContext, cfg *config.Config, logger *slog.Logger) error {
	basic := cfg.BasicConfig
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	store, err := sessionstore.New(basic.SessionsDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	pipeline, err := ingest.NewPipeline(store, ingest.Options{
		StagingDir:    basic.StagingDir,
		MaxBatchBytes: basic.MaxBatchBytes,
		Concurrency:   basic.IngestConcurrency,
	}, logger.With("component", "ingest"))
	if err != nil {
		return err
	}
	pipeline.StartStagingCleaner(ctx, minutes(basic.StagingTTL, ingest.DefaultStagingTTL), minutes(basic.StagingCleanEvery, ingest.DefaultStagingCleanInterval))

	db, err := cc.openCatalog()
	if err != nil {
		return err
	}
	defer db.Close()
	catalogSvc := catalog.NewService(db)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			// status caching and completion events are optional
			logger.Warn("redis unavailable, continuing without cache", "error", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}
	statusCache := redis.NewStatusCache(rdb, time.Duration(cfg.Redis.StatusTTL)*time.Second)

	aiClient := ai.NewClient(cfg.AIService.BaseURL, ai.WithTimeout(time.Duration(cfg.AIService.RequestTimeout)*time.Second))

	manager, err := worker.NewManager(worker.Deps{
		Analyzer:    aiClient,
		Results:     store,
		Tracker:     catalogSvc,
		Invalidator: statusCache,
		Redis:       rdb,
		Logger:      logger,
	}, worker.Options{
		MinWorkers:     basic.MinWorkers,
		MaxWorkers:     basic.MaxWorkers,
		QueueSize:      basic.QueueSize,
		IdleTimeout:    time.Duration(basic.WorkerIdleTimeout) * time.Second,
		Attempts:       basic.DispatchAttempts,
		Backoff:        time.Duration(basic.DispatchBackoffMS) * time.Millisecond,
		PollInterval:   time.Duration(basic.ResultsPollInterval) * time.Second,
		ResultsTimeout: time.Duration(basic.ResultsTimeout) * time.Minute,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	if ids, err := catalogSvc.Unfinished(ctx); err != nil {
		logger.Warn("load unfinished sessions failed", "error", err)
	} else {
		manager.Resume(ctx, ids)
	}

	if strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	authSvc := auth.NewService(basic.CallbackToken)
	if !authSvc.Enabled() {
		logger.Info("results callback disabled, no callback_token configured")
	}
	handler := api.NewHandler(api.Deps{
		Pipeline:   pipeline,
		Store:      store,
		Analysis:   analysis.NewService(store, aiClient, statusCache, logger.With("component", "analysis")),
		Catalog:    catalogSvc,
		Dispatcher: manager,
		Auth:       authSvc,
		Health:     aiClient,
		Logger:     logger.With("component", "api"),
	})
	router := api.NewRouter(handler, logger.With("component", "http"))

	logger.Info("starting server",
		"sessions_dir", basic.SessionsDir,
		"ai_service", aiClient.BaseURL(),
		"db_driver", cc.driver(),
		"redis", rdb != nil,
	)
	return api.Serve(ctx, basic.ServerAddress, router, logger)
}

func minutes(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Minute
}
