package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/blastline/campaign-engine/internal/platform/config"
	"github.com/blastline/campaign-engine/internal/platform/database"
	"github.com/blastline/campaign-engine/internal/platform/jobqueue"
	"github.com/blastline/campaign-engine/internal/platform/logger"
	schedulerhttp "github.com/blastline/campaign-engine/internal/scheduler_service/adapters/http"
	"github.com/blastline/campaign-engine/internal/scheduler_service/app"
	schedulerpg "github.com/blastline/campaign-engine/internal/scheduler_service/repository/postgres"
)

func main() {
	cfg, err := config.Load("scheduler_service")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Scheduler service starting...", "log_level", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	taskRepo := schedulerpg.NewPgScheduledTaskRepository(dbPool, appLogger)
	queue := jobqueue.NewQueue(dbPool, appLogger)
	reconciler := app.NewReconciler(taskRepo, queue, appLogger)

	// Startup reconcile brings the queue in line with whatever changed while
	// this service was down.
	if err := reconciler.Reconcile(ctx); err != nil {
		appLogger.Error("Startup reconcile failed", "error", err)
		os.Exit(1)
	}

	taskHandler := schedulerhttp.NewTaskHandler(taskRepo, reconciler, appLogger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Mount("/", taskHandler.Routes())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.SchedulerHTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("HTTP server listening", "port", cfg.SchedulerHTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Scheduler service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Scheduler service shut down successfully.")
}
