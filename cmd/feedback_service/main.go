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

	feedbackhttp "github.com/blastline/campaign-engine/internal/feedback_service/adapters/http"
	"github.com/blastline/campaign-engine/internal/feedback_service/app"
	feedbackpg "github.com/blastline/campaign-engine/internal/feedback_service/repository/postgres"
	"github.com/blastline/campaign-engine/internal/platform/config"
	"github.com/blastline/campaign-engine/internal/platform/database"
	"github.com/blastline/campaign-engine/internal/platform/logger"
	"github.com/blastline/campaign-engine/internal/platform/messagebroker"
)

func main() {
	cfg, err := config.Load("feedback_service")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Feedback service starting...", "log_level", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, "feedback-service", appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	eventsRepo := feedbackpg.NewPgFeedbackEventRepository(dbPool, appLogger)
	lookupRepo := feedbackpg.NewPgDeliveryLookupRepository(dbPool, appLogger)
	suppressionRepo := feedbackpg.NewPgSuppressionWriteRepository(dbPool, appLogger)
	unsubscribeRepo := feedbackpg.NewPgUnsubscribeWriteRepository(dbPool, appLogger)

	reconciler := app.NewReconciler(eventsRepo, lookupRepo, suppressionRepo, []byte(cfg.EmailHeaderSecret), appLogger)

	echoConsumer := app.NewEchoConsumer(natsClient, reconciler, appLogger)
	echoSub, err := echoConsumer.Start(ctx)
	if err != nil {
		appLogger.Error("Failed to start echo consumer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := echoSub.Unsubscribe(); err != nil {
			appLogger.Warn("Failed to unsubscribe echo consumer", "error", err)
		}
	}()

	webhookHandler := feedbackhttp.NewWebhookHandler(
		reconciler, unsubscribeRepo,
		[]byte(cfg.FeedbackWebhookSecret), []byte(cfg.UnsubscribeTokenSecret),
		appLogger,
	)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Mount("/", webhookHandler.Routes())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.FeedbackHTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("HTTP server listening", "port", cfg.FeedbackHTTPPort)
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
		appLogger.Error("Feedback service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Feedback service shut down successfully.")
}
