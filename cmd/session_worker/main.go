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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/blastline/campaign-engine/internal/platform/config"
	"github.com/blastline/campaign-engine/internal/platform/logger"
	"github.com/blastline/campaign-engine/internal/platform/messagebroker"
	"github.com/blastline/campaign-engine/internal/session_service/adapters/driver"
	"github.com/blastline/campaign-engine/internal/session_service/adapters/state"
	"github.com/blastline/campaign-engine/internal/session_service/app"
	"github.com/blastline/campaign-engine/internal/session_service/domain"
)

func main() {
	cfg, err := config.Load("session_worker")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Session worker starting...", "log_level", cfg.LogLevel, "session_id", cfg.SessionID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, "session-worker", appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	manager := app.NewManager(state.NewRedisStateWriter(redisClient), natsClient, appLogger)

	// The mock driver stands in for the real messaging client; its login
	// completes immediately, so the session is connected after the restored-
	// session transition.
	mockDriver := driver.NewMockDriver(appLogger, 0, 20*time.Millisecond)
	if err := manager.Register(ctx, cfg.SessionID, mockDriver); err != nil {
		appLogger.Error("Failed to register session", "error", err)
		os.Exit(1)
	}
	if err := manager.ApplyDriverEvent(ctx, cfg.SessionID, domain.EventAuthenticated, ""); err != nil {
		appLogger.Error("Failed to bring session up", "error", err)
		os.Exit(1)
	}

	responder := app.NewResponder(natsClient, manager, appLogger)
	subs, err := responder.Start(ctx)
	if err != nil {
		appLogger.Error("Failed to start session responder", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				appLogger.Warn("Failed to unsubscribe responder", "error", err)
			}
		}
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: promhttp.Handler(),
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("Metrics server listening", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		// Mark the session disconnected so the dispatcher stops routing to it
		// before the state mirror's TTL would catch up.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := manager.ApplyDriverEvent(shutdownCtx, cfg.SessionID, domain.EventDisconnected, ""); err != nil {
			appLogger.Warn("Failed to mark session disconnected on shutdown", "error", err)
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Session worker exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Session worker shut down successfully.")
}
