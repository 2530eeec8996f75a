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

	"github.com/blastline/campaign-engine/internal/dispatch_service/adapters/channel"
	"github.com/blastline/campaign-engine/internal/dispatch_service/app"
	"github.com/blastline/campaign-engine/internal/dispatch_service/domain"
	dispatchpg "github.com/blastline/campaign-engine/internal/dispatch_service/repository/postgres"
	"github.com/blastline/campaign-engine/internal/platform/config"
	"github.com/blastline/campaign-engine/internal/platform/database"
	"github.com/blastline/campaign-engine/internal/platform/jobqueue"
	"github.com/blastline/campaign-engine/internal/platform/logger"
	"github.com/blastline/campaign-engine/internal/platform/messagebroker"
	"github.com/blastline/campaign-engine/internal/platform/ratelimit"
)

func main() {
	cfg, err := config.Load("dispatch_worker")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Dispatch worker starting...", "log_level", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, "dispatch-worker", appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	campaignRepo := dispatchpg.NewPgCampaignRepository(dbPool, appLogger)
	recipientRepo := dispatchpg.NewPgRecipientRepository(dbPool, appLogger)
	deliveryRepo := dispatchpg.NewPgDeliveryRecordRepository(dbPool, appLogger)
	suppressionRepo := dispatchpg.NewPgSuppressionReadRepository(dbPool, appLogger)
	unsubscribeRepo := dispatchpg.NewPgUnsubscribeReadRepository(dbPool, appLogger)

	resolver := app.NewEligibilityResolver(unsubscribeRepo, suppressionRepo, appLogger)
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisCounterStore(redisClient), "dispatch:rate")

	emailChannel := channel.NewEmailChannel(
		channel.NewMockEmailTransport(appLogger, 0, 10*time.Millisecond),
		[]byte(cfg.EmailHeaderSecret),
		[]byte(cfg.UnsubscribeTokenSecret),
		cfg.UnsubscribeBaseURL,
		appLogger,
	)
	sessionChannel := channel.NewSessionChannel(
		natsClient,
		channel.NewRedisSessionStateReader(redisClient),
		cfg.SessionSendTimeout,
		appLogger,
	)

	dispatcher := app.NewDispatcher(
		campaignRepo, recipientRepo, deliveryRepo, resolver, limiter,
		map[domain.ChannelType]channel.Channel{
			domain.ChannelEmail:   emailChannel,
			domain.ChannelSession: sessionChannel,
		},
		natsClient,
		app.DispatcherConfig{
			PerCampaignRatePerSec: ratelimit.PerCampaignBudget(cfg.GlobalSendRatePerSec, cfg.MaxParallelCampaigns, cfg.MinCampaignRate),
			DefaultBatchSize:      cfg.DefaultBatchSize,
		},
		appLogger,
	)

	queue := jobqueue.NewQueue(dbPool, appLogger)
	worker := jobqueue.NewWorker(queue, appLogger, jobqueue.WorkerConfig{
		PollInterval: cfg.QueuePollInterval,
		Concurrency:  cfg.WorkerConcurrency,
	})
	worker.Register(app.JobTypeCampaignSend, dispatcher.HandleSendJob)

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: promhttp.Handler(),
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("Job worker running", "poll_interval", cfg.QueuePollInterval, "concurrency", cfg.WorkerConcurrency)
		return worker.Run(gCtx)
	})
	g.Go(func() error {
		appLogger.Info("Metrics server listening", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Dispatch worker exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Dispatch worker shut down successfully.")
}
