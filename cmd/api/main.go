package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kevag4/fieldbooking/internal/app"
	"github.com/kevag4/fieldbooking/internal/cache"
	"github.com/kevag4/fieldbooking/internal/clock"
	"github.com/kevag4/fieldbooking/internal/config"
	"github.com/kevag4/fieldbooking/internal/gateway"
	"github.com/kevag4/fieldbooking/internal/notify"
	"github.com/kevag4/fieldbooking/internal/storage/postgres"
	transporthttp "github.com/kevag4/fieldbooking/internal/transport/http"
	"github.com/kevag4/fieldbooking/internal/worker"
	"github.com/kevag4/fieldbooking/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logrus.Fatalf("parse database url: %v", err)
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	pool, err := pgxpool.NewWithConfig(startupCtx, poolCfg)
	if err != nil {
		logrus.Fatalf("connect to db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(startupCtx); err != nil {
		logrus.Fatalf("db ping: %v", err)
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		logrus.Fatalf("apply migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(startupCtx).Err(); err != nil {
		logrus.Fatalf("redis ping: %v", err)
	}

	notifier := notify.NewAMQPNotifier(cfg.AMQP.URL, cfg.AMQP.Queue)
	defer func() { _ = notifier.Close() }()

	payGateway := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)

	ledgerRepo := postgres.NewLedgerRepository(pool)
	paymentRepo := postgres.NewPaymentRepository(pool)
	waitlistRepo := postgres.NewWaitlistRepository(pool)
	recurringRepo := postgres.NewRecurringRepository(pool)
	catalog := postgres.NewFacilityRepository(pool)

	clk := clock.NewSystem()
	availabilityCache := cache.NewAvailabilityCache(redisClient, cfg.Booking.AvailabilityCacheTTL)
	broadcaster := cache.NewBroadcaster(redisClient)

	availabilitySvc := app.NewAvailabilityService(ledgerRepo, catalog, availabilityCache, broadcaster, clk)
	holdSvc := app.NewHoldService(ledgerRepo, catalog, clk, availabilitySvc,
		app.WithHoldTTL(cfg.Booking.HoldTTL))
	orchestrator := app.NewPaymentOrchestrator(paymentRepo, ledgerRepo, payGateway, notifier, availabilitySvc, clk,
		app.OrchestratorConfig{
			CommissionPercent:    int(cfg.Booking.CommissionPercent),
			ManualCaptureTimeout: cfg.Booking.ManualCaptureTimeout,
		})
	waitlistSvc := app.NewWaitlistService(waitlistRepo, holdSvc, notifier, clk, cfg.Booking.OfferTTL)
	reservationSvc := app.NewReservationService(ledgerRepo, catalog, orchestrator, waitlistSvc, availabilitySvc, notifier, clk)
	recurringSvc := app.NewRecurringService(recurringRepo, holdSvc, catalog, notifier, clk)

	handler := transporthttp.NewRouter(transporthttp.Services{
		Holds:         holdSvc,
		Promotions:    reservationSvc,
		Reservations:  reservationSvc,
		Waitlist:      waitlistSvc,
		Series:        recurringSvc,
		Availability:  availabilitySvc,
		Webhooks:      orchestrator,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		CORSOrigins:   splitCSV(cfg.Server.CORSOrigins),
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sweepLock := cache.NewLeaderLock(redisClient, "lock:sweeper", 2*cfg.Booking.SweepInterval)
	reconcileLock := cache.NewLeaderLock(redisClient, "lock:reconciler", 2*cfg.Booking.ReconcileInterval)
	sweeper := worker.NewSweeper(holdSvc, waitlistSvc, sweepLock, cfg.Booking.SweepInterval)
	reconciler := worker.NewReconciler(orchestrator, reservationSvc, reconcileLock, cfg.Booking.ReconcileInterval)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Start(workerCtx)
	}()
	go func() {
		defer wg.Done()
		reconciler.Start(workerCtx)
	}()

	logrus.WithField("addr", cfg.Server.Addr).Info("api listening")

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("server error")
		}
	case <-stopCtx.Done():
		logrus.Info("shutdown signal received, stopping server")
	}

	stopWorkers()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Error("server shutdown error")
	}

	wg.Wait()
	_ = sweepLock.Release(shutdownCtx)
	_ = reconcileLock.Release(shutdownCtx)
	logrus.Info("server stopped")
}

func splitCSV(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
