package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/vigil/internal/broker"
	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/indicators"
	"github.com/aristath/vigil/internal/instruments"
	"github.com/aristath/vigil/internal/marketcal"
	"github.com/aristath/vigil/internal/monitor"
	"github.com/aristath/vigil/internal/notify"
	"github.com/aristath/vigil/internal/orders"
	"github.com/aristath/vigil/internal/positions"
	"github.com/aristath/vigil/internal/prices"
	"github.com/aristath/vigil/internal/reconcile"
	"github.com/aristath/vigil/internal/retryqueue"
	"github.com/aristath/vigil/internal/scheduler"
	"github.com/aristath/vigil/internal/server"
	"github.com/aristath/vigil/internal/supervisor"
	"github.com/aristath/vigil/internal/tasks"
	"github.com/aristath/vigil/internal/tracking"
	"github.com/aristath/vigil/internal/validation"
	"github.com/aristath/vigil/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting Vigil trading supervisor")

	// Initialize database
	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "vigil.db"),
		Name: "trading",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Market calendar
	cal, err := marketcal.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build market calendar")
	}

	// Instrument master
	master, err := instruments.LoadFile(filepath.Join(cfg.DataDir, "instruments.json"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load instrument master")
	}

	// Broker: the paper adapter stands in until a live adapter is wired.
	// Credentials still come from the per-user file so the session layer and
	// multi-user paths behave as they will against a real broker.
	paper := broker.NewPaper(cfg.CapitalPerTrade*20, log)
	creds, err := broker.LoadCredentials(filepath.Join(cfg.DataDir, "credentials.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load broker credentials")
	}
	if len(creds) == 0 {
		log.Warn().Msg("No broker credentials provisioned, registering default user")
		creds = []broker.Credentials{{
			UserID:    "default",
			APIKey:    cfg.BrokerAPIKey,
			APISecret: cfg.BrokerAPISecret,
		}}
	}
	sessions := broker.NewSessionManager(paper, creds, log)
	caller := broker.NewCaller(paper, sessions, cfg.BrokerCallTimeout, log)

	// Notifications
	notifySvc := notify.NewService(notify.NewLogTransport(log), cfg.NotifyPerMinute, cfg.NotifyPerHour, log)
	sessions.SetNotifier(notifySvc)

	// Price plumbing: live cache, quote feed, historical candles
	cache := prices.NewCache(cal, log)

	var stream prices.Stream
	var wsStream *prices.WSStream
	if cfg.BrokerWSURL != "" {
		wsStream = prices.NewWSStream(cfg.BrokerWSURL, cache, log)
		if err := wsStream.Start(); err != nil {
			log.Warn().Err(err).Msg("Quote stream dial failed, reconnecting in background")
		}
		stream = wsStream
	} else {
		stream = broker.NewFeed(paper, cache.Put)
	}
	subscriptions := prices.NewSubscriptions(stream, log)

	historical := prices.NewHistoricalService(paper, cal, cache, log)
	indicatorSvc := indicators.NewService(historical, log)

	// Repositories
	orderRepo := orders.NewRepository(db.Conn(), log)
	positionRepo := positions.NewRepository(db.Conn(), log)
	trackingRepo := tracking.NewRepository(db.Conn(), log)
	scheduleRepo := scheduler.NewRepository(db.Conn(), log)
	statusRepo := supervisor.NewStatusRepository(db.Conn(), log)

	if err := scheduleRepo.SeedDefaults(); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed default schedules")
	}

	// Trading services
	validationSvc := validation.NewService(master, orderRepo, positionRepo, caller, indicatorSvc, cfg, log)
	orderSvc := orders.NewService(orderRepo, caller, validationSvc, notifySvc, cal, cfg, log)
	orderMonitor := monitor.New(orderRepo, positionRepo, trackingRepo, caller, notifySvc, cfg.PlaceVerifyDelay, log)
	retryQueue := retryqueue.New(orderRepo, positionRepo, orderSvc, caller, indicatorSvc, notifySvc, cal, cfg, log)
	reconciler := reconcile.New(orderRepo, positionRepo, trackingRepo, caller, notifySvc, log)

	// Scheduled tasks and the per-user service manager
	taskSet := tasks.Build(tasks.Deps{
		Orders:          orderSvc,
		Tracking:        trackingRepo,
		Monitor:         orderMonitor,
		Retry:           retryQueue,
		Reconciler:      reconciler,
		Indicators:      indicatorSvc,
		Prices:          cache,
		Historical:      historical,
		Resolver:        master,
		Subscriptions:   subscriptions,
		Notifier:        notifySvc,
		Recommendations: tasks.NewFileSource(filepath.Join(cfg.DataDir, "recommendations"), log),
		DB:              db,
		Log:             log,
	})
	manager := supervisor.NewManager(statusRepo, scheduleRepo, cal, cfg, taskSet, log)

	// Broker reachability probe for /api/health, bound to the first user
	probeUser := creds[0].UserID
	probe := func(ctx context.Context) error {
		_, err := caller.GetLimits(ctx, probeUser)
		return err
	}

	srv := server.New(server.Config{
		Port:        cfg.Port,
		Log:         log,
		DB:          db,
		Cfg:         cfg,
		Orders:      orderSvc,
		Manager:     manager,
		Status:      statusRepo,
		Schedules:   scheduleRepo,
		BrokerProbe: probe,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Int("users", len(creds)).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	if wsStream != nil {
		if err := wsStream.Stop(); err != nil {
			log.Warn().Err(err).Msg("Quote stream stop failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
