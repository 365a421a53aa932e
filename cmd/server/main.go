package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ignatzorin/escrow-settlement/internal/auth"
	"github.com/ignatzorin/escrow-settlement/internal/config"
	"github.com/ignatzorin/escrow-settlement/internal/db"
	"github.com/ignatzorin/escrow-settlement/internal/domain/repository"
	"github.com/ignatzorin/escrow-settlement/internal/infrastructure/ledger"
	"github.com/ignatzorin/escrow-settlement/internal/infrastructure/lock"
	"github.com/ignatzorin/escrow-settlement/internal/infrastructure/memory"
	"github.com/ignatzorin/escrow-settlement/internal/infrastructure/persistence"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/handler"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/router"
	"github.com/ignatzorin/escrow-settlement/internal/logger"
	"github.com/ignatzorin/escrow-settlement/internal/metrics"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/booking"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/collaboration"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/escrow"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/stage"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/timeline"
	"github.com/ignatzorin/escrow-settlement/internal/ws"
)

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	if cfg.IsProduction() {
		logger.Init("info")
	} else {
		logger.Init("debug")
		logger.SetTextFormatter()
	}

	checks := map[string]handler.Checker{}

	// Хранилище.
	var store repository.TxManager
	switch cfg.Storage {
	case config.StoragePostgres:
		conn, err := db.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Log.Fatalf("main: ошибка подключения к базе: %v", err)
		}
		defer safeClose(conn)
		if err := db.RunMigrations(ctx, conn, cfg.MigrationsPath); err != nil {
			logger.Log.Fatalf("main: ошибка миграций: %v", err)
		}
		store = persistence.NewPostgres(conn)
		checks["database"] = func(ctx context.Context) error { return conn.PingContext(ctx) }
	default:
		logger.Log.Warn("main: используется хранилище в памяти, данные не сохраняются")
		store = memory.NewStore()
	}

	// Блокировки бронирований.
	var locker repository.Locker
	switch cfg.Lock.Backend {
	case config.LockRedis:
		opts, err := redis.ParseURL(cfg.Lock.RedisURL)
		if err != nil {
			logger.Log.Fatalf("main: некорректный REDIS_URL: %v", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		redisLock, err := lock.NewRedis(client, cfg.Lock.TTL)
		if err != nil {
			logger.Log.Fatalf("main: ошибка инициализации redis блокировок: %v", err)
		}
		locker = redisLock
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	default:
		locker = lock.NewLocal()
	}

	// Метрики.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	settlementMetrics := metrics.NewSettlement(registry)

	// Леджер.
	var gateway escrow.LedgerGateway
	var simulator *ledger.Simulator
	if cfg.Ledger.URL != "" {
		gateway = ledger.NewRPCClient(cfg.Ledger.URL, cfg.Ledger.Token, cfg.Ledger.Timeout, settlementMetrics)
	} else {
		logger.Log.Warn("main: LEDGER_URL не задан, используется симулятор леджера")
		simulator = ledger.NewSimulator()
		gateway = simulator
	}

	// Вебсокеты.
	hub := ws.NewHub()
	go hub.Run(ctx)

	// Сценарии.
	timelineRecorder := timeline.NewRecorder(store, locker)
	timelineRecorder.SetNotifier(ws.NewTimelineNotifier(hub))

	gate := collaboration.NewGate(store)

	escrowManager := escrow.NewManager(store, locker, gateway, escrow.Config{
		LedgerTimeout:  cfg.Ledger.Timeout,
		BalanceRetries: cfg.Ledger.BalanceRetries,
		RetryBase:      cfg.Ledger.RetryBase,
	}, settlementMetrics)

	stageLedger := stage.NewLedger(store, locker, escrowManager, timelineRecorder, stage.Config{
		AllowParallelStages: cfg.Settlement.AllowParallelStages,
	})

	bookingManager := booking.NewManager(store, locker, escrowManager, stageLedger, timelineRecorder, gate, booking.Config{
		DefaultTemplate: cfg.Settlement.DefaultTemplate,
	})

	escrowManager.SetFundingConfirmer(bookingManager)
	escrowManager.SetReleaseListener(stageLedger)
	escrowManager.SetRefundListener(bookingManager)
	stageLedger.SetCompleter(bookingManager)

	poller := escrow.NewPoller(escrowManager, cfg.Settlement.FundingPollInterval, settlementMetrics)
	poller.Start(ctx)

	// HTTP.
	tokens := auth.NewTokenManager(cfg.JWTSecret, 0)
	handlers := router.Handlers{
		Booking: handler.NewBookingHandler(bookingManager, escrowManager, timelineRecorder),
		Stage:   handler.NewStageHandler(stageLedger),
		Chat:    handler.NewChatHandler(gate),
		Health:  handler.NewHealthHandler(checks),
		WS:      handler.NewWSHandler(hub, tokens, cfg.AllowedOrigins),
	}
	if simulator != nil {
		handlers.Dev = handler.NewDevHandler(escrowManager, simulator)
	}
	engine := router.SetupRouter(cfg, handlers, tokens, registry)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Завершаем сервер при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Log.WithError(err).Error("main: ошибка остановки http сервера")
		}
	}()

	logger.Log.WithField("port", cfg.HTTPPort).Info("main: HTTP сервер запущен")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatalf("main: сервер завершился с ошибкой: %v", err)
	}
}

func safeClose(conn *sqlx.DB) {
	if err := conn.Close(); err != nil {
		logger.Log.WithError(err).Error("main: ошибка закрытия базы")
	}
}
