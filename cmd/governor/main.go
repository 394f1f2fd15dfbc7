package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/usageguard/governor/internal/accounting"
	"github.com/usageguard/governor/internal/alerts"
	"github.com/usageguard/governor/internal/anomaly"
	"github.com/usageguard/governor/internal/audit"
	"github.com/usageguard/governor/internal/breaker"
	"github.com/usageguard/governor/internal/budgets"
	"github.com/usageguard/governor/internal/config"
	"github.com/usageguard/governor/internal/enforcement"
	"github.com/usageguard/governor/internal/gateway"
	"github.com/usageguard/governor/internal/registry"
	"github.com/usageguard/governor/internal/scheduler"
	"github.com/usageguard/governor/internal/throttle"
	"github.com/usageguard/governor/pkg/cache"
	"github.com/usageguard/governor/pkg/database"
	"github.com/usageguard/governor/pkg/events"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting usage governor")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.Migrate(context.Background()); err != nil {
		logger.Fatal("failed to apply database schema", zap.Error(err))
	}

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)

	// Stores
	auditStore := audit.NewStore(db)
	budgetStore := budgets.NewStore(db.Pool, logger, cfg.Governance.BudgetCacheTTL)
	scopeRegistry := registry.NewPostgresRegistry(db, 48*time.Hour)

	// Accounting
	counters := accounting.NewCounters(redisCache, logger,
		cfg.Governance.CounterWindowTTL,
		cfg.Governance.MonthlyCounterTTL,
		cfg.Governance.StoreTimeout,
	)
	samples := accounting.NewSampleStore(db)
	rollup := accounting.NewRollup(db.Pool, auditStore, eventBus, logger)

	// Governance
	circuitBreaker := breaker.NewBreaker(redisCache, counters, budgetStore, scopeRegistry,
		auditStore, eventBus, logger, cfg.Governance.BreakerStateTTL)
	throttleController := throttle.NewController(redisCache, counters, budgetStore, scopeRegistry,
		logger, cfg.Throttle)
	detector := anomaly.NewDetector(rollup, counters, budgetStore, scopeRegistry,
		auditStore, auditStore, eventBus, logger, cfg.Anomaly)
	orchestrator := enforcement.NewOrchestrator(counters, samples, budgetStore,
		circuitBreaker, auditStore, eventBus, logger)
	monthlyPass := enforcement.NewMonthlyPass(rollup, budgetStore, scopeRegistry,
		circuitBreaker, auditStore, eventBus, logger)

	// Alert delivery rides the event bus: trips, violations, warnings and
	// anomalies all page through the same deduped pipeline.
	alertService := alerts.NewService(redisCache, logger, cfg.Alerts, cfg.Governance)
	alertService.Subscribe(eventBus)
	logger.Info("initialized alert channels")

	// Start background services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.NewScheduler(circuitBreaker, throttleController, rollup, detector, monthlyPass, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	// Initialize API gateway
	gw := gateway.NewGateway(db, redisCache, logger,
		orchestrator, circuitBreaker, throttleController,
		auditStore, rollup, monthlyPass, budgetStore,
		cfg.Monitoring.AdminAPIToken, cfg.Monitoring.MetricsPath,
	)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown: stop taking samples first, then drain the
	// periodic jobs so no sweep runs against a closing pool.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	sched.Stop()

	logger.Info("server exited")
}

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	parsed, err := zap.ParseAtomicLevel(level)
	if err == nil {
		zapCfg.Level = parsed
	}
	return zapCfg.Build()
}
