// Command weaver launches the trading platform service: event log, domain
// router, run manager, and the HTTP control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/5TFG4/weaver/internal/adapters/veda"
	"github.com/5TFG4/weaver/internal/app/router"
	"github.com/5TFG4/weaver/internal/app/runmanager"
	"github.com/5TFG4/weaver/internal/app/strategy"
	"github.com/5TFG4/weaver/internal/app/strategy/js"
	"github.com/5TFG4/weaver/internal/domain/barstore"
	"github.com/5TFG4/weaver/internal/domain/execution"
	"github.com/5TFG4/weaver/internal/domain/fillstore"
	"github.com/5TFG4/weaver/internal/domain/orderstore"
	"github.com/5TFG4/weaver/internal/domain/runstore"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
	"github.com/5TFG4/weaver/internal/infra/config"
	"github.com/5TFG4/weaver/internal/infra/persistence/memory"
	"github.com/5TFG4/weaver/internal/infra/persistence/migrations"
	"github.com/5TFG4/weaver/internal/infra/persistence/postgres"
	httpserver "github.com/5TFG4/weaver/internal/infra/server/http"
	"github.com/5TFG4/weaver/internal/sim"
	"github.com/5TFG4/weaver/internal/telemetry"
)

const (
	version = "0.1.0"

	defaultConfigPath        = "config/app.yaml"
	serverShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
	shutdownTimeout          = 30 * time.Second
)

type eventLogHandle struct {
	log   eventlog.Log
	pool  *pgxpool.Pool
	close func()
}

type storeSet struct {
	runs   runstore.Store
	orders orderstore.Store
	bars   barstore.Store
	fills  fillstore.Store
}

func main() {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "weaver ", log.LstdFlags|log.Lmicroseconds)

	appCfg, err := config.LoadOrDefault(resolveConfigPath(*cfgPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: backend=%s addr=%s", appCfg.EventLog.Backend, appCfg.Server.Addr)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	logHandle, stores, err := buildPersistence(ctx, appCfg, logger)
	if err != nil {
		logger.Fatalf("initialise persistence: %v", err)
	}

	registry, err := buildStrategyRegistry(ctx, appCfg.Strategies, logger)
	if err != nil {
		logger.Fatalf("initialise strategies: %v", err)
	}

	domainRouter, err := router.New(logHandle.log, stores.runs,
		router.WithLogger(log.New(os.Stdout, "router ", log.LstdFlags|log.Lmicroseconds)))
	if err != nil {
		logger.Fatalf("initialise router: %v", err)
	}
	if err := domainRouter.Start(ctx); err != nil {
		logger.Fatalf("start router: %v", err)
	}

	manager, err := buildRunManager(appCfg, logHandle.log, registry, stores, domainRouter)
	if err != nil {
		logger.Fatalf("initialise run manager: %v", err)
	}
	if err := manager.Recover(ctx); err != nil {
		logger.Fatalf("recover stranded runs: %v", err)
	}

	broadcaster, err := httpserver.NewBroadcaster(logHandle.log,
		httpserver.WithClientBuffer(appCfg.Server.SSEClientBuffer))
	if err != nil {
		logger.Fatalf("initialise event broadcaster: %v", err)
	}

	handler := httpserver.NewHandler(version, manager, stores.orders, stores.bars, registry, broadcaster)
	server := &http.Server{
		Addr:              appCfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       appCfg.Server.ReadTimeout,
		WriteTimeout:      appCfg.Server.WriteTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
			cancel()
		}
	})
	logger.Printf("control API listening on %s", server.Addr)

	logger.Print("weaver started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:      server,
		mainCancel:  cancel,
		lifecycle:   &lifecycle,
		broadcaster: broadcaster,
		router:      domainRouter,
		eventLog:    logHandle,
		telemetry:   telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = cfg.Enabled
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.MetricInterval = cfg.MetricInterval

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Printf("telemetry initialised: endpoint=%s service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

// buildPersistence wires either the in-memory stack or the Postgres-backed
// stack behind the shared store contracts.
func buildPersistence(ctx context.Context, cfg config.AppConfig, logger *log.Logger) (eventLogHandle, storeSet, error) {
	if cfg.EventLog.Backend == config.BackendMemory {
		memLog := eventlog.NewMemoryLog(eventlog.MemoryConfig{
			Capacity:   cfg.EventLog.Capacity,
			BufferSize: cfg.EventLog.BufferSize,
			Registry:   nil,
		})
		handle := eventLogHandle{
			log:   memLog,
			pool:  nil,
			close: memLog.Close,
		}
		stores := storeSet{
			runs:   memory.NewRunStore(),
			orders: memory.NewOrderStore(),
			bars:   memory.NewBarStore(),
			fills:  memory.NewFillStore(),
		}
		logger.Print("persistence: in-memory stores")
		return handle, stores, nil
	}

	if cfg.Database.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, cfg.Database.DSN, logger); err != nil {
			return eventLogHandle{}, storeSet{}, fmt.Errorf("apply migrations: %w", err)
		}
	}

	pool, err := openPool(ctx, cfg.Database)
	if err != nil {
		return eventLogHandle{}, storeSet{}, err
	}

	pg := postgres.New(pool)
	durable, err := eventlog.NewDurableLog(ctx,
		pg.Outbox,
		pg.Offsets,
		eventlog.WithDispatchInterval(cfg.EventLog.DispatchInterval),
		eventlog.WithDispatchBatchSize(cfg.EventLog.DispatchBatchSize),
		eventlog.WithDurableBufferSize(cfg.EventLog.BufferSize),
	)
	if err != nil {
		pool.Close()
		return eventLogHandle{}, storeSet{}, fmt.Errorf("initialise durable log: %w", err)
	}

	handle := eventLogHandle{
		log:  durable,
		pool: pool,
		close: func() {
			durable.Close()
			pool.Close()
		},
	}
	stores := storeSet{
		runs:   pg.Runs,
		orders: pg.Orders,
		bars:   pg.Bars,
		fills:  pg.Fills,
	}
	logger.Print("persistence: postgres stores")
	return handle, stores, nil
}

func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// buildStrategyRegistry merges JavaScript modules from the configured
// directory over the Go built-ins.
func buildStrategyRegistry(ctx context.Context, cfg config.StrategiesConfig, logger *log.Logger) (*strategy.Registry, error) {
	registry := strategy.DefaultRegistry()
	if cfg.Directory == "" {
		return registry, nil
	}
	loader, err := js.NewLoader(cfg.Directory)
	if err != nil {
		return nil, err
	}
	if err := loader.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("scan strategy modules: %w", err)
	}
	for _, meta := range loader.Catalog() {
		name := meta.Name
		err := registry.Register(meta, func(config map[string]any) (strategy.Strategy, error) {
			return loader.New(name, config)
		})
		if err != nil {
			return nil, fmt.Errorf("register strategy %s: %w", name, err)
		}
	}
	logger.Printf("strategy modules loaded: dir=%s count=%d", loader.Root(), len(loader.Catalog()))
	return registry, nil
}

func buildRunManager(cfg config.AppConfig, eventLog eventlog.Log, registry *strategy.Registry, stores storeSet, domainRouter *router.Router) (*runmanager.Manager, error) {
	opts := []runmanager.Option{
		runmanager.WithFillStore(stores.fills),
		runmanager.WithOrderStore(stores.orders),
		runmanager.WithRouter(domainRouter),
		runmanager.WithFillSimulation(simConfig(cfg.Simulator)),
	}
	if cfg.Veda.Enabled() {
		vedaCfg := veda.Config{
			BaseURL:        cfg.Veda.BaseURL,
			StreamURL:      cfg.Veda.StreamURL,
			APIKey:         cfg.Veda.APIKey,
			RequestTimeout: cfg.Veda.RequestTimeout,
			SubmitRate:     rateLimit(cfg.Veda.SubmitRate),
			SubmitBurst:    cfg.Veda.SubmitBurst,
		}
		opts = append(opts, runmanager.WithLiveExecution(func(ctx context.Context, run runstore.Run) (execution.Execution, error) {
			_ = ctx
			return veda.New(run.ID, vedaCfg, eventLog)
		}))
	}
	return runmanager.New(stores.runs, eventLog, registry, stores.bars, opts...)
}

func rateLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return 0
	}
	return rate.Limit(perSecond)
}

func simConfig(cfg config.SimulatorConfig) sim.FillSimulationConfig {
	out := sim.DefaultFillSimulationConfig()
	switch cfg.FillReference {
	case "open":
		out.FillReference = sim.FillReferenceOpen
	case "close":
		out.FillReference = sim.FillReferenceClose
	case "vwap":
		out.FillReference = sim.FillReferenceVWAP
	case "worst":
		out.FillReference = sim.FillReferenceWorst
	}
	if d, err := decimal.NewFromString(cfg.SlippageBps); err == nil {
		out.SlippageBps = d
	}
	if d, err := decimal.NewFromString(cfg.CommissionBps); err == nil {
		out.CommissionBps = d
	}
	if d, err := decimal.NewFromString(cfg.MinCommission); err == nil {
		out.MinCommission = d
	}
	if d, err := decimal.NewFromString(cfg.InitialCash); err == nil {
		out.InitialCash = d
	}
	return out
}

type gracefulShutdownConfig struct {
	server      *http.Server
	mainCancel  context.CancelFunc
	lifecycle   *conc.WaitGroup
	broadcaster *httpserver.Broadcaster
	router      *router.Router
	eventLog    eventLogHandle
	telemetry   *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.broadcaster != nil {
		cfg.broadcaster.Close()
	}
	if cfg.router != nil {
		cfg.router.Close()
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.eventLog.close != nil {
		cfg.eventLog.close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
