package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"perfwatch/alerting"
	"perfwatch/api"
	"perfwatch/baseline"
	"perfwatch/config"
	"perfwatch/core"
	"perfwatch/correlation"
	"perfwatch/detect"
	"perfwatch/notify"
	"perfwatch/vault"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Options tune NewApp
type Options struct {
	// ConfigPath is an explicit config file; empty searches . and ./config
	ConfigPath string
	Debug      bool
	// TracerProvider receives job and request spans; nil disables tracing
	TracerProvider trace.TracerProvider
	// Clock overrides the wall clock, for tests
	Clock core.Clock
}

// App holds every perfwatch component
type App struct {
	Config *config.Config
	Rules  *config.Rules
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
	Clock  core.Clock

	Storage    *StorageComponents
	Vault      *vault.Vault
	Engine     *baseline.Engine
	Recalc     *Recalculator
	Detector   *detect.Detector
	Analyzer   *correlation.Analyzer
	Pipeline   *alerting.Pipeline
	Notifier   *notify.Notifier
	Dispatcher *notify.Dispatcher
	Scheduler  *Scheduler
	APIServer  *api.API

	serviceWg *sync.WaitGroup
	stopBg    context.CancelFunc
}

// NewApp loads configuration and wires every component. Nothing runs until Start.
func NewApp(ctx context.Context, opts Options) (*App, error) {
	logger, sugar, err := InitLogger(opts.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := InitConfig(opts.ConfigPath, sugar)
	if err != nil {
		return nil, err
	}
	return NewAppWithConfig(ctx, cfg, logger, opts)
}

// NewAppWithConfig wires components from an already loaded configuration
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		Clock:     clock,
		serviceWg: &sync.WaitGroup{},
	}

	sugar.Info("perfwatch starting...")

	if err := EnsureDataDirectories(cfg, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	rules, err := InitRules(cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Rules = rules

	secrets, err := config.LoadSecrets(cfg)
	if err != nil {
		return nil, err
	}
	keys, err := config.LoadVaultKeys(cfg, secrets)
	if err != nil {
		return nil, err
	}
	keyring, err := vault.NewKeyring(cfg.Vault.ActiveKeyID, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to build vault keyring: %w", err)
	}

	sc, err := InitStorage(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Storage = sc
	db := sc.SQLite

	app.Vault = vault.New(db, keyring, clock, sugar.Named("vault"))
	app.Pipeline = alerting.NewPipeline(db, rules, cfg.Alerting, clock, sugar.Named("alerting"))

	app.Engine = baseline.NewEngine(db, sc.Samples, rules, cfg.Baseline, clock, sugar.Named("baseline"))
	app.Engine.SetFailureReporter(app.Pipeline)
	if sc.Lease != nil {
		app.Engine.SetLease(sc.Lease)
	}

	app.Detector = detect.NewDetector(db, sc.Samples, db, rules, cfg.Detect, clock, sugar.Named("detect"))
	app.Recalc = &Recalculator{engine: app.Engine, detector: app.Detector}

	app.Analyzer = correlation.NewAnalyzer(db, sc.Samples, rules, cfg.Correlation, clock, sugar.Named("correlation"))
	app.Analyzer.SetAlertSink(app.Pipeline)

	app.Notifier = notify.NewNotifier(cfg.Notify.HTTPTimeout, sugar.Named("notify"))
	app.Dispatcher, err = notify.NewDispatcher(db, app.Vault, app.Notifier, cfg.Notify, clock, sugar.Named("notify"))
	if err != nil {
		sc.Close(sugar)
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	app.Scheduler = NewScheduler(opts.TracerProvider, sugar.Named("scheduler"))
	if err := app.registerJobs(); err != nil {
		sc.Close(sugar)
		return nil, err
	}

	health := map[string]func(context.Context) error{"sqlite": db.HealthCheck}
	if sc.ClickHouse != nil {
		health["clickhouse"] = sc.ClickHouse.HealthCheck
	}
	if sc.Lease != nil {
		health["redis"] = sc.Lease.Ping
	}

	app.APIServer, err = api.NewAPI(cfg, api.Deps{
		Store:      db,
		Recalc:     app.Recalc,
		Pipeline:   app.Pipeline,
		Vault:      app.Vault,
		Tester:     app.Notifier,
		Dispatcher: app.Dispatcher,
		Clock:      clock,
		Health:     health,

		TracerProvider: opts.TracerProvider,
	}, sugar.Named("api"))
	if err != nil {
		sc.Close(sugar)
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}

	return app, nil
}

// Start launches the scheduler, pool metrics collection and the API server
func (a *App) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	a.stopBg = cancel

	a.Storage.SQLite.StartMetricsCollection(bgCtx, 15*time.Second)
	a.Scheduler.Start(bgCtx)

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		a.Sugar.Infof("API server listening on %s", a.Config.Server.Addr)
		if err := a.APIServer.Start(a.Config.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server error", "error", err)
		}
	}()
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops the API, the scheduler and pending batches, then closes storage
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	a.Sugar.Info("Phase 1: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	a.Sugar.Info("Phase 2: Stopping scheduler...")
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.stopBg != nil {
		a.stopBg()
	}

	a.Sugar.Info("Phase 3: Flushing notification batches...")
	if a.Dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.Notify.HTTPTimeout+5*time.Second)
		report := a.Dispatcher.FlushBatches(ctx)
		cancel()
		a.Sugar.Infow("Batches flushed", "sent", report.Sent, "retrying", report.Retrying, "failed", report.Failed)
	}

	a.Sugar.Info("Phase 4: Waiting for service goroutines...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	a.Sugar.Info("Phase 5: Closing storage...")
	if a.Storage != nil {
		a.Storage.Close(a.Sugar)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
