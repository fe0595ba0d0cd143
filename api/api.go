// Package api serves the perfwatch operational HTTP API: baseline queries,
// recalculation triggers, endpoint and routing configuration, snoozes, alert
// acknowledgement and delivery views.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"perfwatch/alerting"
	"perfwatch/baseline"
	"perfwatch/config"
	"perfwatch/core"
	"perfwatch/vault"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Store is the read side of pipeline state plus sample ingestion
type Store interface {
	ActiveBaselines(ctx context.Context) ([]*core.Baseline, error)
	BaselineHistory(ctx context.Context, operationType string, limit int) ([]core.BaselineHistory, error)
	RecentExecutions(ctx context.Context, limit int) ([]core.RecalcExecution, error)
	RecentAnomalies(ctx context.Context, operationType string, since time.Time, limit int) ([]core.Anomaly, error)
	LatestCorrelations(ctx context.Context, limit int) ([]core.Correlation, error)
	DeliveryStats(ctx context.Context, since time.Time) ([]core.DeliveryStats, error)
	RecordSamples(ctx context.Context, samples []core.MetricSample) error
}

// Recalculator triggers baseline recalculation
type Recalculator interface {
	DefaultOptions(reason core.RecalcReason) baseline.Options
	Recalculate(ctx context.Context, op string, opts baseline.Options) (baseline.Outcome, error)
	RecalculateAll(ctx context.Context, opts baseline.Options, budget time.Duration) ([]baseline.Outcome, error)
}

// AlertService is the alert pipeline surface used by the API
type AlertService interface {
	Acknowledge(ctx context.Context, alertID, by string) (*core.Alert, error)
	PendingAlerts(ctx context.Context, limit int) ([]*core.Alert, error)
	Snooze(ctx context.Context, req alerting.SnoozeRequest) (*core.Snooze, error)
	RevokeSnooze(ctx context.Context, id string) error
	ListSnoozes(ctx context.Context, activeOnly bool) ([]*core.Snooze, error)
	RoutingRules(ctx context.Context) ([]core.RoutingRule, error)
	SetRoutingRules(ctx context.Context, rules []core.RoutingRule) ([]core.RoutingRule, error)
	EscalationQueue(ctx context.Context) ([]alerting.Escalation, error)
}

// EndpointVault manages encrypted webhook endpoints
type EndpointVault interface {
	Store(ctx context.Context, req vault.StoreRequest) (string, error)
	List(ctx context.Context) ([]*core.WebhookEndpoint, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Test(ctx context.Context, id string, tester vault.Tester) error
}

// BreakerReporter exposes per-endpoint circuit breaker states
type BreakerReporter interface {
	BreakerStates() map[string]core.CircuitBreakerState
}

// Deps are the components the API serves
type Deps struct {
	Store      Store
	Recalc     Recalculator
	Pipeline   AlertService
	Vault      EndpointVault
	Tester     vault.Tester
	Dispatcher BreakerReporter
	Clock      core.Clock
	// TracerProvider receives request spans; nil disables tracing
	TracerProvider trace.TracerProvider
	// Health checks run by /healthz, keyed by component name
	Health map[string]func(context.Context) error
}

// API holds the API server
type API struct {
	router   *mux.Router
	server   *http.Server
	serverMu sync.Mutex
	config   *config.Config
	logger   *zap.SugaredLogger

	store      Store
	recalc     Recalculator
	pipeline   AlertService
	vault      EndpointVault
	tester     vault.Tester
	dispatcher BreakerReporter
	clock      core.Clock
	health     map[string]func(context.Context) error
	tracer     trace.Tracer

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewAPI creates the API server and its routes
func NewAPI(cfg *config.Config, deps Deps, logger *zap.SugaredLogger) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api: config is required")
	}
	if deps.Store == nil || deps.Recalc == nil || deps.Pipeline == nil || deps.Vault == nil {
		return nil, errors.New("api: store, recalc, pipeline and vault are required")
	}
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return nil, errors.New("api: auth enabled without a jwt secret")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	clock := deps.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}

	tp := deps.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	a := &API{
		router:       mux.NewRouter(),
		config:       cfg,
		logger:       logger,
		store:        deps.Store,
		recalc:       deps.Recalc,
		pipeline:     deps.Pipeline,
		vault:        deps.Vault,
		tester:       deps.Tester,
		dispatcher:   deps.Dispatcher,
		clock:        clock,
		health:       deps.Health,
		tracer:       tp.Tracer(apiTracerName),
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a, nil
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.recoveryMiddleware)
	a.router.Use(a.requestIDMiddleware)

	a.router.HandleFunc("/healthz", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.rateLimitMiddleware)
	if a.config.Auth.Enabled {
		v1.Use(a.authMiddleware)
	}

	v1.HandleFunc("/samples", a.recordSamples).Methods("POST")

	v1.HandleFunc("/baselines", a.getBaselines).Methods("GET")
	v1.HandleFunc("/baselines/recalculate", a.recalculateBaselines).Methods("POST")
	v1.HandleFunc("/baselines/executions", a.getExecutions).Methods("GET")
	v1.HandleFunc("/baselines/{op}/history", a.getBaselineHistory).Methods("GET")

	v1.HandleFunc("/anomalies", a.getAnomalies).Methods("GET")
	v1.HandleFunc("/correlations", a.getCorrelations).Methods("GET")

	v1.HandleFunc("/endpoints", a.getEndpoints).Methods("GET")
	v1.HandleFunc("/endpoints", a.createEndpoint).Methods("POST")
	v1.HandleFunc("/endpoints/{id}/test", a.testEndpoint).Methods("POST")
	v1.HandleFunc("/endpoints/{id}/enabled", a.setEndpointEnabled).Methods("PUT")

	v1.HandleFunc("/routing-rules", a.getRoutingRules).Methods("GET")
	v1.HandleFunc("/routing-rules", a.putRoutingRules).Methods("PUT")

	v1.HandleFunc("/snoozes", a.getSnoozes).Methods("GET")
	v1.HandleFunc("/snoozes", a.createSnooze).Methods("POST")
	v1.HandleFunc("/snoozes/{id}", a.deleteSnooze).Methods("DELETE")

	v1.HandleFunc("/alerts/pending", a.getPendingAlerts).Methods("GET")
	v1.HandleFunc("/alerts/{id}/acknowledge", a.acknowledgeAlert).Methods("POST")

	v1.HandleFunc("/notifications/escalations", a.getEscalations).Methods("GET")
	v1.HandleFunc("/notifications/delivery-stats", a.getDeliveryStats).Methods("GET")
}

// Handler returns the root handler, for tests and embedding
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves on addr until Stop
func (a *API) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadTimeout:       a.config.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.config.Server.WriteTimeout,
	}
	a.serverMu.Lock()
	a.server = srv
	a.serverMu.Unlock()
	return srv.ListenAndServe()
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.serverMu.Lock()
	srv := a.server
	a.serverMu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
