package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perfwatch/config"
	"perfwatch/core"
	"perfwatch/detect"
	"perfwatch/metrics"
	"perfwatch/notify"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence the pipeline needs
type Store interface {
	InsertAlertDeduplicated(ctx context.Context, alert *core.Alert, items []*core.NotificationQueueItem, since time.Time) (*core.Alert, error)
	GetAlert(ctx context.Context, id string) (*core.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) error
	PendingAlerts(ctx context.Context, limit int) ([]*core.Alert, error)
	InsertSuppression(ctx context.Context, sup *core.AlertSuppression) error

	CreateSnooze(ctx context.Context, sn *core.Snooze) error
	FindMatchingSnooze(ctx context.Context, operationType string, alertType core.AlertType, now time.Time) (*core.Snooze, error)
	RevokeSnooze(ctx context.Context, id string) error
	ListSnoozes(ctx context.Context, activeOnly bool, now time.Time) ([]*core.Snooze, error)

	ListEndpoints(ctx context.Context, enabledOnly bool) ([]*core.WebhookEndpoint, error)
	GetEndpoint(ctx context.Context, id string) (*core.WebhookEndpoint, error)
	RoutingRules(ctx context.Context) ([]core.RoutingRule, error)
	ReplaceRoutingRules(ctx context.Context, rules []core.RoutingRule) error
	UnsentItems(ctx context.Context) ([]*core.NotificationQueueItem, error)
}

// CreateResult describes what CreateAlert did with a source event
type CreateResult struct {
	Alert      *core.Alert                   `json:"alert,omitempty"`
	Suppressed bool                          `json:"suppressed"`
	Snooze     *core.Snooze                  `json:"snooze,omitempty"`
	Duplicate  bool                          `json:"duplicate"`
	Items      []*core.NotificationQueueItem `json:"items,omitempty"`
}

// Pipeline turns anomalies, correlations and failures into alerts and
// enqueues one notification per routed endpoint
type Pipeline struct {
	store  Store
	rules  *config.Rules
	cfg    config.AlertingConfig
	clock  core.Clock
	logger *zap.SugaredLogger
}

// NewPipeline creates an alert pipeline
func NewPipeline(store Store, rules *config.Rules, cfg config.AlertingConfig, clock core.Clock, logger *zap.SugaredLogger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if rules == nil {
		rules = config.DefaultRules()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Pipeline{
		store:  store,
		rules:  rules,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// build converts a source event into an unsaved alert. snoozeOps lists the
// operations whose snoozes apply.
func (p *Pipeline) build(src Source) (*core.Alert, []string, error) {
	now := p.clock.Now()
	a := &core.Alert{
		ID:         uuid.New().String(),
		SourceKind: src.kind(),
		CreatedAt:  now,
		LastSeen:   now,
	}
	snoozeOps := []string{}

	switch s := src.(type) {
	case AnomalySource:
		an := s.Anomaly
		if an.OperationType == "" {
			return nil, nil, core.InvalidParameter("anomaly has no operation type")
		}
		a.OperationType = an.OperationType
		a.AlertType = core.AlertTypeForMethod(an.Method)
		a.Severity = an.Severity
		a.ActualValue = an.ObservedValue
		a.BaselineValue = an.BaselineValue
		a.ViolationMultiplier = ratio(an.ObservedValue, an.BaselineValue)
		a.Message = an.Summary()
		a.SourceID = an.ID
		snoozeOps = append(snoozeOps, an.OperationType)
	case CorrelationSource:
		c := s.Correlation
		if c.OperationA == "" || c.OperationB == "" {
			return nil, nil, core.InvalidParameter("correlation needs two operation types")
		}
		a.OperationType = pairOperation(c.OperationA, c.OperationB)
		a.AlertType = core.AlertCorrelatedDegradation
		a.Severity = s.Severity
		a.ActualValue = c.Coefficient
		a.Message = correlationMessage(c)
		a.SourceID = c.ID
		snoozeOps = append(snoozeOps, c.OperationA, c.OperationB)
	case ThresholdViolation:
		if s.OperationType == "" {
			return nil, nil, core.InvalidParameter("threshold violation has no operation type")
		}
		if s.ThresholdValue <= 0 {
			return nil, nil, core.InvalidParameter("threshold must be positive, got %v", s.ThresholdValue)
		}
		a.OperationType = s.OperationType
		a.AlertType = core.AlertThresholdExceeded
		a.ActualValue = s.ActualValue
		a.BaselineValue = s.ThresholdValue
		a.ViolationMultiplier = ratio(s.ActualValue, s.ThresholdValue)
		a.Severity = s.Severity
		if a.Severity == "" {
			a.Severity = detect.Classify(p.rules.Severity, 0, a.ViolationMultiplier)
		}
		a.Message = s.Message
		if a.Message == "" {
			a.Message = fmt.Sprintf("%s duration %.0fus exceeds threshold %.0fus (%.2fx)",
				s.OperationType, s.ActualValue, s.ThresholdValue, a.ViolationMultiplier)
		}
		snoozeOps = append(snoozeOps, s.OperationType)
	case InternalFailure:
		if s.Err == nil {
			return nil, nil, core.InvalidParameter("internal failure without an error")
		}
		a.OperationType = s.Unit
		if a.OperationType == "" {
			a.OperationType = "pipeline"
		}
		a.AlertType = core.AlertPipelineFailure
		a.Severity = core.SeverityCritical
		a.Message = fmt.Sprintf("%s failed (%s): %v", a.OperationType, core.ErrorKind(s.Err), s.Err)
		snoozeOps = append(snoozeOps, a.OperationType)
	default:
		return nil, nil, core.InvalidParameter("unsupported alert source %T", src)
	}

	if _, err := core.ParseSeverity(string(a.Severity)); err != nil {
		return nil, nil, err
	}
	a.Fingerprint = core.AlertFingerprint(a.OperationType, a.AlertType, a.Severity)
	return a, snoozeOps, nil
}

func ratio(actual, reference float64) float64 {
	if reference <= 0 {
		return 0
	}
	return actual / reference
}

// CreateAlert applies snoozes, dedup and routing to a source event. A
// snoozed event leaves only an audit row; a duplicate bumps the open alert.
func (p *Pipeline) CreateAlert(ctx context.Context, src Source) (*CreateResult, error) {
	a, snoozeOps, err := p.build(src)
	if err != nil {
		return nil, err
	}

	for _, op := range snoozeOps {
		sn, err := p.store.FindMatchingSnooze(ctx, op, a.AlertType, a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to check snoozes: %w", err)
		}
		if sn == nil {
			continue
		}
		sup := &core.AlertSuppression{
			ID:            uuid.New().String(),
			OperationType: a.OperationType,
			AlertType:     a.AlertType,
			Severity:      a.Severity,
			SnoozeID:      sn.ID,
			Message:       a.Message,
			SuppressedAt:  a.CreatedAt,
		}
		if err := p.store.InsertSuppression(ctx, sup); err != nil {
			return nil, err
		}
		metrics.AlertsSuppressed.WithLabelValues(string(a.AlertType)).Inc()
		p.logger.Infow("Alert suppressed by snooze",
			"operation_type", a.OperationType,
			"alert_type", a.AlertType,
			"severity", a.Severity,
			"snooze_id", sn.ID,
			"snooze_until", sn.SnoozeUntil)
		return &CreateResult{Suppressed: true, Snooze: sn}, nil
	}

	endpoints, err := p.route(ctx, a.AlertType, a.Severity)
	if err != nil {
		return nil, err
	}
	items := make([]*core.NotificationQueueItem, 0, len(endpoints))
	for _, ep := range endpoints {
		format := ep.Format
		if format == "" {
			format = ep.Type.DefaultFormat()
		}
		body, err := notify.FormatMessage(a, format)
		if err != nil {
			return nil, fmt.Errorf("failed to format alert for endpoint %s: %w", ep.ID, err)
		}
		items = append(items, &core.NotificationQueueItem{
			ID:            uuid.New().String(),
			AlertID:       a.ID,
			EndpointID:    ep.ID,
			Severity:      a.Severity,
			Format:        format,
			Body:          body,
			Status:        core.NotificationPending,
			MaxRetries:    p.cfg.MaxRetries,
			CreatedAt:     a.CreatedAt,
			NextAttemptAt: a.CreatedAt,
		})
	}

	since := a.CreatedAt.Add(-p.cfg.DedupWindow)
	if p.cfg.DedupWindow <= 0 {
		since = a.CreatedAt.Add(time.Nanosecond)
	}
	existing, err := p.store.InsertAlertDeduplicated(ctx, a, items, since)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		metrics.AlertsDeduplicated.WithLabelValues(string(a.AlertType)).Inc()
		p.logger.Debugw("Alert deduplicated",
			"alert_id", existing.ID,
			"fingerprint", existing.Fingerprint,
			"duplicate_count", existing.DuplicateCount)
		return &CreateResult{Alert: existing, Duplicate: true}, nil
	}

	metrics.AlertsCreated.WithLabelValues(string(a.AlertType), string(a.Severity)).Inc()
	if len(items) == 0 {
		p.logger.Warnw("Alert created with no enabled endpoints to notify",
			"alert_id", a.ID,
			"alert_type", a.AlertType,
			"severity", a.Severity)
	} else {
		p.logger.Infow("Alert created",
			"alert_id", a.ID,
			"operation_type", a.OperationType,
			"alert_type", a.AlertType,
			"severity", a.Severity,
			"notifications", len(items))
	}
	return &CreateResult{Alert: a, Items: items}, nil
}

// route resolves the endpoints an alert goes to. Explicit routing rules win
// (exact alert type before ALL); otherwise the severity policy applies.
func (p *Pipeline) route(ctx context.Context, alertType core.AlertType, severity core.Severity) ([]*core.WebhookEndpoint, error) {
	endpoints, err := p.store.ListEndpoints(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil, nil
	}
	byID := make(map[string]*core.WebhookEndpoint, len(endpoints))
	for _, ep := range endpoints {
		byID[ep.ID] = ep
	}

	rules, err := p.store.RoutingRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load routing rules: %w", err)
	}
	for _, match := range []string{string(alertType), core.Wildcard} {
		var out []*core.WebhookEndpoint
		seen := make(map[string]bool)
		for _, r := range rules {
			if r.AlertType != match || r.Severity != severity {
				continue
			}
			if ep, ok := byID[r.EndpointID]; ok && !seen[ep.ID] {
				seen[ep.ID] = true
				out = append(out, ep)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	switch p.rules.RoutingFor(string(severity)).Target {
	case config.TargetPrimary:
		var primary []*core.WebhookEndpoint
		for _, ep := range endpoints {
			if ep.Primary {
				primary = append(primary, ep)
			}
		}
		if len(primary) > 0 {
			return primary, nil
		}
		return single(endpoints), nil
	case config.TargetSingle:
		return single(endpoints), nil
	default:
		return endpoints, nil
	}
}

// single picks the first primary endpoint, else the first enabled one
func single(endpoints []*core.WebhookEndpoint) []*core.WebhookEndpoint {
	for _, ep := range endpoints {
		if ep.Primary {
			return []*core.WebhookEndpoint{ep}
		}
	}
	return endpoints[:1]
}

// RaiseAnomaly creates an alert for a detected anomaly
func (p *Pipeline) RaiseAnomaly(ctx context.Context, a core.Anomaly) (*CreateResult, error) {
	return p.CreateAlert(ctx, AnomalySource{Anomaly: a})
}

// RaiseCorrelation creates an alert for a classified correlation
func (p *Pipeline) RaiseCorrelation(ctx context.Context, c core.Correlation, severity core.Severity) error {
	_, err := p.CreateAlert(ctx, CorrelationSource{Correlation: c, Severity: severity})
	return err
}

// ReportFailure raises a CRITICAL pipeline failure alert for a unit
func (p *Pipeline) ReportFailure(ctx context.Context, unit string, err error) error {
	var ue *core.UnitError
	if errors.As(err, &ue) && unit == "" {
		unit = ue.Unit
	}
	_, cerr := p.CreateAlert(ctx, InternalFailure{Unit: unit, Err: err})
	return cerr
}

// Acknowledge marks an alert handled. Unknown ids return core.ErrNotFound.
func (p *Pipeline) Acknowledge(ctx context.Context, alertID, by string) (*core.Alert, error) {
	if alertID == "" {
		return nil, core.InvalidParameter("alert id is required")
	}
	if err := p.store.AcknowledgeAlert(ctx, alertID, by, p.clock.Now()); err != nil {
		return nil, err
	}
	p.logger.Infow("Alert acknowledged", "alert_id", alertID, "by", by)
	return p.store.GetAlert(ctx, alertID)
}

// PendingAlerts lists unacknowledged alerts, newest first
func (p *Pipeline) PendingAlerts(ctx context.Context, limit int) ([]*core.Alert, error) {
	return p.store.PendingAlerts(ctx, limit)
}
