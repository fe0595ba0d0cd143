package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"perfwatch/config"
	"perfwatch/core"
	"perfwatch/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db       *storage.SQLite
	clock    *core.ManualClock
	pipeline *Pipeline
}

func newFixture(t *testing.T, cfg config.AlertingConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "alerting.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := core.NewManualClock(testNow)
	return &fixture{
		db:       db,
		clock:    clock,
		pipeline: NewPipeline(db, config.DefaultRules(), cfg, clock, logger),
	}
}

func (f *fixture) addEndpoint(t *testing.T, id string, typ core.EndpointType, name string, primary, enabled bool) {
	t.Helper()
	_, err := f.db.UpsertEndpoint(context.Background(), &core.WebhookEndpoint{
		ID:           id,
		Type:         typ,
		Name:         name,
		Format:       typ.DefaultFormat(),
		EncryptedURL: []byte("ciphertext"),
		IV:           []byte("nonce-123456"),
		KeyID:        "k1",
		Enabled:      enabled,
		Primary:      primary,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	})
	require.NoError(t, err)
}

// three enabled endpoints, two of them primary
func (f *fixture) standardEndpoints(t *testing.T) {
	f.addEndpoint(t, "ep-chat", core.EndpointChat, "ops", true, true)
	f.addEndpoint(t, "ep-mail", core.EndpointEmail, "team", false, true)
	f.addEndpoint(t, "ep-page", core.EndpointPaging, "oncall", true, true)
	f.addEndpoint(t, "ep-off", core.EndpointPaging, "retired", true, false)
}

func commitAnomaly(sev core.Severity) core.Anomaly {
	return core.Anomaly{
		ID:            "an-1",
		OperationType: "commit",
		Method:        core.MethodStatistical,
		ZScore:        4.2,
		ObservedValue: 150500,
		BaselineValue: 24500,
		Severity:      sev,
		DetectedAt:    testNow,
	}
}

func endpointIDs(items []*core.NotificationQueueItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.EndpointID)
	}
	return out
}

func TestCreateAlert_WarningRoutesToPrimaryChannels(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	f.standardEndpoints(t)
	ctx := context.Background()

	res, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityWarning))
	require.NoError(t, err)
	require.NotNil(t, res.Alert)
	assert.False(t, res.Suppressed)
	assert.False(t, res.Duplicate)

	a := res.Alert
	assert.Equal(t, core.AlertStatisticalOutlier, a.AlertType)
	assert.Equal(t, core.SeverityWarning, a.Severity)
	assert.Equal(t, KindAnomaly, a.SourceKind)
	assert.Equal(t, "an-1", a.SourceID)
	assert.InDelta(t, 150500.0/24500.0, a.ViolationMultiplier, 1e-9)

	assert.ElementsMatch(t, []string{"ep-chat", "ep-page"}, endpointIDs(res.Items))
	stored, err := f.db.ItemsForAlert(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, it := range stored {
		assert.Equal(t, core.NotificationPending, it.Status)
		assert.Equal(t, 3, it.MaxRetries)
		assert.Zero(t, it.RetryCount)
	}

	var chat *core.NotificationQueueItem
	for _, it := range res.Items {
		if it.EndpointID == "ep-chat" {
			chat = it
		}
	}
	require.NotNil(t, chat)
	assert.Equal(t, core.FormatSlack, chat.Format)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(chat.Body, &payload))
	assert.Equal(t, "[WARNING] STATISTICAL_OUTLIER on commit", payload["text"])
}

func TestCreateAlert_SeverityPolicy(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	f.standardEndpoints(t)
	ctx := context.Background()

	res, err := f.pipeline.CreateAlert(ctx, ThresholdViolation{OperationType: "push", ActualValue: 90, ThresholdValue: 10})
	require.NoError(t, err)
	assert.Equal(t, core.SeverityCritical, res.Alert.Severity)
	assert.ElementsMatch(t, []string{"ep-chat", "ep-mail", "ep-page"}, endpointIDs(res.Items))

	res, err = f.pipeline.CreateAlert(ctx, ThresholdViolation{OperationType: "fetch", ActualValue: 11, ThresholdValue: 10})
	require.NoError(t, err)
	assert.Equal(t, core.SeverityInfo, res.Alert.Severity)
	// ListEndpoints orders chat before email and paging
	assert.Equal(t, []string{"ep-chat"}, endpointIDs(res.Items))
}

func TestCreateAlert_PrimaryFallsBackToSingle(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	f.addEndpoint(t, "ep-mail", core.EndpointEmail, "team", false, true)
	f.addEndpoint(t, "ep-page", core.EndpointPaging, "oncall", false, true)

	res, err := f.pipeline.RaiseAnomaly(context.Background(), commitAnomaly(core.SeverityWarning))
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-mail"}, endpointIDs(res.Items))
}

func TestCreateAlert_NoEndpointsStillRecordsAlert(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	ctx := context.Background()

	res, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityCritical))
	require.NoError(t, err)
	require.NotNil(t, res.Alert)
	assert.Empty(t, res.Items)

	got, err := f.db.GetAlert(ctx, res.Alert.ID)
	require.NoError(t, err)
	assert.Equal(t, "commit", got.OperationType)
}

func TestCreateAlert_RoutingRulesOverridePolicy(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	f.standardEndpoints(t)
	ctx := context.Background()

	_, err := f.pipeline.SetRoutingRules(ctx, []core.RoutingRule{
		{AlertType: "statistical_outlier", Severity: "warning", EndpointID: "ep-mail"},
		{AlertType: core.Wildcard, Severity: core.SeverityWarning, EndpointID: "ep-page"},
		{AlertType: core.Wildcard, Severity: core.SeverityWarning, EndpointID: "ep-off"},
	})
	require.NoError(t, err)

	res, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityWarning))
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-mail"}, endpointIDs(res.Items))

	// no exact rule for COMBINED_ANOMALY: the ALL rule applies, disabled endpoints are skipped
	combined := commitAnomaly(core.SeverityWarning)
	combined.Method = core.MethodCombined
	res, err = f.pipeline.RaiseAnomaly(ctx, combined)
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-page"}, endpointIDs(res.Items))

	// no rule for CRITICAL: policy table
	res, err = f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityCritical))
	require.NoError(t, err)
	assert.Len(t, res.Items, 3)
}

func TestSetRoutingRules_Validation(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	f.standardEndpoints(t)
	ctx := context.Background()

	_, err := f.pipeline.SetRoutingRules(ctx, []core.RoutingRule{{AlertType: "ALL", Severity: "LOUD", EndpointID: "ep-chat"}})
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))

	_, err = f.pipeline.SetRoutingRules(ctx, []core.RoutingRule{{AlertType: "ALL", Severity: "INFO", EndpointID: "missing"}})
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))

	saved, err := f.pipeline.SetRoutingRules(ctx, []core.RoutingRule{
		{AlertType: "ALL", Severity: "INFO", EndpointID: "ep-chat"},
		{AlertType: "ALL", Severity: "INFO", EndpointID: "ep-chat"},
	})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.NotEmpty(t, saved[0].ID)

	listed, err := f.pipeline.RoutingRules(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestCreateAlert_Dedup(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3, DedupWindow: 5 * time.Minute})
	f.standardEndpoints(t)
	ctx := context.Background()

	first, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityWarning))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	second, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityWarning))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Alert.ID, second.Alert.ID)
	assert.Equal(t, 1, second.Alert.DuplicateCount)
	assert.Empty(t, second.Items)

	// a different severity is a different condition
	third, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityCritical))
	require.NoError(t, err)
	assert.False(t, third.Duplicate)

	// outside the window a new alert is created
	f.clock.Advance(6 * time.Minute)
	fourth, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityWarning))
	require.NoError(t, err)
	assert.False(t, fourth.Duplicate)
	assert.NotEqual(t, first.Alert.ID, fourth.Alert.ID)
}

func TestCreateAlert_DedupDisabled(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	ctx := context.Background()

	first, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityWarning))
	require.NoError(t, err)
	second, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityWarning))
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.Alert.ID, second.Alert.ID)
}

func TestCreateAlert_AcknowledgedAlertIsNotReused(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3, DedupWindow: time.Hour})
	ctx := context.Background()

	first, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityWarning))
	require.NoError(t, err)
	_, err = f.pipeline.Acknowledge(ctx, first.Alert.ID, "alice")
	require.NoError(t, err)

	second, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityWarning))
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
}

func TestSnooze_SuppressesUntilExpiry(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	f.standardEndpoints(t)
	ctx := context.Background()

	sn, err := f.pipeline.Snooze(ctx, SnoozeRequest{
		OperationType: "commit",
		AlertType:     "all",
		Minutes:       60,
		Reason:        "planned migration",
		CreatedBy:     "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, core.Wildcard, sn.AlertType)
	assert.Equal(t, testNow.Add(time.Hour), sn.SnoozeUntil)

	f.clock.Advance(30 * time.Minute)
	snoozed, err := f.pipeline.IsSnoozed(ctx, "commit", core.AlertStatisticalOutlier)
	require.NoError(t, err)
	assert.True(t, snoozed)

	res, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityCritical))
	require.NoError(t, err)
	assert.True(t, res.Suppressed)
	assert.Nil(t, res.Alert)
	require.NotNil(t, res.Snooze)
	assert.Equal(t, sn.ID, res.Snooze.ID)

	count, err := f.db.CountSuppressions(ctx, sn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	pending, err := f.pipeline.PendingAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// other operations are unaffected
	other := commitAnomaly(core.SeverityCritical)
	other.OperationType = "push"
	res, err = f.pipeline.RaiseAnomaly(ctx, other)
	require.NoError(t, err)
	assert.False(t, res.Suppressed)

	f.clock.Advance(31 * time.Minute)
	snoozed, err = f.pipeline.IsSnoozed(ctx, "commit", core.AlertStatisticalOutlier)
	require.NoError(t, err)
	assert.False(t, snoozed)

	res, err = f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityCritical))
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
	assert.Len(t, res.Items, 3)
}

func TestSnooze_Revoke(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	ctx := context.Background()

	sn, err := f.pipeline.Snooze(ctx, SnoozeRequest{OperationType: "ALL", AlertType: "ALL", Minutes: 10})
	require.NoError(t, err)

	active, err := f.pipeline.ListSnoozes(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, f.pipeline.RevokeSnooze(ctx, sn.ID))
	active, err = f.pipeline.ListSnoozes(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := f.pipeline.ListSnoozes(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	err = f.pipeline.RevokeSnooze(ctx, "missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestSnooze_InvalidRequests(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	ctx := context.Background()

	for _, req := range []SnoozeRequest{
		{OperationType: "", AlertType: "ALL", Minutes: 10},
		{OperationType: "commit", AlertType: "", Minutes: 10},
		{OperationType: "commit", AlertType: "ALL", Minutes: 0},
		{OperationType: "commit", AlertType: "ALL", Minutes: MaxSnoozeMinutes + 1},
	} {
		_, err := f.pipeline.Snooze(ctx, req)
		assert.True(t, errors.Is(err, core.ErrInvalidParameter), "%+v", req)
	}
}

func TestCorrelationAlert_SnoozeOnEitherOperation(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	ctx := context.Background()

	c := core.Correlation{
		ID:          "c-1",
		OperationA:  "commit",
		OperationB:  "merge_branches",
		Coefficient: 0.94,
		SampleCount: 24,
		Bottleneck:  "shared_write_path_saturation",
		Confidence:  0.8,
	}
	require.NoError(t, f.pipeline.RaiseCorrelation(ctx, c, core.SeverityCritical))
	pending, err := f.pipeline.PendingAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "commit+merge_branches", pending[0].OperationType)
	assert.Equal(t, core.AlertCorrelatedDegradation, pending[0].AlertType)
	assert.Contains(t, pending[0].Message, "shared write path saturation")

	_, err = f.pipeline.Snooze(ctx, SnoozeRequest{OperationType: "merge_branches", AlertType: "CORRELATED_DEGRADATION", Minutes: 5})
	require.NoError(t, err)
	res, err := f.pipeline.CreateAlert(ctx, CorrelationSource{Correlation: c, Severity: core.SeverityCritical})
	require.NoError(t, err)
	assert.True(t, res.Suppressed)
}

func TestReportFailure(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	f.standardEndpoints(t)
	ctx := context.Background()

	cause := &core.UnitError{Unit: "commit", Err: core.ErrDataIntegrity}
	require.NoError(t, f.pipeline.ReportFailure(ctx, "", cause))

	pending, err := f.pipeline.PendingAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	a := pending[0]
	assert.Equal(t, core.AlertPipelineFailure, a.AlertType)
	assert.Equal(t, core.SeverityCritical, a.Severity)
	assert.Equal(t, "commit", a.OperationType)
	assert.Equal(t, KindInternal, a.SourceKind)
	assert.Contains(t, a.Message, "data_integrity")

	items, err := f.db.ItemsForAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestCreateAlert_InvalidSources(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	ctx := context.Background()

	for _, src := range []Source{
		AnomalySource{},
		AnomalySource{Anomaly: core.Anomaly{OperationType: "commit", Severity: "LOUD"}},
		CorrelationSource{Correlation: core.Correlation{OperationA: "commit"}, Severity: core.SeverityWarning},
		ThresholdViolation{OperationType: "commit", ActualValue: 5},
		InternalFailure{Unit: "commit"},
	} {
		_, err := f.pipeline.CreateAlert(ctx, src)
		assert.True(t, errors.Is(err, core.ErrInvalidParameter), "%T", src)
	}
}

func TestAcknowledge(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	ctx := context.Background()

	res, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityWarning))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	a, err := f.pipeline.Acknowledge(ctx, res.Alert.ID, "alice")
	require.NoError(t, err)
	assert.True(t, a.Acknowledged)
	assert.Equal(t, "alice", a.AcknowledgedBy)
	require.NotNil(t, a.AcknowledgedAt)
	assert.True(t, a.AcknowledgedAt.Equal(testNow.Add(time.Minute)))

	_, err = f.pipeline.Acknowledge(ctx, res.Alert.ID, "bob")
	require.NoError(t, err)

	_, err = f.pipeline.Acknowledge(ctx, "missing", "alice")
	assert.True(t, errors.Is(err, core.ErrNotFound))

	pending, err := f.pipeline.PendingAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEscalationQueue(t *testing.T) {
	f := newFixture(t, config.AlertingConfig{MaxRetries: 3})
	f.standardEndpoints(t)
	ctx := context.Background()

	warn, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityWarning))
	require.NoError(t, err)
	require.Len(t, warn.Items, 2)
	_, err = f.pipeline.CreateAlert(ctx, ThresholdViolation{OperationType: "fetch", ActualValue: 11, ThresholdValue: 10})
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	esc, err := f.pipeline.EscalationQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, esc)

	f.clock.Advance(6 * time.Minute)
	esc, err = f.pipeline.EscalationQueue(ctx)
	require.NoError(t, err)
	require.Len(t, esc, 2)
	for _, e := range esc {
		assert.Equal(t, core.SeverityWarning, e.Item.Severity)
		assert.Equal(t, 10*time.Minute, e.Window)
		assert.Equal(t, 11*time.Minute, e.Age)
	}

	f.clock.Advance(20 * time.Minute)
	esc, err = f.pipeline.EscalationQueue(ctx)
	require.NoError(t, err)
	assert.Len(t, esc, 3)

	// CRITICAL items escalate as soon as they are unsent
	crit, err := f.pipeline.RaiseAnomaly(ctx, commitAnomaly(core.SeverityCritical))
	require.NoError(t, err)
	require.Len(t, crit.Items, 3)
	esc, err = f.pipeline.EscalationQueue(ctx)
	require.NoError(t, err)
	assert.Len(t, esc, 6)
}
