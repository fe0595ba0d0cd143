package storage

import (
	"context"
	"testing"
	"time"

	"perfwatch/core"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeTestEndpoint(t *testing.T, db *SQLite, name string) string {
	t.Helper()
	id, err := db.UpsertEndpoint(context.Background(), &core.WebhookEndpoint{
		ID: uuid.NewString(), Type: core.EndpointChat, Name: name, Format: core.FormatSlack,
		EncryptedURL: []byte("ciphertext"), IV: []byte("nonce"), KeyID: "k1", Enabled: true,
		CreatedAt: testEpoch, UpdatedAt: testEpoch,
	})
	require.NoError(t, err)
	return id
}

func testAlert(op string, at time.Time) *core.Alert {
	return &core.Alert{
		ID:            uuid.NewString(),
		OperationType: op,
		AlertType:     core.AlertStatisticalOutlier,
		Severity:      core.SeverityWarning,
		ActualValue:   900, BaselineValue: 300, ViolationMultiplier: 3,
		Message:     op + " is slow",
		SourceKind:  "anomaly",
		Fingerprint: core.AlertFingerprint(op, core.AlertStatisticalOutlier, core.SeverityWarning),
		CreatedAt:   at,
		LastSeen:    at,
	}
}

func testQueueItem(alertID, endpointID string, at time.Time) *core.NotificationQueueItem {
	return &core.NotificationQueueItem{
		ID: uuid.NewString(), AlertID: alertID, EndpointID: endpointID,
		Severity: core.SeverityWarning, Format: core.FormatJSON, Body: []byte(`{"ok":true}`),
		Status: core.NotificationPending, MaxRetries: 3, CreatedAt: at, NextAttemptAt: at,
	}
}

func TestInsertAlertDeduplicated(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	ep := storeTestEndpoint(t, db, "ops")

	first := testAlert("commit", testEpoch)
	existing, err := db.InsertAlertDeduplicated(ctx, first, []*core.NotificationQueueItem{testQueueItem(first.ID, ep, testEpoch)}, testEpoch.Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, existing)

	dup := testAlert("commit", testEpoch.Add(10*time.Minute))
	existing, err = db.InsertAlertDeduplicated(ctx, dup, []*core.NotificationQueueItem{testQueueItem(dup.ID, ep, dup.CreatedAt)}, dup.CreatedAt.Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)
	assert.Equal(t, 1, existing.DuplicateCount)

	_, err = db.GetAlert(ctx, dup.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	items, err := db.UnsentItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1, "a duplicate enqueues nothing")

	stored, err := db.GetAlert(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastSeen.Equal(dup.CreatedAt))

	// outside the window a new alert is created
	late := testAlert("commit", testEpoch.Add(3*time.Hour))
	existing, err = db.InsertAlertDeduplicated(ctx, late, nil, late.CreatedAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, existing)
}

func TestAcknowledgeAlert(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	a := testAlert("commit", testEpoch)
	_, err := db.InsertAlertDeduplicated(ctx, a, nil, testEpoch)
	require.NoError(t, err)

	pending, err := db.PendingAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, db.AcknowledgeAlert(ctx, a.ID, "alice", testEpoch.Add(time.Minute)))
	require.NoError(t, db.AcknowledgeAlert(ctx, a.ID, "bob", testEpoch.Add(2*time.Minute)))

	got, err := db.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Acknowledged)
	assert.Equal(t, "alice", got.AcknowledgedBy)
	require.NotNil(t, got.AcknowledgedAt)

	pending, err = db.PendingAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, db.AcknowledgeAlert(ctx, "missing", "alice", testEpoch), ErrNotFound)

	// an acknowledged alert no longer absorbs duplicates
	again := testAlert("commit", testEpoch.Add(5*time.Minute))
	existing, err := db.InsertAlertDeduplicated(ctx, again, nil, testEpoch)
	require.NoError(t, err)
	assert.Nil(t, existing)
}

func TestSuppressions(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, db.InsertSuppression(ctx, &core.AlertSuppression{
			ID: uuid.NewString(), OperationType: "commit", AlertType: core.AlertStatisticalOutlier,
			Severity: core.SeverityInfo, SnoozeID: "sn-1", Message: "quiet", SuppressedAt: testEpoch,
		}))
	}
	n, err := db.CountSuppressions(ctx, "sn-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestQueueClaimAndComplete(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	ep := storeTestEndpoint(t, db, "ops")
	a := testAlert("commit", testEpoch)
	item := testQueueItem(a.ID, ep, testEpoch)
	_, err := db.InsertAlertDeduplicated(ctx, a, []*core.NotificationQueueItem{item}, testEpoch)
	require.NoError(t, err)

	due, err := db.DueItems(ctx, testEpoch, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, []byte(`{"ok":true}`), due[0].Body)

	ok, err := db.ClaimItem(ctx, item.ID, "w1", testEpoch, testEpoch.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = db.ClaimItem(ctx, item.ID, "w2", testEpoch, testEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "claimed items cannot be claimed twice")

	due, err = db.DueItems(ctx, testEpoch, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// retry path
	item.Status = core.NotificationRetrying
	item.RetryCount = 1
	item.LastError = "status 503"
	item.NextAttemptAt = testEpoch.Add(2 * time.Second)
	require.NoError(t, db.CompleteAttempt(ctx, item, "w1", &core.DeliveryLog{
		ID: uuid.NewString(), ItemID: item.ID, EndpointID: ep, Attempt: 1, StatusCode: 503,
		LatencyMs: 40, Error: "status 503", AttemptedAt: testEpoch,
	}))

	err = db.CompleteAttempt(ctx, item, "w1", nil)
	assert.ErrorIs(t, err, core.ErrConcurrencyConflict, "the claim was released")

	due, err = db.DueItems(ctx, testEpoch, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "not due before backoff elapses")

	later := testEpoch.Add(3 * time.Second)
	ok, err = db.ClaimItem(ctx, item.ID, "w3", later, later.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	item.Status = core.NotificationSent
	item.SentAt = &later
	require.NoError(t, db.CompleteAttempt(ctx, item, "w3", &core.DeliveryLog{
		ID: uuid.NewString(), ItemID: item.ID, EndpointID: ep, Attempt: 2, Success: true, StatusCode: 200,
		LatencyMs: 20, AttemptedAt: later,
	}))

	stored, err := db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, core.NotificationSent, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Empty(t, stored.ClaimToken)
	require.NotNil(t, stored.SentAt)

	logs, err := db.DeliveryLogFor(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.False(t, logs[0].Success)
	assert.True(t, logs[1].Success)

	stats, err := db.DeliveryStats(ctx, testEpoch.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Attempts)
	assert.Equal(t, 1, stats[0].Successes)
	assert.InDelta(t, 0.5, stats[0].SuccessRate, 1e-9)
	assert.InDelta(t, 30, stats[0].AvgLatencyMs, 1e-9)

	depth, err := db.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[core.NotificationStatus]int{core.NotificationSent: 1}, depth)

	unsent, err := db.UnsentItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsent)

	forAlert, err := db.ItemsForAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, forAlert, 1)
}

func TestSnoozes(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	exact := &core.Snooze{ID: "exact", OperationType: "commit", AlertType: string(core.AlertStatisticalOutlier),
		SnoozeUntil: testEpoch.Add(time.Hour), IsActive: true, CreatedAt: testEpoch}
	wild := &core.Snooze{ID: "wild", OperationType: core.Wildcard, AlertType: core.Wildcard,
		SnoozeUntil: testEpoch.Add(5 * time.Hour), Reason: "maintenance", CreatedBy: "ops", IsActive: true, CreatedAt: testEpoch}
	expired := &core.Snooze{ID: "expired", OperationType: "search", AlertType: core.Wildcard,
		SnoozeUntil: testEpoch.Add(-time.Minute), IsActive: true, CreatedAt: testEpoch.Add(-time.Hour)}
	for _, sn := range []*core.Snooze{exact, wild, expired} {
		require.NoError(t, db.CreateSnooze(ctx, sn))
	}

	got, err := db.FindMatchingSnooze(ctx, "commit", core.AlertStatisticalOutlier, testEpoch)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "exact", got.ID, "exact match preferred over wildcard")

	got, err = db.FindMatchingSnooze(ctx, "search", core.AlertThresholdExceeded, testEpoch)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "wild", got.ID)
	assert.Equal(t, "maintenance", got.Reason)

	active, err := db.ListSnoozes(ctx, true, testEpoch)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	all, err := db.ListSnoozes(ctx, false, testEpoch)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, db.RevokeSnooze(ctx, "wild"))
	assert.ErrorIs(t, db.RevokeSnooze(ctx, "missing"), ErrNotFound)

	got, err = db.FindMatchingSnooze(ctx, "search", core.AlertThresholdExceeded, testEpoch)
	require.NoError(t, err)
	assert.Nil(t, got)

	revoked, err := db.GetSnooze(ctx, "wild")
	require.NoError(t, err)
	assert.False(t, revoked.IsActive)
	_, err = db.GetSnooze(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = db.FindMatchingSnooze(ctx, "commit", core.AlertStatisticalOutlier, testEpoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got, "a snooze ends at snooze_until")
}

func TestEndpointsAndRoutingRules(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	id := storeTestEndpoint(t, db, "ops")
	sameID := storeTestEndpoint(t, db, "ops")
	assert.Equal(t, id, sameID, "type and name identify an endpoint")
	other := storeTestEndpoint(t, db, "dev")

	all, err := db.ListEndpoints(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "dev", all[0].Name)

	require.NoError(t, db.SetEndpointEnabled(ctx, other, false, testEpoch))
	enabled, err := db.ListEndpoints(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, id, enabled[0].ID)
	assert.ErrorIs(t, db.SetEndpointEnabled(ctx, "missing", true, testEpoch), ErrNotFound)

	require.NoError(t, db.RecordEndpointTest(ctx, id, false, "status 404", testEpoch))
	ep, err := db.GetEndpoint(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, ep.LastTestOK)
	assert.False(t, *ep.LastTestOK)
	assert.Equal(t, "status 404", ep.LastTestError)
	assert.Equal(t, []byte("ciphertext"), ep.EncryptedURL)
	assert.ErrorIs(t, db.RecordEndpointTest(ctx, "missing", true, "", testEpoch), ErrNotFound)

	rules := []core.RoutingRule{
		{ID: "r1", AlertType: core.Wildcard, Severity: core.SeverityCritical, EndpointID: id},
		{ID: "r2", AlertType: string(core.AlertStatisticalOutlier), Severity: core.SeverityWarning, EndpointID: other},
	}
	require.NoError(t, db.ReplaceRoutingRules(ctx, rules))
	got, err := db.RoutingRules(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, rules, got)

	err = db.ReplaceRoutingRules(ctx, []core.RoutingRule{{ID: "r3", AlertType: core.Wildcard, Severity: core.SeverityInfo, EndpointID: "missing"}})
	assert.Error(t, err, "rules must reference a stored endpoint")
	got, err = db.RoutingRules(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2, "a failed replace keeps the old table")

	require.NoError(t, db.ReplaceRoutingRules(ctx, nil))
	got, err = db.RoutingRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInsertAnomalies_SkipsRecordedBucket(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	bucket := testEpoch.Add(-15 * time.Minute)

	combined := func(id string) core.Anomaly {
		return core.Anomaly{ID: id, OperationType: "read_object", Method: core.MethodCombined, ZScore: 6,
			DegradationRatio: 3.1, ObservedValue: 310, BaselineValue: 100, Severity: core.SeverityCritical,
			BucketStart: &bucket, DetectedAt: testEpoch}
	}
	unbucketed := func(id string) core.Anomaly {
		return core.Anomaly{ID: id, OperationType: "read_object", Method: core.MethodStatistical, ZScore: 4,
			ObservedValue: 500, BaselineValue: 100, Severity: core.SeverityWarning, DetectedAt: testEpoch}
	}

	first, err := db.InsertAnomalies(ctx, []core.Anomaly{combined("c1"), unbucketed("s1")})
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := db.InsertAnomalies(ctx, []core.Anomaly{combined("c2"), unbucketed("s2")})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "s2", second[0].ID)

	all, err := db.RecentAnomalies(ctx, "read_object", testEpoch, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAnomaliesAndCorrelations(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	bucket := testEpoch.Add(-5 * time.Minute)

	stored, err := db.InsertAnomalies(ctx, []core.Anomaly{
		{ID: "a1", OperationType: "commit", Method: core.MethodStatistical, ZScore: 4.2, ObservedValue: 900,
			BaselineValue: 300, BaselineID: "b1", Severity: core.SeverityWarning, DetectedAt: testEpoch},
		{ID: "a2", OperationType: "search", Method: core.MethodDegradation, DegradationRatio: 2.5,
			ObservedValue: 250, BaselineValue: 100, Severity: core.SeverityWarning, BucketStart: &bucket,
			DetectedAt: testEpoch.Add(time.Minute)},
	})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	stored, err = db.InsertAnomalies(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, stored)

	all, err := db.RecentAnomalies(ctx, "", testEpoch, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a2", all[0].ID)
	require.NotNil(t, all[0].BucketStart)
	assert.True(t, all[0].BucketStart.Equal(bucket))
	assert.Nil(t, all[1].BucketStart)

	commit, err := db.RecentAnomalies(ctx, "commit", testEpoch, 10)
	require.NoError(t, err)
	require.Len(t, commit, 1)
	assert.Equal(t, 4.2, commit[0].ZScore)

	require.NoError(t, db.InsertCorrelations(ctx, []core.Correlation{{
		ID: "c1", OperationA: "commit", OperationB: "search", Coefficient: 0.91, SampleCount: 24,
		Bottleneck: "storage", Recommendation: "check disk", Confidence: 0.8,
		WindowStart: testEpoch.Add(-24 * time.Hour), WindowEnd: testEpoch, CreatedAt: testEpoch,
	}}))
	corr, err := db.LatestCorrelations(ctx, 5)
	require.NoError(t, err)
	require.Len(t, corr, 1)
	assert.Equal(t, "storage", corr[0].Bottleneck)
	assert.True(t, corr[0].WindowStart.Equal(testEpoch.Add(-24*time.Hour)))
}
