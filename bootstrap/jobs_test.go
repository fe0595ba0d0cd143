package bootstrap

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"perfwatch/config"
	"perfwatch/core"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var jobsNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newJobsApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PERFWATCH_VAULT_KEY_K1", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("data_paths:\n  data_dir: "+filepath.Join(dir, "data")+"\n"), 0o600))

	cfg, err := config.LoadConfigFrom(cfgPath)
	require.NoError(t, err)
	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t), Options{Clock: core.NewManualClock(jobsNow)})
	require.NoError(t, err)
	t.Cleanup(func() { app.Storage.Close(app.Sugar) })
	return app
}

func countAlerts(t *testing.T, app *App) int {
	t.Helper()
	var n int
	require.NoError(t, app.Storage.SQLite.ReadDB.QueryRow("SELECT COUNT(*) FROM alerts").Scan(&n))
	return n
}

func TestRunAnomalyJob_RescanDoesNotRealert(t *testing.T) {
	app := newJobsApp(t)
	ctx := context.Background()
	db := app.Storage.SQLite

	b := core.Baseline{
		ID: uuid.New().String(), OperationType: "read_object",
		Min: 5000, P50: 9000, P75: 10000, P90: 11000, P95: 11500, P99: 12000, Max: 13000,
		Mean: 10000, StdDev: 1000, SampleCount: 500, LookbackDays: 7, AlertThresholdMultiplier: 2.5,
		CalculatedAt: jobsNow.Add(-time.Hour),
	}
	require.NoError(t, db.SwapBaseline(ctx, &b, nil))

	samples := make([]core.MetricSample, 12)
	for i := range samples {
		samples[i] = core.MetricSample{
			OperationType:  "read_object",
			DurationMicros: 40000,
			Timestamp:      jobsNow.Add(-15*time.Minute + time.Duration(i)*time.Second),
		}
	}
	require.NoError(t, db.RecordSamples(ctx, samples))

	_, err := app.runAnomalyJob(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, countAlerts(t, app))

	pending, err := app.Pipeline.PendingAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = app.Pipeline.Acknowledge(ctx, pending[0].ID, "oncall")
	require.NoError(t, err)

	// the same bucket is still inside the lookback window
	_, err = app.runAnomalyJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, countAlerts(t, app))

	anomalies, err := db.RecentAnomalies(ctx, "read_object", jobsNow.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, anomalies, 1)
}
