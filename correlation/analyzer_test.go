package correlation

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"perfwatch/config"
	"perfwatch/core"
	"perfwatch/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	raised     []core.Correlation
	severities []core.Severity
}

func (s *recordingSink) RaiseCorrelation(ctx context.Context, c core.Correlation, severity core.Severity) error {
	s.raised = append(s.raised, c)
	s.severities = append(s.severities, severity)
	return nil
}

func testConfig() config.CorrelationConfig {
	return config.CorrelationConfig{
		LookbackHours:        24,
		Granularity:          "5m",
		MinSamples:           10,
		Threshold:            0.75,
		ConfidenceSaturation: 50,
		RaiseAlerts:          true,
	}
}

func newTestAnalyzer(t *testing.T) (*Analyzer, *storage.SQLite, *recordingSink) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "correlation.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a := NewAnalyzer(db, db, config.DefaultRules(), testConfig(), core.NewManualClock(testNow), logger)
	sink := &recordingSink{}
	a.SetAlertSink(sink)
	return a, db, sink
}

func installBaseline(t *testing.T, db *storage.SQLite, op string, mean float64) {
	t.Helper()
	b := &core.Baseline{
		ID:            uuid.New().String(),
		OperationType: op,
		Min:           mean / 2, P50: mean, P75: mean, P90: mean, P95: mean, P99: mean * 1.5, Max: mean * 2,
		Mean: mean, StdDev: mean / 10, SampleCount: 100, LookbackDays: 7,
		AlertThresholdMultiplier: 2.5, CalculatedAt: testNow.Add(-24 * time.Hour),
	}
	require.NoError(t, db.SwapBaseline(context.Background(), b, nil))
}

// seedSeries writes one sample per 5m bucket, newest bucket last
func seedSeries(t *testing.T, db *storage.SQLite, op string, values []float64) {
	t.Helper()
	samples := make([]core.MetricSample, len(values))
	for i, v := range values {
		bucket := testNow.Add(-time.Duration(len(values)-i) * 5 * time.Minute)
		samples[i] = core.MetricSample{OperationType: op, DurationMicros: v, Timestamp: bucket.Add(time.Minute)}
	}
	require.NoError(t, db.RecordSamples(context.Background(), samples))
}

func trend(base float64, n int, jitter float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base * (1 + 0.1*float64(i)) * (1 + jitter*float64(i%2))
	}
	return out
}

func TestAnalyze_SharedWritePath(t *testing.T) {
	a, db, sink := newTestAnalyzer(t)
	ctx := context.Background()

	installBaseline(t, db, "commit", 10000)
	installBaseline(t, db, "merge_branches", 20000)
	installBaseline(t, db, "read_object", 5000)
	installBaseline(t, db, "cache_lookup", 1000)

	seedSeries(t, db, "commit", trend(10000, 12, 0))
	seedSeries(t, db, "merge_branches", trend(20000, 12, 0.02))
	alternating := make([]float64, 12)
	for i := range alternating {
		alternating[i] = 5000 * float64(1+i%2)
	}
	seedSeries(t, db, "read_object", alternating)
	seedSeries(t, db, "cache_lookup", []float64{1000, 1500, 2000})

	report, err := a.Analyze(ctx, 0, "")
	require.NoError(t, err)

	// every pair involving cache_lookup has only 3 aligned buckets
	assert.Equal(t, 3, report.PairsSkipped)
	assert.Equal(t, 3, report.PairsEvaluated)
	require.Len(t, report.Correlations, 1)

	c := report.Correlations[0]
	assert.Equal(t, "commit", c.OperationA)
	assert.Equal(t, "merge_branches", c.OperationB)
	assert.GreaterOrEqual(t, c.Coefficient, 0.9)
	assert.Equal(t, 12, c.SampleCount)
	assert.Equal(t, "shared_write_path_saturation", c.Bottleneck)
	assert.NotEmpty(t, c.Recommendation)
	assert.InDelta(t, 12.0/50.0*c.Coefficient, c.Confidence, 1e-9)

	stored, err := db.LatestCorrelations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, c.ID, stored[0].ID)

	require.Len(t, sink.raised, 1)
	assert.Equal(t, core.SeverityCritical, sink.severities[0])
}

func TestAnalyze_GenericPairNotRaised(t *testing.T) {
	a, db, sink := newTestAnalyzer(t)

	installBaseline(t, db, "alpha", 1000)
	installBaseline(t, db, "beta", 3000)
	seedSeries(t, db, "alpha", trend(1000, 12, 0))
	seedSeries(t, db, "beta", trend(3000, 12, 0))

	report, err := a.Analyze(context.Background(), 24, "5m")
	require.NoError(t, err)
	require.Len(t, report.Correlations, 1)
	assert.Equal(t, "shared_resource_contention", report.Correlations[0].Bottleneck)
	assert.Empty(t, sink.raised)
}

func TestAnalyze_TypesWithoutBaselineIgnored(t *testing.T) {
	a, db, _ := newTestAnalyzer(t)

	installBaseline(t, db, "commit", 10000)
	seedSeries(t, db, "commit", trend(10000, 12, 0))
	seedSeries(t, db, "merge_branches", trend(20000, 12, 0))

	report, err := a.Analyze(context.Background(), 24, "5m")
	require.NoError(t, err)
	assert.Zero(t, report.PairsEvaluated)
	assert.Empty(t, report.Correlations)
}

func TestAnalyze_InvalidArguments(t *testing.T) {
	a, _, _ := newTestAnalyzer(t)

	_, err := a.Analyze(context.Background(), 24, "10s")
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))

	_, err = a.Analyze(context.Background(), 1000, "5m")
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))
}

func TestPearson(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}

	assert.InDelta(t, 1.0, Pearson(x, []float64{2, 4, 6, 8, 10}), 1e-12)
	assert.InDelta(t, -1.0, Pearson(x, []float64{5, 4, 3, 2, 1}), 1e-12)
	assert.Equal(t, 0.0, Pearson(x, []float64{3, 3, 3, 3, 3}))
	assert.Equal(t, 0.0, Pearson(x, []float64{1, 2}))
	assert.Equal(t, 0.0, Pearson(nil, nil))

	r := Pearson([]float64{1, 2, 3, 4, 5, 6}, []float64{1.1, 1.9, 3.2, 3.8, 5.1, 6.3})
	assert.True(t, r > 0.99 && r <= 1)
}

func TestConfidence(t *testing.T) {
	assert.InDelta(t, 0.4, Confidence(25, 50, 0.8), 1e-12)
	assert.InDelta(t, 0.8, Confidence(200, 50, -0.8), 1e-12)
	assert.False(t, math.IsNaN(Confidence(10, 0, 0.5)))
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, core.SeverityWarning, SeverityFor(0.8))
	assert.Equal(t, core.SeverityCritical, SeverityFor(0.9))
	assert.Equal(t, core.SeverityCritical, SeverityFor(-0.95))
}

func TestAlign(t *testing.T) {
	a := map[int64]float64{1: 10, 2: 20, 3: 30}
	b := map[int64]float64{3: 3, 1: 1, 4: 4}

	x, y := align(a, b)
	assert.Equal(t, []float64{10, 30}, x)
	assert.Equal(t, []float64{1, 3}, y)
}
