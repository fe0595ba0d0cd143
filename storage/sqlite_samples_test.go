package storage

import (
	"context"
	"testing"
	"time"

	"perfwatch/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleRun returns n samples for op, one per minute starting at start
func sampleRun(op string, start time.Time, n int, duration float64) []core.MetricSample {
	out := make([]core.MetricSample, n)
	for i := range out {
		out[i] = core.MetricSample{
			OperationType:  op,
			DurationMicros: duration + float64(i),
			Actor:          "user-1",
			Timestamp:      start.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestRecordSamples_RegistersOperationTypes(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, db.RecordSamples(ctx, append(sampleRun("commit", testEpoch, 3, 100), sampleRun("search", testEpoch, 2, 50)...)))
	require.NoError(t, db.RecordSample(ctx, core.MetricSample{OperationType: "commit", DurationMicros: 1, Timestamp: testEpoch}))

	ops, err := db.TrackedOperationTypes(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "commit", ops[0].Name)
	assert.Equal(t, core.CategoryOther, ops[0].Category)
	assert.True(t, ops[0].Tracked)
	assert.Equal(t, "search", ops[1].Name)
}

func TestRecordSamples_RejectsInvalidBatchAtomically(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	batch := sampleRun("commit", testEpoch, 2, 100)
	batch = append(batch, core.MetricSample{OperationType: "commit", DurationMicros: -1, Timestamp: testEpoch})
	err := db.RecordSamples(ctx, batch)
	assert.ErrorIs(t, err, core.ErrInvalidParameter)

	err = db.RecordSamples(ctx, []core.MetricSample{{DurationMicros: 1, Timestamp: testEpoch}})
	assert.ErrorIs(t, err, core.ErrInvalidParameter)

	got, err := db.SampleDurations(ctx, "commit", testEpoch.Add(-time.Hour), testEpoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.NoError(t, db.RecordSamples(ctx, nil))
}

func TestSampleDurations_WindowIsInclusive(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, db.RecordSamples(ctx, sampleRun("commit", testEpoch, 10, 100)))

	got, err := db.SampleDurations(ctx, "commit", testEpoch.Add(2*time.Minute), testEpoch.Add(5*time.Minute))
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{102, 103, 104, 105}, got)

	samples, err := db.Samples(ctx, "commit", testEpoch, testEpoch.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "user-1", samples[0].Actor)
	assert.True(t, samples[0].Timestamp.Equal(testEpoch))
	assert.True(t, samples[1].Timestamp.After(samples[0].Timestamp))

	none, err := db.SampleDurations(ctx, "unknown", testEpoch, testEpoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBucketMeans(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	// 10 samples one minute apart: two five-minute buckets
	require.NoError(t, db.RecordSamples(ctx, sampleRun("commit", testEpoch, 10, 100)))

	buckets, err := db.BucketMeans(ctx, "commit", testEpoch, testEpoch.Add(time.Hour), GranularityFiveMinutes)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.True(t, buckets[0].Start.Equal(testEpoch))
	assert.Equal(t, 5, buckets[0].Count)
	assert.InDelta(t, 102, buckets[0].Mean, 1e-9)
	assert.True(t, buckets[1].Start.Equal(testEpoch.Add(5*time.Minute)))
	assert.InDelta(t, 107, buckets[1].Mean, 1e-9)
}

func TestEnsureOperationTypes(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, db.RegisterOperationType(ctx, core.OperationType{Name: "commit", Tracked: true, Category: core.CategoryWrite}))

	added, err := db.EnsureOperationTypes(ctx, []string{"commit", "search", "", "merge"}, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	ops, err := db.TrackedOperationTypes(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, core.CategoryWrite, ops[0].Category, "existing settings are kept")
}

func TestRegisterOperationType_Untracked(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, db.RegisterOperationType(ctx, core.OperationType{Name: "gc", Tracked: true}))
	require.NoError(t, db.RegisterOperationType(ctx, core.OperationType{Name: "gc", Tracked: false}))

	ops, err := db.TrackedOperationTypes(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestPurgeSamplesBefore(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, db.RecordSamples(ctx, sampleRun("commit", testEpoch, 10, 100)))

	n, err := db.PurgeSamplesBefore(ctx, testEpoch.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	left, err := db.SampleDurations(ctx, "commit", testEpoch, testEpoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, left, 6)
}
