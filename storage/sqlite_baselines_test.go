package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"perfwatch/core"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBaseline(op string, p99 float64, at time.Time) *core.Baseline {
	return &core.Baseline{
		ID:            uuid.NewString(),
		OperationType: op,
		P50:           p99 / 4, P75: p99 / 3, P90: p99 / 2, P95: p99 * 0.8, P99: p99,
		Min: 1, Max: p99 * 2, Mean: p99 / 3, StdDev: p99 / 10,
		SampleCount: 120, LookbackDays: 7, AlertThresholdMultiplier: 2,
		CalculatedAt: at,
	}
}

func TestSwapBaseline_KeepsOneActive(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	_, err := db.ActiveBaseline(ctx, "commit")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, core.ErrNotFound)

	first := testBaseline("commit", 400, testEpoch)
	require.NoError(t, db.SwapBaseline(ctx, first, &core.BaselineHistory{
		ID: uuid.NewString(), OperationType: "commit", NewBaselineID: first.ID,
		NewP99: 400, SampleCount: 120, Reason: core.ReasonScheduled, CreatedAt: testEpoch,
	}))
	assert.True(t, first.IsActive)

	second := testBaseline("commit", 500, testEpoch.Add(time.Hour))
	require.NoError(t, db.SwapBaseline(ctx, second, &core.BaselineHistory{
		ID: uuid.NewString(), OperationType: "commit", OldBaselineID: first.ID, NewBaselineID: second.ID,
		OldP99: 400, NewP99: 500, PercentChange: 25, SampleCount: 120, Reason: core.ReasonManual,
		CreatedAt: testEpoch.Add(time.Hour),
	}))

	active, err := db.ActiveBaseline(ctx, "commit")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, core.BaselineActive, active.State())
	assert.True(t, active.CalculatedAt.Equal(second.CalculatedAt))

	retired, err := db.GetBaseline(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, retired.IsActive)
	require.NotNil(t, retired.DeactivatedAt)
	assert.True(t, retired.DeactivatedAt.Equal(second.CalculatedAt))

	activeCount, total, err := db.CountBaselines(ctx, "commit")
	require.NoError(t, err)
	assert.Equal(t, 1, activeCount)
	assert.Equal(t, 2, total)

	history, err := db.BaselineHistory(ctx, "commit", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].NewBaselineID, "newest first")
	assert.Equal(t, first.ID, history[0].OldBaselineID)
	assert.Equal(t, core.ReasonManual, history[0].Reason)
	assert.Empty(t, history[1].OldBaselineID)

	limited, err := db.BaselineHistory(ctx, "commit", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSwapBaseline_FailedHistoryRollsBack(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	first := testBaseline("commit", 400, testEpoch)
	require.NoError(t, db.SwapBaseline(ctx, first, nil))

	second := testBaseline("commit", 500, testEpoch.Add(time.Hour))
	// duplicate history id violates the primary key after the new row is inserted
	dup := uuid.NewString()
	require.NoError(t, db.SwapBaseline(ctx, testBaseline("search", 10, testEpoch), &core.BaselineHistory{
		ID: dup, OperationType: "search", NewBaselineID: first.ID, Reason: core.ReasonScheduled, CreatedAt: testEpoch,
	}))
	err := db.SwapBaseline(ctx, second, &core.BaselineHistory{
		ID: dup, OperationType: "commit", NewBaselineID: second.ID, Reason: core.ReasonScheduled, CreatedAt: testEpoch,
	})
	require.Error(t, err)

	active, err := db.ActiveBaseline(ctx, "commit")
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID, "old baseline stays active")
	_, err = db.GetBaseline(ctx, second.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestActiveBaselines(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, db.SwapBaseline(ctx, testBaseline("search", 100, testEpoch), nil))
	require.NoError(t, db.SwapBaseline(ctx, testBaseline("commit", 100, testEpoch), nil))
	require.NoError(t, db.SwapBaseline(ctx, testBaseline("commit", 200, testEpoch.Add(time.Minute)), nil))

	all, err := db.ActiveBaselines(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "commit", all[0].OperationType)
	assert.Equal(t, 200.0, all[0].P99)
	assert.Equal(t, "search", all[1].OperationType)
}

func TestAcquireExecution(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	stale := 10 * time.Minute

	ok, err := db.AcquireExecution(ctx, "e1", "commit", testEpoch, testEpoch.Add(-stale))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.AcquireExecution(ctx, "e2", "commit", testEpoch.Add(time.Minute), testEpoch.Add(time.Minute-stale))
	require.NoError(t, err)
	assert.False(t, ok, "a fresh RUNNING row blocks a second run")

	ok, err = db.AcquireExecution(ctx, "e3", "search", testEpoch, testEpoch.Add(-stale))
	require.NoError(t, err)
	assert.True(t, ok, "other operation types are independent")

	// a RUNNING row older than the stale cutoff no longer blocks
	later := testEpoch.Add(stale + time.Minute)
	ok, err = db.AcquireExecution(ctx, "e4", "commit", later, later.Add(-stale))
	require.NoError(t, err)
	assert.True(t, ok)

	end := testEpoch.Add(2 * time.Second)
	require.NoError(t, db.FinishExecution(ctx, &core.RecalcExecution{
		ID: "e1", Status: core.ExecutionSuccess, Outcome: "recalculated", EndedAt: &end,
		DurationMs: 2000, RecordsAffected: 1,
	}))
	require.NoError(t, db.InsertExecution(ctx, &core.RecalcExecution{
		ID: "e5", OperationType: "gc", Status: core.ExecutionFailed, Outcome: "skipped",
		StartedAt: later.Add(time.Minute), EndedAt: &end, ErrorDetail: "insufficient data",
	}))

	execs, err := db.RecentExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, execs, 4)
	assert.Equal(t, "e5", execs[0].ID)
	assert.Equal(t, "insufficient data", execs[0].ErrorDetail)

	var e1 core.RecalcExecution
	for _, e := range execs {
		if e.ID == "e1" {
			e1 = e
		}
	}
	assert.Equal(t, core.ExecutionSuccess, e1.Status)
	assert.Equal(t, int64(2000), e1.DurationMs)
	require.NotNil(t, e1.EndedAt)
}
