package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"perfwatch/core"
)

const baselineColumns = `id, operation_type, p50, p75, p90, p95, p99, min_value, max_value, mean, stddev,
	sample_count, lookback_days, alert_threshold_multiplier, is_active, calculated_at, deactivated_at`

func scanBaseline(row rowScanner) (*core.Baseline, error) {
	var (
		b             core.Baseline
		isActive      int
		calculatedAt  int64
		deactivatedAt sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.OperationType, &b.P50, &b.P75, &b.P90, &b.P95, &b.P99,
		&b.Min, &b.Max, &b.Mean, &b.StdDev, &b.SampleCount, &b.LookbackDays,
		&b.AlertThresholdMultiplier, &isActive, &calculatedAt, &deactivatedAt)
	if err != nil {
		return nil, err
	}
	b.IsActive = isActive == 1
	b.CalculatedAt = fromNanos(calculatedAt)
	b.DeactivatedAt = fromNullNanos(deactivatedAt)
	return &b, nil
}

// ActiveBaseline returns the active baseline for op or ErrNotFound
func (s *SQLite) ActiveBaseline(ctx context.Context, operationType string) (*core.Baseline, error) {
	row := s.ReadDB.QueryRowContext(ctx,
		`SELECT `+baselineColumns+` FROM baselines WHERE operation_type = ? AND is_active = 1`, operationType)
	b, err := scanBaseline(row)
	if err != nil {
		return nil, notFound(err, "active baseline for", operationType)
	}
	return b, nil
}

// ActiveBaselines returns every active baseline ordered by operation type
func (s *SQLite) ActiveBaselines(ctx context.Context) ([]*core.Baseline, error) {
	rows, err := s.ReadDB.QueryContext(ctx,
		`SELECT `+baselineColumns+` FROM baselines WHERE is_active = 1 ORDER BY operation_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active baselines: %w", err)
	}
	defer rows.Close()

	var out []*core.Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan baseline: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBaseline returns a baseline by id, active or retired
func (s *SQLite) GetBaseline(ctx context.Context, id string) (*core.Baseline, error) {
	row := s.ReadDB.QueryRowContext(ctx, `SELECT `+baselineColumns+` FROM baselines WHERE id = ?`, id)
	b, err := scanBaseline(row)
	if err != nil {
		return nil, notFound(err, "baseline", id)
	}
	return b, nil
}

// SwapBaseline retires the current active baseline (if any), inserts next as
// active and appends the history row, all in one transaction. Readers see
// either the old or the new baseline, never neither or both.
func (s *SQLite) SwapBaseline(ctx context.Context, next *core.Baseline, history *core.BaselineHistory) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE baselines SET is_active = 0, deactivated_at = ?
			WHERE operation_type = ? AND is_active = 1`,
			toNanos(next.CalculatedAt), next.OperationType); err != nil {
			return fmt.Errorf("failed to retire baseline for %s: %w", next.OperationType, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO baselines (`+baselineColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, NULL)`,
			next.ID, next.OperationType, next.P50, next.P75, next.P90, next.P95, next.P99,
			next.Min, next.Max, next.Mean, next.StdDev, next.SampleCount, next.LookbackDays,
			next.AlertThresholdMultiplier, toNanos(next.CalculatedAt)); err != nil {
			return fmt.Errorf("failed to insert baseline for %s: %w", next.OperationType, err)
		}

		if history != nil {
			var oldID sql.NullString
			if history.OldBaselineID != "" {
				oldID = sql.NullString{String: history.OldBaselineID, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO baseline_history (id, operation_type, old_baseline_id, new_baseline_id,
					old_p99, new_p99, percent_change, sample_count, reason, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				history.ID, history.OperationType, oldID, history.NewBaselineID,
				history.OldP99, history.NewP99, history.PercentChange, history.SampleCount,
				string(history.Reason), toNanos(history.CreatedAt)); err != nil {
				return fmt.Errorf("failed to append baseline history for %s: %w", next.OperationType, err)
			}
		}

		next.IsActive = true
		next.DeactivatedAt = nil
		return nil
	})
}

// BaselineHistory returns the newest history rows for op, newest first
func (s *SQLite) BaselineHistory(ctx context.Context, operationType string, limit int) ([]core.BaselineHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT id, operation_type, COALESCE(old_baseline_id, ''), new_baseline_id, old_p99, new_p99,
			percent_change, sample_count, reason, created_at
		FROM baseline_history WHERE operation_type = ?
		ORDER BY created_at DESC LIMIT ?`, operationType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline history: %w", err)
	}
	defer rows.Close()

	var out []core.BaselineHistory
	for rows.Next() {
		var (
			h         core.BaselineHistory
			reason    string
			createdAt int64
		)
		if err := rows.Scan(&h.ID, &h.OperationType, &h.OldBaselineID, &h.NewBaselineID, &h.OldP99,
			&h.NewP99, &h.PercentChange, &h.SampleCount, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan baseline history: %w", err)
		}
		h.Reason = core.RecalcReason(reason)
		h.CreatedAt = fromNanos(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountBaselines returns (active, total) baseline counts for op; used by health views
func (s *SQLite) CountBaselines(ctx context.Context, operationType string) (active int, total int, err error) {
	err = s.ReadDB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(is_active), 0), COUNT(*) FROM baselines WHERE operation_type = ?`,
		operationType).Scan(&active, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count baselines: %w", err)
	}
	return active, total, nil
}

// AcquireExecution inserts a RUNNING execution row for op unless another
// RUNNING row for op started after staleBefore. The conditional insert runs on
// the single writer connection, so two callers cannot both acquire.
func (s *SQLite) AcquireExecution(ctx context.Context, id, operationType string, startedAt, staleBefore time.Time) (bool, error) {
	res, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO recalc_executions (id, operation_type, status, started_at)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM recalc_executions
			WHERE operation_type = ? AND status = ? AND started_at > ?
		)`,
		id, operationType, string(core.ExecutionRunning), toNanos(startedAt),
		operationType, string(core.ExecutionRunning), toNanos(staleBefore))
	if err != nil {
		return false, fmt.Errorf("failed to acquire execution for %s: %w", operationType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read acquire result: %w", err)
	}
	return n == 1, nil
}

// FinishExecution records the final state of an execution row
func (s *SQLite) FinishExecution(ctx context.Context, exec *core.RecalcExecution) error {
	_, err := s.WriteDB.ExecContext(ctx, `
		UPDATE recalc_executions
		SET status = ?, outcome = ?, ended_at = ?, duration_ms = ?, records_affected = ?, error_detail = ?
		WHERE id = ?`,
		string(exec.Status), exec.Outcome, nullNanos(exec.EndedAt), exec.DurationMs,
		exec.RecordsAffected, exec.ErrorDetail, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to finish execution %s: %w", exec.ID, err)
	}
	return nil
}

// InsertExecution writes a complete execution row (used for units that never took the lease)
func (s *SQLite) InsertExecution(ctx context.Context, exec *core.RecalcExecution) error {
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO recalc_executions (id, operation_type, status, outcome, started_at, ended_at,
			duration_ms, records_affected, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.OperationType, string(exec.Status), exec.Outcome, toNanos(exec.StartedAt),
		nullNanos(exec.EndedAt), exec.DurationMs, exec.RecordsAffected, exec.ErrorDetail)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// RecentExecutions lists the newest execution rows
func (s *SQLite) RecentExecutions(ctx context.Context, limit int) ([]core.RecalcExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT id, operation_type, status, COALESCE(outcome, ''), started_at, ended_at,
			duration_ms, records_affected, COALESCE(error_detail, '')
		FROM recalc_executions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []core.RecalcExecution
	for rows.Next() {
		var (
			e         core.RecalcExecution
			status    string
			startedAt int64
			endedAt   sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.OperationType, &status, &e.Outcome, &startedAt, &endedAt,
			&e.DurationMs, &e.RecordsAffected, &e.ErrorDetail); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Status = core.ExecutionStatus(status)
		e.StartedAt = fromNanos(startedAt)
		e.EndedAt = fromNullNanos(endedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
