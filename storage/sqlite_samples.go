package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"perfwatch/core"
)

// RegisterOperationType inserts or updates a tracked operation type
func (s *SQLite) RegisterOperationType(ctx context.Context, op core.OperationType) error {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	if op.Category == "" {
		op.Category = core.CategoryOther
	}
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO operation_types (name, tracked, category, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET tracked = excluded.tracked, category = excluded.category`,
		op.Name, boolToInt(op.Tracked), op.Category, toNanos(op.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to register operation type %s: %w", op.Name, err)
	}
	return nil
}

// TrackedOperationTypes lists tracked operation types ordered by name
func (s *SQLite) TrackedOperationTypes(ctx context.Context) ([]core.OperationType, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT name, tracked, category, created_at FROM operation_types
		WHERE tracked = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list operation types: %w", err)
	}
	defer rows.Close()

	var ops []core.OperationType
	for rows.Next() {
		var (
			op        core.OperationType
			tracked   int
			createdAt int64
		)
		if err := rows.Scan(&op.Name, &tracked, &op.Category, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation type: %w", err)
		}
		op.Tracked = tracked == 1
		op.CreatedAt = fromNanos(createdAt)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// EnsureOperationTypes registers names not seen before as tracked with
// category "other". Existing rows keep their settings. Returns how many
// names were new.
func (s *SQLite) EnsureOperationTypes(ctx context.Context, names []string, at time.Time) (int, error) {
	added := 0
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, name := range names {
			if name == "" {
				continue
			}
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO operation_types (name, tracked, category, created_at) VALUES (?, 1, ?, ?)`,
				name, core.CategoryOther, toNanos(at))
			if err != nil {
				return fmt.Errorf("failed to register operation type %s: %w", name, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added++
			}
		}
		return nil
	})
	return added, err
}

// RecordSample appends one sample, registering its operation type on first sight
func (s *SQLite) RecordSample(ctx context.Context, sample core.MetricSample) error {
	return s.RecordSamples(ctx, []core.MetricSample{sample})
}

// RecordSamples appends samples in one transaction
func (s *SQLite) RecordSamples(ctx context.Context, samples []core.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		opStmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO operation_types (name, tracked, category, created_at) VALUES (?, 1, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare operation type insert: %w", err)
		}
		defer opStmt.Close()

		sampleStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO metric_samples (operation_type, duration_us, actor, ts) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare sample insert: %w", err)
		}
		defer sampleStmt.Close()

		seen := make(map[string]bool)
		for _, sm := range samples {
			if sm.OperationType == "" {
				return core.InvalidParameter("sample without operation type")
			}
			if sm.DurationMicros < 0 {
				return core.InvalidParameter("negative duration for %s", sm.OperationType)
			}
			if !seen[sm.OperationType] {
				if _, err := opStmt.ExecContext(ctx, sm.OperationType, core.CategoryOther, toNanos(sm.Timestamp)); err != nil {
					return fmt.Errorf("failed to register operation type %s: %w", sm.OperationType, err)
				}
				seen[sm.OperationType] = true
			}
			if _, err := sampleStmt.ExecContext(ctx, sm.OperationType, sm.DurationMicros, sm.Actor, toNanos(sm.Timestamp)); err != nil {
				return fmt.Errorf("failed to insert sample: %w", err)
			}
		}
		return nil
	})
}

// SampleDurations returns durations for op with start <= ts <= end
func (s *SQLite) SampleDurations(ctx context.Context, operationType string, start, end time.Time) ([]float64, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT duration_us FROM metric_samples
		WHERE operation_type = ? AND ts >= ? AND ts <= ?`,
		operationType, toNanos(start), toNanos(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query samples for %s: %w", operationType, err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Samples returns full samples for op in the window ordered by time
func (s *SQLite) Samples(ctx context.Context, operationType string, start, end time.Time) ([]core.MetricSample, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT operation_type, duration_us, COALESCE(actor, ''), ts FROM metric_samples
		WHERE operation_type = ? AND ts >= ? AND ts <= ?
		ORDER BY ts`,
		operationType, toNanos(start), toNanos(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query samples for %s: %w", operationType, err)
	}
	defer rows.Close()

	var out []core.MetricSample
	for rows.Next() {
		var (
			sm core.MetricSample
			ts int64
		)
		if err := rows.Scan(&sm.OperationType, &sm.DurationMicros, &sm.Actor, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		sm.Timestamp = fromNanos(ts)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// BucketMeans aggregates op samples into buckets of the given granularity
func (s *SQLite) BucketMeans(ctx context.Context, operationType string, start, end time.Time, g Granularity) ([]core.Bucket, error) {
	width := g.Duration().Nanoseconds()
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT (ts / ?) * ? AS bucket, COUNT(*), AVG(duration_us)
		FROM metric_samples
		WHERE operation_type = ? AND ts >= ? AND ts <= ?
		GROUP BY bucket
		ORDER BY bucket`,
		width, width, operationType, toNanos(start), toNanos(end))
	if err != nil {
		return nil, fmt.Errorf("failed to bucket samples for %s: %w", operationType, err)
	}
	defer rows.Close()

	var out []core.Bucket
	for rows.Next() {
		var (
			b      core.Bucket
			bucket int64
		)
		if err := rows.Scan(&bucket, &b.Count, &b.Mean); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		b.Start = fromNanos(bucket)
		out = append(out, b)
	}
	return out, rows.Err()
}

// PurgeSamplesBefore deletes samples older than cutoff and returns the count
func (s *SQLite) PurgeSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.WriteDB.ExecContext(ctx, `DELETE FROM metric_samples WHERE ts < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge samples: %w", err)
	}
	return res.RowsAffected()
}
