package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"perfwatch/core"
)

// InsertAnomalies persists detected anomalies and returns the ones actually
// stored. A bucketed anomaly whose (operation type, method, bucket) is already
// recorded is skipped. Anomalies are never updated.
func (s *SQLite) InsertAnomalies(ctx context.Context, anomalies []core.Anomaly) ([]core.Anomaly, error) {
	if len(anomalies) == 0 {
		return nil, nil
	}
	var inserted []core.Anomaly
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		inserted = inserted[:0]
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO anomalies (id, operation_type, method, z_score, degradation_ratio, observed_value,
				baseline_value, baseline_id, severity, bucket_start, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare anomaly insert: %w", err)
		}
		defer stmt.Close()

		for _, a := range anomalies {
			res, err := stmt.ExecContext(ctx, a.ID, a.OperationType, string(a.Method), a.ZScore,
				a.DegradationRatio, a.ObservedValue, a.BaselineValue, a.BaselineID, string(a.Severity),
				nullNanos(a.BucketStart), toNanos(a.DetectedAt))
			if err != nil {
				return fmt.Errorf("failed to insert anomaly for %s: %w", a.OperationType, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read anomaly insert result: %w", err)
			}
			if n > 0 {
				inserted = append(inserted, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// RecentAnomalies lists anomalies detected at or after since, newest first.
// An empty operationType lists all types.
func (s *SQLite) RecentAnomalies(ctx context.Context, operationType string, since time.Time, limit int) ([]core.Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT id, operation_type, method, z_score, degradation_ratio, observed_value, baseline_value,
			COALESCE(baseline_id, ''), severity, bucket_start, detected_at
		FROM anomalies
		WHERE (? = '' OR operation_type = ?) AND detected_at >= ?
		ORDER BY detected_at DESC LIMIT ?`,
		operationType, operationType, toNanos(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	var out []core.Anomaly
	for rows.Next() {
		var (
			a           core.Anomaly
			method      string
			severity    string
			bucketStart sql.NullInt64
			detectedAt  int64
		)
		if err := rows.Scan(&a.ID, &a.OperationType, &method, &a.ZScore, &a.DegradationRatio,
			&a.ObservedValue, &a.BaselineValue, &a.BaselineID, &severity, &bucketStart, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		a.Method = core.DetectionMethod(method)
		a.Severity = core.Severity(severity)
		a.BucketStart = fromNullNanos(bucketStart)
		a.DetectedAt = fromNanos(detectedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertCorrelations appends correlation findings. Older rows are superseded, not updated.
func (s *SQLite) InsertCorrelations(ctx context.Context, correlations []core.Correlation) error {
	if len(correlations) == 0 {
		return nil
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO correlations (id, operation_a, operation_b, coefficient, sample_count, bottleneck,
				recommendation, confidence, window_start, window_end, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare correlation insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range correlations {
			if _, err := stmt.ExecContext(ctx, c.ID, c.OperationA, c.OperationB, c.Coefficient, c.SampleCount,
				c.Bottleneck, c.Recommendation, c.Confidence, toNanos(c.WindowStart), toNanos(c.WindowEnd),
				toNanos(c.CreatedAt)); err != nil {
				return fmt.Errorf("failed to insert correlation %s/%s: %w", c.OperationA, c.OperationB, err)
			}
		}
		return nil
	})
}

// LatestCorrelations returns the newest correlation rows
func (s *SQLite) LatestCorrelations(ctx context.Context, limit int) ([]core.Correlation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT id, operation_a, operation_b, coefficient, sample_count, COALESCE(bottleneck, ''),
			COALESCE(recommendation, ''), confidence, window_start, window_end, created_at
		FROM correlations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlations: %w", err)
	}
	defer rows.Close()

	var out []core.Correlation
	for rows.Next() {
		var (
			c                                 core.Correlation
			windowStart, windowEnd, createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.OperationA, &c.OperationB, &c.Coefficient, &c.SampleCount,
			&c.Bottleneck, &c.Recommendation, &c.Confidence, &windowStart, &windowEnd, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		c.WindowStart = fromNanos(windowStart)
		c.WindowEnd = fromNanos(windowEnd)
		c.CreatedAt = fromNanos(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
