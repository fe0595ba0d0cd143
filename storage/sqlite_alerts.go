package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"perfwatch/core"
)

const alertColumns = `id, operation_type, alert_type, severity, actual_value, baseline_value, violation_multiplier,
	message, source_kind, COALESCE(source_id, ''), fingerprint, duplicate_count, acknowledged,
	COALESCE(acknowledged_by, ''), acknowledged_at, created_at, last_seen`

func scanAlert(row rowScanner) (*core.Alert, error) {
	var (
		a              core.Alert
		alertType      string
		severity       string
		acknowledged   int
		acknowledgedAt sql.NullInt64
		createdAt      int64
		lastSeen       int64
	)
	err := row.Scan(&a.ID, &a.OperationType, &alertType, &severity, &a.ActualValue, &a.BaselineValue,
		&a.ViolationMultiplier, &a.Message, &a.SourceKind, &a.SourceID, &a.Fingerprint, &a.DuplicateCount,
		&acknowledged, &a.AcknowledgedBy, &acknowledgedAt, &createdAt, &lastSeen)
	if err != nil {
		return nil, err
	}
	a.AlertType = core.AlertType(alertType)
	a.Severity = core.Severity(severity)
	a.Acknowledged = acknowledged == 1
	a.AcknowledgedAt = fromNullNanos(acknowledgedAt)
	a.CreatedAt = fromNanos(createdAt)
	a.LastSeen = fromNanos(lastSeen)
	return &a, nil
}

// InsertAlertDeduplicated creates alert and its queue items in one transaction,
// unless an unacknowledged alert with the same fingerprint was seen at or after
// since. In that case the existing alert's duplicate count and last_seen are
// bumped, nothing is enqueued, and the existing alert is returned.
func (s *SQLite) InsertAlertDeduplicated(ctx context.Context, alert *core.Alert, items []*core.NotificationQueueItem, since time.Time) (*core.Alert, error) {
	var existing *core.Alert
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+alertColumns+` FROM alerts
			WHERE fingerprint = ? AND acknowledged = 0 AND last_seen >= ?
			ORDER BY last_seen DESC LIMIT 1`, alert.Fingerprint, toNanos(since))
		found, err := scanAlert(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up alert fingerprint: %w", err)
		}
		if found != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE alerts SET duplicate_count = duplicate_count + 1, last_seen = ? WHERE id = ?`,
				toNanos(alert.CreatedAt), found.ID); err != nil {
				return fmt.Errorf("failed to record duplicate alert: %w", err)
			}
			found.DuplicateCount++
			found.LastSeen = alert.CreatedAt
			existing = found
			return nil
		}
		if err := insertAlertTx(ctx, tx, alert); err != nil {
			return err
		}
		return insertQueueItemsTx(ctx, tx, items)
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func insertAlertTx(ctx context.Context, tx *sql.Tx, a *core.Alert) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO alerts (id, operation_type, alert_type, severity, actual_value, baseline_value,
			violation_multiplier, message, source_kind, source_id, fingerprint, duplicate_count,
			acknowledged, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		a.ID, a.OperationType, string(a.AlertType), string(a.Severity), a.ActualValue, a.BaselineValue,
		a.ViolationMultiplier, a.Message, a.SourceKind, a.SourceID, a.Fingerprint,
		toNanos(a.CreatedAt), toNanos(a.LastSeen))
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// GetAlert returns an alert by id
func (s *SQLite) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	a, err := scanAlert(s.ReadDB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "alert", id)
	}
	return a, nil
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging twice is a no-op.
func (s *SQLite) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) error {
	res, err := s.WriteDB.ExecContext(ctx, `
		UPDATE alerts SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ? AND acknowledged = 0`, by, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// distinguish "already acknowledged" from "unknown"
		if _, err := s.GetAlert(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// PendingAlerts lists unacknowledged alerts, newest first
func (s *SQLite) PendingAlerts(ctx context.Context, limit int) ([]*core.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts WHERE acknowledged = 0
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending alerts: %w", err)
	}
	defer rows.Close()

	var out []*core.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertSuppression records an alert dropped by a snooze
func (s *SQLite) InsertSuppression(ctx context.Context, sup *core.AlertSuppression) error {
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO alert_suppressions (id, operation_type, alert_type, severity, snooze_id, message, suppressed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sup.ID, sup.OperationType, string(sup.AlertType), string(sup.Severity), sup.SnoozeID, sup.Message,
		toNanos(sup.SuppressedAt))
	if err != nil {
		return fmt.Errorf("failed to record suppression: %w", err)
	}
	return nil
}

// CountSuppressions returns how many alerts a snooze has dropped
func (s *SQLite) CountSuppressions(ctx context.Context, snoozeID string) (int, error) {
	var n int
	if err := s.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alert_suppressions WHERE snooze_id = ?`, snoozeID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count suppressions: %w", err)
	}
	return n, nil
}
