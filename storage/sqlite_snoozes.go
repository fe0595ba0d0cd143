package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"perfwatch/core"
)

const snoozeColumns = `id, operation_type, alert_type, snooze_until, COALESCE(reason, ''), COALESCE(created_by, ''), is_active, created_at`

func scanSnooze(row rowScanner) (*core.Snooze, error) {
	var (
		sn          core.Snooze
		snoozeUntil int64
		isActive    int
		createdAt   int64
	)
	if err := row.Scan(&sn.ID, &sn.OperationType, &sn.AlertType, &snoozeUntil, &sn.Reason, &sn.CreatedBy,
		&isActive, &createdAt); err != nil {
		return nil, err
	}
	sn.SnoozeUntil = fromNanos(snoozeUntil)
	sn.IsActive = isActive == 1
	sn.CreatedAt = fromNanos(createdAt)
	return &sn, nil
}

// CreateSnooze stores a new snooze
func (s *SQLite) CreateSnooze(ctx context.Context, sn *core.Snooze) error {
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO snoozes (id, operation_type, alert_type, snooze_until, reason, created_by, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sn.ID, sn.OperationType, sn.AlertType, toNanos(sn.SnoozeUntil), sn.Reason, sn.CreatedBy,
		boolToInt(sn.IsActive), toNanos(sn.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create snooze: %w", err)
	}
	return nil
}

// FindMatchingSnooze returns an active, unexpired snooze covering the pair, or nil.
// Exact matches are preferred over wildcards; among equals the longest-lived wins.
func (s *SQLite) FindMatchingSnooze(ctx context.Context, operationType string, alertType core.AlertType, now time.Time) (*core.Snooze, error) {
	row := s.ReadDB.QueryRowContext(ctx, `
		SELECT `+snoozeColumns+` FROM snoozes
		WHERE is_active = 1 AND snooze_until > ?
			AND (operation_type = ? OR operation_type = ?)
			AND (alert_type = ? OR alert_type = ?)
		ORDER BY (operation_type = ?) DESC, (alert_type = ?) DESC, snooze_until DESC
		LIMIT 1`,
		toNanos(now), operationType, core.Wildcard, string(alertType), core.Wildcard,
		operationType, string(alertType))
	sn, err := scanSnooze(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up snooze: %w", err)
	}
	return sn, nil
}

// GetSnooze returns a snooze by id
func (s *SQLite) GetSnooze(ctx context.Context, id string) (*core.Snooze, error) {
	sn, err := scanSnooze(s.ReadDB.QueryRowContext(ctx, `SELECT `+snoozeColumns+` FROM snoozes WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "snooze", id)
	}
	return sn, nil
}

// RevokeSnooze deactivates a snooze
func (s *SQLite) RevokeSnooze(ctx context.Context, id string) error {
	res, err := s.WriteDB.ExecContext(ctx, `UPDATE snoozes SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke snooze %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("snooze %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSnoozes lists snoozes; with activeOnly, only those still in force at now
func (s *SQLite) ListSnoozes(ctx context.Context, activeOnly bool, now time.Time) ([]*core.Snooze, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT `+snoozeColumns+` FROM snoozes
		WHERE ? = 0 OR (is_active = 1 AND snooze_until > ?)
		ORDER BY snooze_until DESC`, boolToInt(activeOnly), toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list snoozes: %w", err)
	}
	defer rows.Close()

	var out []*core.Snooze
	for rows.Next() {
		sn, err := scanSnooze(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snooze: %w", err)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}
