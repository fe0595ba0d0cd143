package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"perfwatch/core"
)

const queueColumns = `id, alert_id, endpoint_id, severity, format, body, status, retry_count, max_retries,
	COALESCE(last_error, ''), created_at, next_attempt_at, sent_at, COALESCE(claim_token, ''), claimed_until`

func scanQueueItem(row rowScanner) (*core.NotificationQueueItem, error) {
	var (
		it            core.NotificationQueueItem
		severity      string
		format        string
		status        string
		createdAt     int64
		nextAttemptAt int64
		sentAt        sql.NullInt64
		claimedUntil  sql.NullInt64
	)
	if err := row.Scan(&it.ID, &it.AlertID, &it.EndpointID, &severity, &format, &it.Body, &status,
		&it.RetryCount, &it.MaxRetries, &it.LastError, &createdAt, &nextAttemptAt, &sentAt,
		&it.ClaimToken, &claimedUntil); err != nil {
		return nil, err
	}
	it.Severity = core.Severity(severity)
	it.Format = core.MessageFormat(format)
	it.Status = core.NotificationStatus(status)
	it.CreatedAt = fromNanos(createdAt)
	it.NextAttemptAt = fromNanos(nextAttemptAt)
	it.SentAt = fromNullNanos(sentAt)
	it.ClaimedUntil = fromNullNanos(claimedUntil)
	return &it, nil
}

func queryQueueItems(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]*core.NotificationQueueItem, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification queue: %w", err)
	}
	defer rows.Close()

	var out []*core.NotificationQueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func insertQueueItemsTx(ctx context.Context, tx *sql.Tx, items []*core.NotificationQueueItem) error {
	if len(items) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO notification_queue (id, alert_id, endpoint_id, severity, format, body, status,
			retry_count, max_retries, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare queue insert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.ID, it.AlertID, it.EndpointID, string(it.Severity),
			string(it.Format), it.Body, string(it.Status), it.RetryCount, it.MaxRetries,
			toNanos(it.CreatedAt), toNanos(it.NextAttemptAt)); err != nil {
			return fmt.Errorf("failed to enqueue notification for endpoint %s: %w", it.EndpointID, err)
		}
	}
	return nil
}

// GetQueueItem returns a queue item by id
func (s *SQLite) GetQueueItem(ctx context.Context, id string) (*core.NotificationQueueItem, error) {
	it, err := scanQueueItem(s.ReadDB.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM notification_queue WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "notification", id)
	}
	return it, nil
}

// ItemsForAlert lists the queue items created for an alert
func (s *SQLite) ItemsForAlert(ctx context.Context, alertID string) ([]*core.NotificationQueueItem, error) {
	return queryQueueItems(ctx, s.ReadDB,
		`SELECT `+queueColumns+` FROM notification_queue WHERE alert_id = ? ORDER BY created_at, endpoint_id`, alertID)
}

// DueItems lists pending/retrying items whose next attempt is due and that are not claimed
func (s *SQLite) DueItems(ctx context.Context, now time.Time, limit int) ([]*core.NotificationQueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	n := toNanos(now)
	return queryQueueItems(ctx, s.ReadDB, `
		SELECT `+queueColumns+` FROM notification_queue
		WHERE status IN (?, ?) AND next_attempt_at <= ? AND (claimed_until IS NULL OR claimed_until < ?)
		ORDER BY next_attempt_at LIMIT ?`,
		string(core.NotificationPending), string(core.NotificationRetrying), n, n, limit)
}

// UnsentItems lists every item not yet sent (pending, retrying or failed)
func (s *SQLite) UnsentItems(ctx context.Context) ([]*core.NotificationQueueItem, error) {
	return queryQueueItems(ctx, s.ReadDB, `
		SELECT `+queueColumns+` FROM notification_queue WHERE status != ? ORDER BY created_at`,
		string(core.NotificationSent))
}

// ClaimItem atomically claims a due item for one delivery attempt. Returns
// false when another worker holds it or it is no longer deliverable.
func (s *SQLite) ClaimItem(ctx context.Context, id, token string, now, claimUntil time.Time) (bool, error) {
	n := toNanos(now)
	res, err := s.WriteDB.ExecContext(ctx, `
		UPDATE notification_queue SET claim_token = ?, claimed_until = ?
		WHERE id = ? AND status IN (?, ?) AND next_attempt_at <= ?
			AND (claimed_until IS NULL OR claimed_until < ?)`,
		token, toNanos(claimUntil), id,
		string(core.NotificationPending), string(core.NotificationRetrying), n, n)
	if err != nil {
		return false, fmt.Errorf("failed to claim notification %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CompleteAttempt writes the post-attempt state of a claimed item and, when
// log is not nil, its delivery log row. The claim is released. Returns
// core.ErrConcurrencyConflict if the claim was lost.
func (s *SQLite) CompleteAttempt(ctx context.Context, it *core.NotificationQueueItem, token string, log *core.DeliveryLog) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE notification_queue
			SET status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?, sent_at = ?,
				claim_token = NULL, claimed_until = NULL
			WHERE id = ? AND claim_token = ?`,
			string(it.Status), it.RetryCount, it.LastError, toNanos(it.NextAttemptAt), nullNanos(it.SentAt),
			it.ID, token)
		if err != nil {
			return fmt.Errorf("failed to update notification %s: %w", it.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("notification %s: claim lost: %w", it.ID, core.ErrConcurrencyConflict)
		}

		if log == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO delivery_log (id, item_id, endpoint_id, attempt, success, status_code, latency_ms, error, attempted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			log.ID, log.ItemID, log.EndpointID, log.Attempt, boolToInt(log.Success), log.StatusCode,
			log.LatencyMs, log.Error, toNanos(log.AttemptedAt)); err != nil {
			return fmt.Errorf("failed to write delivery log: %w", err)
		}
		return nil
	})
}

// DeliveryLogFor lists the attempts made for one item, oldest first
func (s *SQLite) DeliveryLogFor(ctx context.Context, itemID string) ([]core.DeliveryLog, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT id, item_id, endpoint_id, attempt, success, status_code, latency_ms, COALESCE(error, ''), attempted_at
		FROM delivery_log WHERE item_id = ? ORDER BY attempted_at, attempt`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery log: %w", err)
	}
	defer rows.Close()

	var out []core.DeliveryLog
	for rows.Next() {
		var (
			l           core.DeliveryLog
			success     int
			attemptedAt int64
		)
		if err := rows.Scan(&l.ID, &l.ItemID, &l.EndpointID, &l.Attempt, &success, &l.StatusCode,
			&l.LatencyMs, &l.Error, &attemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery log: %w", err)
		}
		l.Success = success == 1
		l.AttemptedAt = fromNanos(attemptedAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeliveryStats summarizes attempts per endpoint since the given instant
func (s *SQLite) DeliveryStats(ctx context.Context, since time.Time) ([]core.DeliveryStats, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT endpoint_id, COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(latency_ms), 0)
		FROM delivery_log WHERE attempted_at >= ?
		GROUP BY endpoint_id ORDER BY endpoint_id`, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery stats: %w", err)
	}
	defer rows.Close()

	var out []core.DeliveryStats
	for rows.Next() {
		var st core.DeliveryStats
		if err := rows.Scan(&st.EndpointID, &st.Attempts, &st.Successes, &st.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan delivery stats: %w", err)
		}
		if st.Attempts > 0 {
			st.SuccessRate = float64(st.Successes) / float64(st.Attempts)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// QueueDepth counts queue items per status
func (s *SQLite) QueueDepth(ctx context.Context) (map[core.NotificationStatus]int, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `SELECT status, COUNT(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}
	defer rows.Close()

	out := make(map[core.NotificationStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[core.NotificationStatus(status)] = n
	}
	return out, rows.Err()
}
