package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"perfwatch/core"
)

const endpointColumns = `id, type, name, COALESCE(recipient, ''), format, encrypted_url, iv, key_id, enabled,
	is_primary, batch, last_test_at, last_test_ok, COALESCE(last_test_error, ''), created_at, updated_at`

func scanEndpoint(row rowScanner) (*core.WebhookEndpoint, error) {
	var (
		ep         core.WebhookEndpoint
		epType     string
		format     string
		enabled    int
		primary    int
		batch      int
		lastTestAt sql.NullInt64
		lastTestOK sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(&ep.ID, &epType, &ep.Name, &ep.Recipient, &format, &ep.EncryptedURL, &ep.IV, &ep.KeyID,
		&enabled, &primary, &batch, &lastTestAt, &lastTestOK, &ep.LastTestError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ep.Type = core.EndpointType(epType)
	ep.Format = core.MessageFormat(format)
	ep.Enabled = enabled == 1
	ep.Primary = primary == 1
	ep.Batch = batch == 1
	ep.LastTestAt = fromNullNanos(lastTestAt)
	if lastTestOK.Valid {
		ok := lastTestOK.Int64 == 1
		ep.LastTestOK = &ok
	}
	ep.CreatedAt = fromNanos(createdAt)
	ep.UpdatedAt = fromNanos(updatedAt)
	return &ep, nil
}

// UpsertEndpoint inserts ep or, when (type, name) already exists, replaces its
// ciphertext and settings. Returns the id of the stored row.
func (s *SQLite) UpsertEndpoint(ctx context.Context, ep *core.WebhookEndpoint) (string, error) {
	var id string
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_endpoints (id, type, name, recipient, format, encrypted_url, iv, key_id,
				enabled, is_primary, batch, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(type, name) DO UPDATE SET
				recipient = excluded.recipient,
				format = excluded.format,
				encrypted_url = excluded.encrypted_url,
				iv = excluded.iv,
				key_id = excluded.key_id,
				enabled = excluded.enabled,
				is_primary = excluded.is_primary,
				batch = excluded.batch,
				updated_at = excluded.updated_at`,
			ep.ID, string(ep.Type), ep.Name, ep.Recipient, string(ep.Format), ep.EncryptedURL, ep.IV, ep.KeyID,
			boolToInt(ep.Enabled), boolToInt(ep.Primary), boolToInt(ep.Batch),
			toNanos(ep.CreatedAt), toNanos(ep.UpdatedAt)); err != nil {
			return fmt.Errorf("failed to upsert endpoint %s/%s: %w", ep.Type, ep.Name, err)
		}
		return tx.QueryRowContext(ctx, `SELECT id FROM webhook_endpoints WHERE type = ? AND name = ?`,
			string(ep.Type), ep.Name).Scan(&id)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetEndpoint returns an endpoint by id
func (s *SQLite) GetEndpoint(ctx context.Context, id string) (*core.WebhookEndpoint, error) {
	ep, err := scanEndpoint(s.ReadDB.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "endpoint", id)
	}
	return ep, nil
}

// ListEndpoints lists endpoints ordered by type then name
func (s *SQLite) ListEndpoints(ctx context.Context, enabledOnly bool) ([]*core.WebhookEndpoint, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT `+endpointColumns+` FROM webhook_endpoints
		WHERE ? = 0 OR enabled = 1
		ORDER BY type, name`, boolToInt(enabledOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()

	var out []*core.WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// SetEndpointEnabled toggles an endpoint
func (s *SQLite) SetEndpointEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	res, err := s.WriteDB.ExecContext(ctx, `UPDATE webhook_endpoints SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to update endpoint %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordEndpointTest stores the result of a test delivery
func (s *SQLite) RecordEndpointTest(ctx context.Context, id string, ok bool, testErr string, at time.Time) error {
	res, err := s.WriteDB.ExecContext(ctx, `
		UPDATE webhook_endpoints SET last_test_at = ?, last_test_ok = ?, last_test_error = ? WHERE id = ?`,
		toNanos(at), boolToInt(ok), testErr, id)
	if err != nil {
		return fmt.Errorf("failed to record endpoint test %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	return nil
}

// RoutingRules lists every routing rule
func (s *SQLite) RoutingRules(ctx context.Context) ([]core.RoutingRule, error) {
	rows, err := s.ReadDB.QueryContext(ctx,
		`SELECT id, alert_type, severity, endpoint_id FROM routing_rules ORDER BY alert_type, severity, endpoint_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing rules: %w", err)
	}
	defer rows.Close()

	var out []core.RoutingRule
	for rows.Next() {
		var (
			r        core.RoutingRule
			severity string
		)
		if err := rows.Scan(&r.ID, &r.AlertType, &severity, &r.EndpointID); err != nil {
			return nil, fmt.Errorf("failed to scan routing rule: %w", err)
		}
		r.Severity = core.Severity(severity)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceRoutingRules swaps the whole routing table in one transaction
func (s *SQLite) ReplaceRoutingRules(ctx context.Context, rules []core.RoutingRule) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM routing_rules`); err != nil {
			return fmt.Errorf("failed to clear routing rules: %w", err)
		}
		for _, r := range rules {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO routing_rules (id, alert_type, severity, endpoint_id) VALUES (?, ?, ?, ?)`,
				r.ID, r.AlertType, string(r.Severity), r.EndpointID); err != nil {
				return fmt.Errorf("failed to insert routing rule %s/%s: %w", r.AlertType, r.Severity, err)
			}
		}
		return nil
	})
}
