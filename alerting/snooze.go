package alerting

import (
	"context"
	"strings"
	"time"

	"perfwatch/core"

	"github.com/google/uuid"
)

// MaxSnoozeMinutes caps a snooze at thirty days
const MaxSnoozeMinutes = 30 * 24 * 60

// SnoozeRequest silences alerts for an operation/alert-type pair. Either
// field may be ALL.
type SnoozeRequest struct {
	OperationType string `json:"operation_type" validate:"required,max=256"`
	AlertType     string `json:"alert_type" validate:"required,max=64"`
	Minutes       int    `json:"minutes" validate:"min=1,max=43200"`
	Reason        string `json:"reason" validate:"max=1024"`
	CreatedBy     string `json:"created_by" validate:"max=256"`
}

// Snooze creates an active snooze lasting req.Minutes from now
func (p *Pipeline) Snooze(ctx context.Context, req SnoozeRequest) (*core.Snooze, error) {
	op := strings.TrimSpace(req.OperationType)
	alertType := strings.ToUpper(strings.TrimSpace(req.AlertType))
	if op == "" || alertType == "" {
		return nil, core.InvalidParameter("operation_type and alert_type are required")
	}
	if strings.EqualFold(op, core.Wildcard) {
		op = core.Wildcard
	}
	if req.Minutes < 1 || req.Minutes > MaxSnoozeMinutes {
		return nil, core.InvalidParameter("snooze minutes must be in 1..%d, got %d", MaxSnoozeMinutes, req.Minutes)
	}

	now := p.clock.Now()
	sn := &core.Snooze{
		ID:            uuid.New().String(),
		OperationType: op,
		AlertType:     alertType,
		SnoozeUntil:   now.Add(time.Duration(req.Minutes) * time.Minute),
		Reason:        req.Reason,
		CreatedBy:     req.CreatedBy,
		IsActive:      true,
		CreatedAt:     now,
	}
	if err := p.store.CreateSnooze(ctx, sn); err != nil {
		return nil, err
	}
	p.logger.Infow("Snooze created",
		"snooze_id", sn.ID,
		"operation_type", sn.OperationType,
		"alert_type", sn.AlertType,
		"until", sn.SnoozeUntil,
		"created_by", sn.CreatedBy)
	return sn, nil
}

// IsSnoozed reports whether an alert for the pair would be suppressed now
func (p *Pipeline) IsSnoozed(ctx context.Context, operationType string, alertType core.AlertType) (bool, error) {
	sn, err := p.store.FindMatchingSnooze(ctx, operationType, alertType, p.clock.Now())
	if err != nil {
		return false, err
	}
	return sn != nil, nil
}

// RevokeSnooze deactivates a snooze before it expires
func (p *Pipeline) RevokeSnooze(ctx context.Context, id string) error {
	if err := p.store.RevokeSnooze(ctx, id); err != nil {
		return err
	}
	p.logger.Infow("Snooze revoked", "snooze_id", id)
	return nil
}

// ListSnoozes lists snoozes; activeOnly drops revoked and expired ones
func (p *Pipeline) ListSnoozes(ctx context.Context, activeOnly bool) ([]*core.Snooze, error) {
	return p.store.ListSnoozes(ctx, activeOnly, p.clock.Now())
}
