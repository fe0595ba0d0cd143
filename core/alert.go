package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// AlertType classifies what triggered an alert
type AlertType string

const (
	AlertThresholdExceeded     AlertType = "THRESHOLD_EXCEEDED"
	AlertStatisticalOutlier    AlertType = "STATISTICAL_OUTLIER"
	AlertCombinedAnomaly       AlertType = "COMBINED_ANOMALY"
	AlertCorrelatedDegradation AlertType = "CORRELATED_DEGRADATION"
	AlertPipelineFailure       AlertType = "PIPELINE_FAILURE"
)

// AlertTypeForMethod maps a detection method to the alert type it raises
func AlertTypeForMethod(m DetectionMethod) AlertType {
	switch m {
	case MethodStatistical:
		return AlertStatisticalOutlier
	case MethodDegradation:
		return AlertThresholdExceeded
	default:
		return AlertCombinedAnomaly
	}
}

// Alert is a notification-worthy event, possibly fanned out to several channels
type Alert struct {
	ID                  string     `json:"id"`
	OperationType       string     `json:"operation_type"`
	AlertType           AlertType  `json:"alert_type"`
	Severity            Severity   `json:"severity"`
	ActualValue         float64    `json:"actual_value"`
	BaselineValue       float64    `json:"baseline_value"`
	ViolationMultiplier float64    `json:"violation_multiplier"`
	Message             string     `json:"message"`
	SourceKind          string     `json:"source_kind"`
	SourceID            string     `json:"source_id,omitempty"`
	Fingerprint         string     `json:"fingerprint"`
	DuplicateCount      int        `json:"duplicate_count"`
	Acknowledged        bool       `json:"acknowledged"`
	AcknowledgedBy      string     `json:"acknowledged_by,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	LastSeen            time.Time  `json:"last_seen"`
	AcknowledgedAt      *time.Time `json:"acknowledged_at,omitempty"`
}

// AlertFingerprint identifies alerts that describe the same ongoing condition
func AlertFingerprint(operationType string, alertType AlertType, severity Severity) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{operationType, string(alertType), string(severity)}, "|")))
	return hex.EncodeToString(sum[:16])
}

// Snooze silences alerts for an operation/alert-type pair until SnoozeUntil.
// Either field may be Wildcard.
type Snooze struct {
	ID            string    `json:"id"`
	OperationType string    `json:"operation_type"`
	AlertType     string    `json:"alert_type"`
	SnoozeUntil   time.Time `json:"snooze_until"`
	Reason        string    `json:"reason,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Matches reports whether the snooze covers the pair at instant now
func (s *Snooze) Matches(operationType string, alertType AlertType, now time.Time) bool {
	if !s.IsActive || !now.Before(s.SnoozeUntil) {
		return false
	}
	opOK := s.OperationType == Wildcard || s.OperationType == operationType
	typeOK := s.AlertType == Wildcard || s.AlertType == string(alertType)
	return opOK && typeOK
}

// AlertSuppression is the audit record of an alert dropped by a snooze
type AlertSuppression struct {
	ID            string    `json:"id"`
	OperationType string    `json:"operation_type"`
	AlertType     AlertType `json:"alert_type"`
	Severity      Severity  `json:"severity"`
	SnoozeID      string    `json:"snooze_id"`
	Message       string    `json:"message"`
	SuppressedAt  time.Time `json:"suppressed_at"`
}
