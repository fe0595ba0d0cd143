package core

import (
	"fmt"
	"math"
	"time"
)

// BaselineState is the lifecycle tag of a baseline row
type BaselineState string

const (
	// BaselineActive is the one baseline detection compares against
	BaselineActive BaselineState = "active"
	// BaselineRetired baselines are kept for history only
	BaselineRetired BaselineState = "retired"
)

// RecalcReason records why a baseline was replaced
type RecalcReason string

const (
	ReasonScheduled   RecalcReason = "scheduled"
	ReasonManual      RecalcReason = "manual"
	ReasonForce       RecalcReason = "force"
	ReasonMaintenance RecalcReason = "maintenance"
)

// ParseRecalcReason validates a reason string
func ParseRecalcReason(s string) (RecalcReason, error) {
	switch r := RecalcReason(s); r {
	case ReasonScheduled, ReasonManual, ReasonForce, ReasonMaintenance:
		return r, nil
	case "":
		return ReasonManual, nil
	default:
		return "", InvalidParameter("unknown recalculation reason %q", s)
	}
}

// Baseline is the statistical profile of an operation type over a lookback window
type Baseline struct {
	ID                       string     `json:"id"`
	OperationType            string     `json:"operation_type"`
	P50                      float64    `json:"p50"`
	P75                      float64    `json:"p75"`
	P90                      float64    `json:"p90"`
	P95                      float64    `json:"p95"`
	P99                      float64    `json:"p99"`
	Min                      float64    `json:"min"`
	Max                      float64    `json:"max"`
	Mean                     float64    `json:"mean"`
	StdDev                   float64    `json:"stddev"`
	SampleCount              int        `json:"sample_count"`
	LookbackDays             int        `json:"lookback_days"`
	AlertThresholdMultiplier float64    `json:"alert_threshold_multiplier"`
	IsActive                 bool       `json:"is_active"`
	CalculatedAt             time.Time  `json:"calculated_at"`
	DeactivatedAt            *time.Time `json:"deactivated_at,omitempty"`
}

// State derives the lifecycle tag from the active flag
func (b *Baseline) State() BaselineState {
	if b.IsActive && b.DeactivatedAt == nil {
		return BaselineActive
	}
	return BaselineRetired
}

type namedStat struct {
	name  string
	value float64
}

// ValidateOrdering checks p50 <= p75 <= p90 <= p95 <= p99 and min <= p50, p99 <= max.
// NaN or infinite statistics are integrity violations too.
func (b *Baseline) ValidateOrdering() error {
	ordered := []namedStat{
		{"min", b.Min}, {"p50", b.P50}, {"p75", b.P75}, {"p90", b.P90},
		{"p95", b.P95}, {"p99", b.P99}, {"max", b.Max},
	}
	for _, s := range append(ordered, namedStat{"mean", b.Mean}, namedStat{"stddev", b.StdDev}) {
		if math.IsNaN(s.value) || math.IsInf(s.value, 0) {
			return fmt.Errorf("%w: %s is %v for %s", ErrDataIntegrity, s.name, s.value, b.OperationType)
		}
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].value < ordered[i-1].value {
			return fmt.Errorf("%w: %s (%.3f) < %s (%.3f) for %s", ErrDataIntegrity,
				ordered[i].name, ordered[i].value, ordered[i-1].name, ordered[i-1].value, b.OperationType)
		}
	}
	return nil
}

// BaselineHistory records one baseline replacement
type BaselineHistory struct {
	ID            string       `json:"id"`
	OperationType string       `json:"operation_type"`
	OldBaselineID string       `json:"old_baseline_id,omitempty"`
	NewBaselineID string       `json:"new_baseline_id"`
	OldP99        float64      `json:"old_p99"`
	NewP99        float64      `json:"new_p99"`
	PercentChange float64      `json:"percent_change"`
	SampleCount   int          `json:"sample_count"`
	Reason        RecalcReason `json:"reason"`
	CreatedAt     time.Time    `json:"created_at"`
}

// ExecutionStatus is the state of a recalculation run
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// RecalcExecution is the audit row of one recalculation unit
type RecalcExecution struct {
	ID              string          `json:"id"`
	OperationType   string          `json:"operation_type"`
	Status          ExecutionStatus `json:"status"`
	Outcome         string          `json:"outcome,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	DurationMs      int64           `json:"duration_ms"`
	RecordsAffected int             `json:"records_affected"`
	ErrorDetail     string          `json:"error_detail,omitempty"`
}
