package core

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the urgency of an anomaly or alert
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Rank orders severities; higher is more urgent
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the more urgent of two severities
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity accepts any casing of CRITICAL, WARNING or INFO
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", InvalidParameter("unknown severity %q", s)
	}
	return sev, nil
}

// DetectionMethod identifies which detector produced an anomaly
type DetectionMethod string

const (
	MethodStatistical DetectionMethod = "statistical"
	MethodDegradation DetectionMethod = "degradation"
	MethodCombined    DetectionMethod = "combined"
)

// Anomaly is a detected deviation from the active baseline. Immutable once written.
type Anomaly struct {
	ID               string          `json:"id"`
	OperationType    string          `json:"operation_type"`
	Method           DetectionMethod `json:"method"`
	ZScore           float64         `json:"z_score"`
	DegradationRatio float64         `json:"degradation_ratio"`
	ObservedValue    float64         `json:"observed_value"`
	BaselineValue    float64         `json:"baseline_value"`
	BaselineID       string          `json:"baseline_id"`
	Severity         Severity        `json:"severity"`
	BucketStart      *time.Time      `json:"bucket_start,omitempty"`
	DetectedAt       time.Time       `json:"detected_at"`
}

// Summary renders a one-line description for alert messages
func (a *Anomaly) Summary() string {
	switch a.Method {
	case MethodStatistical:
		return fmt.Sprintf("%s duration %.0fus is %.1f standard deviations from baseline mean %.0fus",
			a.OperationType, a.ObservedValue, a.ZScore, a.BaselineValue)
	case MethodDegradation:
		return fmt.Sprintf("%s p99 %.0fus is %.2fx baseline p99 %.0fus",
			a.OperationType, a.ObservedValue, a.DegradationRatio, a.BaselineValue)
	default:
		return fmt.Sprintf("%s anomaly: z=%.1f ratio=%.2fx (observed %.0fus, baseline %.0fus)",
			a.OperationType, a.ZScore, a.DegradationRatio, a.ObservedValue, a.BaselineValue)
	}
}

// Correlation is a co-degradation finding for a pair of operation types
type Correlation struct {
	ID             string    `json:"id"`
	OperationA     string    `json:"operation_a"`
	OperationB     string    `json:"operation_b"`
	Coefficient    float64   `json:"coefficient"`
	SampleCount    int       `json:"sample_count"`
	Bottleneck     string    `json:"bottleneck,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	Confidence     float64   `json:"confidence"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	CreatedAt      time.Time `json:"created_at"`
}
