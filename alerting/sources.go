package alerting

import (
	"fmt"
	"strings"

	"perfwatch/core"
)

// Source kinds recorded on alerts
const (
	KindAnomaly     = "anomaly"
	KindCorrelation = "correlation"
	KindThreshold   = "threshold"
	KindInternal    = "internal"
)

// Source is an event that may raise an alert. The set is closed:
// AnomalySource, CorrelationSource, ThresholdViolation and InternalFailure.
type Source interface {
	kind() string
}

// AnomalySource raises an alert for a detected anomaly
type AnomalySource struct {
	Anomaly core.Anomaly
}

// CorrelationSource raises an alert for a classified correlated pair
type CorrelationSource struct {
	Correlation core.Correlation
	Severity    core.Severity
}

// ThresholdViolation is a direct report that an operation exceeded a limit.
// An empty Severity is classified from the actual/threshold ratio.
type ThresholdViolation struct {
	OperationType  string
	ActualValue    float64
	ThresholdValue float64
	Severity       core.Severity
	Message        string
}

// InternalFailure reports a failure of the pipeline itself
type InternalFailure struct {
	Unit string
	Err  error
}

func (AnomalySource) kind() string      { return KindAnomaly }
func (CorrelationSource) kind() string  { return KindCorrelation }
func (ThresholdViolation) kind() string { return KindThreshold }
func (InternalFailure) kind() string    { return KindInternal }

// pairOperation names the alert raised for a correlated pair
func pairOperation(a, b string) string {
	return a + "+" + b
}

func correlationMessage(c core.Correlation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s and %s degrade together (r=%.2f over %d buckets, confidence %.2f)",
		c.OperationA, c.OperationB, c.Coefficient, c.SampleCount, c.Confidence)
	if c.Bottleneck != "" {
		fmt.Fprintf(&sb, ": %s", strings.ReplaceAll(c.Bottleneck, "_", " "))
	}
	if c.Recommendation != "" {
		sb.WriteString(". ")
		sb.WriteString(c.Recommendation)
	}
	return sb.String()
}
