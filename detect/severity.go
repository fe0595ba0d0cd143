package detect

import (
	"math"

	"perfwatch/config"
	"perfwatch/core"
)

// Classify maps |z| and a degradation ratio onto a severity. It is monotonic
// in both arguments: raising either never lowers the result.
func Classify(t config.SeverityThresholds, z, ratio float64) core.Severity {
	absZ := math.Abs(z)
	switch {
	case absZ >= t.CriticalZ || ratio >= t.CriticalRatio:
		return core.SeverityCritical
	case absZ >= t.WarningZ || ratio >= t.WarningRatio:
		return core.SeverityWarning
	default:
		return core.SeverityInfo
	}
}

var defaultThresholds = config.DefaultRules().Severity

// ClassifySeverity applies the built-in thresholds
func ClassifySeverity(z, ratio float64) core.Severity {
	return Classify(defaultThresholds, z, ratio)
}
