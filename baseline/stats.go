package baseline

import (
	"math"
	"sort"
)

// Summary holds the distribution statistics of one sample window
type Summary struct {
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
	P50    float64
	P75    float64
	P90    float64
	P95    float64
	P99    float64
}

// Summarize computes percentiles (linear interpolation between closest ranks),
// min, max, mean and sample standard deviation. values is not modified.
func Summarize(values []float64) Summary {
	n := len(values)
	if n == 0 {
		return Summary{}
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range sorted {
		d := v - mean
		sq += d * d
	}
	stddev := 0.0
	if n > 1 {
		stddev = math.Sqrt(sq / float64(n-1))
	}

	return Summary{
		Count:  n,
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   mean,
		StdDev: stddev,
		P50:    Quantile(sorted, 0.50),
		P75:    Quantile(sorted, 0.75),
		P90:    Quantile(sorted, 0.90),
		P95:    Quantile(sorted, 0.95),
		P99:    Quantile(sorted, 0.99),
	}
}

// Quantile returns the q-quantile (0..1) of an ascending slice
func Quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}

	rank := q * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	lo, hi := sorted[lower], sorted[upper]
	v := lo + (hi-lo)*(rank-float64(lower))
	// keep rounding inside [lo, hi] so percentiles stay ordered
	return math.Min(math.Max(v, lo), hi)
}

// PercentChange returns (next-prev)/prev*100. A zero prev yields 0 when next
// is also zero and +Inf otherwise.
func PercentChange(prev, next float64) float64 {
	if prev == 0 {
		if next == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return (next - prev) / prev * 100
}
