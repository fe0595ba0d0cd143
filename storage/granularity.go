package storage

import (
	"fmt"
	"time"
)

// Granularity is the bucket width used for time-bucketed reads. Bucketing is
// done with a bound parameter, never by splicing strings into SQL.
type Granularity int

const (
	GranularityMinute Granularity = iota
	GranularityFiveMinutes
	GranularityHour
)

// Duration returns the bucket width
func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularityMinute:
		return time.Minute
	case GranularityHour:
		return time.Hour
	default:
		return 5 * time.Minute
	}
}

func (g Granularity) String() string {
	switch g {
	case GranularityMinute:
		return "1m"
	case GranularityHour:
		return "1h"
	default:
		return "5m"
	}
}

// Truncate returns the start of the bucket containing t
func (g Granularity) Truncate(t time.Time) time.Time {
	width := g.Duration().Nanoseconds()
	n := t.UTC().UnixNano()
	return fromNanos((n / width) * width)
}

// ParseGranularity accepts "1m", "5m" or "1h"
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "1m":
		return GranularityMinute, nil
	case "5m", "":
		return GranularityFiveMinutes, nil
	case "1h":
		return GranularityHour, nil
	default:
		return GranularityFiveMinutes, fmt.Errorf("unsupported granularity %q (want 1m, 5m or 1h)", s)
	}
}
