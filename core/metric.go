package core

import "time"

// Operation categories used by the multiplier and bottleneck rule tables
const (
	CategoryWrite       = "write"
	CategoryRead        = "read"
	CategoryStorage     = "storage"
	CategoryCache       = "cache"
	CategoryLog         = "log"
	CategoryMaintenance = "maintenance"
	CategoryOther       = "other"
)

// Wildcard matches any operation type or alert type in snoozes and routing rules
const Wildcard = "ALL"

// OperationType is a tracked operation name (e.g. "commit", "merge_branches")
type OperationType struct {
	Name      string    `json:"name"`
	Tracked   bool      `json:"tracked"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// MetricSample is one observed duration for an operation
type MetricSample struct {
	OperationType  string    `json:"operation_type"`
	DurationMicros float64   `json:"duration_us"`
	Actor          string    `json:"actor,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Bucket is an aggregate of the samples that fall into one time bucket
type Bucket struct {
	Start     time.Time `json:"start"`
	Count     int       `json:"count"`
	Mean      float64   `json:"mean"`
	Durations []float64 `json:"-"`
}
