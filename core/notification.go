package core

import (
	"time"
)

// NotificationStatus is the delivery state of a queue item.
//
//	pending -> sent
//	pending -> retrying -> ... -> retrying -> sent
//	pending -> retrying -> ... -> failed (retry_count >= max_retries)
type NotificationStatus string

const (
	NotificationPending  NotificationStatus = "pending"
	NotificationSent     NotificationStatus = "sent"
	NotificationRetrying NotificationStatus = "retrying"
	NotificationFailed   NotificationStatus = "failed"
)

// Terminal reports whether no further delivery attempts will be made
func (s NotificationStatus) Terminal() bool {
	return s == NotificationSent || s == NotificationFailed
}

// MessageFormat selects the rendering template for a channel
type MessageFormat string

const (
	FormatJSON    MessageFormat = "json"
	FormatText    MessageFormat = "text"
	FormatSlack   MessageFormat = "slack"
	FormatMsgpack MessageFormat = "msgpack"
)

// NotificationQueueItem is one pending delivery of an alert to one endpoint
type NotificationQueueItem struct {
	ID            string             `json:"id"`
	AlertID       string             `json:"alert_id"`
	EndpointID    string             `json:"endpoint_id"`
	Severity      Severity           `json:"severity"`
	Format        MessageFormat      `json:"format"`
	Body          []byte             `json:"-"`
	Status        NotificationStatus `json:"status"`
	RetryCount    int                `json:"retry_count"`
	MaxRetries    int                `json:"max_retries"`
	LastError     string             `json:"last_error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	NextAttemptAt time.Time          `json:"next_attempt_at"`
	SentAt        *time.Time         `json:"sent_at,omitempty"`
	ClaimToken    string             `json:"-"`
	ClaimedUntil  *time.Time         `json:"-"`
}

// BackoffDelay returns base * 2^(attempt-1), capped at max. attempt starts at 1.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// DeliveryLog is the immutable record of one delivery attempt
type DeliveryLog struct {
	ID          string    `json:"id"`
	ItemID      string    `json:"item_id"`
	EndpointID  string    `json:"endpoint_id"`
	Attempt     int       `json:"attempt"`
	Success     bool      `json:"success"`
	StatusCode  int       `json:"status_code"`
	LatencyMs   int64     `json:"latency_ms"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// DeliveryStats summarizes delivery outcomes for one endpoint
type DeliveryStats struct {
	EndpointID   string  `json:"endpoint_id"`
	Attempts     int     `json:"attempts"`
	Successes    int     `json:"successes"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// EndpointType is the kind of external channel
type EndpointType string

const (
	EndpointChat   EndpointType = "chat"
	EndpointPaging EndpointType = "paging"
	EndpointEmail  EndpointType = "email"
)

// ParseEndpointType validates an endpoint type string
func ParseEndpointType(s string) (EndpointType, error) {
	switch t := EndpointType(s); t {
	case EndpointChat, EndpointPaging, EndpointEmail:
		return t, nil
	default:
		return "", InvalidParameter("unknown endpoint type %q", s)
	}
}

// DefaultFormat is the message format used for an endpoint type
func (t EndpointType) DefaultFormat() MessageFormat {
	switch t {
	case EndpointChat:
		return FormatSlack
	case EndpointEmail:
		return FormatText
	default:
		return FormatJSON
	}
}

// WebhookEndpoint is a delivery channel. The URL is only stored encrypted.
type WebhookEndpoint struct {
	ID            string        `json:"id"`
	Type          EndpointType  `json:"type"`
	Name          string        `json:"name"`
	Recipient     string        `json:"recipient,omitempty"`
	Format        MessageFormat `json:"format"`
	EncryptedURL  []byte        `json:"-"`
	IV            []byte        `json:"-"`
	KeyID         string        `json:"key_id"`
	Enabled       bool          `json:"enabled"`
	Primary       bool          `json:"primary"`
	Batch         bool          `json:"batch"`
	LastTestAt    *time.Time    `json:"last_test_at,omitempty"`
	LastTestOK    *bool         `json:"last_test_ok,omitempty"`
	LastTestError string        `json:"last_test_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// RoutingRule sends alerts of a type and severity to one endpoint.
// AlertType may be Wildcard.
type RoutingRule struct {
	ID         string   `json:"id"`
	AlertType  string   `json:"alert_type" validate:"required"`
	Severity   Severity `json:"severity" validate:"required,oneof=CRITICAL WARNING INFO"`
	EndpointID string   `json:"endpoint_id" validate:"required"`
}
