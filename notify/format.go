package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"perfwatch/core"

	"github.com/vmihailenco/msgpack/v5"
)

// Message is the structured payload of json and msgpack notifications
type Message struct {
	AlertID             string    `json:"alert_id" msgpack:"alert_id"`
	OperationType       string    `json:"operation_type" msgpack:"operation_type"`
	AlertType           string    `json:"alert_type" msgpack:"alert_type"`
	Severity            string    `json:"severity" msgpack:"severity"`
	Message             string    `json:"message" msgpack:"message"`
	ActualValue         float64   `json:"actual_value" msgpack:"actual_value"`
	BaselineValue       float64   `json:"baseline_value" msgpack:"baseline_value"`
	ViolationMultiplier float64   `json:"violation_multiplier" msgpack:"violation_multiplier"`
	CreatedAt           time.Time `json:"created_at" msgpack:"created_at"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

var severityColors = map[core.Severity]string{
	core.SeverityCritical: "danger",
	core.SeverityWarning:  "warning",
	core.SeverityInfo:     "good",
}

// FormatMessage renders an alert for one channel format. It only selects and
// fills a template; it has no side effects.
func FormatMessage(alert *core.Alert, format core.MessageFormat) ([]byte, error) {
	if alert == nil {
		return nil, core.InvalidParameter("nil alert")
	}

	switch format {
	case core.FormatJSON, "":
		return json.Marshal(messageFor(alert))
	case core.FormatMsgpack:
		return msgpack.Marshal(messageFor(alert))
	case core.FormatText:
		return []byte(textFor(alert)), nil
	case core.FormatSlack:
		return json.Marshal(slackPayload{
			Text: headline(alert),
			Attachments: []slackAttachment{{
				Color: severityColors[alert.Severity],
				Fields: []slackField{
					{Title: "Operation", Value: alert.OperationType, Short: true},
					{Title: "Severity", Value: string(alert.Severity), Short: true},
					{Title: "Actual", Value: fmt.Sprintf("%.0fus", alert.ActualValue), Short: true},
					{Title: "Baseline", Value: fmt.Sprintf("%.0fus", alert.BaselineValue), Short: true},
					{Title: "Details", Value: alert.Message},
				},
			}},
		})
	default:
		return nil, core.InvalidParameter("unknown message format %q", format)
	}
}

// FormatBatch combines already rendered bodies of one format into a single
// request body
func FormatBatch(bodies [][]byte, format core.MessageFormat) ([]byte, error) {
	switch format {
	case core.FormatJSON, "":
		raw := make([]json.RawMessage, len(bodies))
		for i, b := range bodies {
			raw[i] = b
		}
		return json.Marshal(struct {
			Count  int               `json:"count"`
			Alerts []json.RawMessage `json:"alerts"`
		}{Count: len(raw), Alerts: raw})
	case core.FormatMsgpack:
		raw := make([]msgpack.RawMessage, len(bodies))
		for i, b := range bodies {
			raw[i] = b
		}
		return msgpack.Marshal(raw)
	case core.FormatText:
		return bytes.Join(bodies, []byte("\n\n")), nil
	case core.FormatSlack:
		out := slackPayload{Text: fmt.Sprintf("%d perfwatch alerts", len(bodies))}
		for _, b := range bodies {
			var p slackPayload
			if err := json.Unmarshal(b, &p); err != nil {
				return nil, fmt.Errorf("failed to decode slack body: %w", err)
			}
			for _, a := range p.Attachments {
				a.Fields = append([]slackField{{Title: "Alert", Value: p.Text}}, a.Fields...)
				out.Attachments = append(out.Attachments, a)
			}
		}
		return json.Marshal(out)
	default:
		return nil, core.InvalidParameter("unknown message format %q", format)
	}
}

// ContentType is the HTTP Content-Type of a format
func ContentType(format core.MessageFormat) string {
	switch format {
	case core.FormatText:
		return "text/plain; charset=utf-8"
	case core.FormatMsgpack:
		return "application/msgpack"
	default:
		return "application/json"
	}
}

func messageFor(a *core.Alert) Message {
	return Message{
		AlertID:             a.ID,
		OperationType:       a.OperationType,
		AlertType:           string(a.AlertType),
		Severity:            string(a.Severity),
		Message:             a.Message,
		ActualValue:         a.ActualValue,
		BaselineValue:       a.BaselineValue,
		ViolationMultiplier: a.ViolationMultiplier,
		CreatedAt:           a.CreatedAt,
	}
}

func headline(a *core.Alert) string {
	return fmt.Sprintf("[%s] %s on %s", a.Severity, a.AlertType, a.OperationType)
}

func textFor(a *core.Alert) string {
	var sb strings.Builder
	sb.WriteString(headline(a))
	sb.WriteString("\n")
	sb.WriteString(a.Message)
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "actual %.0fus, baseline %.0fus", a.ActualValue, a.BaselineValue)
	if a.ViolationMultiplier > 0 {
		fmt.Fprintf(&sb, " (%.2fx)", a.ViolationMultiplier)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "alert %s at %s", a.ID, a.CreatedAt.UTC().Format(time.RFC3339))
	return sb.String()
}
