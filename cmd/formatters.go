package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"perfwatch/alerting"
	"perfwatch/baseline"
	"perfwatch/core"

	"github.com/fatih/color"
)

// renderOutcomes displays recalculation outcomes in a table
func renderOutcomes(w io.Writer, outcomes []baseline.Outcome) {
	if len(outcomes) == 0 {
		warningColor.Fprintln(w, "No tracked operation types")
		return
	}

	headerColor.Fprintln(w, "RECALCULATION")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-32s %-10s %-12s %-12s %-9s %s\n", "Operation", "Status", "p99 (us)", "Change", "Samples", "Detail")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, o := range outcomes {
		p99 := "-"
		if o.Baseline != nil {
			p99 = fmt.Sprintf("%.1f", o.Baseline.P99)
		}
		change := "-"
		if o.PreviousP99 > 0 {
			change = fmt.Sprintf("%+.1f%%", o.PercentChange)
		}
		detail := o.Detail
		if o.Err != nil {
			detail = o.ErrorText()
		}
		fmt.Fprintf(w, "%-32s %-10s %-12s %-12s %-9d %s\n",
			truncate(o.OperationType, 32), formatOutcomeStatus(o.Status), p99, change, o.SampleCount, detail)
	}

	fmt.Fprintln(w, strings.Repeat("=", 100))
}

// formatOutcomeStatus pads before coloring so columns stay aligned
func formatOutcomeStatus(s baseline.Status) string {
	text := fmt.Sprintf("%-10s", s)
	switch s {
	case baseline.StatusUpdated:
		return color.New(color.FgGreen).Sprint(text)
	case baseline.StatusUnchanged:
		return text
	case baseline.StatusSkipped, baseline.StatusConflict:
		return color.New(color.FgYellow).Sprint(text)
	default:
		return color.New(color.FgRed).Sprint(text)
	}
}

// renderBaselines displays active baselines
func renderBaselines(w io.Writer, baselines []*core.Baseline) {
	if len(baselines) == 0 {
		warningColor.Fprintln(w, "No active baselines")
		return
	}

	headerColor.Fprintln(w, "BASELINES")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-32s %-10s %-10s %-10s %-10s %-8s %-9s %s\n",
		"Operation", "p50", "p95", "p99", "Stddev", "Mult", "Samples", "Calculated")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, b := range baselines {
		fmt.Fprintf(w, "%-32s %-10.1f %-10.1f %-10.1f %-10.1f %-8.2f %-9d %s\n",
			truncate(b.OperationType, 32), b.P50, b.P95, b.P99, b.StdDev,
			b.AlertThresholdMultiplier, b.SampleCount, formatTime(b.CalculatedAt))
	}
	fmt.Fprintln(w, strings.Repeat("=", 110))
}

// renderHistory displays baseline changes for one operation type
func renderHistory(w io.Writer, op string, history []core.BaselineHistory) {
	if len(history) == 0 {
		warningColor.Fprintf(w, "No baseline history for %s\n", op)
		return
	}

	headerColor.Fprintf(w, "HISTORY: %s\n", op)
	headerColor.Fprintln(w, strings.Repeat("=", 90))
	fmt.Fprintf(w, "%-20s %-12s %-12s %-10s %-9s %s\n", "When", "Old p99", "New p99", "Change", "Samples", "Reason")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, h := range history {
		old := "-"
		if h.OldBaselineID != "" {
			old = fmt.Sprintf("%.1f", h.OldP99)
		}
		fmt.Fprintf(w, "%-20s %-12s %-12.1f %-10s %-9d %s\n",
			formatTime(h.CreatedAt), old, h.NewP99, fmt.Sprintf("%+.1f%%", h.PercentChange), h.SampleCount, h.Reason)
	}
	fmt.Fprintln(w, strings.Repeat("=", 90))
}

// renderEndpoints displays endpoints. URLs are never shown.
func renderEndpoints(w io.Writer, eps []*core.WebhookEndpoint) {
	if len(eps) == 0 {
		warningColor.Fprintln(w, "No endpoints configured")
		return
	}

	headerColor.Fprintln(w, "ENDPOINTS")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-38s %-20s %-8s %-8s %-8s %-8s %s\n", "ID", "Name", "Type", "Format", "Enabled", "Primary", "Last test")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, ep := range eps {
		lastTest := "Never"
		if ep.LastTestAt != nil {
			lastTest = formatTime(*ep.LastTestAt)
			if ep.LastTestOK != nil && !*ep.LastTestOK {
				lastTest += " (failed)"
			}
		}
		fmt.Fprintf(w, "%-38s %-20s %-8s %-8s %-8s %-8s %s\n",
			ep.ID, truncate(ep.Name, 20), ep.Type, ep.Format, yesNo(ep.Enabled), yesNo(ep.Primary), lastTest)
	}
	fmt.Fprintln(w, strings.Repeat("=", 100))
}

// renderSnoozes displays snoozes, marking those no longer in force
func renderSnoozes(w io.Writer, snoozes []*core.Snooze, now time.Time) {
	if len(snoozes) == 0 {
		warningColor.Fprintln(w, "No snoozes")
		return
	}

	headerColor.Fprintln(w, "SNOOZES")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-38s %-24s %-20s %-20s %-10s %s\n", "ID", "Operation", "Alert type", "Until", "State", "Reason")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, s := range snoozes {
		state := "active"
		switch {
		case !s.IsActive:
			state = "revoked"
		case !now.Before(s.SnoozeUntil):
			state = "expired"
		}
		fmt.Fprintf(w, "%-38s %-24s %-20s %-20s %-10s %s\n",
			s.ID, truncate(s.OperationType, 24), truncate(s.AlertType, 20), formatTime(s.SnoozeUntil), state, s.Reason)
	}
	fmt.Fprintln(w, strings.Repeat("=", 110))
}

// renderAlerts displays pending alerts
func renderAlerts(w io.Writer, alerts []*core.Alert) {
	if len(alerts) == 0 {
		successColor.Fprintln(w, "No pending alerts")
		return
	}

	headerColor.Fprintln(w, "PENDING ALERTS")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-38s %-10s %-22s %-6s %s\n", "ID", "Severity", "Type", "Count", "Message")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, a := range alerts {
		fmt.Fprintf(w, "%-38s %-10s %-22s %-6d %s\n",
			a.ID, formatSeverity(a.Severity), a.AlertType, a.DuplicateCount+1, a.Message)
	}
	fmt.Fprintln(w, strings.Repeat("=", 110))
}

// renderEscalations displays the escalation queue
func renderEscalations(w io.Writer, escalations []alerting.Escalation) {
	if len(escalations) == 0 {
		successColor.Fprintln(w, "Nothing to escalate")
		return
	}

	headerColor.Fprintln(w, "ESCALATIONS")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-38s %-10s %-10s %-10s %-8s %s\n", "Alert", "Severity", "Status", "Age", "Retries", "Last error")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, e := range escalations {
		fmt.Fprintf(w, "%-38s %-10s %-10s %-10s %-8d %s\n",
			e.Item.AlertID, formatSeverity(e.Item.Severity), e.Item.Status,
			e.Age.Round(time.Second), e.Item.RetryCount, truncate(e.Item.LastError, 40))
	}
	fmt.Fprintln(w, strings.Repeat("=", 100))
}

// renderRoutingRules displays explicit routing rules
func renderRoutingRules(w io.Writer, rules []core.RoutingRule) {
	if len(rules) == 0 {
		infoColor.Fprintln(w, "No explicit routing rules; severity policy applies")
		return
	}

	headerColor.Fprintln(w, "ROUTING RULES")
	headerColor.Fprintln(w, strings.Repeat("=", 90))
	fmt.Fprintf(w, "%-24s %-10s %s\n", "Alert type", "Severity", "Endpoint")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, r := range rules {
		fmt.Fprintf(w, "%-24s %-10s %s\n", r.AlertType, r.Severity, r.EndpointID)
	}
	fmt.Fprintln(w, strings.Repeat("=", 90))
}

// formatSeverity pads before coloring so columns stay aligned
func formatSeverity(s core.Severity) string {
	text := fmt.Sprintf("%-10s", s)
	switch s {
	case core.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(text)
	case core.SeverityWarning:
		return color.New(color.FgYellow).Sprint(text)
	default:
		return color.New(color.FgCyan).Sprint(text)
	}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// formatTime formats a timestamp in UTC
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
