package cmd

import (
	"bytes"
	"fmt"
	"os"

	"perfwatch/alerting"
	"perfwatch/core"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newSnoozeCmd creates the 'snooze' command group
func newSnoozeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snooze",
		Short: "Silence alerts for an operation type",
	}
	cmd.AddCommand(newSnoozeAddCmd())
	cmd.AddCommand(newSnoozeListCmd())
	cmd.AddCommand(newSnoozeRevokeCmd())
	return cmd
}

func newSnoozeAddCmd() *cobra.Command {
	var req alerting.SnoozeRequest

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a snooze",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if req.CreatedBy == "" {
				req.CreatedBy = currentUser()
			}
			sn, err := app.Pipeline.Snooze(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to create snooze: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), sn)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Snoozed %s/%s until %s (ID: %s)\n",
					sn.OperationType, sn.AlertType, formatTime(sn.SnoozeUntil), sn.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.OperationType, "operation", core.Wildcard, "Operation type, or ALL")
	cmd.Flags().StringVar(&req.AlertType, "alert-type", core.Wildcard, "Alert type, or ALL")
	cmd.Flags().IntVar(&req.Minutes, "minutes", 60, "Snooze duration in minutes")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Why the alerts are silenced")
	cmd.Flags().StringVar(&req.CreatedBy, "by", "", "Who created the snooze (default: current user)")

	return cmd
}

func newSnoozeListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List snoozes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			snoozes, err := app.Pipeline.ListSnoozes(ctx, !all)
			if err != nil {
				return fmt.Errorf("failed to list snoozes: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), snoozes)
			}
			renderSnoozes(cmd.OutOrStdout(), snoozes, app.Clock.Now())
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include expired and revoked snoozes")
	return cmd
}

func newSnoozeRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "revoke <snooze-id>",
		Aliases: []string{"rm"},
		Short:   "Revoke a snooze",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := app.Pipeline.RevokeSnooze(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to revoke snooze: %w", err)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Snooze %s revoked\n", args[0])
			}
			return nil
		},
	}
}

// newAlertsCmd creates the 'alerts' command group
func newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect and acknowledge alerts",
	}

	var limit int
	pending := &cobra.Command{
		Use:   "pending",
		Short: "List unacknowledged alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			alerts, err := app.Pipeline.PendingAlerts(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), alerts)
			}
			renderAlerts(cmd.OutOrStdout(), alerts)
			return nil
		},
	}
	pending.Flags().IntVar(&limit, "limit", 50, "Maximum alerts")
	cmd.AddCommand(pending)

	var by string
	ack := &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if by == "" {
				by = currentUser()
			}
			alert, err := app.Pipeline.Acknowledge(ctx, args[0], by)
			if err != nil {
				return fmt.Errorf("failed to acknowledge alert: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), alert)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Alert %s acknowledged by %s\n", alert.ID, alert.AcknowledgedBy)
			}
			return nil
		},
	}
	ack.Flags().StringVar(&by, "by", "", "Acknowledger (default: current user)")
	cmd.AddCommand(ack)

	cmd.AddCommand(&cobra.Command{
		Use:   "escalations",
		Short: "List undelivered notifications past their escalation window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			escalations, err := app.Pipeline.EscalationQueue(ctx)
			if err != nil {
				return fmt.Errorf("failed to load escalation queue: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), escalations)
			}
			renderEscalations(cmd.OutOrStdout(), escalations)
			return nil
		},
	})

	return cmd
}

// routingFile is the YAML layout of routing rule import and export files
type routingFile struct {
	Rules []routingFileRule `yaml:"rules"`
}

type routingFileRule struct {
	AlertType  string `yaml:"alert_type"`
	Severity   string `yaml:"severity"`
	EndpointID string `yaml:"endpoint_id"`
}

// parseRoutingFile decodes a routing file, rejecting unknown keys
func parseRoutingFile(data []byte) ([]core.RoutingRule, error) {
	var f routingFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	rules := make([]core.RoutingRule, len(f.Rules))
	for i, r := range f.Rules {
		rules[i] = core.RoutingRule{
			AlertType:  r.AlertType,
			Severity:   core.Severity(r.Severity),
			EndpointID: r.EndpointID,
		}
	}
	return rules, nil
}

func marshalRoutingFile(rules []core.RoutingRule) ([]byte, error) {
	f := routingFile{Rules: make([]routingFileRule, len(rules))}
	for i, r := range rules {
		f.Rules[i] = routingFileRule{AlertType: r.AlertType, Severity: string(r.Severity), EndpointID: r.EndpointID}
	}
	return yaml.Marshal(f)
}

// newRoutingCmd creates the 'routing' command group
func newRoutingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routing",
		Short: "Manage explicit alert routing rules",
		Long: `Manage explicit routing rules. When no rule matches an alert, the severity
policy of the rule tables decides its endpoints.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List routing rules",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			rules, err := app.Pipeline.RoutingRules(ctx)
			if err != nil {
				return fmt.Errorf("failed to list routing rules: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), rules)
			}
			renderRoutingRules(cmd.OutOrStdout(), rules)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Replace routing rules from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			data, err := readImportFile(args[0])
			if err != nil {
				return err
			}
			rules, err := parseRoutingFile(data)
			if err != nil {
				return err
			}

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			stored, err := app.Pipeline.SetRoutingRules(ctx, rules)
			if err != nil {
				return fmt.Errorf("failed to import routing rules: %w", err)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Imported %d routing rules\n", len(stored))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export [file]",
		Short: "Export routing rules as YAML, to a file or stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			rules, err := app.Pipeline.RoutingRules(ctx)
			if err != nil {
				return fmt.Errorf("failed to list routing rules: %w", err)
			}
			data, err := marshalRoutingFile(rules)
			if err != nil {
				return fmt.Errorf("failed to marshal YAML: %w", err)
			}

			if len(args) == 0 {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := validateFilePath(args[0]); err != nil {
				return fmt.Errorf("invalid file path: %w", err)
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Exported %d routing rules to %s\n", len(rules), args[0])
			}
			return nil
		},
	})

	return cmd
}

// currentUser names the operator for audit fields
func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
