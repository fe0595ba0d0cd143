package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"perfwatch/core"
	"perfwatch/vault"

	"github.com/spf13/cobra"
)

// newEndpointsCmd creates the 'endpoints' command group
func newEndpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "endpoints",
		Aliases: []string{"endpoint"},
		Short:   "Manage webhook endpoints",
		Long:    "Manage notification endpoints. URLs are stored encrypted and never displayed.",
	}
	cmd.AddCommand(newEndpointsAddCmd())
	cmd.AddCommand(newEndpointsListCmd())
	cmd.AddCommand(newEndpointsTestCmd())
	cmd.AddCommand(newEndpointsToggleCmd("enable", true))
	cmd.AddCommand(newEndpointsToggleCmd("disable", false))
	return cmd
}

func newEndpointsAddCmd() *cobra.Command {
	var (
		endpointType string
		name         string
		rawURL       string
		recipient    string
		format       string
		primary      bool
		batch        bool
		disabled     bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a new endpoint",
		Long: `Store a new webhook endpoint. Without --url the URL is read from the first
line of stdin, which keeps it out of shell history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			t, err := core.ParseEndpointType(endpointType)
			if err != nil {
				return err
			}
			if rawURL == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("endpoint URL is required (use --url or stdin)")
				}
				rawURL = strings.TrimSpace(line)
			}

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			id, err := app.Vault.Store(ctx, vault.StoreRequest{
				Type:      t,
				Name:      name,
				URL:       rawURL,
				Recipient: recipient,
				Format:    core.MessageFormat(format),
				Primary:   primary,
				Batch:     batch,
				Disabled:  disabled,
			})
			if err != nil {
				return fmt.Errorf("failed to store endpoint: %w", err)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), map[string]string{"id": id})
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Endpoint stored: %s (ID: %s)\n", name, id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&endpointType, "type", "chat", "Endpoint type (chat, paging, email)")
	cmd.Flags().StringVar(&name, "name", "", "Endpoint name")
	cmd.Flags().StringVar(&rawURL, "url", "", "Webhook URL")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Recipient address (email endpoints)")
	cmd.Flags().StringVar(&format, "format", "", "Message format (json, text, slack, msgpack); default depends on type")
	cmd.Flags().BoolVar(&primary, "primary", false, "Mark as a primary endpoint")
	cmd.Flags().BoolVar(&batch, "batch", false, "Batch notifications to this endpoint")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the endpoint switched off")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newEndpointsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List endpoints",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			eps, err := app.Vault.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list endpoints: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), eps)
			}
			renderEndpoints(cmd.OutOrStdout(), eps)
			return nil
		},
	}
}

func newEndpointsTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <endpoint-id>",
		Short: "Send a test notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			p := startProgress(cmd, "Sending test notification...")
			err = app.Vault.Test(ctx, args[0], app.Notifier)
			p.Stop()

			if outputJSON {
				res := map[string]interface{}{"id": args[0], "ok": err == nil}
				if err != nil {
					res["error"] = err.Error()
				}
				if jerr := outputAsJSON(cmd.OutOrStdout(), res); jerr != nil {
					return jerr
				}
			}
			if err != nil {
				if !outputJSON {
					errorColor.Fprintf(cmd.OutOrStdout(), "✗ Test failed: %v\n", err)
				}
				return fmt.Errorf("endpoint test failed: %w", err)
			}
			if !outputJSON && !quiet {
				successColor.Fprintln(cmd.OutOrStdout(), "✓ Test notification delivered")
			}
			return nil
		},
	}
}

func newEndpointsToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <endpoint-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := app.Vault.SetEnabled(ctx, args[0], enabled); err != nil {
				return fmt.Errorf("failed to %s endpoint: %w", verb, err)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Endpoint %s %sd\n", args[0], verb)
			}
			return nil
		},
	}
}
