package cmd

import (
	"fmt"
	"time"

	"perfwatch/baseline"
	"perfwatch/core"

	"github.com/spf13/cobra"
)

// newRecalcCmd creates the 'recalc' command
func newRecalcCmd() *cobra.Command {
	var (
		lookbackDays int
		minSamples   int
		force        bool
		reason       string
		budget       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "recalc [operation-type]",
		Short: "Recalculate baselines",
		Long: `Recalculate the baseline of one operation type, or of every tracked type
when none is given. A type whose p99 moved less than the minimum change is
left unchanged unless --force is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			r, err := core.ParseRecalcReason(reason)
			if err != nil {
				return err
			}
			opts := app.Recalc.DefaultOptions(r)
			if cmd.Flags().Changed("lookback-days") {
				opts.LookbackDays = lookbackDays
			}
			if cmd.Flags().Changed("min-samples") {
				opts.MinSamples = minSamples
			}
			opts.Force = force
			if err := opts.Validate(); err != nil {
				return err
			}

			p := startProgress(cmd, "Recalculating baselines...")
			var outcomes []baseline.Outcome
			if len(args) == 1 {
				out, _ := app.Recalc.Recalculate(ctx, args[0], opts)
				outcomes = []baseline.Outcome{out}
			} else {
				outcomes, err = app.Recalc.RecalculateAll(ctx, opts, budget)
			}
			p.Stop()
			if err != nil {
				return fmt.Errorf("failed to recalculate baselines: %w", err)
			}

			w := cmd.OutOrStdout()
			if outputJSON {
				if err := outputAsJSON(w, outcomes); err != nil {
					return err
				}
			} else {
				renderOutcomes(w, outcomes)
			}

			failed := 0
			for _, o := range outcomes {
				if o.Status == baseline.StatusFailed || o.Status == baseline.StatusTimeout {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d recalculations failed", failed, len(outcomes))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&lookbackDays, "lookback-days", 7, "Days of samples to include (1-365)")
	cmd.Flags().IntVar(&minSamples, "min-samples", 30, "Minimum samples required (1-1000)")
	cmd.Flags().BoolVar(&force, "force", false, "Store a new baseline even when p99 barely moved")
	cmd.Flags().StringVar(&reason, "reason", "manual", "Reason recorded in history (scheduled, manual, force, maintenance)")
	cmd.Flags().DurationVar(&budget, "budget", 0, "Time budget for a run over all types (0 = none)")

	return cmd
}

// newBaselinesCmd creates the 'baselines' command group
func newBaselinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baselines",
		Short: "Inspect baselines",
	}
	cmd.AddCommand(newBaselinesListCmd())
	cmd.AddCommand(newBaselinesHistoryCmd())
	return cmd
}

func newBaselinesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List active baselines",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			baselines, err := app.Storage.SQLite.ActiveBaselines(ctx)
			if err != nil {
				return fmt.Errorf("failed to list baselines: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), baselines)
			}
			renderBaselines(cmd.OutOrStdout(), baselines)
			return nil
		},
	}
}

func newBaselinesHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <operation-type>",
		Short: "Show baseline changes for an operation type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			history, err := app.Storage.SQLite.BaselineHistory(ctx, args[0], limit)
			if err != nil {
				return fmt.Errorf("failed to load history: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), history)
			}
			renderHistory(cmd.OutOrStdout(), args[0], history)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries")
	return cmd
}

// newJobsCmd creates the 'jobs' command group
func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List or run periodic jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List enabled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			jobs := app.Scheduler.Jobs()
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), jobs)
			}
			for _, j := range jobs {
				fmt.Fprintln(cmd.OutOrStdout(), j)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run <job>",
		Short: "Run one job now (baseline, anomaly, correlation, drain)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			app, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			p := startProgress(cmd, fmt.Sprintf("Running %s job...", args[0]))
			start := time.Now()
			err = app.Scheduler.RunNow(ctx, args[0])
			p.Stop()
			if err != nil {
				return fmt.Errorf("job %s failed: %w", args[0], err)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Job %s completed in %s\n", args[0], time.Since(start).Round(time.Millisecond))
			}
			return nil
		},
	})

	return cmd
}
