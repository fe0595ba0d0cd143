// Package cmd implements the perfwatch command line: the server plus
// operator commands for baselines, endpoints, routing, snoozes and alerts.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"perfwatch/bootstrap"
	"perfwatch/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
	verbose    bool
)

const (
	maxImportFileSize = 10 * 1024 * 1024
	defaultTimeout    = 5 * time.Minute
)

// NewRootCmd creates the perfwatch command tree. Without a subcommand it
// runs the server.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "perfwatch",
		Short: "Performance baselines, anomaly detection and alert delivery",
		Long: `perfwatch learns per-operation latency baselines, detects anomalies and
correlated degradations, and routes alerts to webhook endpoints.

Run without a subcommand to start the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		RunE: runServe,
	}

	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: search . and ./config)")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log component activity to stdout")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRecalcCmd())
	root.AddCommand(newBaselinesCmd())
	root.AddCommand(newJobsCmd())
	root.AddCommand(newEndpointsCmd())
	root.AddCommand(newRoutingCmd())
	root.AddCommand(newSnoozeCmd())
	root.AddCommand(newAlertsCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newConfigCmd())

	return root
}

// loadConfig reads the configuration named by --config
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigFrom(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp wires every component without starting jobs or the API server.
// The returned cleanup closes storage.
func openApp(ctx context.Context) (*bootstrap.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger := zap.NewNop()
	if verbose {
		logger, _, err = bootstrap.InitLogger(true)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	app, err := bootstrap.NewAppWithConfig(ctx, cfg, logger, bootstrap.Options{})
	if err != nil {
		return nil, nil, err
	}
	return app, app.Shutdown, nil
}

// validateFilePath rejects paths that escape the working directory,
// including URL-encoded traversal
func validateFilePath(filename string) error {
	decoded, err := url.QueryUnescape(filename)
	if err != nil {
		decoded = filename
	}

	if strings.Contains(decoded, "..") || strings.Contains(filename, "..") {
		return fmt.Errorf("path traversal detected: '..' not allowed in file path")
	}

	absPath, err := filepath.Abs(filepath.Clean(decoded))
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	if absPath != workDir && !strings.HasPrefix(absPath, workDir+string(filepath.Separator)) {
		return fmt.Errorf("path escapes current directory")
	}
	return nil
}

// readImportFile validates and reads a bounded input file
func readImportFile(filename string) ([]byte, error) {
	if err := validateFilePath(filename); err != nil {
		return nil, fmt.Errorf("invalid file path: %w", err)
	}
	info, err := os.Stat(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() > maxImportFileSize {
		return nil, fmt.Errorf("file too large: maximum size is %d bytes, got %d bytes", maxImportFileSize, info.Size())
	}
	return os.ReadFile(filename)
}

// outputAsJSON writes data as indented JSON
func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// commandContext bounds one CLI operation
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, defaultTimeout)
}
