package cmd

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"perfwatch/baseline"
	"perfwatch/config"
	"perfwatch/core"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cliEnv points the CLI at a fresh data directory and returns the config path
func cliEnv(t *testing.T) string {
	t.Helper()
	color.NoColor = true
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("PERFWATCH_VAULT_KEY_K1", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("data_paths:\n  data_dir: "+filepath.Join(dir, "data")+"\n"), 0o600))
	return cfgPath
}

// runCLI executes one command line and returns its stdout
func runCLI(t *testing.T, cfgPath, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", cfgPath, "--quiet"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCLI_EndpointLifecycle(t *testing.T) {
	cfg := cliEnv(t)

	out, err := runCLI(t, cfg, "https://hooks.example.com/secret-path\n",
		"endpoints", "add", "--name", "ops", "--type", "chat", "--primary", "--json")
	require.NoError(t, err)
	var created map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	id := created["id"]
	require.NotEmpty(t, id)

	out, err = runCLI(t, cfg, "", "endpoints", "list", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "secret-path")
	var eps []core.WebhookEndpoint
	require.NoError(t, json.Unmarshal([]byte(out), &eps))
	require.Len(t, eps, 1)
	assert.Equal(t, "ops", eps[0].Name)
	assert.True(t, eps[0].Enabled)

	_, err = runCLI(t, cfg, "", "endpoints", "disable", id)
	require.NoError(t, err)
	out, err = runCLI(t, cfg, "", "endpoints", "list", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &eps))
	assert.False(t, eps[0].Enabled)

	_, err = runCLI(t, cfg, "", "endpoints", "enable", "no-such-endpoint")
	assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)
}

func TestCLI_EndpointAddRequiresURL(t *testing.T) {
	cfg := cliEnv(t)
	_, err := runCLI(t, cfg, "", "endpoints", "add", "--name", "ops")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL is required")

	_, err = runCLI(t, cfg, "", "endpoints", "add", "--name", "ops", "--type", "fax", "--url", "https://e.com/h")
	assert.Error(t, err)
}

func TestCLI_RoutingImportExport(t *testing.T) {
	cfg := cliEnv(t)

	out, err := runCLI(t, cfg, "", "endpoints", "add", "--name", "pager", "--type", "paging",
		"--url", "https://pager.example.com/hook", "--json")
	require.NoError(t, err)
	var created map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &created))

	yamlRules := "rules:\n" +
		"  - alert_type: threshold_exceeded\n    severity: CRITICAL\n    endpoint_id: " + created["id"] + "\n"
	require.NoError(t, os.WriteFile("routing.yaml", []byte(yamlRules), 0o600))

	_, err = runCLI(t, cfg, "", "routing", "import", "routing.yaml")
	require.NoError(t, err)

	out, err = runCLI(t, cfg, "", "routing", "export")
	require.NoError(t, err)
	rules, err := parseRoutingFile([]byte(out))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "THRESHOLD_EXCEEDED", rules[0].AlertType)
	assert.Equal(t, core.SeverityCritical, rules[0].Severity)

	_, err = runCLI(t, cfg, "", "routing", "import", "../routing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path traversal")
}

func TestCLI_SnoozeLifecycle(t *testing.T) {
	cfg := cliEnv(t)

	out, err := runCLI(t, cfg, "", "snooze", "add", "--operation", "commit", "--minutes", "30", "--by", "sam", "--json")
	require.NoError(t, err)
	var sn core.Snooze
	require.NoError(t, json.Unmarshal([]byte(out), &sn))
	assert.Equal(t, "commit", sn.OperationType)
	assert.Equal(t, core.Wildcard, sn.AlertType)
	assert.Equal(t, "sam", sn.CreatedBy)

	_, err = runCLI(t, cfg, "", "snooze", "revoke", sn.ID)
	require.NoError(t, err)

	out, err = runCLI(t, cfg, "", "snooze", "list", "--json")
	require.NoError(t, err)
	var active []core.Snooze
	require.NoError(t, json.Unmarshal([]byte(out), &active))
	assert.Empty(t, active)

	_, err = runCLI(t, cfg, "", "snooze", "add", "--minutes", "0")
	assert.True(t, errors.Is(err, core.ErrInvalidParameter), "got %v", err)
}

func TestCLI_RecalcAndJobs(t *testing.T) {
	cfg := cliEnv(t)

	out, err := runCLI(t, cfg, "", "recalc", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out, "no tracked types")

	_, err = runCLI(t, cfg, "", "recalc", "--lookback-days", "0")
	assert.True(t, errors.Is(err, core.ErrInvalidParameter), "got %v", err)

	_, err = runCLI(t, cfg, "", "recalc", "--reason", "whim")
	assert.Error(t, err)

	out, err = runCLI(t, cfg, "", "jobs", "list", "--json")
	require.NoError(t, err)
	var jobs []string
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	assert.ElementsMatch(t, []string{"baseline", "anomaly", "correlation", "drain"}, jobs)

	_, err = runCLI(t, cfg, "", "jobs", "run", "drain")
	require.NoError(t, err)

	_, err = runCLI(t, cfg, "", "jobs", "run", "bogus")
	assert.Error(t, err)

	out, err = runCLI(t, cfg, "", "alerts", "pending", "--json")
	require.NoError(t, err)
	var pending []core.Alert
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	assert.Empty(t, pending)
}

func TestCLI_ConfigShowMasksSecrets(t *testing.T) {
	cfg := cliEnv(t)
	t.Setenv("PERFWATCH_REDIS_PASSWORD", "hunter2")

	out, err := runCLI(t, cfg, "", "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "********")
}

func TestIssueToken(t *testing.T) {
	cfg := config.Default()
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	cfg.Auth.JWTSecret = "too-short"
	_, err := issueToken(cfg, "ops", 0, now)
	assert.Error(t, err)

	cfg.Auth.JWTSecret = ""
	t.Setenv("PERFWATCH_JWT_SECRET", strings.Repeat("s", 40))
	token, err := issueToken(cfg, "ops", 0, now)
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, "perfwatch", claims.Issuer)
	assert.Equal(t, now.Add(cfg.Auth.TokenTTL).Unix(), claims.ExpiresAt.Unix())
}

func TestParseRoutingFile_RejectsUnknownKeys(t *testing.T) {
	_, err := parseRoutingFile([]byte("rules:\n  - alert_type: ALL\n    severity: INFO\n    endpoint: x\n"))
	assert.Error(t, err)

	_, err = parseRoutingFile([]byte("rules: [unterminated\n"))
	assert.Error(t, err)
}

func TestRenderOutcomes(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	renderOutcomes(&buf, []baseline.Outcome{
		{OperationType: "commit", Status: baseline.StatusUpdated, SampleCount: 120,
			Baseline: &core.Baseline{P99: 1500}, PreviousP99: 1000, PercentChange: 50},
		{OperationType: "checkout", Status: baseline.StatusSkipped,
			Err: &core.UnitError{Unit: "checkout", Err: core.ErrInsufficientData}},
	})

	out := buf.String()
	assert.Contains(t, out, "RECALCULATION")
	assert.Contains(t, out, "1500.0")
	assert.Contains(t, out, "+50.0%")
	assert.Contains(t, out, "insufficient")

	buf.Reset()
	renderOutcomes(&buf, nil)
	assert.Contains(t, buf.String(), "No tracked operation types")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
