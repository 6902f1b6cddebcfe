package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/pipeline"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// resetFlags restores package-level flag state between executions.
func resetFlags() {
	configPath, logLevel = "", ""
	runEnv, runDryRun, runID, runAsync, runWait = contract.EnvDev, false, "", false, false
	resumeAsync = false
	decisionGate, decisionNote, decisionApprover, decisionNoResume = "", "", "", false
	statusFormat, listStage, listFormat = "text", "", "text"
	routeKeywordsOnly = false
	dbResetYes = false
	resetHelpFlags(rootCmd)
}

// resetHelpFlags clears cobra's --help flag, which otherwise stays set on the
// shared command tree after a --help execution.
func resetHelpFlags(cmd *cobra.Command) {
	if f := cmd.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
	for _, c := range cmd.Commands() {
		resetHelpFlags(c)
	}
}

// testConfig writes a config with no external collaborators and points
// --config at it. It returns the artifacts directory.
func testConfig(t *testing.T) string {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)
	dir := t.TempDir()
	artifacts := filepath.Join(dir, "requests")
	cfg := "pipeline:\n" +
		"  repo_dir: " + dir + "\n" +
		"  artifacts_dir: " + artifacts + "\n" +
		"vcs:\n  pr_backend: none\n" +
		"llm:\n  provider: none\n" +
		"logging:\n  level: error\n"
	path := filepath.Join(dir, "infrafactory.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	configPath = path
	return artifacts
}

func TestVersionCommand(t *testing.T) {
	resetFlags()
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	resetFlags()
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "resume", "approve", "reject", "status", "list", "summary",
		"route", "config", "db", "serve", "stats", "prompts", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	for _, args := range [][]string{
		{"run", "--help"},
		{"approve", "--help"},
		{"config", "validate", "--help"},
		{"db", "migrate", "--help"},
		{"prompts", "install", "--help"},
	} {
		resetFlags()
		out, err := executeCommand(args...)
		if err != nil {
			t.Errorf("%v failed: %v", args, err)
		}
		if out == "" {
			t.Errorf("%v produced no output", args)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	resetFlags()
	if _, err := executeCommand("nonexistent"); err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}

func TestRunRejectsBadEnvironment(t *testing.T) {
	testConfig(t)
	if _, err := executeCommand("run", "--env", "staging", "add a queue"); err == nil {
		t.Fatal("expected an error for an unknown environment")
	}
}

func TestRunDirectQueryWithoutHandler(t *testing.T) {
	artifacts := testConfig(t)

	out, err := executeCommand("run", "--id", "req-q1", "--async", "list pods in the payments namespace")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Request req-q1: done") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "not handled") {
		t.Errorf("expected the unhandled-query answer:\n%s", out)
	}

	ps, err := pipeline.NewStore(artifacts).Get("req-q1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ps.Route != contract.RouteDirectQuery || ps.Stage != pipeline.StageDone {
		t.Errorf("route=%s stage=%s", ps.Route, ps.Stage)
	}
}

func TestRunChangeWithoutPlannerErrors(t *testing.T) {
	artifacts := testConfig(t)

	out, err := executeCommand("run", "--id", "req-c1", "--env", "tst", "--async", "scale the api deployment to 4 replicas")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Request req-c1: errored") {
		t.Errorf("expected errored without a planner:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(artifacts, "req-c1", pipeline.FileSummary)); err != nil {
		t.Errorf("summary not written: %v", err)
	}

	resetFlags()
	configPath = filepath.Join(filepath.Dir(artifacts), "infrafactory.yaml")
	out, err = executeCommand("summary", "req-c1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !strings.Contains(out, "# Change Request req-c1") {
		t.Errorf("unexpected summary:\n%s", out)
	}
}

func TestStatusAndList(t *testing.T) {
	testConfig(t)
	if _, err := executeCommand("run", "--id", "req-n1", "--async", "hello!"); err != nil {
		t.Fatalf("run: %v", err)
	}
	cfg := configPath

	resetFlags()
	configPath = cfg
	out, err := executeCommand("status", "req-n1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"Request req-n1: hello!", "Stage:         done", "start → routing"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}

	resetFlags()
	configPath = cfg
	out, err = executeCommand("list", "--format", "json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var all []pipeline.PipelineState
	if err := json.Unmarshal([]byte(out), &all); err != nil {
		t.Fatalf("list output is not JSON: %v\n%s", err, out)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 pipeline, got %d", len(all))
	}

	resetFlags()
	configPath = cfg
	if _, err := executeCommand("list", "--stage", "bogus"); err == nil {
		t.Error("expected error for unknown stage filter")
	}
}

func TestApproveNotSuspended(t *testing.T) {
	testConfig(t)
	if _, err := executeCommand("run", "--id", "req-a1", "--async", "hello!"); err != nil {
		t.Fatalf("run: %v", err)
	}
	cfg := configPath

	resetFlags()
	configPath = cfg
	_, err := executeCommand("approve", "req-a1", "--gate", "plan", "--approver", "alice")
	if err == nil || !strings.Contains(err.Error(), "not waiting") {
		t.Errorf("expected a not-suspended error, got %v", err)
	}
}

func TestRouteKeywordsOnly(t *testing.T) {
	resetFlags()
	out, err := executeCommand("route", "--keywords-only", "scale the api deployment to 4 replicas")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !strings.Contains(out, "Route:  full_pipeline") || !strings.Contains(out, "Method: keyword") {
		t.Errorf("unexpected route output:\n%s", out)
	}
}

func TestConfigValidate(t *testing.T) {
	testConfig(t)
	out, err := executeCommand("config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid") {
		t.Errorf("unexpected output: %s", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("pipeline:\n  max_retries: -2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	resetFlags()
	configPath = bad
	out, err = executeCommand("config", "validate")
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(out, "pipeline.max_retries") {
		t.Errorf("validation output should name the field:\n%s", out)
	}
}

func TestDBResetNeedsConfirmation(t *testing.T) {
	testConfig(t)
	if _, err := executeCommand("db", "reset"); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("expected refusal without --yes, got %v", err)
	}
}

func TestPromptsInstall(t *testing.T) {
	resetFlags()
	dir := t.TempDir()
	out, err := executeCommand("prompts", "install", dir)
	if err != nil {
		t.Fatalf("prompts install: %v", err)
	}
	if !strings.Contains(out, "wrote ") {
		t.Errorf("expected templates to be written:\n%s", out)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) == 0 {
		t.Error("no templates installed")
	}
}

func TestNewRequestID(t *testing.T) {
	id := newRequestID()
	if !strings.HasPrefix(id, "req-") || len(id) != 12 {
		t.Errorf("unexpected id %q", id)
	}
	if err := pipeline.ValidateID(id); err != nil {
		t.Errorf("generated id is not valid: %v", err)
	}
}
