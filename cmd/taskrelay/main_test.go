package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taskrelay/internal/config"
	"github.com/mattjoyce/taskrelay/internal/inspect"
	"github.com/mattjoyce/taskrelay/internal/log"
	"github.com/mattjoyce/taskrelay/internal/storage"
	"github.com/mattjoyce/taskrelay/internal/task"
)

func TestMain(m *testing.M) {
	log.Setup("error", "text")
	color.NoColor = true
	os.Exit(m.Run())
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, body string) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return dir, path
}

func baseConfig(stateDir string) string {
	return `
service:
  log_level: error
state:
  path: ` + filepath.Join(stateDir, "taskrelay.db") + `
api:
  enabled: true
  listen: 127.0.0.1:0
  auth:
    tokens:
      - token: agent-secret
        scopes: [agent]
      - token: ops-secret
        scopes: [tasks:rw, agents:rw]
log_streaming:
  url: https://logs.example.com
  service_token: svc
`
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func TestVersionJSON(t *testing.T) {
	stdout, _, err := runCLI(t, "version", "--json")
	require.NoError(t, err)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
}

func TestVersionRejectsArgs(t *testing.T) {
	_, _, err := runCLI(t, "version", "extra")
	assert.Error(t, err)
}

func TestColorizeReportKeepsText(t *testing.T) {
	report := "Configuration invalid (1 error(s), 0 warning(s))\n  ERROR [nats] nats.stream: required\n"
	assert.Equal(t, report, colorizeReport(report))
}

func TestShortenCommit(t *testing.T) {
	assert.Equal(t, "abc", shortenCommit("abc"))
	assert.Equal(t, "0123456789ab", shortenCommit("0123456789abcdef"))
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	got, ok := normalizeBuildTimeUTC("2026-02-01T10:00:00+02:00")
	require.True(t, ok)
	assert.Equal(t, "2026-02-01T08:00:00Z", got)

	_, ok = normalizeBuildTimeUTC("unknown")
	assert.False(t, ok)
	_, ok = normalizeBuildTimeUTC("yesterday")
	assert.False(t, ok)
}

func TestConfigCheck(t *testing.T) {
	_, path := writeConfig(t, baseConfig(t.TempDir()))

	stdout, _, err := runCLI(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Configuration valid.")
}

func TestConfigCheckStrictWarnings(t *testing.T) {
	_, path := writeConfig(t, baseConfig(t.TempDir())+"selection_log:\n  enabled: false\n  max_batch: 100\n")

	stdout, _, err := runCLI(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "selection_log.enabled")

	_, _, err = runCLI(t, "config", "check", "--strict", "--config", path)
	assert.Equal(t, 2, exitCode(err))
}

func TestConfigCheckErrorsJSON(t *testing.T) {
	_, path := writeConfig(t, baseConfig(t.TempDir())+"nats:\n  url: nats://127.0.0.1:4222\n  subject_prefix: taskrelay.*\n")

	stdout, _, err := runCLI(t, "config", "check", "--json", "--config", path)
	assert.Equal(t, 1, exitCode(err))

	var result struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Field string `json:"field"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "nats.subject_prefix", result.Errors[0].Field)
}

func TestConfigLock(t *testing.T) {
	dir, path := writeConfig(t, baseConfig(t.TempDir()))

	stdout, _, err := runCLI(t, "config", "lock", "--dry-run", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Dry run")
	assert.NoFileExists(t, filepath.Join(dir, ".checksums"))

	stdout, _, err = runCLI(t, "config", "lock", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "config.yaml")
	assert.FileExists(t, filepath.Join(dir, ".checksums"))

	_, _, err = runCLI(t, "config", "check", "--config", path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("# tampered\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, _, err = runCLI(t, "config", "check", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verification failed")
}

func TestTaskInspect(t *testing.T) {
	stateDir := t.TempDir()
	_, path := writeConfig(t, baseConfig(stateDir))

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(stateDir, "taskrelay.db"))
	require.NoError(t, err)
	store := task.NewStore(task.NewSQLiteBackend(db))
	_, err = store.Enqueue(ctx, task.EnqueueRequest{Tenant: "acme", ID: "t1"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	stdout, _, err := runCLI(t, "task", "inspect", "acme", "t1", "--json", "--config", path)
	require.NoError(t, err)
	var report inspect.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, "QUEUED", report.Status)

	_, _, err = runCLI(t, "task", "inspect", "acme", "missing", "--config", path)
	assert.ErrorIs(t, err, inspect.ErrTaskNotFound)
}

func TestBuildAppWiresEveryComponent(t *testing.T) {
	_, path := writeConfig(t, baseConfig(t.TempDir()))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	a, err := buildApp(context.Background(), cfg, log.WithComponent("test"))
	require.NoError(t, err)
	defer a.close()

	assert.NotNil(t, a.api)
	assert.NotNil(t, a.batcher)
	assert.NotNil(t, a.logSink)
	assert.Nil(t, a.nc)

	_, err = buildApp(context.Background(), cfg, log.WithComponent("test"))
	require.Error(t, err, "second instance must not share the state file")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestBuildAppWithoutSelectionLog(t *testing.T) {
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(t.TempDir(), "taskrelay.db")
	cfg.State.Driver = "memory"
	cfg.SelectionLog.Enabled = false
	cfg.API.Enabled = false

	a, err := buildApp(context.Background(), cfg, log.WithComponent("test"))
	require.NoError(t, err)
	defer a.close()

	assert.Nil(t, a.batcher)
	assert.Nil(t, a.api)
	assert.True(t, strings.HasSuffix(a.pidLock.Path(), ".lock"))
}

func TestOpenTaskBackendRejectsUnknownDriver(t *testing.T) {
	_, err := openTaskBackend(context.Background(), config.StateConfig{Driver: "mongo"}, nil)
	assert.Error(t, err)
}
