package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("storage:\n  path: %q\nscheduler:\n  enabled: true\n  timezone: Asia/Shanghai\n", filepath.Join(dir, "apparition.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestMigrateReportsVersion(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)

	out, err := executeCLI(t, "--config", cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 2 (dirty=false)")
}

func TestSchedulesLifecycle(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)

	out, err := executeCLI(t, "-c", cfg, "schedules", "add", "early", "bird", "06:30")
	require.NoError(t, err)
	assert.Contains(t, out, "added trigger 2 (early bird at 06:30)")
	assert.Contains(t, out, "SIGHUP")

	_, err = executeCLI(t, "-c", cfg, "schedules", "add", "bad", "24:00")
	require.Error(t, err)

	out, err = executeCLI(t, "-c", cfg, "schedules", "toggle", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "trigger 2 enabled=false")

	out, err = executeCLI(t, "-c", cfg, "schedules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "1\t19:00\ton\tdaily check-in")
	assert.Contains(t, out, "2\t06:30\toff\tearly bird")

	out, err = executeCLI(t, "-c", cfg, "schedules", "update", "2", "dawn", "05:45")
	require.NoError(t, err)
	assert.Contains(t, out, "updated trigger 2 (dawn at 05:45)")
	out, err = executeCLI(t, "-c", cfg, "schedules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "2\t05:45\toff\tdawn")
	_, err = executeCLI(t, "-c", cfg, "schedules", "edit", "9", "ghost", "05:45")
	require.Error(t, err)

	_, err = executeCLI(t, "-c", cfg, "schedules", "rm", "2")
	require.NoError(t, err)
	_, err = executeCLI(t, "-c", cfg, "schedules", "delete", "2")
	require.Error(t, err)
}

func TestAccountsAndLogsEmpty(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)

	out, err := executeCLI(t, "-c", cfg, "accounts")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "LAST CHECK-IN")

	out, err = executeCLI(t, "-c", cfg, "logs", "--limit", "5")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = executeCLI(t, "-c", cfg, "logs", "--limit", "0")
	require.Error(t, err)
}

func TestCheckinNeedsTarget(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)

	_, err := executeCLI(t, "-c", cfg, "checkin")
	require.Error(t, err)
	_, err = executeCLI(t, "-c", cfg, "checkin", "--account", "1", "--all")
	require.Error(t, err)
}

func TestMissingConfig(t *testing.T) {
	t.Parallel()
	_, err := executeCLI(t, "-c", filepath.Join(t.TempDir(), "nope.json"), "accounts")
	require.Error(t, err)
}
