package process

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunnerCapturesStreamsSeparately(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(0)

	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo err >&2"}})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestExecRunnerReportsExitCode(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(0)

	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo nope >&2; exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "nope\n", res.Stderr)
}

func TestExecRunnerLaunchFailure(t *testing.T) {
	r := NewExecRunner(0)

	_, err := r.Run(context.Background(), Command{Name: "canary-definitely-missing-binary"})
	require.Error(t, err)
}

func TestExecRunnerUsesWorkingDirectory(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	r := NewExecRunner(0)

	res, err := r.Run(context.Background(), Command{Dir: dir, Name: "sh", Args: []string{"-c", "pwd -P"}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Stdout)
}

func TestExecRunnerTimeout(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(50 * time.Millisecond)

	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "sleep 5"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, res.ExitCode)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "cargo", Command{Name: "cargo"}.String())
	assert.Equal(t, "cargo fmt -- --check", Command{Name: "cargo", Args: []string{"fmt", "--", "--check"}}.String())
}
