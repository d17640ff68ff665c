package isolation

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipWithoutSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}
}

func TestFallback_RunsCommand(t *testing.T) {
	skipWithoutSh(t)

	var out bytes.Buffer
	cmd := exec.Command("sh", "-c", "echo confined")
	cmd.Stdout = &out

	iso := NewFallbackIsolator()
	wrapped, cleanup, err := iso.Wrap(context.Background(), cmd, Limits{})
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, wrapped.Run())
	assert.Equal(t, "confined\n", out.String())
}

func TestFallback_TimeoutKillsProcess(t *testing.T) {
	skipWithoutSh(t)

	cmd := exec.Command("sh", "-c", "sleep 10")
	iso := NewFallbackIsolator()
	wrapped, cleanup, err := iso.Wrap(context.Background(), cmd, Limits{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer cleanup()

	start := time.Now()
	err = wrapped.Run()
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFallback_PreservesCommandFields(t *testing.T) {
	skipWithoutSh(t)

	dir := t.TempDir()
	var out bytes.Buffer
	cmd := exec.Command("sh", "-c", "pwd && printf '%s' \"$MARKER\"")
	cmd.Dir = dir
	cmd.Env = []string{"MARKER=xyzzy", "PATH=/usr/bin:/bin"}
	cmd.Stdout = &out

	iso := NewFallbackIsolator()
	wrapped, cleanup, err := iso.Wrap(context.Background(), cmd, Limits{})
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, wrapped.Run())
	assert.Contains(t, out.String(), "xyzzy")
}

func TestFallback_CancelledContextRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	iso := NewFallbackIsolator()
	_, _, err := iso.Wrap(ctx, exec.Command("true"), Limits{})
	assert.Error(t, err)
}

func TestFallback_CapsAllFalse(t *testing.T) {
	caps := NewFallbackIsolator().Capabilities()
	assert.False(t, caps.CanLimitMemory)
	assert.False(t, caps.CanLimitCPU)
	assert.False(t, caps.CanLimitNetwork)
	assert.False(t, caps.CanIsolatePID)
}
