package builtin

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/isolation"
	"github.com/skein-dev/skein/pkg/schema"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}
}

func invokeShell(t *testing.T, cfg ShellConfig, params map[string]any) (map[string]any, error) {
	t.Helper()
	out, err := NewShellProvider(cfg).Invoke(context.Background(), "exec", params)
	if err != nil {
		return nil, err
	}
	result, ok := out.(map[string]any)
	require.True(t, ok, "shell provider must return a map")
	return result, nil
}

func TestShell_CapturesStdout(t *testing.T) {
	skipWithoutShell(t)

	result, err := invokeShell(t, ShellConfig{}, map[string]any{
		"command": "echo",
		"args":    []any{"hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result["stdout_raw"])
	assert.Equal(t, 0, result["exit_code"])
	assert.Equal(t, false, result["killed"])
}

func TestShell_JSONStdoutAutoParsed(t *testing.T) {
	skipWithoutShell(t)

	result, err := invokeShell(t, ShellConfig{}, map[string]any{
		"command": "echo",
		"args":    []any{`{"ok": true}`},
	})
	require.NoError(t, err)

	parsed, ok := result["stdout"].(map[string]any)
	require.True(t, ok, "valid JSON stdout should be parsed")
	assert.Equal(t, true, parsed["ok"])
	assert.Equal(t, "{\"ok\": true}\n", result["stdout_raw"])
}

func TestShell_NonZeroExitCode(t *testing.T) {
	skipWithoutShell(t)

	result, err := invokeShell(t, ShellConfig{}, map[string]any{
		"command": "sh",
		"args":    []any{"-c", "echo oops >&2; exit 3"},
	})
	require.NoError(t, err, "non-zero exit is a result, not an error")
	assert.Equal(t, 3, result["exit_code"])
	assert.Equal(t, "oops\n", result["stderr"])
}

func TestShell_ShellModeJoinsArgs(t *testing.T) {
	skipWithoutShell(t)

	result, err := invokeShell(t, ShellConfig{}, map[string]any{
		"command": "echo one",
		"args":    []any{"two"},
		"shell":   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "one two\n", result["stdout_raw"])
}

func TestShell_TimeoutKills(t *testing.T) {
	skipWithoutShell(t)

	result, err := invokeShell(t, ShellConfig{}, map[string]any{
		"command": "sleep",
		"args":    []any{"10"},
		"timeout": "100ms",
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["killed"])
	assert.NotEqual(t, 0, result["exit_code"])
}

func TestShell_EnvAndStdin(t *testing.T) {
	skipWithoutShell(t)

	result, err := invokeShell(t, ShellConfig{}, map[string]any{
		"command": "sh",
		"args":    []any{"-c", `printf '%s:' "$MARKER"; cat`},
		"env":     map[string]any{"MARKER": "m1"},
		"stdin":   "from-stdin",
	})
	require.NoError(t, err)
	assert.Equal(t, "m1:from-stdin", result["stdout_raw"])
}

func TestShell_CwdDenied(t *testing.T) {
	skipWithoutShell(t)

	allowed := t.TempDir()
	denied := t.TempDir()
	cfg := ShellConfig{DefaultLimits: isolation.Limits{ReadablePaths: []string{allowed}}}

	_, err := invokeShell(t, cfg, map[string]any{
		"command": "pwd",
		"cwd":     denied,
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePathDenied))
}

func TestShell_CwdApplied(t *testing.T) {
	skipWithoutShell(t)

	dir := t.TempDir()
	result, err := invokeShell(t, ShellConfig{}, map[string]any{
		"command": "pwd",
		"cwd":     dir,
	})
	require.NoError(t, err)
	got := strings.TrimSpace(result["stdout_raw"].(string))
	// TempDir may sit behind a symlink (e.g. /tmp on darwin).
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, got)
}

func TestShell_CommandNotFound(t *testing.T) {
	_, err := invokeShell(t, ShellConfig{}, map[string]any{
		"command": "definitely-not-a-command-xyz",
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestShell_MissingCommand(t *testing.T) {
	_, err := invokeShell(t, ShellConfig{}, map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestShell_UnknownAction(t *testing.T) {
	_, err := NewShellProvider(ShellConfig{}).Invoke(context.Background(), "spawn", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCapabilityMismatch))
}

func TestShell_OutputTruncated(t *testing.T) {
	skipWithoutShell(t)

	result, err := invokeShell(t, ShellConfig{MaxOutputSize: 8}, map[string]any{
		"command": "sh",
		"args":    []any{"-c", "printf '0123456789abcdef'"},
	})
	require.NoError(t, err)
	assert.Equal(t, "01234567", result["stdout_raw"])
	assert.Equal(t, 0, result["exit_code"], "truncation must not block or fail the process")
}

func TestShell_TimeoutDefaultApplied(t *testing.T) {
	p := NewShellProvider(ShellConfig{})
	assert.Equal(t, 30*time.Second, p.cfg.DefaultTimeout)
	assert.NotNil(t, p.cfg.Isolator)
}

func TestLimitedWriter_ReportsFullLength(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 4}

	n, err := lw.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", buf.String())

	n, err = lw.Write([]byte("ghi"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abcd", buf.String())
}
