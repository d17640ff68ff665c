package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/skein-dev/skein/internal/isolation"
	"github.com/skein-dev/skein/internal/providers"
	"github.com/skein-dev/skein/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellConfig wires the shell provider to an isolator and output limits.
type ShellConfig struct {
	Isolator       isolation.Isolator
	DefaultTimeout time.Duration
	DefaultLimits  isolation.Limits
	MaxOutputSize  int64
}

const shellExecInputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string"},
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "cwd": {"type": "string"},
    "stdin": {"type": "string"},
    "timeout": {"type": "string"},
    "shell": {"type": "boolean", "default": false}
  },
  "required": ["command"]
}`

const shellExecOutputSchema = `{
  "type": "object",
  "properties": {
    "stdout": {"description": "auto-parsed JSON if valid, raw string otherwise"},
    "stdout_raw": {"type": "string", "description": "always the raw string output"},
    "stderr": {"type": "string"},
    "exit_code": {"type": "integer"},
    "duration_ms": {"type": "integer"},
    "killed": {"type": "boolean"}
  }
}`

var _ providers.ActionProvider = (*ShellProvider)(nil)

// ShellProvider runs system commands under the configured isolator,
// capturing stdout, stderr, and exit code.
type ShellProvider struct {
	cfg ShellConfig
}

func NewShellProvider(cfg ShellConfig) *ShellProvider {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewFallbackIsolator()
	}
	return &ShellProvider{cfg: cfg}
}

func (p *ShellProvider) Name() string { return "shell" }

func (p *ShellProvider) Manifest() providers.Manifest {
	return providers.Manifest{
		Provider:    "shell",
		Description: "System command execution under process isolation.",
		Actions: map[string]providers.ActionSpec{
			"exec": {
				Description:  "Execute a system command with process isolation, capturing stdout, stderr, and exit code.",
				InputSchema:  mustSchema(shellExecInputSchema),
				OutputSchema: mustSchema(shellExecOutputSchema),
			},
		},
	}
}

func (p *ShellProvider) Invoke(ctx context.Context, action string, params map[string]any) (any, error) {
	if action != "exec" {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityMismatch, "shell: unknown action %q", action)
	}
	if params == nil {
		params = map[string]any{}
	}
	return p.exec(ctx, params)
}

func (p *ShellProvider) exec(ctx context.Context, params map[string]any) (any, error) {
	command := stringParam(params, "command", "")
	if command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "shell.exec: missing required param 'command'")
	}

	args := stringSliceParam(params, "args")

	var cmd *exec.Cmd
	if boolParam(params, "shell", false) {
		full := command
		if len(args) > 0 {
			full = command + " " + strings.Join(args, " ")
		}
		cmd = exec.Command("/bin/sh", "-c", full)
	} else {
		cmd = exec.Command(command, args...)
	}

	if cwd := stringParam(params, "cwd", ""); cwd != "" {
		if err := p.cfg.DefaultLimits.CheckPath(cwd, isolation.PathRead); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodePathDenied, "shell.exec: cwd path denied: %v", err).WithCause(err)
		}
		cmd.Dir = cwd
	}

	if envMap := stringMapParam(params, "env"); envMap != nil {
		cmd.Env = os.Environ()
		for k, v := range envMap {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if stdin := stringParam(params, "stdin", ""); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	timeout := p.cfg.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	// Own the deadline so a kill is detectable via ctx.Err(); the isolator
	// gets Timeout=0 and everything else from the default limits.
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limits := p.cfg.DefaultLimits
	limits.Timeout = 0

	wrapped, cleanup, err := p.cfg.Isolator.Wrap(execCtx, cmd, limits)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeIsolation, "shell.exec: isolation wrap failed: %v", err).WithCause(err)
	}
	defer cleanup()

	var stdoutBuf, stderrBuf bytes.Buffer
	wrapped.Stdout = &limitedWriter{w: &stdoutBuf, limit: p.cfg.MaxOutputSize}
	wrapped.Stderr = &limitedWriter{w: &stderrBuf, limit: p.cfg.MaxOutputSize}

	start := time.Now()
	runErr := wrapped.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell.exec: %v", runErr).WithCause(runErr)
		}
		if execCtx.Err() == context.DeadlineExceeded {
			killed = true
		}
	}

	// Auto-parse JSON stdout so downstream steps can reference fields,
	// mirroring the http provider's body handling.
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	return map[string]any{
		"stdout":      parsedStdout,
		"stdout_raw":  stdoutStr,
		"stderr":      stderrBuf.String(),
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"killed":      killed,
	}, nil
}

// limitedWriter discards bytes beyond the limit but always reports the full
// length consumed so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
