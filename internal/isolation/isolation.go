package isolation

import (
	"context"
	"os/exec"
	"time"
)

// Caps describes what an Isolator can actually enforce on this host.
type Caps struct {
	CanLimitMemory  bool `json:"can_limit_memory"`
	CanLimitCPU     bool `json:"can_limit_cpu"`
	CanLimitNetwork bool `json:"can_limit_network"`
	CanIsolatePID   bool `json:"can_isolate_pid"`
}

// Isolator wraps a command with platform-specific confinement. The returned
// cleanup must always run after the process finishes, and callers must use
// the returned *exec.Cmd, not the original.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
	Capabilities() Caps
}

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator enforces only the timeout, via os/exec context
// cancellation. Used where no kernel confinement is available.
type FallbackIsolator struct{}

func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	wrapped := cloneOnContext(execCtx, cmd)

	cleanup := func() {
		if cancel != nil {
			cancel()
		}
	}
	return wrapped, cleanup, nil
}

func (f *FallbackIsolator) Capabilities() Caps {
	return Caps{}
}

// cloneOnContext rebuilds cmd on exec.CommandContext so cancellation kills
// the process. Cmd.Cancel is only honored for context-created commands.
func cloneOnContext(ctx context.Context, cmd *exec.Cmd) *exec.Cmd {
	wrapped := exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	// Allow pipe drain after kill.
	wrapped.WaitDelay = 5 * time.Second
	return wrapped
}
