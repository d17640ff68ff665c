package isolation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	cgroupRoot     = "/sys/fs/cgroup"
	cgroupPrefix   = "skein"
	cgroupPeriod   = 100000 // standard cpu.max period, microseconds
	cleanupDelay   = 50 * time.Millisecond
	cleanupRetries = 10
)

var _ Isolator = (*CgroupIsolator)(nil)

// CgroupIsolator confines processes with cgroups v2 plus PID and network
// namespaces where the kernel exposes them.
type CgroupIsolator struct {
	base string // e.g. /sys/fs/cgroup/skein
	caps Caps
}

// NewCgroupIsolator probes for cgroups v2 and prepares the skein subtree.
func NewCgroupIsolator() (*CgroupIsolator, error) {
	data, err := os.ReadFile(filepath.Join(cgroupRoot, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroups v2 not available: %w", err)
	}

	available := parseControllers(string(data))
	base := filepath.Join(cgroupRoot, cgroupPrefix)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup base %s: %w", base, err)
	}
	if err := enableControllers(base, available); err != nil {
		return nil, fmt.Errorf("enable cgroup controllers: %w", err)
	}

	return &CgroupIsolator{
		base: base,
		caps: Caps{
			CanLimitMemory:  available["memory"],
			CanLimitCPU:     available["cpu"],
			CanLimitNetwork: true, // CLONE_NEWNET, not a controller
			CanIsolatePID:   available["pids"],
		},
	}, nil
}

func (c *CgroupIsolator) Capabilities() Caps {
	return c.caps
}

func (c *CgroupIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cgPath := filepath.Join(c.base, uuid.New().String())
	if err := os.Mkdir(cgPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cgroup %s: %w", cgPath, err)
	}

	cgFD := -1
	success := false
	defer func() {
		if !success {
			if cgFD >= 0 {
				syscall.Close(cgFD)
			}
			removeCgroup(cgPath)
		}
	}()

	if err := c.applyLimits(cgPath, limits); err != nil {
		return nil, nil, err
	}

	var err error
	cgFD, err = syscall.Open(cgPath, syscall.O_DIRECTORY|syscall.O_RDONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open cgroup fd: %w", err)
	}

	execCtx := ctx
	var timeoutCancel context.CancelFunc
	if limits.Timeout > 0 {
		execCtx, timeoutCancel = context.WithTimeout(ctx, limits.Timeout)
	}

	wrapped := cloneOnContext(execCtx, cmd)

	var cloneflags uintptr
	if c.caps.CanIsolatePID {
		cloneflags |= syscall.CLONE_NEWPID
	}
	if !limits.AllowNetwork && c.caps.CanLimitNetwork {
		cloneflags |= syscall.CLONE_NEWNET
	}
	wrapped.SysProcAttr = &syscall.SysProcAttr{
		UseCgroupFD: true,
		CgroupFD:    cgFD,
		Cloneflags:  cloneflags,
	}

	success = true
	return wrapped, c.reaper(cgFD, cgPath, timeoutCancel), nil
}

// reaper builds the cleanup for a wrapped process: close the FD, kill any
// stragglers in the cgroup, remove the directory.
func (c *CgroupIsolator) reaper(cgFD int, cgPath string, timeoutCancel context.CancelFunc) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			syscall.Close(cgFD)
			if timeoutCancel != nil {
				timeoutCancel()
			}
			removeCgroup(cgPath)
		})
	}
}

func (c *CgroupIsolator) applyLimits(cgPath string, limits Limits) error {
	if limits.MaxMemoryBytes > 0 && c.caps.CanLimitMemory {
		val := strconv.FormatInt(limits.MaxMemoryBytes, 10)
		if err := writeControl(cgPath, "memory.max", val); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
		// Hard ceiling: without this the process spills into swap
		// instead of hitting the OOM killer.
		_ = writeControl(cgPath, "memory.swap.max", "0")
	}
	if limits.MaxCPUPercent > 0 && c.caps.CanLimitCPU {
		if err := writeControl(cgPath, "cpu.max", formatCPUMax(limits.MaxCPUPercent)); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}
	return nil
}

func writeControl(cgPath, file, value string) error {
	return os.WriteFile(filepath.Join(cgPath, file), []byte(value), 0o644)
}

// formatCPUMax converts a percentage (1-100) to cpu.max "QUOTA PERIOD" form.
func formatCPUMax(percent int) string {
	if percent <= 0 || percent > 100 {
		return fmt.Sprintf("max %d", cgroupPeriod)
	}
	return fmt.Sprintf("%d %d", cgroupPeriod*percent/100, cgroupPeriod)
}

// removeCgroup kills everything still in the cgroup and removes the
// directory, retrying because removal requires the group to be empty.
func removeCgroup(cgPath string) {
	if err := os.WriteFile(filepath.Join(cgPath, "cgroup.kill"), []byte("1"), 0o644); err != nil {
		killCgroupProcesses(cgPath)
	}
	for range cleanupRetries {
		if err := os.Remove(cgPath); err == nil {
			return
		}
		time.Sleep(cleanupDelay)
	}
	slog.Warn("isolation: failed to remove cgroup after retries", "path", cgPath)
}

// killCgroupProcesses is the pre-cgroup.kill fallback: SIGKILL each listed PID.
func killCgroupProcesses(cgPath string) {
	procsPath := filepath.Join(cgPath, "cgroup.procs")
	f, err := os.Open(procsPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || pid <= 0 {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			slog.Warn("isolation: failed to kill process in cgroup", "pid", pid, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("isolation: error reading cgroup.procs", "path", procsPath, "error", err)
	}
}

func parseControllers(data string) map[string]bool {
	m := make(map[string]bool)
	for _, c := range strings.Fields(strings.TrimSpace(data)) {
		m[c] = true
	}
	return m
}

// enableControllers delegates the wanted controllers to child cgroups.
func enableControllers(basePath string, controllers map[string]bool) error {
	wanted := []string{"memory", "cpu", "pids"}
	var enable []string
	for _, c := range wanted {
		if controllers[c] {
			enable = append(enable, "+"+c)
		}
	}
	if len(enable) == 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(basePath, "cgroup.subtree_control"),
		[]byte(strings.Join(enable, " ")), 0o644)
}

// NewIsolator picks the strongest confinement the host supports. Cgroup
// setup needs root or a delegated subtree, so failure falls back quietly.
func NewIsolator() (Isolator, error) {
	iso, err := NewCgroupIsolator()
	if err != nil {
		slog.Warn("isolation: cgroups v2 unavailable, using timeout-only fallback", "error", err)
		return NewFallbackIsolator(), nil
	}
	return iso, nil
}
