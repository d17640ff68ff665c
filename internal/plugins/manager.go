package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/skein-dev/skein/internal/providers"
)

const (
	healthInterval = 30 * time.Second
	maxPingFails   = 3
	maxBackoff     = 60 * time.Second
)

// Manager owns the plugin subprocesses: it connects them, registers their
// providers, and restarts them with backoff when they stop answering pings.
type Manager struct {
	registry *providers.Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	cfg      Config
	provider *MCPProvider
	cancel   context.CancelFunc
	status   string // healthy, unhealthy, restarting, stopped
}

func NewManager(reg *providers.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: reg,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// Load connects the plugin, registers it as a provider, and starts its
// watchdog. The watchdog lives until Stop or ctx cancellation.
func (m *Manager) Load(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	if _, exists := m.entries[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q already loaded", cfg.Name)
	}
	m.mu.Unlock()

	p, err := Connect(ctx, cfg, m.logger)
	if err != nil {
		return err
	}

	if err := m.registry.Register(p); err != nil {
		_ = p.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.entries[cfg.Name] = &entry{cfg: cfg, provider: p, cancel: cancel, status: "healthy"}
	m.mu.Unlock()

	go m.watchdog(watchCtx, cfg.Name)
	return nil
}

// watchdog pings the plugin on an interval and triggers a reconnect after
// repeated failures.
func (m *Manager) watchdog(ctx context.Context, name string) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	fails := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			e, ok := m.entries[name]
			m.mu.RUnlock()
			if !ok {
				return
			}

			if err := e.provider.Ping(ctx); err != nil {
				fails++
				m.logger.Warn("plugin ping failed",
					slog.String("plugin", name),
					slog.Int("consecutive_failures", fails),
					slog.String("error", err.Error()))
				if fails >= maxPingFails {
					m.setStatus(name, "unhealthy")
					m.reconnect(ctx, name)
					fails = 0
				}
				continue
			}
			fails = 0
			m.setStatus(name, "healthy")
		}
	}
}

// reconnect redials the plugin with exponential backoff and swaps the new
// client into the existing provider, so the registry entry stays valid.
func (m *Manager) reconnect(ctx context.Context, name string) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.setStatus(name, "restarting")

	for attempt := 0; ; attempt++ {
		delay := time.Duration(math.Min(
			float64(time.Second)*math.Pow(2, float64(attempt)),
			float64(maxBackoff),
		))
		m.logger.Info("restarting plugin",
			slog.String("plugin", name),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		cli, tools, err := dial(ctx, e.cfg)
		if err != nil {
			m.logger.Error("plugin restart failed",
				slog.String("plugin", name),
				slog.String("error", err.Error()))
			continue
		}

		e.provider.swap(cli, manifestFromTools(name, tools))
		m.setStatus(name, "healthy")
		m.logger.Info("plugin restarted", slog.String("plugin", name))
		return
	}
}

func (m *Manager) setStatus(name, status string) {
	m.mu.Lock()
	if e, ok := m.entries[name]; ok {
		e.status = status
	}
	m.mu.Unlock()
}

// Stop shuts down one plugin and stops its watchdog. The provider stays in
// the registry but reports unavailable on invoke.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q not found", name)
	}
	delete(m.entries, name)
	m.mu.Unlock()

	e.cancel()
	err := e.provider.Close()
	m.logger.Info("plugin stopped", slog.String("plugin", name))
	return err
}

// StopAll shuts down every plugin, returning the last error seen.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, name := range names {
		if err := m.Stop(name); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Status reports each loaded plugin's health.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.entries))
	for name, e := range m.entries {
		out[name] = e.status
	}
	return out
}
