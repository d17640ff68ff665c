// Command skein runs the workflow engine as an MCP server over stdio,
// with an optional HTTP management panel.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/skein-dev/skein/internal/builtin"
	"github.com/skein-dev/skein/internal/compiler"
	"github.com/skein-dev/skein/internal/conditions"
	"github.com/skein-dev/skein/internal/engine"
	"github.com/skein-dev/skein/internal/expressions"
	"github.com/skein-dev/skein/internal/isolation"
	"github.com/skein-dev/skein/internal/logging"
	"github.com/skein-dev/skein/internal/normalize"
	"github.com/skein-dev/skein/internal/panel"
	"github.com/skein-dev/skein/internal/plugins"
	"github.com/skein-dev/skein/internal/providers"
	"github.com/skein-dev/skein/internal/registry"
	"github.com/skein-dev/skein/internal/scheduler"
	"github.com/skein-dev/skein/internal/secrets"
	"github.com/skein-dev/skein/internal/state"
	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/internal/telemetry"
	"github.com/skein-dev/skein/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("skein exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// Providers: builtins plus MCP plugins.
	schemas := registry.New()
	reg := providers.NewRegistry(schemas)

	iso, err := isolation.NewIsolator()
	if err != nil {
		return err
	}
	limits := isolation.Limits{
		AllowNetwork:  cfg.AllowNetwork,
		ReadablePaths: cfg.ReadablePaths,
		WritablePaths: cfg.WritablePaths,
		DeniedPaths:   cfg.DeniedPaths,
	}
	for _, p := range builtin.Providers(iso, limits) {
		if err := reg.Register(p); err != nil {
			return err
		}
	}

	mgr := plugins.NewManager(reg, logger)
	for _, pc := range cfg.Plugins {
		if err := mgr.Load(ctx, pc); err != nil {
			// A broken plugin should not take the engine down.
			logger.Error("plugin load failed", "plugin", pc.Name, "error", err)
		}
	}
	defer mgr.StopAll()

	resolver, err := secretResolver(cfg, st, logger)
	if err != nil {
		return err
	}

	hub := telemetry.NewMemoryHub()
	stateMgr := state.NewManager(st, hub, logger)
	norm := normalize.New(schemas)

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	comp, err := compiler.New(schemas,
		compiler.WithActionLookup(reg),
		compiler.WithCELEngine(cel),
	)
	if err != nil {
		return err
	}

	engCfg := engine.DefaultConfig()
	engCfg.PoolSize = cfg.PoolSize
	engCfg.Env = cfg.Env
	engCfg.Secrets = resolver
	eng, err := engine.New(engine.Dependencies{
		Store:      st,
		Providers:  reg,
		Normalizer: norm,
		Conditions: conditions.NewEvaluator(cel),
		Expr:       expressions.NewExprEngine(),
		JQ:         expressions.NewGoJQEngine(),
		State:      stateMgr,
		Hub:        hub,
		Compiler:   comp,
		Logger:     logger,
	}, engCfg)
	if err != nil {
		return err
	}

	svc, err := scheduler.NewService(comp, eng, st, stateMgr, logger)
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler(st, svc, cfg.scheduleInterval(), logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if cfg.Panel {
		startPanel(ctx, cfg, st, svc, hub, logger)
	}

	srv := mcp.NewSkeinServer(mcp.ServerDeps{
		Service: svc,
		Store:   st,
		Hub:     hub,
		Logger:  logger,
	})
	logger.Info("skein ready", "db", cfg.DBPath, "panel", cfg.Panel, "version", version)
	return srv.Serve(ctx)
}

// secretResolver builds the {{secrets.KEY}} resolver when a vault
// passphrase is configured, nil otherwise.
func secretResolver(cfg Config, st store.Store, logger *slog.Logger) (expressions.SecretResolver, error) {
	if cfg.VaultPassphrase == "" {
		return nil, nil
	}
	salt, err := loadOrCreateSalt()
	if err != nil {
		return nil, err
	}
	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       salt,
	})
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		value, err := vault.Resolve(context.Background(), key)
		if err != nil {
			logger.Warn("secret resolution failed", "key", key, "error", err)
			return "", false
		}
		return string(value), true
	}, nil
}

// startPanel serves the management API in the background and shuts it down
// when ctx is cancelled.
func startPanel(ctx context.Context, cfg Config, st store.Store, svc *scheduler.Service, hub telemetry.Hub, logger *slog.Logger) {
	p := panel.NewServer(panel.Deps{Store: st, Service: svc, Hub: hub, Logger: logger})
	httpSrv := &http.Server{Addr: cfg.PanelAddr, Handler: p.Handler()}

	go func() {
		logger.Info("panel listening", "addr", cfg.PanelAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("panel server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// stdout carries the MCP stdio transport, so logs go to stderr.
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
