package main

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/skein-dev/skein/internal/plugins"
)

// Config holds all skein server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string            `json:"db_path"`
	LogLevel         string            `json:"log_level"`
	PoolSize         int               `json:"pool_size"`
	ScheduleInterval int               `json:"schedule_interval_seconds"`
	Panel            bool              `json:"panel"`
	PanelAddr        string            `json:"panel_addr"`
	Env              map[string]string `json:"env,omitempty"`
	Plugins          []plugins.Config  `json:"plugins,omitempty"`

	// Sandbox policy for builtin fs and shell actions.
	AllowNetwork  bool     `json:"allow_network"`
	ReadablePaths []string `json:"readable_paths,omitempty"`
	WritablePaths []string `json:"writable_paths,omitempty"`
	DeniedPaths   []string `json:"denied_paths,omitempty"`

	// VaultPassphrase enables the secret vault. Env var only, never
	// settings.json.
	VaultPassphrase string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(skeinDir(), "skein.db"),
		LogLevel:         "info",
		PoolSize:         10,
		ScheduleInterval: 60,
		PanelAddr:        ":4180",
	}
}

func skeinDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".skein"
	}
	return filepath.Join(home, ".skein")
}

func settingsPath() string {
	return filepath.Join(skeinDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("SKEIN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SKEIN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SKEIN_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("SKEIN_SCHEDULE_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScheduleInterval = n
		}
	}
	if v := os.Getenv("SKEIN_PANEL"); v != "" {
		cfg.Panel = v == "true" || v == "1"
	}
	if v := os.Getenv("SKEIN_PANEL_ADDR"); v != "" {
		cfg.PanelAddr = v
	}
	cfg.VaultPassphrase = os.Getenv("SKEIN_VAULT_PASSPHRASE")

	return cfg
}

func (c Config) scheduleInterval() time.Duration {
	return time.Duration(c.ScheduleInterval) * time.Second
}

// saltPath holds the PBKDF2 salt for the vault passphrase. Generated once
// and reused so derived keys stay stable across restarts.
func saltPath() string {
	return filepath.Join(skeinDir(), "vault.salt")
}

func loadOrCreateSalt() ([]byte, error) {
	if data, err := os.ReadFile(saltPath()); err == nil && len(data) > 0 {
		return data, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(skeinDir(), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(saltPath(), salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}
