package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverlay lists the values that may come from the environment instead of
// the file. Secrets belong here so config files can be committed.
type envOverlay struct {
	TelegramToken string `env:"BRIDGE_TELEGRAM_TOKEN"`
	StoragePath   string `env:"BRIDGE_STORAGE_PATH"`
	DebugToken    string `env:"BRIDGE_DEBUG_TOKEN"`
	SessionsDir   string `env:"BRIDGE_SESSIONS_DIR"`
}

// applyEnv overlays set environment variables onto cfg. environ nil reads
// the process environment.
func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverlay
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	if v := strings.TrimSpace(o.TelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(o.DebugToken); v != "" {
		cfg.Debug.Token = v
	}
	if v := strings.TrimSpace(o.SessionsDir); v != "" {
		cfg.Sessions.Dir = v
	}
	if v := strings.TrimSpace(o.StoragePath); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "sqlite"}
		}
		cfg.Storage.Path = v
	}
	return nil
}
