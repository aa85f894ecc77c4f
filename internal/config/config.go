// Package config loads Dispatch's run-session-core configuration: a
// config.toml file layered with environment variable overrides, validated
// once at startup. None of these values are hot-reloadable.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for the run-session-core daemon.
type Config struct {
	// AuthKey is the shared secret clients present via the "auth" message.
	// Left empty here if it should be generated/loaded from disk instead
	// (see internal/auth).
	AuthKey string `toml:"auth_key,omitempty"`
	// WorkspaceRoot is the absolute path prefix workspace paths must fall
	// under; enforced defensively by internal/workspace.
	WorkspaceRoot string `toml:"workspace_root"`
	// DataDir holds the event-store database file and the auth key file.
	DataDir string `toml:"-"`
	// LogLevel is one of debug|info|warn|error.
	LogLevel string `toml:"log_level"`
	// ListenAddr is an optional "host:port" for the WebSocket listener.
	// Empty means no network listener — only the local Unix socket.
	ListenAddr string `toml:"listen_addr,omitempty"`
	// SocketPath is the Unix domain socket path for local clients.
	SocketPath string `toml:"socket_path,omitempty"`
}

func defaults(dataDir string) *Config {
	return &Config{
		DataDir:    dataDir,
		LogLevel:   "info",
		SocketPath: filepath.Join(dataDir, "dispatch.sock"),
	}
}

// Load reads config.toml from dataDir (if present), applies environment
// variable overrides, and validates the result. Nothing here is
// hot-reloadable: callers load once at startup and treat the result as
// immutable.
func Load(dataDir string) (*Config, error) {
	cfg := defaults(dataDir)

	path := filepath.Join(dataDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg.DataDir = dataDir
	}

	if v := os.Getenv("DISPATCH_AUTH_KEY"); v != "" {
		cfg.AuthKey = v
	}
	if v := os.Getenv("DISPATCH_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("DISPATCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DISPATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DISPATCH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.DataDir, "dispatch.sock")
	}

	if cfg.WorkspaceRoot == "" {
		return nil, fmt.Errorf("workspace root not configured (set workspace_root in config.toml or DISPATCH_WORKSPACE_ROOT)")
	}
	if !filepath.IsAbs(cfg.WorkspaceRoot) {
		return nil, fmt.Errorf("workspace root %q must be an absolute path", cfg.WorkspaceRoot)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}

	return cfg, nil
}
