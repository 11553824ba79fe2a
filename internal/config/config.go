// Package config loads daemon configuration from an optional KDL file,
// falling back to the defaults mandated by the specification.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config is the daemon-wide configuration. Every field has a sane default
// so the daemon runs correctly with no config file present at all.
type Config struct {
	Version int

	// SocketPath overrides the deterministic per-user IPC socket path.
	// Empty means "compute the default from $TMPDIR and the current user".
	SocketPath string

	// DatabaseDir is the root directory for the embedded storage backend.
	// Empty means "compute the default under the user's cache directory".
	DatabaseDir string

	IdleTimeout    time.Duration
	IdleCheckEvery time.Duration
	Pool           Pool
	Health         Health
	RegistryPath   string // optional lsp-servers.toml override
	MaxGoroutines  int    // ceiling for CPU-bound worker pool (parsing/hashing)
}

// Pool mirrors the per-(language, workspace) pool parameters of spec.md §4.5.
type Pool struct {
	MinSize               int
	MaxSize               int
	MaxRequestsPerServer  int
	InitializationTimeout time.Duration
}

// Health mirrors the health monitor parameters of spec.md §4.7.
type Health struct {
	FailureThreshold int
	CheckInterval    time.Duration
	CheckTimeout     time.Duration
}

// Default returns the configuration used when no KDL file is present.
func Default() *Config {
	return &Config{
		Version:        1,
		IdleTimeout:    24 * time.Hour,
		IdleCheckEvery: 60 * time.Second,
		Pool: Pool{
			MinSize:               1,
			MaxSize:               4,
			MaxRequestsPerServer:  100,
			InitializationTimeout: 30 * time.Second,
		},
		Health: Health{
			FailureThreshold: 3,
			CheckInterval:    30 * time.Second,
			CheckTimeout:     5 * time.Second,
		},
		MaxGoroutines: runtime.NumCPU(),
	}
}

// Load reads an optional `.lsp-daemon.kdl` from dir (falling back to the
// user's home directory, project overrides home) and merges it over
// Default(). A missing file is not an error.
func Load(dir string) (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		if homeCfg, err := LoadKDL(filepath.Join(home, ".lsp-daemon.kdl")); err == nil && homeCfg != nil {
			mergeInto(cfg, homeCfg)
		}
	}

	if dir != "" {
		if projCfg, err := LoadKDL(filepath.Join(dir, ".lsp-daemon.kdl")); err == nil && projCfg != nil {
			mergeInto(cfg, projCfg)
		} else if err != nil {
			return nil, err
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeInto overlays any non-zero field from src onto dst. KDL files are
// expected to specify only the settings they want to override.
func mergeInto(dst, src *Config) {
	if src.SocketPath != "" {
		dst.SocketPath = src.SocketPath
	}
	if src.DatabaseDir != "" {
		dst.DatabaseDir = src.DatabaseDir
	}
	if src.IdleTimeout != 0 {
		dst.IdleTimeout = src.IdleTimeout
	}
	if src.IdleCheckEvery != 0 {
		dst.IdleCheckEvery = src.IdleCheckEvery
	}
	if src.RegistryPath != "" {
		dst.RegistryPath = src.RegistryPath
	}
	if src.MaxGoroutines != 0 {
		dst.MaxGoroutines = src.MaxGoroutines
	}
	if src.Pool.MinSize != 0 {
		dst.Pool.MinSize = src.Pool.MinSize
	}
	if src.Pool.MaxSize != 0 {
		dst.Pool.MaxSize = src.Pool.MaxSize
	}
	if src.Pool.MaxRequestsPerServer != 0 {
		dst.Pool.MaxRequestsPerServer = src.Pool.MaxRequestsPerServer
	}
	if src.Pool.InitializationTimeout != 0 {
		dst.Pool.InitializationTimeout = src.Pool.InitializationTimeout
	}
	if src.Health.FailureThreshold != 0 {
		dst.Health.FailureThreshold = src.Health.FailureThreshold
	}
	if src.Health.CheckInterval != 0 {
		dst.Health.CheckInterval = src.Health.CheckInterval
	}
	if src.Health.CheckTimeout != 0 {
		dst.Health.CheckTimeout = src.Health.CheckTimeout
	}
}
