// Package config loads the environment-driven settings described in
// the external-interfaces section: base directories, pool defaults,
// and default resource limits. Every field has a default; none are
// required for the core to run in tests.
package config

import (
	"os"
	"strconv"
)

// Config is the process-wide configuration for one orchestrator node.
type Config struct {
	DataDir      string // bbolt file lives here
	StateBaseDir string
	SecretsBaseDir string
	SocketBaseDir  string

	DefaultMinIdle          int
	DefaultMaxSize          int
	DefaultIdleTimeoutMs    int64
	DefaultAcquireTimeoutMs int64
	DefaultEvictionIntervalMs int64

	DefaultCPUShares  int64
	DefaultMemoryBytes int64

	ReaperPollIntervalMs int64
	ReaperMaxWalkEntries int

	ActivityLogMaxEvents int
	ActivityLogTrimEvery int

	ContainerdSocket string
}

// Default returns the configuration any component should fall back to
// when no override is present.
func Default() Config {
	return Config{
		DataDir:        "/var/lib/poolkeeper/store.db",
		StateBaseDir:   "/var/lib/poolkeeper/state",
		SecretsBaseDir: "/var/lib/poolkeeper/secrets",
		SocketBaseDir:  "/var/lib/poolkeeper/sockets",

		DefaultMinIdle:            0,
		DefaultMaxSize:            10,
		DefaultIdleTimeoutMs:      0,
		DefaultAcquireTimeoutMs:   30_000,
		DefaultEvictionIntervalMs: 5_000,

		DefaultCPUShares:   1024,
		DefaultMemoryBytes: 512 * 1024 * 1024,

		ReaperPollIntervalMs: 5_000,
		ReaperMaxWalkEntries: 10_000,

		ActivityLogMaxEvents: 10_000,
		ActivityLogTrimEvery: 100,

		ContainerdSocket: "/run/containerd/containerd.sock",
	}
}

// FromEnv overlays environment variables on top of Default.
func FromEnv() Config {
	cfg := Default()

	cfg.DataDir = stringEnv("POOLKEEPER_DATA_DIR", cfg.DataDir)
	cfg.StateBaseDir = stringEnv("POOLKEEPER_STATE_DIR", cfg.StateBaseDir)
	cfg.SecretsBaseDir = stringEnv("POOLKEEPER_SECRETS_DIR", cfg.SecretsBaseDir)
	cfg.SocketBaseDir = stringEnv("POOLKEEPER_SOCKET_DIR", cfg.SocketBaseDir)

	cfg.DefaultMinIdle = intEnv("POOLKEEPER_DEFAULT_MIN_IDLE", cfg.DefaultMinIdle)
	cfg.DefaultMaxSize = intEnv("POOLKEEPER_DEFAULT_MAX_SIZE", cfg.DefaultMaxSize)
	cfg.DefaultIdleTimeoutMs = int64Env("POOLKEEPER_DEFAULT_IDLE_TIMEOUT_MS", cfg.DefaultIdleTimeoutMs)
	cfg.DefaultAcquireTimeoutMs = int64Env("POOLKEEPER_DEFAULT_ACQUIRE_TIMEOUT_MS", cfg.DefaultAcquireTimeoutMs)
	cfg.DefaultEvictionIntervalMs = int64Env("POOLKEEPER_DEFAULT_EVICTION_INTERVAL_MS", cfg.DefaultEvictionIntervalMs)

	cfg.DefaultCPUShares = int64Env("POOLKEEPER_DEFAULT_CPU_SHARES", cfg.DefaultCPUShares)
	cfg.DefaultMemoryBytes = int64Env("POOLKEEPER_DEFAULT_MEMORY_BYTES", cfg.DefaultMemoryBytes)

	cfg.ReaperPollIntervalMs = int64Env("POOLKEEPER_REAPER_POLL_INTERVAL_MS", cfg.ReaperPollIntervalMs)
	cfg.ReaperMaxWalkEntries = intEnv("POOLKEEPER_REAPER_MAX_WALK_ENTRIES", cfg.ReaperMaxWalkEntries)

	cfg.ActivityLogMaxEvents = intEnv("POOLKEEPER_ACTIVITY_MAX_EVENTS", cfg.ActivityLogMaxEvents)
	cfg.ActivityLogTrimEvery = intEnv("POOLKEEPER_ACTIVITY_TRIM_EVERY", cfg.ActivityLogTrimEvery)

	cfg.ContainerdSocket = stringEnv("POOLKEEPER_CONTAINERD_SOCKET", cfg.ContainerdSocket)

	return cfg
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func int64Env(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
