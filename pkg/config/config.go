// Package config holds the tunable knobs from spec.md §6 and loads them
// from an optional YAML file layered over compiled-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cuemby/relay/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the full set of recognized knobs.
type Config struct {
	Realization     types.Realization `yaml:"realization"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration   `yaml:"heartbeat_ttl"`
	MsgTTL            time.Duration   `yaml:"msg_ttl"`
	LeaseTTL          time.Duration   `yaml:"lease_ttl"`
	RecvTick          time.Duration   `yaml:"recv_tick"`
	RecvDBPollEvery   time.Duration   `yaml:"recv_db_poll_every"`
	MaxBatchChars     int             `yaml:"max_batch_chars"`
	SendWait          time.Duration   `yaml:"send_wait"`
	BatchSize         int             `yaml:"batch_size"`
	BusyTimeout       time.Duration   `yaml:"busy_timeout"`
	DataDir           string          `yaml:"data_dir"`
}

// Default returns the spec's default knob values.
func Default() Config {
	return Config{
		Realization:       types.Shared,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTTL:      300 * time.Second,
		MsgTTL:            86400 * time.Second,
		LeaseTTL:          30 * time.Second,
		RecvTick:          250 * time.Millisecond,
		RecvDBPollEvery:   2 * time.Second,
		MaxBatchChars:     5000,
		SendWait:          2 * time.Second,
		BatchSize:         50,
		BusyTimeout:       5 * time.Second,
		DataDir:           RootDir(),
	}
}

// Load overlays cfg (typically config.Default()) with the contents of a
// YAML file at path. A missing file is not an error: callers get the
// defaults back unchanged.
func Load(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// RootDir resolves the platform-default filesystem root per spec.md §6,
// falling back to a world-writable scratch directory when the preferred
// location can't be created.
func RootDir() string {
	var preferred, fallback string
	if runtime.GOOS == "windows" {
		preferred = `C:\mcp_msg_pool`
		fallback = `C:\Users\Public\mcp_msg_pool`
	} else {
		home, err := os.UserHomeDir()
		if err == nil && home != "" {
			preferred = filepath.Join(home, ".mcp_msg_pool")
		}
		fallback = "/tmp/mcp_msg_pool"
	}

	if preferred != "" {
		if err := os.MkdirAll(preferred, 0o755); err == nil {
			return preferred
		}
	}
	_ = os.MkdirAll(fallback, 0o755)
	return fallback
}
