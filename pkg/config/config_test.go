package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedKnobs(t *testing.T) {
	cfg := Default()
	assert.Equal(t, types.Shared, cfg.Realization)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 300*time.Second, cfg.HeartbeatTTL)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 5000, cfg.MaxBatchChars)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	base := Default()
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), base)
	require.NoError(t, err)
	assert.Equal(t, base, cfg)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("realization: sharded\nheartbeat_interval: 5s\n"), 0o644))

	cfg, err := Load(path, Default())
	require.NoError(t, err)
	assert.Equal(t, types.Sharded, cfg.Realization)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	// Unset fields keep their base default.
	assert.Equal(t, Default().LeaseTTL, cfg.LeaseTTL)
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	_, err := Load(path, Default())
	assert.Error(t, err)
}
