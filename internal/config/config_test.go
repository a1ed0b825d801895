package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: node-1
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Server.NodeID)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 11210, cfg.Server.Port)
	assert.Equal(t, "default", cfg.Bucket.Name)
	assert.Equal(t, 1024, cfg.Bucket.NumVBuckets)
	assert.Equal(t, 3, cfg.Bucket.MaxReplicas)
	assert.Equal(t, 25, cfg.Failover.MaxEntries)
	assert.Equal(t, 25*time.Millisecond, cfg.Durability.TimeoutSweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Durability.DefaultTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: node-2
  port: 12000
bucket:
  name: beer-sample
  num_vbuckets: 64
  max_replicas: 2
durability:
  timeout_sweep_interval: 100ms
failover:
  max_entries: 10
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 12000, cfg.Server.Port)
	assert.Equal(t, "beer-sample", cfg.Bucket.Name)
	assert.Equal(t, 64, cfg.Bucket.NumVBuckets)
	assert.Equal(t, 2, cfg.Bucket.MaxReplicas)
	assert.Equal(t, 100*time.Millisecond, cfg.Durability.TimeoutSweepInterval)
	assert.Equal(t, 10, cfg.Failover.MaxEntries)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing node id", `server: {port: 9000}`},
		{"bad port", `server: {node_id: n1, port: 99999}`},
		{"too many replicas", "server: {node_id: n1}\nbucket: {max_replicas: 4}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.doc)
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
