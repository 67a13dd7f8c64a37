package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Hostname)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Cluster.PeerPollInterval)
	assert.Equal(t, uint32(3), cfg.Cluster.DefaultReplicationFactor)
	assert.Equal(t, uint32(600), cfg.Cluster.DefaultConsistencyHorizon)
	assert.Equal(t, 0.8, cfg.Compaction.HighWaterMark)
	assert.Len(t, cfg.Layers(), 2)
	assert.Equal(t, "localhost:9090", cfg.Address())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  hostname: node-a
  port: 7000
  max_connections: 64
storage:
  db_uri: postgres://samoa@db/samoa
  default_layers:
    - storage_size: 65536
      index_size: 64
cluster:
  seeds: [node-b:7000, node-c:7000]
  peer_poll_interval: 1m
gossip:
  enabled: true
logging:
  format: console
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a:7000", cfg.Address())
	assert.Equal(t, 64, cfg.Server.MaxConnections)
	assert.Equal(t, "postgres://samoa@db/samoa", cfg.Storage.DBURI)
	assert.Equal(t, []string{"node-b:7000", "node-c:7000"}, cfg.Cluster.Seeds)
	assert.Equal(t, time.Minute, cfg.Cluster.PeerPollInterval)
	assert.True(t, cfg.Gossip.Enabled)
	assert.Equal(t, 7946, cfg.Gossip.BindPort)

	layers := cfg.Layers()
	require.Len(t, layers, 1)
	assert.Equal(t, uint64(65536), layers[0].StorageSize)
	assert.Equal(t, uint32(64), layers[0].IndexSize)
}

func TestLoadOverlay(t *testing.T) {
	path := writeConfig(t, "server:\n  hostname: node-a\n  port: 7000\n")

	v := viper.New()
	v.Set("server.port", 7100)
	v.Set("cluster.seeds", []string{"node-z:7000"})
	v.Set("logging.level", "debug")

	cfg, err := Load(path, v)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Server.Hostname)
	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, []string{"node-z:7000"}, cfg.Cluster.Seeds)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadOverlayFromEnvironment(t *testing.T) {
	t.Setenv("SAMOA_SERVER_HOSTNAME", "from-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), NewViper())
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.Hostname)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", "server: [\n"},
		{"port", "server:\n  port: 70000\n"},
		{"layer without index", "storage:\n  default_layers:\n    - storage_size: 4096\n"},
		{"layer too large", "storage:\n  default_layers:\n    - storage_size: 134217728\n      index_size: 64\n"},
		{"high water mark", "compaction:\n  high_water_mark: 1.5\n"},
		{"format", "logging:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
