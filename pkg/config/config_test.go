package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/caravan/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "caravan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "node: 100\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cfg.Node)
	assert.Equal(t, uint64(64), cfg.CacheService)
	assert.Equal(t, 4096, cfg.PoolBlocks)
	assert.Equal(t, uint32(64), cfg.QueueDepth)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
node: 100
cache_service: 99
pool_blocks: 1024
log_level: debug
offload:
  backend: file
  base_directory: /var/lib/caravan
clas:
  - type: udp
    local: ":4556"
    remote: "peer:4556"
    routes:
      - dest: 200
        mask: 18446744073709551615
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), cfg.CacheService)
	assert.Equal(t, 1024, cfg.PoolBlocks)
	assert.Equal(t, "file", cfg.Offload.Backend)
	require.Len(t, cfg.CLAs, 1)
	assert.Equal(t, "udp", cfg.CLAs[0].Type)
	require.Len(t, cfg.CLAs[0].Routes, 1)
	assert.Equal(t, uint64(200), cfg.CLAs[0].Routes[0].Dest)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []string{
		"pool_blocks: 1024\n",           // missing node
		"node: 1\npool_blocks: 4\n",     // pool too small
		"node: 1\nqueue_depth: 0\n",     // queue disabled
		"node: 1\nclas:\n  - type: x\n", // unknown cla
		"node: 1\noffload:\n  backend: tape\n",
	}
	for _, content := range cases {
		_, err := Load(writeConfig(t, content))
		require.ErrorIs(t, err, types.ErrInvalidArgument, "config %q", content)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}
