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
	path := filepath.Join(t.TempDir(), "weft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	// No weft.yaml in a scratch directory: everything defaults.
	oldWD, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { require.NoError(t, os.Chdir(oldWD)) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":4512", cfg.Listen)
	assert.Equal(t, "weft.db", cfg.DBPath)
	assert.Equal(t, 15*time.Second, cfg.SSEHeartbeat)
	assert.Equal(t, time.Minute, cfg.ExpirySweepInterval)
	assert.Empty(t, cfg.GatewayManifest)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "127.0.0.1:9000"
  sse-heartbeat: 5s
db:
  path: /var/lib/weft/data.db
gateway:
  manifest: fragments.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/var/lib/weft/data.db", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.SSEHeartbeat)
	assert.Equal(t, "fragments.yaml", cfg.GatewayManifest)
	// Unset keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.MetricsFlushInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "db:\n  path: from-file.db\n")
	t.Setenv("WEFT_DB_PATH", "from-env.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.DBPath)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, content := range map[string]string{
		"empty listen":   "server:\n  listen: \"\"\n",
		"zero heartbeat": "server:\n  sse-heartbeat: 0\n",
		"negative watch": "server:\n  watch-interval: -1s\n",
		"zero sweep":     "sweep:\n  expiry-interval: 0\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}
