package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server {
  listen        = ":8080"
  ping_interval = "2s"
  retry_timeout = "1s"
  rate_limit    = 50
}
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "relay.hcl")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDecodesServerBlock(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 50, cfg.Server.RateLimit)
}

func TestLoadRequiresListen(t *testing.T) {
	path := writeTempConfig(t, `server { listen = "" }`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConnConfigAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	connCfg, err := cfg.Server.ConnConfig()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, connCfg.PingInterval)
	assert.Equal(t, time.Second, connCfg.RetryTimeout)
	assert.Equal(t, 50, connCfg.RateLimit)
	assert.Equal(t, 5*time.Second, connCfg.GraceClose)
}
