package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsUsable(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.ListenAddr)
	assert.NotEmpty(t, cfg.KeyFile)
	assert.NotEmpty(t, cfg.LogLevel)
}

func TestLoadLayersOverDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p4p2pd.toml")
	body := `
listen_addr = "127.0.0.1:9000"
bootstrap = ["10.0.0.1:9595", "10.0.0.2:9595"]
log_pretty = true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, []string{"10.0.0.1:9595", "10.0.0.2:9595"}, cfg.Bootstrap)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, Default().KeyFile, cfg.KeyFile, "fields absent from the file keep their default")
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}
