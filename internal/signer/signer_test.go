package signer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCreatesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.pem")

	kp1, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.NotEmpty(t, kp1.PublicKeyPEM)

	kp2, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.Equal(t, kp1.PublicKeyPEM, kp2.PublicKeyPEM, "second call must load the persisted key, not regenerate")
}

func TestLoadOrGenerateRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem file"), 0o600))

	_, err := LoadOrGenerate(path)
	assert.Error(t, err)
}

func TestGenerateProducesDistinctKeys(t *testing.T) {
	kp1, err := Generate()
	require.NoError(t, err)
	kp2, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, kp1.PublicKeyPEM, kp2.PublicKeyPEM)
}
