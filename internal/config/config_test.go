package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REALMD_SIGNING_SECRET", testSecret)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 5, cfg.Session.MaxPerAccount)
	assert.Equal(t, 5, cfg.Gameplay.MaxCharactersPerAccount)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTokenTTL)
}

func TestLoadYAMLFile(t *testing.T) {
	t.Setenv("REALMD_SIGNING_SECRET", testSecret)

	dir := t.TempDir()
	path := filepath.Join(dir, "realmd.yaml")
	data := []byte(`
server:
  listen_addr: ":9090"
session:
  ttl: 10m
  max_per_account: 3
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 10*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 3, cfg.Session.MaxPerAccount)
	// Untouched sections keep defaults.
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("REALMD_SIGNING_SECRET", testSecret)
	t.Setenv("REALMD_LISTEN_ADDR", ":7777")
	t.Setenv("REALMD_SESSION_TTL", "5m")

	dir := t.TempDir()
	path := filepath.Join(dir, "realmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \":9090\"\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.Session.TTL)
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg := Default()
	cfg.Auth.SigningSecret = ""
	assert.Error(t, cfg.Validate())

	cfg.Auth.SigningSecret = "short"
	assert.Error(t, cfg.Validate())

	cfg.Auth.SigningSecret = testSecret
	assert.NoError(t, cfg.Validate())
}
