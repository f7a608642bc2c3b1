package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "tunneld.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultHost, cfg.Server.Host)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultInactivityTimeout, cfg.Server.InactivityTimeout.Duration)
	assert.Equal(t, DefaultRejectionTime, cfg.Server.RejectionTime.Duration)
	assert.True(t, cfg.SFTP.Enabled)
	assert.True(t, cfg.Auth.PublicKey)
	assert.True(t, cfg.Auth.Certificate)
	assert.False(t, cfg.Auth.Password)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[server]
port = 2022
inactivity_timeout = "90s"
rejection_time = "250ms"

[sftp]
root = "/srv/data"
readonly = true

[auth]
publickey = false
password = true
[auth.users]
alice = "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"

[forward]
permitted_targets = ["127.0.0.1:*", "db.internal:5432"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2022, cfg.Server.Port)
	assert.Equal(t, DefaultHost, cfg.Server.Host)
	assert.Equal(t, 90*time.Second, cfg.Server.InactivityTimeout.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.RejectionTime.Duration)
	assert.True(t, cfg.SFTP.Enabled, "unset keys keep defaults")
	assert.Equal(t, "/srv/data", cfg.SFTP.Root)
	assert.True(t, cfg.SFTP.ReadOnly)
	assert.False(t, cfg.Auth.PublicKey)
	assert.True(t, cfg.Auth.Certificate)
	assert.Contains(t, cfg.Auth.Users, "alice")
	assert.Equal(t, []string{"127.0.0.1:*", "db.internal:5432"}, cfg.Forward.PermittedTargets)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, dir, `[server]
inactivity_timeout = "soon"`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, dir, `[server]
cert = "dsa"`))
	require.ErrorContains(t, err, "server.cert")

	_, err = LoadConfig(writeConfig(t, dir, `[auth]
password = true`))
	require.ErrorContains(t, err, "auth.users")

	_, err = LoadConfig(writeConfig(t, dir, `[forward]
permitted_targets = ["127.0.0.1:[1-"]`))
	require.ErrorContains(t, err, "permitted_targets")
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `[forward]
permitted_targets = ["a:1"]`)

	var mu sync.Mutex
	var got *Config
	w, err := NewWatcher(path, func(c *Config) {
		mu.Lock()
		got = c
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, []string{"a:1"}, w.Config().Forward.PermittedTargets)

	writeConfig(t, dir, `[forward]
permitted_targets = ["b:2"]`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && len(got.Forward.PermittedTargets) == 1 && got.Forward.PermittedTargets[0] == "b:2"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"b:2"}, w.Config().Forward.PermittedTargets)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
