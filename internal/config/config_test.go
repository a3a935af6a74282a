package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadFailsWithoutTunnelHost(t *testing.T) {
	clearEnv(t, "TUNNEL_HOST")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadGeneratesEphemeralKeyWhenUnset(t *testing.T) {
	clearEnv(t, "MASTER_SIG_KEY")
	os.Setenv("TUNNEL_HOST", "tunnel.example.com")
	t.Cleanup(func() { os.Unsetenv("TUNNEL_HOST") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Len(t, cfg.MasterSigKey, 32)
}

func TestLoadParsesBlockLists(t *testing.T) {
	os.Setenv("TUNNEL_HOST", "tunnel.example.com")
	os.Setenv("BLOCKED_SUB_DOMAINS", "admin, root ,,internal")
	os.Setenv("BLOCKED_IPS", "10.0.0.1,10.0.0.2")
	t.Cleanup(func() {
		os.Unsetenv("TUNNEL_HOST")
		os.Unsetenv("BLOCKED_SUB_DOMAINS")
		os.Unsetenv("BLOCKED_IPS")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Contains(t, cfg.BlockedSubDomains, "admin")
	assert.Contains(t, cfg.BlockedSubDomains, "root")
	assert.Contains(t, cfg.BlockedSubDomains, "internal")
	assert.NotContains(t, cfg.BlockedSubDomains, "")
	assert.Contains(t, cfg.BlockedIPs, "10.0.0.1")
}

func TestLoadParsesAllowedHosts(t *testing.T) {
	os.Setenv("TUNNEL_HOST", "tunnel.example.com")
	os.Setenv("ALLOWED_HOSTS", "baz.com, foo.bar ,,")
	t.Cleanup(func() {
		os.Unsetenv("TUNNEL_HOST")
		os.Unsetenv("ALLOWED_HOSTS")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"baz.com", "foo.bar"}, cfg.AllowedHosts)
}

func TestLoadGeneratesInstanceIDWhenUnset(t *testing.T) {
	os.Setenv("TUNNEL_HOST", "tunnel.example.com")
	clearEnv(t, "INSTANCE_ID")
	t.Cleanup(func() { os.Unsetenv("TUNNEL_HOST") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestGetEnvAsDurationFallsBackOnBadValue(t *testing.T) {
	os.Setenv("SOME_DURATION", "not-a-duration")
	t.Cleanup(func() { os.Unsetenv("SOME_DURATION") })
	assert.Equal(t, 3*time.Second, getEnvAsDuration("SOME_DURATION", 3*time.Second))
}
