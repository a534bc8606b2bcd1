package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DOCS_URL_KEY", "k")
	t.Setenv("DOCS_DSN", "")
	t.Setenv("DOCS_REDIS_DB", "2")

	c, err := Load([]string{"-dsn", MemoryDSN})
	require.NoError(t, err)
	require.True(t, c.Memory())
	require.Equal(t, "k", c.URLKey)
	require.Equal(t, 2, c.RedisDB)
	require.Equal(t, 3, c.CallbackRetries)
	require.Equal(t, time.Second, c.SchedulerTick)
	require.Equal(t, 5*time.Minute, c.UpdateVersionExpiry)
	require.True(t, c.OpenProtectedFile)
	require.Empty(t, c.NATSServers())
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("DOCS_URL_KEY", "env")
	t.Setenv("DOCS_NATS_URL", "nats://a:4222")

	c, err := Load([]string{
		"-url-key", "flag",
		"-dsn", "postgres://u:p@db/docs",
		"-nats", "nats://a:4222, nats://b:4222",
		"-session-idle", "30s",
	})
	require.NoError(t, err)
	require.Equal(t, "flag", c.URLKey)
	require.False(t, c.Memory())
	require.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, c.NATSServers())
	require.Equal(t, 30*time.Second, c.IdleTimeout)
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("DOCS_URL_KEY", "")

	_, err := Load([]string{"-dsn", "mysql://x"})
	require.ErrorContains(t, err, "missing url key")
	require.ErrorContains(t, err, "unsupported dsn")

	_, err = Load([]string{"-url-key", "k", "-tls-cert", "c.pem"})
	require.ErrorContains(t, err, "go together")

	_, err = Load([]string{"-url-key", "k", "-no-such-flag"})
	require.Error(t, err)
}
