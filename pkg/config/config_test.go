package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/boydem", cfg.DBPath)
	assert.Equal(t, "/tmp/yodi.log", cfg.LogPath)
	assert.Equal(t, "/tmp/yodi-audit", cfg.AuditDir)
	assert.Equal(t, "/tmp/yodi-logfanin.sock", cfg.LogSockPath)
	assert.Equal(t, 5, cfg.ConnectTries)
	assert.Equal(t, 1000, cfg.ConnectIntervalMs)
	assert.Equal(t, 3000, cfg.ConnectTimeoutMs)
	assert.Equal(t, 1000, cfg.ResultPollMs)
	assert.Equal(t, 110, cfg.CPUSec)
	assert.Equal(t, 120, cfg.RearmInterval)
	assert.Equal(t, 5, cfg.TimeoutSec)
	assert.Equal(t, 1048576, cfg.BufSize)
	assert.Equal(t, "", cfg.MetricsAddr)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("YODI_DB_PATH", "/var/lib/yodi/store.db")
	t.Setenv("YODI_CONNECT_TRIES", "3")
	t.Setenv("YODI_METRICS_ADDR", "127.0.0.1:9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/yodi/store.db", cfg.DBPath)
	assert.Equal(t, 3, cfg.ConnectTries)
	assert.Equal(t, "127.0.0.1:9090", cfg.MetricsAddr)
}

func TestTransportValidate(t *testing.T) {
	valid := Transport{
		Host: "broker.local", URI: "/ws", Port: 8080,
		ClientID: "dev1", User: "bob", Password: "secret",
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name string
		mod  func(t Transport) Transport
	}{
		{"missing host", func(t Transport) Transport { t.Host = ""; return t }},
		{"missing uri", func(t Transport) Transport { t.URI = ""; return t }},
		{"missing client id", func(t Transport) Transport { t.ClientID = ""; return t }},
		{"missing user", func(t Transport) Transport { t.User = ""; return t }},
		{"missing password", func(t Transport) Transport { t.Password = ""; return t }},
		{"port too low", func(t Transport) Transport { t.Port = 0; return t }},
		{"port too high", func(t Transport) Transport { t.Port = 70000; return t }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Error(t, c.mod(valid).Validate())
		})
	}
}
