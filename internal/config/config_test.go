package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaultsNeedAgents(t *testing.T) {
	cfg := Default()
	require.ErrorContains(t, cfg.Validate(), "at least one agent")

	cfg.Agents = []Agent{{Token: "t", Actor: "a@x.com"}}
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
agents:
  - token: secret-a
    actor: alice@x.com
retention: 45m
ownership_ttl: 2h
store:
  backend: redis
  redis:
    addr: localhost:6379
responder:
  enabled: true
  api_key: sk-test
  model: gpt-4o-mini
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, 45*time.Minute, cfg.Retention)
	require.Equal(t, 2*time.Hour, cfg.OwnershipTTL)
	require.Equal(t, BackendRedis, cfg.Store.Backend)
	require.Equal(t, "localhost:6379", cfg.Store.Redis.Addr)
	require.Equal(t, map[string]string{"secret-a": "alice@x.com"}, cfg.AgentTokens())
	// untouched keys keep their defaults
	require.Equal(t, []string{"localhost:*"}, cfg.AllowedOrigins)
	require.Equal(t, 40, cfg.RateLimit.Burst)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [oops"), 0o644))
	_, err = Load(path)
	require.ErrorContains(t, err, "failed to parse config")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"LIVE_RELAY_LISTEN":          ":7000",
		"LIVE_RELAY_AGENTS":          "t1=alice@x.com, t2=bob@x.com",
		"LIVE_RELAY_ALLOWED_ORIGINS": "app.example.com, ,*.example.com",
		"LIVE_RELAY_RETENTION":       "5m",
		"LIVE_RELAY_STORE":           "redis",
		"LIVE_RELAY_REDIS_ADDR":      "redis:6379",
		"LIVE_RELAY_RESPONDER":       "true",
		"LIVE_RELAY_OPENAI_API_KEY":  "sk-env",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":7000", cfg.Listen)
	require.Equal(t, []Agent{{Token: "t1", Actor: "alice@x.com"}, {Token: "t2", Actor: "bob@x.com"}}, cfg.Agents)
	require.Equal(t, []string{"app.example.com", "*.example.com"}, cfg.AllowedOrigins)
	require.Equal(t, 5*time.Minute, cfg.Retention)
	require.True(t, cfg.Responder.Enabled)
	require.Equal(t, "sk-env", cfg.Responder.APIKey)
}

func TestApplyEnvErrors(t *testing.T) {
	for name, vars := range map[string]map[string]string{
		"duration": {"LIVE_RELAY_RETENTION": "soon"},
		"bool":     {"LIVE_RELAY_RESPONDER": "maybe"},
		"agent":    {"LIVE_RELAY_AGENTS": "no-equals-sign"},
		"ownerTTL": {"LIVE_RELAY_OWNERSHIP_TTL": "1 hour"},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			require.Error(t, cfg.ApplyEnv(env(vars)))
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Agents = []Agent{{Token: "t", Actor: "a"}}
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"duplicate token", func(c *Config) { c.Agents = append(c.Agents, Agent{Token: "t", Actor: "b"}) }, "duplicate token"},
		{"empty token", func(c *Config) { c.Agents[0].Token = " " }, "empty token"},
		{"empty actor", func(c *Config) { c.Agents[0].Actor = "" }, "empty actor"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "unknown store backend"},
		{"redis without addr", func(c *Config) { c.Store.Backend = BackendRedis }, "store.redis.addr"},
		{"zero retention", func(c *Config) { c.Retention = 0 }, "retention"},
		{"negative ttl", func(c *Config) { c.OwnershipTTL = -time.Second }, "ownership_ttl"},
		{"negative rate", func(c *Config) { c.RateLimit.Burst = -1 }, "rate_limit"},
		{"responder without key", func(c *Config) { c.Responder.Enabled = true }, "api_key"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"empty listen", func(c *Config) { c.Listen = "" }, "listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := Config{LogLevel: "debug"}
	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, lvl)

	lvl, err = Config{}.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, lvl)
}
