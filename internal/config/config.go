// Package config loads the relay's configuration: a YAML file over built-in
// defaults, then LIVE_RELAY_* environment overrides. Command-line flags are
// applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LIVE_RELAY_"

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Agent binds a bearer token to the actor id reported in takenOverBy.
type Agent struct {
	Token string `yaml:"token"`
	Actor string `yaml:"actor"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

type RateLimitConfig struct {
	ActionsPerSecond float64 `yaml:"actions_per_second"`
	Burst            int     `yaml:"burst"`
}

// ResponderConfig enables the AI responder bridge.
type ResponderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key,omitempty"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxHistory   int    `yaml:"max_history"`
}

// Config is the live-relay server configuration.
type Config struct {
	Listen         string          `yaml:"listen"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	Agents         []Agent         `yaml:"agents"`
	IngestToken    string          `yaml:"ingest_token"`
	Retention      time.Duration   `yaml:"retention"`
	OwnershipTTL   time.Duration   `yaml:"ownership_ttl"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Store          StoreConfig     `yaml:"store"`
	Responder      ResponderConfig `yaml:"responder"`
	LogLevel       string          `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:         ":8080",
		AllowedOrigins: []string{"localhost:*"},
		Retention:      30 * time.Minute,
		RateLimit:      RateLimitConfig{ActionsPerSecond: 20, Burst: 40},
		Store:          StoreConfig{Backend: BackendMemory},
		LogLevel:       "info",
	}
}

// Load reads path (skipped when empty) over the defaults and applies
// environment overrides. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LIVE_RELAY_* variables. LIVE_RELAY_AGENTS
// takes "token=actor" pairs separated by commas and replaces the agent list.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("LISTEN", &c.Listen)
	str("INGEST_TOKEN", &c.IngestToken)
	str("STORE", &c.Store.Backend)
	str("REDIS_ADDR", &c.Store.Redis.Addr)
	str("REDIS_PASSWORD", &c.Store.Redis.Password)
	str("OPENAI_API_KEY", &c.Responder.APIKey)
	str("OPENAI_BASE_URL", &c.Responder.BaseURL)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = SplitList(v)
	}
	if err := dur("RETENTION", &c.Retention); err != nil {
		return err
	}
	if err := dur("OWNERSHIP_TTL", &c.OwnershipTTL); err != nil {
		return err
	}
	if v, ok := lookup(EnvPrefix + "RESPONDER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sRESPONDER: %w", EnvPrefix, err)
		}
		c.Responder.Enabled = b
	}
	if v, ok := lookup(EnvPrefix + "AGENTS"); ok {
		agents, err := ParseAgents(v)
		if err != nil {
			return err
		}
		c.Agents = agents
	}
	return nil
}

// SplitList splits a comma-separated list, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseAgents parses "token=actor,token2=actor2".
func ParseAgents(s string) ([]Agent, error) {
	var out []Agent
	for _, pair := range SplitList(s) {
		tok, actor, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid agent entry %q, want token=actor", pair)
		}
		out = append(out, Agent{Token: strings.TrimSpace(tok), Actor: strings.TrimSpace(actor)})
	}
	return out, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("at least one agent token is required"))
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		switch {
		case strings.TrimSpace(a.Token) == "":
			errs = append(errs, fmt.Errorf("agents[%d]: empty token", i))
		case seen[a.Token]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate token", i))
		}
		seen[a.Token] = true
		if strings.TrimSpace(a.Actor) == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: empty actor", i))
		}
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}
	if c.OwnershipTTL < 0 {
		errs = append(errs, errors.New("ownership_ttl must not be negative"))
	}
	if c.RateLimit.ActionsPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.Responder.Enabled && c.Responder.APIKey == "" {
		errs = append(errs, errors.New("responder.api_key is required when the responder is enabled"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AgentTokens returns the token → actor table.
func (c Config) AgentTokens() map[string]string {
	m := make(map[string]string, len(c.Agents))
	for _, a := range c.Agents {
		m[a.Token] = a.Actor
	}
	return m
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error").
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return lvl, nil
}
