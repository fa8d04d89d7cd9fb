// Package config holds the gateway configuration.
//
// Everything is env-driven: cmd/gateway loads .env via godotenv, then
// env.Parse fills the Config struct. Quota and cooldown numbers default to
// the values the production deployment runs with.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process-wide configuration, parsed once at startup.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8000"`

	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// ClaudeBaseURL is the upstream web service. Overridable so tests can
	// point clients at an httptest server.
	ClaudeBaseURL string `env:"CLAUDE_BASE_URL" envDefault:"https://claude.ai"`

	// IndexSeed feeds the credential index hash. Changing it renumbers
	// every client, so it is set once per deployment.
	IndexSeed string `env:"CLIENT_INDEX_SEED" envDefault:"rev-claude"`

	// Tenant key quota window.
	WindowSeconds int `env:"API_KEY_REFRESH_INTERVAL" envDefault:"10800"`
	BasicMaxUsage int `env:"BASIC_KEY_MAX_USAGE" envDefault:"10"`
	PlusMaxUsage  int `env:"PLUS_KEY_MAX_USAGE" envDefault:"60"`
	AbuseCutoff   int `env:"ACCOUNT_DELETE_LIMIT" envDefault:"150"`

	// Per-credential cooldown inferred from upstream exceeded_limit payloads.
	CooldownSeconds int `env:"CLIENT_COOLDOWN_SECONDS" envDefault:"28800"`

	// Upstream retry policy.
	StreamMaxRetries     int           `env:"STREAM_MAX_RETRIES" envDefault:"5"`
	StreamRetryWait      time.Duration `env:"STREAM_RETRY_WAIT" envDefault:"3s"`
	ConversationRetries  int           `env:"NEW_CONVERSATION_RETRY" envDefault:"3"`
	ConversationWait     time.Duration `env:"NEW_CONVERSATION_WAIT" envDefault:"2s"`
	OrgResolveRetries    int           `env:"ORG_RESOLVE_RETRIES" envDefault:"3"`
	OrgResolveWait       time.Duration `env:"ORG_RESOLVE_WAIT" envDefault:"3s"`
	ConnectTimeout       time.Duration `env:"STREAM_CONNECT_TIMEOUT" envDefault:"60s"`
	ReadTimeout          time.Duration `env:"STREAM_READ_TIMEOUT" envDefault:"60s"`
	PoolTimeout          time.Duration `env:"STREAM_POOL_TIMEOUT" envDefault:"600s"`
	MaxPromptTokens      int           `env:"MAX_PROMPT_TOKENS" envDefault:"180000"`
	ServerWriteTimeout   time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"10m"`
	ServerReadTimeout    time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"60s"`
	ShutdownGracePeriod  time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"15s"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// RedisAddr returns host:port for the redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Window returns the sliding quota window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Cooldown returns the per-credential cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}
