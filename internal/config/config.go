package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// AuthMode controls which routes require the gateway API key.
type AuthMode string

const (
	// AuthModeOff disables authentication entirely.
	AuthModeOff AuthMode = "off"
	// AuthModeStrict requires the API key on every route.
	AuthModeStrict AuthMode = "strict"
	// AuthModeAllExceptHealth requires the API key everywhere but the
	// health endpoints.
	AuthModeAllExceptHealth AuthMode = "all_except_health"
)

// SchedulingMode selects how sticky sessions bind to accounts.
type SchedulingMode string

const (
	// SchedulingPerformanceFirst never waits for a limited bound account.
	SchedulingPerformanceFirst SchedulingMode = "performance_first"
	// SchedulingBalance keeps bindings but falls through when limited.
	SchedulingBalance SchedulingMode = "balance"
	// SchedulingCacheFirst waits out short cooldowns to preserve the
	// upstream prompt cache.
	SchedulingCacheFirst SchedulingMode = "cache_first"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	RequestTimeoutSecs int    `mapstructure:"request_timeout_secs"`
}

// AuthConfig configures inbound authentication.
type AuthConfig struct {
	Mode   AuthMode `mapstructure:"mode"`
	APIKey string   `mapstructure:"api_key"`
}

// AccountsConfig points at the directory of account JSON files.
type AccountsConfig struct {
	Dir string `mapstructure:"dir"`
}

// SchedulingConfig configures the token pool scheduler.
type SchedulingConfig struct {
	Mode           SchedulingMode `mapstructure:"mode"`
	MaxWaitSeconds int            `mapstructure:"max_wait_seconds"`
}

// ModelsConfig carries the model routing tables. Custom entries win over the
// built-in OpenAI and Anthropic tables.
type ModelsConfig struct {
	Custom map[string]string `mapstructure:"custom"`
}

// RedisConfig configures the optional signature cache backend. Empty Addr
// means in-memory only.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StatsConfig configures request usage accounting. Empty Path disables it.
type StatsConfig struct {
	Path string `mapstructure:"path"`
}

// UpstreamConfig configures the outbound HTTP client.
type UpstreamConfig struct {
	ProxyURL string `mapstructure:"proxy_url"`
}

// Config is the full gateway configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Accounts   AccountsConfig   `mapstructure:"accounts"`
	Scheduling SchedulingConfig `mapstructure:"scheduling"`
	Models     ModelsConfig     `mapstructure:"models"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Stats      StatsConfig      `mapstructure:"stats"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Debug      bool             `mapstructure:"debug"`
}

// DefaultAccountsDir returns ~/.cloudcode-gateway/accounts.
func DefaultAccountsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "accounts"
	}
	return filepath.Join(home, ".cloudcode-gateway", "accounts")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8045)
	v.SetDefault("server.request_timeout_secs", 120)
	v.SetDefault("auth.mode", string(AuthModeOff))
	v.SetDefault("auth.api_key", "")
	v.SetDefault("accounts.dir", DefaultAccountsDir())
	v.SetDefault("scheduling.mode", string(SchedulingBalance))
	v.SetDefault("scheduling.max_wait_seconds", DefaultMaxWaitSeconds)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("stats.path", "")
	v.SetDefault("upstream.proxy_url", "")
	v.SetDefault("debug", false)
}

// Load reads the configuration from the given YAML file (optional) and
// CCGW_* environment variables, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CCGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cloudcode-gateway"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enum fields and fills derived defaults.
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case AuthModeOff, AuthModeStrict, AuthModeAllExceptHealth:
	case "":
		c.Auth.Mode = AuthModeOff
	default:
		return fmt.Errorf("invalid auth.mode %q", c.Auth.Mode)
	}
	if c.Auth.Mode != AuthModeOff && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.mode %q requires auth.api_key", c.Auth.Mode)
	}

	switch c.Scheduling.Mode {
	case SchedulingPerformanceFirst, SchedulingBalance, SchedulingCacheFirst:
	case "":
		c.Scheduling.Mode = SchedulingBalance
	default:
		return fmt.Errorf("invalid scheduling.mode %q", c.Scheduling.Mode)
	}
	if c.Scheduling.MaxWaitSeconds <= 0 {
		c.Scheduling.MaxWaitSeconds = DefaultMaxWaitSeconds
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Accounts.Dir == "" {
		c.Accounts.Dir = DefaultAccountsDir()
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
