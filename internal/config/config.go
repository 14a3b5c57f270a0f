package config

import "time"

// Config holds client and relay configuration values.
type Config struct {
	LogLevel    string         `mapstructure:"log_level" yaml:"log_level"`
	Channel     string         `mapstructure:"channel" yaml:"channel"`
	Driver      string         `mapstructure:"driver" yaml:"driver"`
	Relay       RelayConfig    `mapstructure:"relay" yaml:"relay"`
	Redis       RedisConfig    `mapstructure:"redis" yaml:"redis"`
	ConnectWait WaitConfig     `mapstructure:"connect_wait" yaml:"connect_wait"`
	Identity    IdentityConfig `mapstructure:"identity" yaml:"identity"`
	Auth        AuthConfig     `mapstructure:"auth" yaml:"auth"`
	HistoryPath string         `mapstructure:"history_path" yaml:"history_path"`
	MetricsAddr string         `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	KnownRooms  []string       `mapstructure:"known_rooms" yaml:"known_rooms"`
}

// Driver names.
const (
	DriverRelay  = "relay"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// RelayConfig configures the loopback WebSocket relay and its clients.
type RelayConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	URL             string        `mapstructure:"url" yaml:"url"`
	RateLimit       int           `mapstructure:"rate_limit" yaml:"rate_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RedisConfig configures the Redis pub/sub driver.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// WaitConfig bounds the wait for an open channel.
type WaitConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`
}

// IdentityConfig describes the local user. A token takes precedence over
// the plain user id.
type IdentityConfig struct {
	UserID   string `mapstructure:"user_id" yaml:"user_id"`
	Nickname string `mapstructure:"nickname" yaml:"nickname"`
	Token    string `mapstructure:"token" yaml:"token"`
}

// AuthConfig verifies identity tokens.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	Issuer    string `mapstructure:"issuer" yaml:"issuer"`
	Audience  string `mapstructure:"audience" yaml:"audience"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Channel:  "voice-chat",
		Driver:   DriverRelay,
		Relay: RelayConfig{
			Addr:            "127.0.0.1:7357",
			URL:             "ws://127.0.0.1:7357",
			RateLimit:       0,
			ShutdownTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "voicechat:",
		},
		ConnectWait: WaitConfig{
			Interval: 40 * time.Millisecond,
			Attempts: 50,
		},
		Auth: AuthConfig{
			Issuer: "voicechat",
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.Channel != "" {
		c.Channel = other.Channel
	}
	if other.Driver != "" {
		c.Driver = other.Driver
	}
	if other.Relay.Addr != "" {
		c.Relay.Addr = other.Relay.Addr
	}
	if other.Relay.URL != "" {
		c.Relay.URL = other.Relay.URL
	}
	if other.Relay.RateLimit != 0 {
		c.Relay.RateLimit = other.Relay.RateLimit
	}
	if other.Relay.ShutdownTimeout != 0 {
		c.Relay.ShutdownTimeout = other.Relay.ShutdownTimeout
	}
	if other.Redis.Addr != "" {
		c.Redis.Addr = other.Redis.Addr
	}
	if other.Redis.Password != "" {
		c.Redis.Password = other.Redis.Password
	}
	if other.Redis.DB != 0 {
		c.Redis.DB = other.Redis.DB
	}
	if other.Redis.Prefix != "" {
		c.Redis.Prefix = other.Redis.Prefix
	}
	if other.ConnectWait.Interval != 0 {
		c.ConnectWait.Interval = other.ConnectWait.Interval
	}
	if other.ConnectWait.Attempts != 0 {
		c.ConnectWait.Attempts = other.ConnectWait.Attempts
	}
	if other.Identity.UserID != "" {
		c.Identity.UserID = other.Identity.UserID
	}
	if other.Identity.Nickname != "" {
		c.Identity.Nickname = other.Identity.Nickname
	}
	if other.Identity.Token != "" {
		c.Identity.Token = other.Identity.Token
	}
	if other.Auth.JWTSecret != "" {
		c.Auth.JWTSecret = other.Auth.JWTSecret
	}
	if other.Auth.Issuer != "" {
		c.Auth.Issuer = other.Auth.Issuer
	}
	if other.Auth.Audience != "" {
		c.Auth.Audience = other.Auth.Audience
	}
	if other.HistoryPath != "" {
		c.HistoryPath = other.HistoryPath
	}
	if other.MetricsAddr != "" {
		c.MetricsAddr = other.MetricsAddr
	}
	if len(other.KnownRooms) > 0 {
		c.KnownRooms = append([]string(nil), other.KnownRooms...)
	}
}
