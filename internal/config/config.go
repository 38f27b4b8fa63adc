// Package config loads runtime configuration for the terminal-sharing
// server via Viper: programmatic defaults, an optional config file, and
// ODIN_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"odin-term/internal/session"
)

// Config holds all runtime configuration for the server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Session     SessionConfig     `mapstructure:"session"`
	Multiplexer MultiplexerConfig `mapstructure:"multiplexer"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig contains network-level settings for the HTTP/WebSocket listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
}

// TransportConfig controls the per-connection WebSocket endpoint: frame
// pacing, keepalive, and the single wire path every session is
// multiplexed over.
type TransportConfig struct {
	Path               string        `mapstructure:"path"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	WriteDeadline      time.Duration `mapstructure:"write_deadline"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	PongMissedLimit    int           `mapstructure:"pong_missed_limit"`
	OutboundQueueSize  int           `mapstructure:"outbound_queue_size"`
	RateLimitPerSecond float64       `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
	MaxFrameBytes      int64         `mapstructure:"max_frame_bytes"`
}

// SessionConfig mirrors session.Config with mapstructure tags so Viper
// can populate it directly; ToSessionConfig projects it onto the real
// type the hub package uses.
type SessionConfig struct {
	ClaimLeaseMax    time.Duration `mapstructure:"claim_lease_max"`
	ClaimIdleMax     time.Duration `mapstructure:"claim_idle_max"`
	QueueOutputCap   int           `mapstructure:"queue_output_cap"`
	QueuePriorityCap int           `mapstructure:"queue_priority_cap"`
	ReapGrace        time.Duration `mapstructure:"reap_grace"`
	PresenceIdle     time.Duration `mapstructure:"presence_idle"`
	PresenceEvict    time.Duration `mapstructure:"presence_evict"`
	HeartbeatPeriod  time.Duration `mapstructure:"heartbeat_period"`
	WriteDeadline    time.Duration `mapstructure:"write_deadline"`
}

// ToSessionConfig converts to session.Config.
func (c SessionConfig) ToSessionConfig() session.Config {
	return session.Config{
		ClaimLeaseMax:    c.ClaimLeaseMax,
		ClaimIdleMax:     c.ClaimIdleMax,
		QueueOutputCap:   c.QueueOutputCap,
		QueuePriorityCap: c.QueuePriorityCap,
		ReapGrace:        c.ReapGrace,
		PresenceIdle:     c.PresenceIdle,
		PresenceEvict:    c.PresenceEvict,
		HeartbeatPeriod:  c.HeartbeatPeriod,
		WriteDeadline:    c.WriteDeadline,
	}
}

// MultiplexerConfig controls how the tmux adapter shells out to tmux.
type MultiplexerConfig struct {
	Binary   string `mapstructure:"binary"`
	Socket   string `mapstructure:"socket"`
	PipeDir  string `mapstructure:"pipe_dir"`
	UseFake  bool   `mapstructure:"use_fake"`
}

// AuthConfig controls JWT issuance/verification.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenDuration time.Duration `mapstructure:"token_duration"`
	DemoMode      bool          `mapstructure:"demo_mode"`
}

// MetricsConfig controls Prometheus/diagnostics endpoints.
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ListenAddr  string `mapstructure:"listen_addr"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and an optional
// config file named odin.{yaml,json,toml,...} on the search path.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.read_buffer_size", 16<<10)
	v.SetDefault("server.write_buffer_size", 16<<10)

	v.SetDefault("transport.path", "/ws")
	v.SetDefault("transport.handshake_timeout", 10*time.Second)
	v.SetDefault("transport.write_deadline", 10*time.Second)
	v.SetDefault("transport.ping_interval", 20*time.Second)
	v.SetDefault("transport.pong_missed_limit", 2)
	v.SetDefault("transport.outbound_queue_size", 256)
	v.SetDefault("transport.rate_limit_per_second", 50.0)
	v.SetDefault("transport.rate_limit_burst", 100)
	v.SetDefault("transport.max_frame_bytes", int64(1<<20))

	v.SetDefault("session.claim_lease_max", 120*time.Second)
	v.SetDefault("session.claim_idle_max", 60*time.Second)
	v.SetDefault("session.queue_output_cap", session.DefaultOutputQueueCap)
	v.SetDefault("session.queue_priority_cap", session.DefaultPriorityQueueCap)
	v.SetDefault("session.reap_grace", 30*time.Second)
	v.SetDefault("session.presence_idle", 10*time.Minute)
	v.SetDefault("session.presence_evict", 30*time.Minute)
	v.SetDefault("session.heartbeat_period", 15*time.Second)
	v.SetDefault("session.write_deadline", 10*time.Second)

	v.SetDefault("multiplexer.binary", "tmux")
	v.SetDefault("multiplexer.socket", "")
	v.SetDefault("multiplexer.pipe_dir", "")
	v.SetDefault("multiplexer.use_fake", false)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_duration", 24*time.Hour)
	v.SetDefault("auth.demo_mode", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.service_name", "odin-term")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("odin")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("ODIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Session.QueueOutputCap <= 0 {
		cfg.Session.QueueOutputCap = session.DefaultOutputQueueCap
	}
	if cfg.Session.QueuePriorityCap <= 0 {
		cfg.Session.QueuePriorityCap = session.DefaultPriorityQueueCap
	}
	if !cfg.Auth.DemoMode && cfg.Auth.JWTSecret == "" {
		return Config{}, fmt.Errorf("auth.jwt_secret must be set unless auth.demo_mode is enabled")
	}

	return cfg, nil
}
