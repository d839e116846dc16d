package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes environment overrides; "__" separates nested keys
// (ROOMCAST_HTTP__PORT -> http.port)
const EnvPrefix = "ROOMCAST_"

// ConfigPathEnv names the variable consulted when no -config flag is given
const ConfigPathEnv = "ROOMCAST_CONFIG"

// Auth modes
const (
	AuthModeJWT  = "jwt"
	AuthModeHTTP = "http"
)

// Config is the full process configuration
type Config struct {
	HTTP       HTTPConfig       `koanf:"http"`
	WebSocket  WebSocketConfig  `koanf:"websocket"`
	Auth       AuthConfig       `koanf:"auth"`
	Database   DatabaseConfig   `koanf:"database"`
	Bridge     BridgeConfig     `koanf:"bridge"`
	Notify     NotifyConfig     `koanf:"notify"`
	Cache      CacheConfig      `koanf:"cache"`
	Logging    LoggingConfig    `koanf:"logging"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

type HTTPConfig struct {
	Host                string        `koanf:"host"`
	Port                int           `koanf:"port" validate:"min=0,max=65535"`
	ReadTimeout         time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout        time.Duration `koanf:"write_timeout" validate:"gt=0"`
	HandshakeRateLimit  int           `koanf:"handshake_rate_limit" validate:"gte=0"`
	HandshakeRateWindow time.Duration `koanf:"handshake_rate_window" validate:"gt=0"`
}

// WebSocketConfig controls keep-alive, buffering and inbound limits
type WebSocketConfig struct {
	PingInterval   time.Duration `koanf:"ping_interval" validate:"gt=0"`
	MaxMissedPongs int           `koanf:"max_missed_pongs" validate:"min=1,max=10"`
	WriteTimeout   time.Duration `koanf:"write_timeout" validate:"gt=0"`
	SendBuffer     int           `koanf:"send_buffer" validate:"min=1"`
	MaxFrameBytes  int64         `koanf:"max_frame_bytes" validate:"min=512"`
	FrameRate      float64       `koanf:"frame_rate" validate:"gt=0"`
	FrameBurst     int           `koanf:"frame_burst" validate:"min=1"`
	CheckOrigin    bool          `koanf:"check_origin"`
}

// PongWait is the read deadline after each pong: a connection is dropped after
// MaxMissedPongs consecutive unanswered pings
func (w WebSocketConfig) PongWait() time.Duration {
	return w.PingInterval * time.Duration(w.MaxMissedPongs+1)
}

type AuthConfig struct {
	Mode            string        `koanf:"mode" validate:"oneof=jwt http"`
	JWTSecret       string        `koanf:"jwt_secret"`
	JWTIssuer       string        `koanf:"jwt_issuer"`
	IdentityURL     string        `koanf:"identity_url" validate:"omitempty,url"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"min=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	Path            string        `koanf:"path" validate:"required"`
	MaxConnections  int           `koanf:"max_connections" validate:"min=1"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"gt=0"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
}

// BridgeConfig sizes the fire-and-forget persistence queue
type BridgeConfig struct {
	QueueSize    int           `koanf:"queue_size" validate:"min=1"`
	Workers      int           `koanf:"workers" validate:"min=1,max=64"`
	StoreTimeout time.Duration `koanf:"store_timeout" validate:"gt=0"`
	HistoryLimit int           `koanf:"history_limit" validate:"min=1,max=1000"`
}

// NotifyConfig enables NATS offline notifications when NATSURL is set
type NotifyConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix" validate:"required"`
}

// CacheConfig enables the Redis history cache when RedisAddr is set
type CacheConfig struct {
	RedisAddr   string        `koanf:"redis_addr"`
	RedisDB     int           `koanf:"redis_db" validate:"min=0"`
	HistorySize int           `koanf:"history_size" validate:"min=1"`
	TTL         time.Duration `koanf:"ttl" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold" validate:"gt=0"`
	FailureDecay     float64       `koanf:"failure_decay" validate:"gt=0"`
	FailureBackoff   time.Duration `koanf:"failure_backoff" validate:"gt=0"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DefaultConfig returns the built-in defaults, the lowest-precedence layer
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeout:         30 * time.Second,
			WriteTimeout:        30 * time.Second,
			HandshakeRateLimit:  30,
			HandshakeRateWindow: time.Minute,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   25 * time.Second,
			MaxMissedPongs: 2,
			WriteTimeout:   10 * time.Second,
			SendBuffer:     256,
			MaxFrameBytes:  64 * 1024,
			FrameRate:      20,
			FrameBurst:     40,
		},
		Auth: AuthConfig{
			Mode:            AuthModeJWT,
			Timeout:         5 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:            "./data/roomcast.db",
			MaxConnections:  10,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
			WriteTimeout:    10 * time.Second,
		},
		Bridge: BridgeConfig{
			QueueSize:    1024,
			Workers:      2,
			StoreTimeout: 5 * time.Second,
			HistoryLimit: 50,
		},
		Notify: NotifyConfig{
			SubjectPrefix: "roomcast.notify",
		},
		Cache: CacheConfig{
			HistorySize: 100,
			TTL:         24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

var validate = validator.New()

// Validate checks field constraints and cross-field requirements
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Auth.Mode {
	case AuthModeJWT:
		if len(c.Auth.JWTSecret) < 16 {
			return errors.New("auth.jwt_secret must be at least 16 bytes in jwt mode")
		}
	case AuthModeHTTP:
		if c.Auth.IdentityURL == "" {
			return errors.New("auth.identity_url is required in http mode")
		}
	}

	if c.WebSocket.WriteTimeout >= c.WebSocket.PongWait() {
		return errors.New("websocket.write_timeout must be shorter than the pong wait")
	}

	return nil
}

// Addr returns host:port for the HTTP listener
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// Load layers defaults, an optional YAML file and ROOMCAST_ environment
// variables, in increasing precedence, then validates the result.
// An empty path falls back to $ROOMCAST_CONFIG; no file is read if both are empty.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransformFunc maps ROOMCAST_WEBSOCKET__PING_INTERVAL to websocket.ping_interval
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}
