// Package config loads the daemon configuration.
//
// Precedence is ENV > YAML file > defaults. Every env key carries the
// CAMRELAY_ prefix.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"camrelay/internal/auth"
	"camrelay/internal/inference"
	"camrelay/internal/reconnect"
	"camrelay/internal/ws"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Camera    CameraConfig    `yaml:"camera"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Inference InferenceConfig `yaml:"inference"`
	Results   ResultsConfig   `yaml:"results"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       int           `yaml:"rate_limit"` // API requests per minute per IP, 0 disables
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type AuthConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty disables persistence
}

type CameraConfig struct {
	FFmpegPath     string          `yaml:"ffmpeg_path"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type PipelineConfig struct {
	BusCapacity      int           `yaml:"bus_capacity"`
	MaxLatency       time.Duration `yaml:"max_latency"`
	FailureThreshold int           `yaml:"failure_threshold"`
	FPSWindow        time.Duration `yaml:"fps_window"`
	LatencyWindow    int           `yaml:"latency_window"`
	MaxErrors        int           `yaml:"max_errors"`
}

type InferenceConfig struct {
	Backend       string  `yaml:"backend"`
	Endpoint      string  `yaml:"endpoint"`
	ConfThreshold float32 `yaml:"conf_threshold"`
	Masks         bool    `yaml:"masks"`
}

type ResultsConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8000",
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       120,
		},
		Log:  LogConfig{Level: "info"},
		Auth: AuthConfig{Username: "admin", TokenExpiry: 24 * time.Hour},
		Database: DatabaseConfig{
			Path: "camrelay.db",
		},
		Camera: CameraConfig{
			FFmpegPath:     "ffmpeg",
			ConnectTimeout: 10 * time.Second,
			Reconnect: ReconnectConfig{
				MaxAttempts:  10,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     10 * time.Second,
				Multiplier:   2,
			},
		},
		Pipeline: PipelineConfig{
			BusCapacity:      1,
			MaxLatency:       200 * time.Millisecond,
			FailureThreshold: 30,
			FPSWindow:        time.Second,
			LatencyWindow:    100,
			MaxErrors:        10,
		},
		Inference: InferenceConfig{
			Backend:       inference.BackendPlaceholder,
			ConfThreshold: 0.5,
		},
		Results: ResultsConfig{
			WriteTimeout: 2 * time.Second,
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
		},
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		add("server.listen_addr is required")
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		add("auth.password is required when auth is enabled")
	}
	if err := c.ReconnectPolicy().Validate(); err != nil {
		add("camera.reconnect: %v", err)
	}
	if c.Pipeline.BusCapacity <= 0 {
		add("pipeline.bus_capacity must be positive, got %d", c.Pipeline.BusCapacity)
	}
	if c.Pipeline.MaxLatency <= 0 {
		add("pipeline.max_latency must be positive")
	}
	if c.Pipeline.FailureThreshold <= 0 {
		add("pipeline.failure_threshold must be positive")
	}
	if c.Pipeline.LatencyWindow <= 0 || c.Pipeline.MaxErrors <= 0 {
		add("pipeline.latency_window and pipeline.max_errors must be positive")
	}

	switch c.Inference.Backend {
	case inference.BackendPlaceholder:
	case inference.BackendHTTP, inference.BackendGRPC:
		if c.Inference.Endpoint == "" {
			add("inference.endpoint is required for the %s backend", c.Inference.Backend)
		}
	default:
		add("inference.backend %q is not one of placeholder, http, grpc", c.Inference.Backend)
	}
	if c.Inference.ConfThreshold < 0 || c.Inference.ConfThreshold > 1 {
		add("inference.conf_threshold must be within 0..1")
	}
	return errors.Join(errs...)
}

// ReconnectPolicy returns the camera reconnect policy.
func (c Config) ReconnectPolicy() reconnect.Policy {
	r := c.Camera.Reconnect
	return reconnect.Policy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
	}
}

// InferenceBackend returns the backend selection.
func (c Config) InferenceBackend() inference.Config {
	return inference.Config{
		Backend:       c.Inference.Backend,
		Endpoint:      c.Inference.Endpoint,
		ConfThreshold: c.Inference.ConfThreshold,
		Masks:         c.Inference.Masks,
	}
}

// Authentication returns the auth settings. The JWT secret may still be
// empty and is resolved at startup.
func (c Config) Authentication() auth.Config {
	return auth.Config{
		Enabled:     c.Auth.Enabled,
		Username:    c.Auth.Username,
		Password:    c.Auth.Password,
		JWTSecret:   c.Auth.JWTSecret,
		TokenExpiry: c.Auth.TokenExpiry,
	}
}

// ResultChannel returns the websocket timing.
func (c Config) ResultChannel() ws.ChannelConfig {
	return ws.ChannelConfig{
		WriteTimeout: c.Results.WriteTimeout,
		PingInterval: c.Results.PingInterval,
		PongWait:     c.Results.PongWait,
	}
}
