package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CAMRELAY_"

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeStrict(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = i
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	e := &envReader{lookup: lookup}

	e.str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	e.integer("RATE_LIMIT", &cfg.Server.RateLimit)
	if v, ok := e.get("ALLOWED_ORIGINS"); ok {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
	e.str("LOG_LEVEL", &cfg.Log.Level)

	e.boolean("AUTH_ENABLED", &cfg.Auth.Enabled)
	e.str("AUTH_USERNAME", &cfg.Auth.Username)
	e.str("AUTH_PASSWORD", &cfg.Auth.Password)
	e.str("JWT_SECRET", &cfg.Auth.JWTSecret)
	e.duration("JWT_EXPIRY", &cfg.Auth.TokenExpiry)

	e.str("DATABASE_PATH", &cfg.Database.Path)

	e.str("FFMPEG_PATH", &cfg.Camera.FFmpegPath)
	e.duration("CONNECT_TIMEOUT", &cfg.Camera.ConnectTimeout)
	e.integer("RECONNECT_ATTEMPTS", &cfg.Camera.Reconnect.MaxAttempts)
	e.duration("RECONNECT_DELAY", &cfg.Camera.Reconnect.InitialDelay)

	e.integer("BUS_CAPACITY", &cfg.Pipeline.BusCapacity)
	e.duration("MAX_LATENCY", &cfg.Pipeline.MaxLatency)
	e.integer("FAILURE_THRESHOLD", &cfg.Pipeline.FailureThreshold)

	e.str("INFERENCE_BACKEND", &cfg.Inference.Backend)
	e.str("INFERENCE_ENDPOINT", &cfg.Inference.Endpoint)
	e.boolean("INFERENCE_MASKS", &cfg.Inference.Masks)

	return errors.Join(e.errs...)
}
