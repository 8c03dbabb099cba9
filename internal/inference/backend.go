package inference

import (
	"fmt"
	"time"
)

// Backend names accepted by New.
const (
	BackendPlaceholder = "placeholder"
	BackendHTTP        = "http"
	BackendGRPC        = "grpc"
)

// Config selects and configures a backend.
type Config struct {
	Backend          string
	Endpoint         string
	ConfThreshold    float32
	Masks            bool
	PlaceholderDelay time.Duration
}

// New builds the backend named by cfg.Backend.
func New(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", BackendPlaceholder:
		return &Placeholder{Delay: cfg.PlaceholderDelay, ConfThreshold: cfg.ConfThreshold, Masks: cfg.Masks}, nil
	case BackendHTTP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("inference: http backend requires an endpoint")
		}
		return NewHTTPBackend(HTTPConfig{Endpoint: cfg.Endpoint, ConfThreshold: cfg.ConfThreshold}), nil
	case BackendGRPC:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("inference: grpc backend requires an endpoint")
		}
		return NewGRPCBackend(GRPCConfig{Endpoint: cfg.Endpoint})
	default:
		return nil, fmt.Errorf("inference: unknown backend %q", cfg.Backend)
	}
}
