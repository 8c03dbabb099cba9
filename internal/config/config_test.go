package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "camrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := LoadWithEnv("", noEnv)
	require.NoError(t, err)
	if diff := cmp.Diff(Defaults(), cfg); diff != "" {
		t.Errorf("defaults changed by load (-want +got):\n%s", diff)
	}
	assert.Equal(t, 10, cfg.ReconnectPolicy().MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Pipeline.MaxLatency)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
server:
  listen_addr: ":9000"
log:
  level: debug
pipeline:
  bus_capacity: 2
  max_latency: 350ms
inference:
  backend: http
  endpoint: http://gpu.local:8001
`)
	cfg, err := LoadWithEnv(path, envMap(map[string]string{
		"CAMRELAY_LISTEN_ADDR":        ":9100",
		"CAMRELAY_RECONNECT_ATTEMPTS": "4",
		"CAMRELAY_AUTH_ENABLED":       "true",
		"CAMRELAY_AUTH_PASSWORD":      "pw",
		"CAMRELAY_ALLOWED_ORIGINS":    "http://a,http://b",
	}))
	require.NoError(t, err)

	want := Defaults()
	want.Server.ListenAddr = ":9100"
	want.Server.AllowedOrigins = []string{"http://a", "http://b"}
	want.Log.Level = "debug"
	want.Pipeline.BusCapacity = 2
	want.Pipeline.MaxLatency = 350 * time.Millisecond
	want.Inference.Backend = "http"
	want.Inference.Endpoint = "http://gpu.local:8001"
	want.Camera.Reconnect.MaxAttempts = 4
	want.Auth.Enabled = true
	want.Auth.Password = "pw"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{"unknown field", "pipeline:\n  bus_size: 3\n", nil},
		{"zero capacity", "pipeline:\n  bus_capacity: 0\n", nil},
		{"unknown backend", "inference:\n  backend: tensorrt\n", nil},
		{"grpc without endpoint", "inference:\n  backend: grpc\n", nil},
		{"bad level", "log:\n  level: loud\n", nil},
		{"auth without password", "auth:\n  enabled: true\n", nil},
		{"bad env int", "", map[string]string{"CAMRELAY_BUS_CAPACITY": "many"}},
		{"bad env duration", "", map[string]string{"CAMRELAY_MAX_LATENCY": "fast"}},
		{"bad reconnect", "camera:\n  reconnect:\n    multiplier: 0.5\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeFile(t, t.TempDir(), tt.file)
			}
			_, err := LoadWithEnv(path, envMap(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeFile(t, t.TempDir(), "log:\n  level: info\n")
	got := make(chan Config, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zerolog.Nop(), func(c Config) { got <- c })
	}()

	// The watcher registers asynchronously; keep rewriting until it notices.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case cfg := <-got:
			assert.Equal(t, "debug", cfg.Log.Level)
			break loop
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}

	cancel()
	require.NoError(t, <-done)
}
