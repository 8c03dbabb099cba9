// Command camrelay-watch subscribes to a session's result socket and logs
// every detection it receives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"camrelay/internal/reconnect"
	"camrelay/internal/ws"
)

func main() {
	var (
		serverF   = flag.String("server", "ws://localhost:8000", "camrelay base URL")
		sessionF  = flag.String("session", "", "Session id to watch")
		tokenF    = flag.String("token", os.Getenv("CAMRELAY_TOKEN"), "Bearer token when auth is enabled")
		attemptsF = flag.Int("attempts", 10, "Reconnect attempts before giving up")
		debugF    = flag.Bool("debug", false, "Log status messages and empty results")
	)
	flag.Parse()

	if *sessionF == "" {
		fmt.Fprintln(os.Stderr, "camrelay-watch: -session is required")
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if *debugF {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := reconnect.DefaultPolicy()
	policy.MaxAttempts = *attemptsF

	sub := &ws.Subscriber{
		URL:    strings.TrimRight(*serverF, "/") + "/ws/sessions/" + *sessionF + "/results",
		Token:  *tokenF,
		Policy: policy,
		Logger: logger,
		OnResult: func(m *ws.ResultMessage) {
			ev := logger.Info()
			if len(m.Detections) == 0 {
				ev = logger.Debug()
			}
			classes := make([]string, 0, len(m.Detections))
			for _, d := range m.Detections {
				classes = append(classes, fmt.Sprintf("%s(%.2f)", d.ClassName, d.Confidence))
			}
			ev.Uint64("frame", m.FrameSequence).
				Float64("latency_ms", m.LatencyMs).
				Strs("detections", classes).
				Int("masks", len(m.Masks)).
				Msg("result")
		},
		OnStatus: func(m *ws.StatusMessage) {
			logger.Debug().
				Str("camera_status", m.CameraStatus).
				Bool("streaming", m.IsStreaming).
				Str("message", m.Message).
				Msg("status")
		},
	}

	err := sub.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, ws.ErrSessionEnded):
		logger.Info().Msg("done")
	default:
		logger.Error().Err(err).Msg("watch failed")
		os.Exit(1)
	}
}
