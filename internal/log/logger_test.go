package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	tests := []struct {
		name  string
		level string
		env   string
		want  zerolog.Level
	}{
		{name: "explicit debug", level: "debug", want: zerolog.DebugLevel},
		{name: "explicit warn", level: "warn", want: zerolog.WarnLevel},
		{name: "env fallback", env: "error", want: zerolog.ErrorLevel},
		{name: "garbage defaults to info", level: "loud", want: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.env)
			SetLevel(tt.level)
			assert.Equal(t, tt.want, zerolog.GlobalLevel())
		})
	}
}

func TestWithSessionFields(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).With().
		Str(FieldComponent, "session").
		Str(FieldSessionID, "session-abc").
		Logger()
	l.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session", entry[FieldComponent])
	assert.Equal(t, "session-abc", entry[FieldSessionID])
}

func TestWithComponentUsesBase(t *testing.T) {
	l := WithComponent("camera")
	assert.NotEqual(t, zerolog.Disabled, l.GetLevel())
}
