package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	appCtx "github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/context"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestSetup_DefaultsToInfoConsole(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Writer: &buf})

	assert.Equal(t, zerolog.InfoLevel, Logger.GetLevel())
	assert.Equal(t, zerolog.InfoLevel, zlog.Logger.GetLevel())

	Logger.Debug().Msg("hidden")
	Logger.Info().Msg("hello")
	out := strings.TrimSpace(buf.String())
	require.NotEmpty(t, out)
	assert.False(t, strings.HasPrefix(out, "{"), "expected console output, got %q", out)
	assert.Contains(t, out, "hello")
	assert.NotContains(t, out, "hidden")
}

func TestSetup_UnknownLevelFallsBackToInfo(t *testing.T) {
	Setup(Options{Level: "loud", Writer: &bytes.Buffer{}})
	assert.Equal(t, zerolog.InfoLevel, Logger.GetLevel())

	Setup(Options{Level: " WARN ", Writer: &bytes.Buffer{}})
	assert.Equal(t, zerolog.WarnLevel, Logger.GetLevel())
}

func TestSetup_JSONCarriesServiceName(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "debug", Format: "json", Writer: &buf})

	Logger.Debug().Msg("ready")
	line := decodeLine(t, &buf)
	assert.Equal(t, serviceName, line["service"])
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "ready", line["message"])
}

func TestInitWithWriter_ReadsEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "json")

	var buf bytes.Buffer
	InitWithWriter(&buf)

	assert.Equal(t, zerolog.ErrorLevel, Logger.GetLevel())
	Logger.Error().Msg("boom")
	assert.Equal(t, "boom", decodeLine(t, &buf)["message"])
}

func TestWithCtx_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Format: "json", Writer: &buf})

	ctx := appCtx.WithRequestID(context.Background(), "req-123")
	WithCtx(ctx).Info().Msg("with id")
	line := decodeLine(t, &buf)
	assert.Equal(t, "req-123", line["request_id"])

	buf.Reset()
	WithCtx(context.Background()).Info().Msg("no id")
	_, ok := decodeLine(t, &buf)["request_id"]
	assert.False(t, ok)
}
