package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestTraceHandler_InjectsSpanIDs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background()) //nolint:errcheck
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	logger.InfoContext(ctx, "inside span")
	span.End()
	logger.Info("outside span")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, span.SpanContext().TraceID().String(), lines[0]["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), lines[0]["span_id"])
	assert.NotContains(t, lines[1], "trace_id")
}

func TestTeeHandler_RespectsChildLevels(t *testing.T) {
	t.Parallel()

	var info, debug bytes.Buffer
	logger := slog.New(NewTeeHandler(
		slog.NewJSONHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)).With("component", "launcher")

	logger.Debug("probe")
	logger.Info("phase done")

	assert.Len(t, decodeLines(t, &info), 1)
	debugLines := decodeLines(t, &debug)
	require.Len(t, debugLines, 2)
	assert.Equal(t, "launcher", debugLines[0]["component"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNewLogger_WritesFileAtDebug(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hb", "logs", "launcher.log")
	f, err := OpenLogFile(path)
	require.NoError(t, err)

	var console bytes.Buffer
	logger := NewLogger(&console, f, slog.LevelWarn)
	logger.Debug("debug line")
	logger.Warn("warn line")
	require.NoError(t, f.Close())

	assert.Len(t, decodeLines(t, &console), 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "debug line")
	assert.Contains(t, string(data), "warn line")
}

func TestNewLogger_ConsoleOnly(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer
	NewLogger(&console, nil, slog.LevelInfo).Info("hello")
	lines := decodeLines(t, &console)
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0]["msg"])
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("disk full") }

func TestTeeHandler_FailingSinkDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	var ok bytes.Buffer
	tee := NewTeeHandler(
		failingHandler{slog.NewJSONHandler(io.Discard, nil)},
		slog.NewJSONHandler(&ok, nil),
	)
	err := tee.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "launch started", 0))

	assert.EqualError(t, err, "disk full")
	assert.Len(t, decodeLines(t, &ok), 1)
}
