// pkg/logger/logger_test.go
package logger_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := logger.New(logger.Config{Level: "invalid"})
	require.Error(t, err)
}

func TestNew_ValidLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", ""} {
		_, err := logger.New(logger.Config{Level: lvl, DevMode: true})
		assert.NoError(t, err, "level %q", lvl)
	}
}

func TestWithContext_AddsFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := logger.FromZap(zap.New(core))

	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid})

	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = logger.ContextWithConnID(ctx, "conn-1")
	ctx = logger.ContextWithRequestID(ctx, "req-9")
	l.WithContext(ctx).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, tid.String(), fields["trace_id"])
	assert.Equal(t, "conn-1", fields["conn_id"])
	assert.Equal(t, "req-9", fields["request_id"])
}

func TestWithContext_NoFieldsReturnsSame(t *testing.T) {
	l := logger.NewNop()
	assert.Same(t, l, l.WithContext(context.Background()))
}

func TestLevelHandler_ChangesLevelForChildren(t *testing.T) {
	l, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	child := l.Named("poller")

	req := httptest.NewRequest(http.MethodPut, "/loglevel", strings.NewReader(`{"level":"debug"}`))
	rec := httptest.NewRecorder()
	l.LevelHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	child.LevelHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/loglevel", nil))
	assert.Contains(t, rec.Body.String(), "debug")
}

func TestSync_NoPanic(t *testing.T) {
	l, err := logger.New(logger.Config{Level: "info", DevMode: true})
	require.NoError(t, err)
	assert.NotPanics(t, l.Sync)
}
