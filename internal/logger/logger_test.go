package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected zerolog.Level
	}{
		{"debug level", "debug", zerolog.DebugLevel},
		{"info level", "info", zerolog.InfoLevel},
		{"warn level", "warn", zerolog.WarnLevel},
		{"error level", "error", zerolog.ErrorLevel},
		{"upper case", "DEBUG", zerolog.DebugLevel},
		{"default level", "", zerolog.InfoLevel},
		{"invalid level", "chatty", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetForTesting()
			t.Cleanup(ResetForTesting)

			var buf bytes.Buffer
			Setup(Config{Level: tt.level, Output: &buf, TimeFormat: time.RFC3339})

			l := Get()
			require.NotNil(t, l)
			assert.Equal(t, tt.expected, l.GetLevel())
		})
	}
}

func TestSetup_OnlyFirstCallWins(t *testing.T) {
	ResetForTesting()
	t.Cleanup(ResetForTesting)

	Setup(Config{Level: "debug", Output: &bytes.Buffer{}})
	Setup(Config{Level: "error", Output: &bytes.Buffer{}})
	assert.Equal(t, zerolog.DebugLevel, Get().GetLevel())

	ForceSetup(Config{Level: "error", Output: &bytes.Buffer{}})
	assert.Equal(t, zerolog.ErrorLevel, Get().GetLevel())
}

func TestParseLogFormat(t *testing.T) {
	assert.Equal(t, FormatConsole, ParseLogFormat("console"))
	assert.Equal(t, FormatConsole, ParseLogFormat(" Pretty "))
	assert.Equal(t, FormatJSON, ParseLogFormat("json"))
	assert.Equal(t, FormatJSON, ParseLogFormat("xml"))
	assert.Equal(t, "json", FormatJSON.String())
}

func TestLogMethods(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: FormatJSON, Output: &buf})

	l.Debug("debug message", map[string]interface{}{"key": "value"})
	l.Info("info message")
	l.Warn("warn message", map[string]interface{}{"count": 3})
	l.Error("error message", map[string]interface{}{"error": errors.New("boom")})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "debug message", entry["message"])
	assert.Equal(t, "value", entry["key"])

	require.NoError(t, json.Unmarshal(lines[3], &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})

	l.Debug("hidden")
	l.Info("hidden")
	assert.Empty(t, buf.String())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Output: &buf})

	child := l.WithFields(map[string]interface{}{"library_id": "lib1"}).Component("sync")
	child.Info("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "lib1", entry["library_id"])
	assert.Equal(t, "sync", entry["component"])

	assert.Same(t, l, l.WithFields(nil))
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.Info("x")
		l.Warn("x")
		l.Debug("x")
		l.Error("x")
	})
	assert.Equal(t, zerolog.NoLevel, l.GetLevel())
}

func TestContext(t *testing.T) {
	ResetForTesting()
	t.Cleanup(ResetForTesting)

	l := Nop()
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))

	assert.Equal(t, context.Background(), WithLogger(context.Background(), nil))
	assert.Same(t, Get(), FromContext(context.Background()))
}

func TestHTTPMiddleware(t *testing.T) {
	ResetForTesting()
	t.Cleanup(ResetForTesting)

	var buf bytes.Buffer
	Setup(Config{Level: "info", Format: FormatJSON, Output: &buf})
	buf.Reset()

	var seenID string
	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID, _ = r.Context().Value(ContextKeyRequestID).(string)
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz?x=1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seenID)
	assert.Equal(t, seenID, rec.Header().Get("X-Request-ID"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "HTTP request", entry["message"])
	assert.Equal(t, "/healthz", entry["path"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, seenID, entry["request_id"])
}

func TestHTTPMiddleware_KeepsIncomingRequestID(t *testing.T) {
	ResetForTesting()
	t.Cleanup(ResetForTesting)
	Setup(Config{Output: &bytes.Buffer{}})

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}
