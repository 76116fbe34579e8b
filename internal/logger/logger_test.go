package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"adaptive-limiter/internal/domain"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger(t *testing.T, level string) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, ok := NewLoggerWithOutput(level, "json", &buf).(*StructuredLogger)
	require.True(t, ok)
	return l, &buf
}

// lastEntry decodifica a última linha JSON escrita
func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		expected  logrus.Level
		formatter interface{}
	}{
		{"Debug level JSON format", "debug", "json", logrus.DebugLevel, &logrus.JSONFormatter{}},
		{"Uppercase JSON format", "info", "JSON", logrus.InfoLevel, &logrus.JSONFormatter{}},
		{"Info level text format", "info", "text", logrus.InfoLevel, &logrus.TextFormatter{}},
		{"Unknown format falls back to text", "warn", "yaml", logrus.WarnLevel, &logrus.TextFormatter{}},
		{"Invalid level defaults to info", "invalid", "json", logrus.InfoLevel, &logrus.JSONFormatter{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			structLogger, ok := NewLogger(tt.level, tt.format).(*StructuredLogger)
			require.True(t, ok)
			assert.Equal(t, tt.expected, structLogger.logger.GetLevel())
			assert.IsType(t, tt.formatter, structLogger.logger.Formatter)
		})
	}
}

func TestStructuredLogger_LogLevels(t *testing.T) {
	structLogger, buf := newJSONLogger(t, "debug")

	tests := []struct {
		name     string
		logFunc  func()
		expected string
	}{
		{"Debug log", func() { structLogger.Debug("Debug message", map[string]interface{}{"key": "value"}) }, "debug"},
		{"Info log", func() { structLogger.Info("Info message", map[string]interface{}{"key": "value"}) }, "info"},
		{"Warn log", func() { structLogger.Warn("Warn message", map[string]interface{}{"key": "value"}) }, "warning"},
		{"Error log", func() {
			structLogger.Error("Error message", errors.New("test error"), map[string]interface{}{"key": "value"})
		}, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc()

			entry := lastEntry(t, buf)
			assert.Equal(t, tt.expected, entry["level"])
			assert.Equal(t, "adaptive_limiter", entry["component"])
			assert.Equal(t, "value", entry["key"])
			assert.Contains(t, entry, "message")
			assert.Contains(t, entry, "timestamp")
		})
	}
}

func TestStructuredLogger_ErrorDoesNotMutateFields(t *testing.T) {
	structLogger, buf := newJSONLogger(t, "debug")

	fields := map[string]interface{}{"key": "value"}
	structLogger.Error("Error message", errors.New("boom"), fields)

	assert.NotContains(t, fields, "error")
	assert.Equal(t, "boom", lastEntry(t, buf)["error"])
}

func TestStructuredLogger_WithContext(t *testing.T) {
	structLogger, buf := newJSONLogger(t, "debug")

	fingerprint := "0123456789abcdef0123456789abcdef"
	ctx := ContextWithRequestInfo(context.Background(), "req-123", "192.168.1.1", fingerprint, "test-agent")

	structLogger.WithContext(ctx).Info("Test message with context", nil)

	entry := lastEntry(t, buf)
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "192.168.1.1", entry["ip"])
	assert.Equal(t, "0123456789ab", entry["fingerprint"])
	assert.Equal(t, "test-agent", entry["user_agent"])
	assert.NotContains(t, buf.String(), fingerprint)

	// o logger original não herda os campos do filho
	buf.Reset()
	structLogger.Info("plain", nil)
	assert.NotContains(t, lastEntry(t, buf), "request_id")
}

func TestStructuredLogger_LogDecision(t *testing.T) {
	structLogger, buf := newJSONLogger(t, "debug")

	tests := []struct {
		name          string
		result        *domain.EvaluationResult
		expectedLevel string
		expectedMsg   string
	}{
		{
			name: "Allowed request",
			result: &domain.EvaluationResult{
				Allowed: true, Outcome: domain.OutcomeAllowed, Category: domain.CategoryAPI,
				Remaining: 9, RiskLevel: domain.RiskLow, ClientIP: "192.168.1.1",
			},
			expectedLevel: "debug",
			expectedMsg:   "Request allowed by limiter",
		},
		{
			name: "Quota exceeded after escalation",
			result: &domain.EvaluationResult{
				Outcome: domain.OutcomeQuotaExceeded, Category: domain.CategoryAuth,
				RequestedCategory: domain.CategorySearch, RiskLevel: domain.RiskHigh,
				ClientIP: "192.168.1.2", Indicators: []string{"url:sql_injection"},
			},
			expectedLevel: "warning",
			expectedMsg:   "Request denied by limiter",
		},
		{
			name: "Fail open",
			result: &domain.EvaluationResult{
				Allowed: true, Outcome: domain.OutcomeStoreUnavailable,
				Category: domain.CategoryDefault, ClientIP: "192.168.1.3",
			},
			expectedLevel: "warning",
			expectedMsg:   "Limiter failed open",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			structLogger.LogDecision(tt.result, map[string]interface{}{"duration_ms": 1.5})

			entry := lastEntry(t, buf)
			assert.Equal(t, tt.expectedLevel, entry["level"])
			assert.Equal(t, tt.expectedMsg, entry["message"])
			assert.Equal(t, tt.result.ClientIP, entry["ip"])
			assert.Equal(t, string(tt.result.Outcome), entry["outcome"])
			assert.Equal(t, string(tt.result.Category), entry["category"])
			assert.Equal(t, 1.5, entry["duration_ms"])

			if tt.result.RequestedCategory != "" {
				assert.Equal(t, string(tt.result.RequestedCategory), entry["requested_category"])
				assert.Equal(t, []interface{}{"url:sql_injection"}, entry["indicators"])
			} else {
				assert.NotContains(t, entry, "requested_category")
				assert.NotContains(t, entry, "indicators")
			}
		})
	}
}

func TestStructuredLogger_LogConfigEvent(t *testing.T) {
	structLogger, buf := newJSONLogger(t, "info")

	structLogger.LogConfigEvent("policies_reload", map[string]interface{}{"status": "applied"})

	entry := lastEntry(t, buf)
	assert.Equal(t, "policies_reload", entry["event_type"])
	assert.Equal(t, "applied", entry["status"])
	assert.Equal(t, "info", entry["level"])
}

func TestStructuredLogger_LevelFiltering(t *testing.T) {
	structLogger, buf := newJSONLogger(t, "warn")

	structLogger.Debug("hidden", nil)
	structLogger.Info("hidden", nil)
	assert.Empty(t, buf.String())

	structLogger.Warn("visible", nil)
	assert.Contains(t, buf.String(), "visible")
}

func TestStructuredLogger_Version(t *testing.T) {
	t.Setenv("APP_VERSION", "1.2.3")
	structLogger, buf := newJSONLogger(t, "info")

	structLogger.Info("with version", nil)
	assert.Equal(t, "1.2.3", lastEntry(t, buf)["version"])
}

func TestContextWithRequestInfo(t *testing.T) {
	enrichedCtx := ContextWithRequestInfo(context.Background(), "req-456", "10.0.0.1", "fp-abc", "Mozilla/5.0")

	assert.Equal(t, "req-456", enrichedCtx.Value(RequestIDKey))
	assert.Equal(t, "10.0.0.1", enrichedCtx.Value(IPKey))
	assert.Equal(t, "fp-abc", enrichedCtx.Value(FingerprintKey))
	assert.Equal(t, "Mozilla/5.0", enrichedCtx.Value(UserAgentKey))

	withoutFP := ContextWithRequestInfo(context.Background(), "req-1", "10.0.0.2", "", "")
	assert.Nil(t, withoutFP.Value(FingerprintKey))
}

func TestGetRequestID(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		expected string
	}{
		{"Nil context", nil, ""},
		{"Context without request ID", context.Background(), ""},
		{"Context with request ID", context.WithValue(context.Background(), RequestIDKey, "req-789"), "req-789"},
		{"Context with invalid request ID type", context.WithValue(context.Background(), RequestIDKey, 123), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetRequestID(tt.ctx))
		})
	}
}

func TestShortFingerprint(t *testing.T) {
	assert.Equal(t, "abc", ShortFingerprint("abc"))
	assert.Equal(t, "0123456789ab", ShortFingerprint("0123456789abcdef"))
}
