package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info(context.Background(), "configured", "detail", "api_key=abcdef0123456789abcdef")

	out := buf.String()
	if strings.Contains(out, "abcdef0123456789abcdef") {
		t.Errorf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
}

func TestLoggerExtractsContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := context.WithValue(context.Background(), SessionIDKey, "sess-42")
	ctx = context.WithValue(ctx, RequestIDKey, "req-7")
	logger.Info(ctx, "turn started")

	out := buf.String()
	if !strings.Contains(out, `"session_id":"sess-42"`) {
		t.Errorf("missing session_id in output: %s", out)
	}
	if !strings.Contains(out, `"request_id":"req-7"`) {
		t.Errorf("missing request_id in output: %s", out)
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info(context.Background(), "should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info record written at warn level: %s", buf.String())
	}

	logger.Warn(context.Background(), "should be written")
	if buf.Len() == 0 {
		t.Error("warn record not written")
	}
}
