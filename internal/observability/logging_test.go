package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerRedactsAPIKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info(context.Background(), "configured client",
		"detail", "api_key=sk_live_abcdefghijklmnop123456")

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnop") {
		t.Fatalf("secret leaked in log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker in output: %s", out)
	}
}

func TestLoggerIncludesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := AddRequestID(context.Background(), "req-123")
	ctx = AddSessionID(ctx, "sess-456")
	logger.Info(ctx, "handling query")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["request_id"] != "req-123" {
		t.Fatalf("missing request_id: %v", record)
	}
	if record["session_id"] != "sess-456" {
		t.Fatalf("missing session_id: %v", record)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug(context.Background(), "should not appear")
	logger.Info(context.Background(), "should not appear either")
	logger.Warn(context.Background(), "visible warning")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("low-level records leaked: %s", out)
	}
	if !strings.Contains(out, "visible warning") {
		t.Fatalf("warn record missing: %s", out)
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info(context.Background(), "session context",
		"context", map[string]any{"authorization": "Bearer abc", "region": "us-east"})

	out := buf.String()
	if strings.Contains(out, "Bearer abc") {
		t.Fatalf("map value leaked: %s", out)
	}
	if !strings.Contains(out, "us-east") {
		t.Fatalf("benign value dropped: %s", out)
	}
}
