package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/platinummonkey/placebook/pkg/contextkeys"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info level, got %q", buf.String())
	}

	logger.Infof("cancelled %d", 3)
	entry := decodeLine(t, &buf)
	if entry["level"] != "INFO" {
		t.Errorf("expected INFO, got %v", entry["level"])
	}
	if entry["msg"] != "cancelled 3" {
		t.Errorf("unexpected msg %v", entry["msg"])
	}
}

func TestLogger_WithFieldsAndError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf).
		WithField("site_id", 7).
		WithFields(map[string]interface{}{"scope": "site"}).
		WithError(errors.New("boom"))

	logger.Warn("history write failed")
	entry := decodeLine(t, &buf)

	if entry["site_id"] != float64(7) {
		t.Errorf("expected site_id 7, got %v", entry["site_id"])
	}
	if entry["scope"] != "site" {
		t.Errorf("expected scope site, got %v", entry["scope"])
	}
	if entry["error"] != "boom" {
		t.Errorf("expected error boom, got %v", entry["error"])
	}
}

func TestLogger_WithNilError(t *testing.T) {
	logger := NewLogger(InfoLevel, nil)
	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(InfoLevel, &buf)

	ctx := contextkeys.WithRequestID(context.Background(), "req-1")
	ctx = contextkeys.WithUserID(ctx, "42")

	FromContext(ctx, base).Info("hello")
	entry := decodeLine(t, &buf)

	if entry["request_id"] != "req-1" {
		t.Errorf("expected request_id req-1, got %v", entry["request_id"])
	}
	if entry["user_id"] != "42" {
		t.Errorf("expected user_id 42, got %v", entry["user_id"])
	}
}

func TestGetLogger_PrefersContext(t *testing.T) {
	var ctxBuf, fallbackBuf bytes.Buffer
	ctxLogger := NewLogger(InfoLevel, &ctxBuf)
	fallback := NewLogger(InfoLevel, &fallbackBuf)

	ctx := WithLogger(context.Background(), ctxLogger)
	GetLogger(ctx, fallback).Info("x")

	if ctxBuf.Len() == 0 || fallbackBuf.Len() != 0 {
		t.Error("expected the context logger to be used")
	}

	GetLogger(context.Background(), fallback).Info("y")
	if fallbackBuf.Len() == 0 {
		t.Error("expected fallback logger without context logger")
	}
}
