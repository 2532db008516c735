package logging

import (
	"context"
	"testing"
)

func TestInitLogger(t *testing.T) {
	levels := []Level{LevelDebug, LevelInfo, LevelWarn, LevelError}
	formats := []Format{FormatJSON, FormatText}

	for _, level := range levels {
		for _, format := range formats {
			InitLogger(level, format)
			if GetLogger() == nil {
				t.Errorf("GetLogger() = nil after InitLogger(%d, %d)", level, format)
			}
		}
	}
}

func TestSessionIDContext(t *testing.T) {
	ctx := context.Background()

	if got := GetSessionID(ctx); got != "" {
		t.Errorf("GetSessionID(empty ctx) = %q, want empty", got)
	}

	ctx = WithSessionID(ctx, "abc-123")
	if got := GetSessionID(ctx); got != "abc-123" {
		t.Errorf("GetSessionID() = %q, want %q", got, "abc-123")
	}
}

func TestLoggerFromContext(t *testing.T) {
	InitLogger(LevelInfo, FormatText)

	ctx := WithSessionID(context.Background(), "abc-123")
	if LoggerFromContext(ctx) == nil {
		t.Fatal("LoggerFromContext returned nil")
	}

	// Plain context returns the default logger.
	if LoggerFromContext(context.Background()) != GetLogger() {
		t.Error("LoggerFromContext(plain ctx) should return the default logger")
	}
}

func TestHelpersDoNotPanic(t *testing.T) {
	InitLogger(LevelDebug, FormatText)

	Debug("debug message", "key", "value")
	Info("info message", "key", "value")
	Warn("warn message", "key", "value")
	Error("error message", "key", "value")
	DebugContext(context.Background(), "debug ctx")
	InfoContext(context.Background(), "info ctx")
	CacheEvent("page_recycled", "pgno", 42)
	BackupStep("abc-123", 10, 90, 100)
	WebSocketEvent("client_connected", 1)
	ServerStartup("progress", "127.0.0.1:8080")
}
