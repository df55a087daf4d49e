package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedZap(level zapcore.Level) (*ZapLogger, *observer.ObservedLogs) {
	core, recorded := observer.New(level)
	logger := zap.New(core)
	return &ZapLogger{logger: logger, sugar: logger.Sugar()}, recorded
}

func TestNewZap_Defaults(t *testing.T) {
	z := NewZap(nil)
	if z == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewZap_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "unknown"} {
		cfg := &ZapConfig{Level: level, Format: "json", Output: "stdout"}
		if z := NewZap(cfg); z == nil {
			t.Fatalf("level %q: expected non-nil logger", level)
		}
	}
}

func TestZapLogger_LevelsRecorded(t *testing.T) {
	z, logs := newObservedZap(zapcore.DebugLevel)

	z.Debug("d")
	z.Info("i")
	z.Warn("w")
	z.Error("e")

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	want := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, lvl := range want {
		if entries[i].Level != lvl {
			t.Errorf("entry %d level = %v, want %v", i, entries[i].Level, lvl)
		}
	}
}

func TestZapLogger_With(t *testing.T) {
	z, logs := newObservedZap(zapcore.InfoLevel)

	z.With("user_id", "123").Info("action")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["user_id"] != "123" {
		t.Errorf("expected user_id field, got %v", entries[0].ContextMap())
	}
}

func TestZapLogger_Named(t *testing.T) {
	z, logs := newObservedZap(zapcore.InfoLevel)

	z.Named("mqtt").Info("connected")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].LoggerName != "mqtt" {
		t.Errorf("expected logger name mqtt, got %s", entries[0].LoggerName)
	}
}

func TestZapLogger_Sync(t *testing.T) {
	z, _ := newObservedZap(zapcore.InfoLevel)
	if err := z.Sync(); err != nil {
		t.Errorf("sync should not error: %v", err)
	}
}

func TestNopLogger(t *testing.T) {
	l := Nop()
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
	if l.With("a", 1) == nil {
		t.Error("With should return a logger")
	}
	if l.Named("x") == nil {
		t.Error("Named should return a logger")
	}
	if err := l.Sync(); err != nil {
		t.Errorf("sync should not error: %v", err)
	}
}
