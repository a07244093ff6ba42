package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewWritesTimestampedFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	now := func() time.Time { return time.Date(2026, 3, 2, 9, 30, 5, 0, time.UTC) }

	logger, path, err := New(Options{Dir: dir, Level: "info", Now: now})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	expected := filepath.Join(dir, "20260302_093005.log")
	if path != expected {
		t.Errorf("Expected log path %s, got %s", expected, path)
	}

	logger.Info("hello", zap.String("pair", "KO/PEP"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"pair":"KO/PEP"`) {
		t.Errorf("Expected JSON field in log file, got %s", data)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("Expected error for unknown level, got nil")
	}
}

func TestZapSinkEmit(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewZapSink(zap.New(core))

	sink.Emit(zapcore.WarnLevel, NewEvent(EventDiscrepancy, zap.String("symbol", "KO")))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Message != EventDiscrepancy || entries[0].Level != zapcore.WarnLevel {
		t.Errorf("Expected warn %s, got %s %s", EventDiscrepancy, entries[0].Level, entries[0].Message)
	}
	if entries[0].ContextMap()["symbol"] != "KO" {
		t.Errorf("Expected symbol field, got %v", entries[0].ContextMap())
	}
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Multi(a, nil, b)

	sink.Emit(zapcore.InfoLevel, NewEvent(EventSignal, zap.String("pair", "KO/PEP")))
	sink.Emit(zapcore.InfoLevel, NewEvent(EventPhaseChange))

	if len(a.Events()) != 2 || len(b.Events()) != 2 {
		t.Fatalf("Expected both recorders to see 2 events, got %d and %d", len(a.Events()), len(b.Events()))
	}

	signals := a.Named(EventSignal)
	if len(signals) != 1 {
		t.Fatalf("Expected 1 signal event, got %d", len(signals))
	}
	if pair, ok := signals[0].Field("pair"); !ok || pair != "KO/PEP" {
		t.Errorf("Expected pair=KO/PEP, got %q", pair)
	}
}
