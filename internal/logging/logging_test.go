package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestDefaultReturnsGivenLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	got := Default(logger)
	got.Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("Default(logger) did not use the given logger: %q", buf.String())
	}
}

func TestDefaultFallsBackToDiscard(t *testing.T) {
	logger := Default(nil)
	// Discard must not panic and must produce no observable output; there's
	// nothing to assert on a discard handler beyond "doesn't blow up".
	logger.Info("should vanish")
}

func TestDiscardHandlerNeverEnabled(t *testing.T) {
	h := discardHandler{}
	if h.Enabled(nil, slog.LevelError) {
		t.Fatal("discardHandler.Enabled() = true, want false")
	}
}

func TestComponentFilterHandlerFiltersByComponent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)
	filter.SetLevel("merge", slog.LevelError)

	logger := slog.New(filter)
	logger.With("component", "merge").Info("should be suppressed")
	if strings.Contains(buf.String(), "should be suppressed") {
		t.Fatalf("component below its explicit level was not filtered: %q", buf.String())
	}

	logger.With("component", "merge").Error("should pass")
	if !strings.Contains(buf.String(), "should pass") {
		t.Fatalf("component at its explicit level was filtered: %q", buf.String())
	}

	logger.With("component", "processor").Info("default level component")
	if !strings.Contains(buf.String(), "default level component") {
		t.Fatalf("component with no override should use defaultLevel: %q", buf.String())
	}
}

func TestComponentFilterHandlerClearLevel(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)
	filter.SetLevel("merge", slog.LevelError)
	filter.ClearLevel("merge")

	logger := slog.New(filter)
	logger.With("component", "merge").Info("back to default level")
	if !strings.Contains(buf.String(), "back to default level") {
		t.Fatalf("ClearLevel did not restore defaultLevel: %q", buf.String())
	}
}

func TestComponentFilterHandlerWithAttrsPreservesComponent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)
	filter.SetLevel("merge", slog.LevelError)

	// component attached via With() before any log call, rather than as a
	// per-call attribute, must still be found by findComponent's preAttrs
	// scan.
	logger := slog.New(filter).With("component", "merge")
	logger.Info("suppressed via pre-attrs")
	if strings.Contains(buf.String(), "suppressed via pre-attrs") {
		t.Fatalf("component set via With() was not filtered: %q", buf.String())
	}
}
