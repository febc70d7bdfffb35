package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	// A second Init must not panic on duplicate registration.
	Init()
	if UploadsStarted == nil || TotalDuration == nil || ActiveConversationsGauge == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestTimeFunc(t *testing.T) {
	Init()
	d := TimeFunc(UploadDuration, func() {
		time.Sleep(5 * time.Millisecond)
	})
	if d < 5*time.Millisecond {
		t.Errorf("measured %v, want >= 5ms", d)
	}
	if d = TimeFunc(nil, func() {}); d < 0 {
		t.Error("nil observer should still measure")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("empty context returned %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("got %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("expected logger")
	}
}
