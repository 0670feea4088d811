package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestGuardOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &recordingNotifier{err: errors.New("boom")}
	g := Guard(inner, GuardOptions{Name: "test", MaxFailures: 2, OpenTimeout: time.Hour}, testLogger())

	for i := 0; i < 2; i++ {
		if err := g.Notify(context.Background(), sampleNotification()); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}
	if g.State() != gobreaker.StateOpen {
		t.Fatalf("breaker should be open, got %s", g.State())
	}

	err := g.Notify(context.Background(), sampleNotification())
	if !errors.Is(err, ErrDelivery) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("open breaker should surface as delivery error, got %v", err)
	}
	if len(inner.calls) != 2 {
		t.Fatalf("open breaker must not reach the notifier, calls=%d", len(inner.calls))
	}
}

func TestGuardPassesThroughSuccess(t *testing.T) {
	inner := &recordingNotifier{}
	g := Guard(inner, GuardOptions{RatePerMin: 600}, testLogger())

	if err := g.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(inner.calls) != 1 {
		t.Fatalf("expected one delivery, got %d", len(inner.calls))
	}
}

func TestGuardRespectsCancelledContextWhileLimited(t *testing.T) {
	inner := &recordingNotifier{}
	g := Guard(inner, GuardOptions{RatePerMin: 1}, testLogger())

	if err := g.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("first notify: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Notify(ctx, sampleNotification()); !errors.Is(err, ErrDelivery) {
		t.Fatalf("limiter wait past deadline should fail delivery, got %v", err)
	}
	if len(inner.calls) != 1 {
		t.Fatalf("limited call must not reach the notifier, calls=%d", len(inner.calls))
	}
}
