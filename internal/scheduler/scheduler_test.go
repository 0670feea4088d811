package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 10 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 1, 5, 9, 3, 0, 0, time.UTC)

	if got, want := s.nextTick(now), time.Date(2026, 1, 5, 9, 10, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("aligned next tick: got %s want %s", got, want)
	}
	onBoundary := time.Date(2026, 1, 5, 9, 10, 0, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(10 * time.Minute)) {
		t.Fatalf("boundary should move to the following bucket, got %s", got)
	}
	if got := s.bucketStart(now); !got.Equal(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("bucket start: %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: 10 * time.Minute}, zerolog.Nop())
	now := time.Date(2026, 1, 5, 9, 3, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("unaligned next tick: %s", got)
	}
	if got := s.bucketStart(now); !got.Equal(now) {
		t.Fatalf("unaligned bucket start should be identity: %s", got)
	}
}

func TestRunKeepsTickingAfterErrors(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, RunOnStart: true}, zerolog.Nop())

	var calls int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if atomic.AddInt32(&calls, 1) >= 3 {
				cancel()
			}
			return errors.New("upstream unavailable")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run should stop with context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", calls)
	}
}

func TestRunStopsDuringStartupDelay(t *testing.T) {
	s := New(Options{Interval: time.Minute, StartupDelay: time.Hour, RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick must not run")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("zero interval should panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
