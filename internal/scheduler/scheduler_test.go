package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunStopsOnContextCancel(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, tick time.Time) error {
			if ticks.Add(1) >= 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}
}

func TestRunSurvivesTickErrors(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, tick time.Time) error {
			if ticks.Add(1) >= 2 {
				cancel()
			}
			return errors.New("pipeline failed")
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not keep running after a failed tick")
	}
	if ticks.Load() < 2 {
		t.Fatalf("expected the interval after a failure to fire, got %d ticks", ticks.Load())
	}
}

func TestRunHonorsStartupDelayCancel(t *testing.T) {
	s := New(Options{Interval: time.Minute, StartupDelay: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, tick time.Time) error { return nil })
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not honor cancellation during startup delay")
	}
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: 15 * time.Minute, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2026, 3, 1, 12, 7, 30, 0, time.UTC)
	next := s.nextTick(now)
	want := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %s, got %s", want, next)
	}

	exact := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
	next = s.nextTick(exact)
	want = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("on-boundary instant should schedule the next interval, got %s", next)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: 10 * time.Minute}, zerolog.Nop())
	now := time.Date(2026, 3, 1, 12, 7, 30, 0, time.UTC)
	if next := s.nextTick(now); !next.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("unaligned scheduler should add the interval, got %s", next)
	}
}
