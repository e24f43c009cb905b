package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orrery-sim/orrery/internal/bus"
	"github.com/orrery-sim/orrery/internal/models"
)

// testScheduler returns a scheduler with a manually advanced clock. Tests
// drive tick directly instead of running the host timer loop.
func testScheduler(cfg Config) (*Scheduler, *bus.Bus, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := bus.New()
	s := New(cfg, b)
	s.clock = func() time.Time { return now }
	return s, b, &now
}

func advance(s *Scheduler, now *time.Time, step time.Duration, ticks int) {
	for i := 0; i < ticks; i++ {
		*now = now.Add(step)
		s.tick(context.Background(), *now)
	}
}

func TestRegisterValidation(t *testing.T) {
	s, _, _ := testScheduler(Config{})

	if err := s.Register("a", models.PriorityNormal, 0, nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("expected ErrNilCallback, got %v", err)
	}
	if err := s.Register("a", models.Priority(9), 0, func(context.Context, time.Duration) {}); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("expected ErrInvalidPriority, got %v", err)
	}
	if err := s.Register("a", models.PriorityNormal, 0, func(context.Context, time.Duration) {}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("a", models.PriorityHigh, 0, func(context.Context, time.Duration) {}); !errors.Is(err, ErrDuplicateUpdate) {
		t.Fatalf("expected ErrDuplicateUpdate, got %v", err)
	}
}

func TestTickInvokesRegisteredCallbacks(t *testing.T) {
	s, _, now := testScheduler(Config{TickInterval: 50 * time.Millisecond})

	calls := map[string]int{}
	for _, id := range []string{"critical", "normal"} {
		id := id
		priority := models.PriorityCritical
		if id == "normal" {
			priority = models.PriorityNormal
		}
		if err := s.Register(id, priority, 0, func(context.Context, time.Duration) {
			calls[id]++
		}); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}

	advance(s, now, 50*time.Millisecond, 3)

	if calls["critical"] != 3 || calls["normal"] != 3 {
		t.Fatalf("expected 3 calls each, got %v", calls)
	}
}

func TestThrottledBandRunsOnReducedCadence(t *testing.T) {
	s, _, now := testScheduler(Config{
		TickInterval:   50 * time.Millisecond,
		ThrottledBands: []models.Priority{models.PriorityLow},
	})

	lowCalls := 0
	normalCalls := 0
	_ = s.Register("low", models.PriorityLow, 0, func(context.Context, time.Duration) { lowCalls++ })
	_ = s.Register("normal", models.PriorityNormal, 0, func(context.Context, time.Duration) { normalCalls++ })

	advance(s, now, 50*time.Millisecond, 10)

	// Band 3 runs only when frame % 4 == 0: frames 4 and 8 out of 10.
	if lowCalls != 2 {
		t.Fatalf("expected 2 low-band calls over 10 ticks, got %d", lowCalls)
	}
	if normalCalls != 10 {
		t.Fatalf("expected 10 normal-band calls, got %d", normalCalls)
	}

	snap := s.Stats()
	if snap.Bands[models.PriorityLow].Skipped != 8 {
		t.Fatalf("expected 8 skips recorded, got %d", snap.Bands[models.PriorityLow].Skipped)
	}
}

func TestIntervalGatesOnElapsedTime(t *testing.T) {
	s, _, now := testScheduler(Config{TickInterval: 50 * time.Millisecond})

	calls := 0
	_ = s.Register("slow", models.PriorityNormal, 120*time.Millisecond, func(context.Context, time.Duration) {
		calls++
	})

	// Elapsed hits 150ms on tick 3 and 300ms on tick 6.
	advance(s, now, 50*time.Millisecond, 6)

	if calls != 2 {
		t.Fatalf("expected 2 gated calls over 6 ticks, got %d", calls)
	}
}

func TestDeltaCappedAfterStall(t *testing.T) {
	s, _, now := testScheduler(Config{
		TickInterval: 50 * time.Millisecond,
		MaxDelta:     250 * time.Millisecond,
	})

	var deltas []time.Duration
	_ = s.Register("probe", models.PriorityCritical, 0, func(_ context.Context, delta time.Duration) {
		deltas = append(deltas, delta)
	})

	advance(s, now, 50*time.Millisecond, 1)
	advance(s, now, 10*time.Second, 1) // stall

	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(deltas))
	}
	if deltas[1] != 250*time.Millisecond {
		t.Fatalf("expected stall delta capped at 250ms, got %v", deltas[1])
	}
}

func TestPanickingCallbackPublishesErrorAndKeepsTicking(t *testing.T) {
	s, b, now := testScheduler(Config{TickInterval: 50 * time.Millisecond})

	otherCalls := 0
	_ = s.Register("bad", models.PriorityCritical, 0, func(context.Context, time.Duration) {
		panic("callback exploded")
	})
	_ = s.Register("good", models.PriorityNormal, 0, func(context.Context, time.Duration) {
		otherCalls++
	})

	advance(s, now, 50*time.Millisecond, 2)

	if otherCalls != 2 {
		t.Fatalf("expected the healthy callback to keep running, got %d calls", otherCalls)
	}

	errEvents := b.HistoryForKind(models.EventTypeError)
	if len(errEvents) != 2 {
		t.Fatalf("expected 2 error events, got %d", len(errEvents))
	}
	if errEvents[0].SourceID != "bad" {
		t.Fatalf("unexpected error source: %s", errEvents[0].SourceID)
	}
}

func TestUnregisterStopsInvocation(t *testing.T) {
	s, _, now := testScheduler(Config{TickInterval: 50 * time.Millisecond})

	calls := 0
	_ = s.Register("once", models.PriorityNormal, 0, func(context.Context, time.Duration) { calls++ })

	advance(s, now, 50*time.Millisecond, 1)
	s.Unregister("once")
	s.Unregister("unknown") // no-op
	advance(s, now, 50*time.Millisecond, 1)

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestStatsPublishedOnInterval(t *testing.T) {
	s, b, now := testScheduler(Config{
		TickInterval:  50 * time.Millisecond,
		StatsInterval: time.Second,
	})

	advance(s, now, 50*time.Millisecond, 40) // 2s elapsed

	stats := b.HistoryForKind(models.EventTypeSchedulerStats)
	if len(stats) != 2 {
		t.Fatalf("expected 2 stats events over 2s, got %d", len(stats))
	}

	snap := s.Stats()
	if snap.FrameCount != 40 {
		t.Fatalf("expected frame count 40, got %d", snap.FrameCount)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	b := bus.New()
	s := New(Config{TickInterval: 5 * time.Millisecond}, b)

	if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("expected running")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Fatal("expected stopped")
	}

	if len(b.HistoryForKind(models.EventTypeSchedulerStarted)) != 1 {
		t.Fatal("expected scheduler.started event")
	}
	if len(b.HistoryForKind(models.EventTypeSchedulerStopped)) != 1 {
		t.Fatal("expected scheduler.stopped event")
	}
}
