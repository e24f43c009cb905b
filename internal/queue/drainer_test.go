package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/orrery-sim/orrery/internal/models"
)

func TestDrainOrdersBandsBeforeFIFO(t *testing.T) {
	var got []string
	d, err := NewDrainer(func(_ context.Context, item string) error {
		got = append(got, item)
		return nil
	})
	if err != nil {
		t.Fatalf("NewDrainer: %v", err)
	}

	mustEnqueue(t, d, "bg-1", models.PriorityBackground)
	mustEnqueue(t, d, "crit-1", models.PriorityCritical)
	mustEnqueue(t, d, "norm-1", models.PriorityNormal)
	mustEnqueue(t, d, "crit-2", models.PriorityCritical)
	mustEnqueue(t, d, "norm-2", models.PriorityNormal)

	d.Drain(context.Background())

	want := []string{"crit-1", "crit-2", "norm-1", "norm-2", "bg-1"}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if d.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", d.Len())
	}
}

func TestEnqueueRejectsInvalidPriority(t *testing.T) {
	d, _ := NewDrainer(func(context.Context, int) error { return nil })

	if err := d.Enqueue(1, models.Priority(7)); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("expected ErrInvalidPriority, got %v", err)
	}
	if err := d.Enqueue(1, models.Priority(-1)); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("expected ErrInvalidPriority, got %v", err)
	}
}

func TestNewDrainerRejectsNilProcessor(t *testing.T) {
	if _, err := NewDrainer[int](nil); !errors.Is(err, ErrNilProcessor) {
		t.Fatalf("expected ErrNilProcessor, got %v", err)
	}
}

func TestMidPassEnqueueIsServicedBySamePass(t *testing.T) {
	var d *Drainer[int]
	var got []int
	d, _ = NewDrainer(func(ctx context.Context, item int) error {
		got = append(got, item)
		if item == 1 {
			// A producer reacting to the first item: enqueue and trigger.
			_ = d.Enqueue(2, models.PriorityNormal)
			d.Drain(ctx)
		}
		return nil
	})

	mustEnqueue(t, d, 1, models.PriorityNormal)
	d.Drain(context.Background())

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected the outer pass to pick up the mid-pass item, got %v", got)
	}
	if d.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", d.Len())
	}
}

func TestEnqueueWithoutRetriggerIsServicedBySamePass(t *testing.T) {
	var d *Drainer[int]
	var got []int
	d, _ = NewDrainer(func(_ context.Context, item int) error {
		got = append(got, item)
		if item == 1 {
			// A producer that enqueues without calling Drain: the pass
			// must still find the item before exiting.
			_ = d.Enqueue(2, models.PriorityNormal)
		}
		return nil
	})

	mustEnqueue(t, d, 1, models.PriorityNormal)
	d.Drain(context.Background())

	if len(got) != 2 || got[1] != 2 {
		t.Fatalf("expected the pass to service the untriggered enqueue, got %v", got)
	}
	if d.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", d.Len())
	}
}

func TestFailingAndPanickingItemsDoNotAbortPass(t *testing.T) {
	var got []string
	d, _ := NewDrainer(func(_ context.Context, item string) error {
		got = append(got, item)
		switch item {
		case "fails":
			return errors.New("processor error")
		case "panics":
			panic("processor panic")
		}
		return nil
	})

	mustEnqueue(t, d, "fails", models.PriorityNormal)
	mustEnqueue(t, d, "panics", models.PriorityNormal)
	mustEnqueue(t, d, "ok", models.PriorityNormal)

	d.Drain(context.Background())

	if len(got) != 3 || got[2] != "ok" {
		t.Fatalf("expected all three items processed, got %v", got)
	}
}

func TestDrainStopsOnCancelledContext(t *testing.T) {
	processed := 0
	d, _ := NewDrainer(func(context.Context, int) error {
		processed++
		return nil
	})

	mustEnqueue(t, d, 1, models.PriorityNormal)
	mustEnqueue(t, d, 2, models.PriorityNormal)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Drain(ctx)

	if processed != 0 {
		t.Fatalf("expected no items processed under cancelled context, got %d", processed)
	}
	if d.Len() != 2 {
		t.Fatalf("expected items retained, got %d", d.Len())
	}

	// A later pass with a live context must still work.
	d.Drain(context.Background())
	if processed != 2 {
		t.Fatalf("expected both items processed on retry, got %d", processed)
	}
}

func TestBandLen(t *testing.T) {
	d, _ := NewDrainer(func(context.Context, int) error { return nil })

	mustEnqueue(t, d, 1, models.PriorityHigh)
	mustEnqueue(t, d, 2, models.PriorityHigh)
	mustEnqueue(t, d, 3, models.PriorityLow)

	if got := d.BandLen(models.PriorityHigh); got != 2 {
		t.Fatalf("expected 2 high items, got %d", got)
	}
	if got := d.BandLen(models.PriorityLow); got != 1 {
		t.Fatalf("expected 1 low item, got %d", got)
	}
	if got := d.BandLen(models.Priority(9)); got != 0 {
		t.Fatalf("expected 0 for invalid band, got %d", got)
	}
}

func mustEnqueue[T any](t *testing.T, d *Drainer[T], item T, priority models.Priority) {
	t.Helper()
	if err := d.Enqueue(item, priority); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}
