// Package queue provides a generic, single-consumer priority queue
// drainer with one FIFO bucket per priority band.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orrery-sim/orrery/internal/logging"
	"github.com/orrery-sim/orrery/internal/metrics"
	"github.com/orrery-sim/orrery/internal/models"
)

// Drainer errors.
var (
	ErrInvalidPriority = errors.New("priority out of range")
	ErrNilProcessor    = errors.New("processor cannot be nil")
)

// Processor handles one dequeued item. The drainer waits for it to return
// before servicing the next item; a slow processor delays the whole pass.
type Processor[T any] func(ctx context.Context, item T) error

// Drainer maintains one FIFO bucket per priority band and hands dequeued
// items to a single injected processor. Drain is reentrancy-safe: a
// trigger while a pass is running marks the drainer dirty and returns,
// and the active pass loops until the buckets stay empty, so producers
// enqueueing mid-pass are never stranded.
type Drainer[T any] struct {
	mu       sync.Mutex
	buckets  [models.NumPriorities][]T
	draining bool
	dirty    bool

	process Processor[T]
	logger  zerolog.Logger
}

// NewDrainer creates a drainer that feeds items to process.
func NewDrainer[T any](process Processor[T]) (*Drainer[T], error) {
	if process == nil {
		return nil, ErrNilProcessor
	}
	return &Drainer[T]{
		process: process,
		logger:  logging.Component("drainer"),
	}, nil
}

// Enqueue appends the item to its band's bucket.
func (d *Drainer[T]) Enqueue(item T, priority models.Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}

	d.mu.Lock()
	d.buckets[priority] = append(d.buckets[priority], item)
	depth := len(d.buckets[priority])
	d.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(strconv.Itoa(int(priority))).Set(float64(depth))
	return nil
}

// Len returns the total number of pending items.
func (d *Drainer[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingLocked()
}

// pendingLocked counts items across all buckets. Callers must hold d.mu.
func (d *Drainer[T]) pendingLocked() int {
	total := 0
	for _, bucket := range d.buckets {
		total += len(bucket)
	}
	return total
}

// BandLen returns the number of pending items in one band.
func (d *Drainer[T]) BandLen(priority models.Priority) int {
	if !priority.Valid() {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buckets[priority])
}

// Drain processes pending items, band 0 first and FIFO within a band. If
// a pass is already running the call is a no-op beyond flagging the
// active pass to re-check, which replaces recursive self-triggering with
// a bounded loop.
func (d *Drainer[T]) Drain(ctx context.Context) {
	d.mu.Lock()
	if d.draining {
		d.dirty = true
		d.mu.Unlock()
		return
	}
	d.draining = true
	d.dirty = false
	d.mu.Unlock()

	for {
		if ctx.Err() != nil {
			d.mu.Lock()
			break
		}

		item, ok := d.dequeue()
		if ok {
			d.runOne(ctx, item)
			continue
		}

		d.mu.Lock()
		// Re-check the buckets as well as the dirty flag: an Enqueue
		// landing between the final empty dequeue and this check carries
		// no re-trigger and would otherwise be stranded.
		if !d.dirty && d.pendingLocked() == 0 {
			break
		}
		d.dirty = false
		d.mu.Unlock()
	}

	// mu is held on every path out of the loop.
	d.draining = false
	d.mu.Unlock()
}

// dequeue pops the front of the first non-empty bucket in ascending band
// order.
func (d *Drainer[T]) dequeue() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for band := range d.buckets {
		bucket := d.buckets[band]
		if len(bucket) == 0 {
			continue
		}
		item := bucket[0]
		var zero T
		bucket[0] = zero
		d.buckets[band] = bucket[1:]
		if len(d.buckets[band]) == 0 {
			d.buckets[band] = nil
		}
		metrics.QueueDepth.WithLabelValues(strconv.Itoa(band)).Set(float64(len(d.buckets[band])))
		return item, true
	}

	var zero T
	return zero, false
}

// runOne executes the processor for one item, isolating errors and panics
// so a failing item never aborts the pass.
func (d *Drainer[T]) runOne(ctx context.Context, item T) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("processor panicked")
		}
	}()

	if err := d.process(ctx, item); err != nil {
		d.logger.Warn().Err(err).Msg("processor failed")
	}
}
