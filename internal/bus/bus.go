// Package bus provides typed publish/subscribe with bounded replayable
// history for the automation core.
package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orrery-sim/orrery/internal/logging"
	"github.com/orrery-sim/orrery/internal/metrics"
	"github.com/orrery-sim/orrery/internal/models"
)

const (
	// DefaultCapacity is the default history ring size.
	DefaultCapacity = 1000

	// DefaultIndexThreshold is the history size above which filtered
	// queries use the derived index instead of a linear scan.
	DefaultIndexThreshold = 128
)

// Bus errors.
var (
	ErrNilHandler = errors.New("handler cannot be nil")
	ErrEmptyKind  = errors.New("event kind is required")
)

// Handler is a callback invoked synchronously for each published event of
// a subscribed kind.
type Handler func(models.Event)

// CancelFunc removes a subscription. Safe to call more than once.
type CancelFunc func()

// Archiver persists published events. Archive failures are logged and
// never block delivery.
type Archiver interface {
	Archive(ctx context.Context, event models.Event) error
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a typed publish/subscribe channel with bounded replayable
// history. The history buffer and subscription map are owned exclusively
// by the bus; external systems interact only through the documented
// operations.
type Bus struct {
	mu       sync.Mutex
	subs     map[models.EventType][]subscription
	nextID   uint64
	hist     *history
	archiver Archiver
	logger   zerolog.Logger
	clock    func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity sets the history ring size.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.hist = newHistory(n, b.hist.threshold)
		}
	}
}

// WithIndexThreshold sets the history size above which filtered queries
// use the derived index.
func WithIndexThreshold(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.hist.threshold = n
		}
	}
}

// WithArchiver configures the bus to also persist published events.
func WithArchiver(a Archiver) Option {
	return func(b *Bus) {
		b.archiver = a
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[models.EventType][]subscription),
		hist:   newHistory(DefaultCapacity, DefaultIndexThreshold),
		logger: logging.Component("bus"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends the event to history (evicting the oldest entry on
// overflow) and synchronously invokes every subscriber registered for its
// kind, in subscription order. A panicking subscriber is logged and never
// prevents the remaining subscribers from running. The stored event, with
// ID and timestamp filled in, is returned.
func (b *Bus) Publish(event models.Event) models.Event {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock().UTC()
	}

	b.mu.Lock()
	b.hist.append(event)
	handlers := slices.Clone(b.subs[event.Kind])
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(event.Kind)).Inc()

	if b.archiver != nil {
		if err := b.archiver.Archive(context.Background(), event); err != nil {
			b.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to archive event")
		}
	}

	for _, sub := range handlers {
		b.invoke(sub, event)
	}

	return event
}

// invoke runs one handler with panic isolation.
func (b *Bus) invoke(sub subscription, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Uint64("subscription_id", sub.id).
				Str("event_kind", string(event.Kind)).
				Interface("panic", r).
				Msg("subscriber panicked")
		}
	}()
	sub.handler(event)
}

// Subscribe registers a handler for one event kind and returns a
// cancellation handle.
func (b *Bus) Subscribe(kind models.EventType, handler Handler) (CancelFunc, error) {
	if kind == "" {
		return nil, ErrEmptyKind
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() { b.unsubscribe(kind, id) }, nil
}

// MustSubscribe is Subscribe for statically known arguments; it panics on
// misuse.
func (b *Bus) MustSubscribe(kind models.EventType, handler Handler) CancelFunc {
	cancel, err := b.Subscribe(kind, handler)
	if err != nil {
		panic(fmt.Sprintf("bus: subscribe %s: %v", kind, err))
	}
	return cancel
}

func (b *Bus) unsubscribe(kind models.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[kind]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[kind]) == 0 {
		delete(b.subs, kind)
	}
}

// SubscriberCount returns the number of active subscriptions for a kind.
func (b *Bus) SubscriberCount(kind models.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[kind])
}

// History returns all retained events, oldest first.
func (b *Bus) History() []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hist.events()
}

// HistoryForSource returns retained events published by one source.
func (b *Bus) HistoryForSource(sourceID string) []models.Event {
	return b.Query(Filter{SourceID: sourceID})
}

// HistoryForKind returns retained events of one kind.
func (b *Bus) HistoryForKind(kind models.EventType) []models.Event {
	return b.Query(Filter{Kinds: []models.EventType{kind}})
}

// Query returns retained events matching the filter, oldest first.
func (b *Bus) Query(f Filter) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hist.query(f)
}

// CountSince returns how many retained events of the given kind were
// published at or after since.
func (b *Bus) CountSince(kind models.EventType, since time.Time) int {
	return len(b.Query(Filter{Kinds: []models.EventType{kind}, Since: since}))
}

// Len returns the number of retained events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hist.size
}

// ClearHistory drops all retained events. Subscriptions are unaffected.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hist.clear()
}
