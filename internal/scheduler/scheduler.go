// Package scheduler provides the repeating frame loop that drives
// registered systems in priority bands.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrery-sim/orrery/internal/bus"
	"github.com/orrery-sim/orrery/internal/logging"
	"github.com/orrery-sim/orrery/internal/metrics"
	"github.com/orrery-sim/orrery/internal/models"
)

// Scheduler errors.
var (
	ErrAlreadyRunning  = errors.New("scheduler already running")
	ErrNotRunning      = errors.New("scheduler not running")
	ErrDuplicateUpdate = errors.New("update already registered")
	ErrNilCallback     = errors.New("callback cannot be nil")
	ErrInvalidPriority = errors.New("priority out of range")
)

// Callback is a per-tick update function. Work is expected to be short;
// long-running work belongs in the queue drainer.
type Callback func(ctx context.Context, delta time.Duration)

// Config contains frame scheduler settings.
type Config struct {
	// TickInterval is the host timer period driving the loop.
	TickInterval time.Duration

	// MaxDelta caps the per-tick delta so a stall does not snowball into
	// a catch-up spiral.
	MaxDelta time.Duration

	// StatsInterval is how often aggregate statistics are published.
	StatsInterval time.Duration

	// ThrottledBands lists the bands skipped on ticks where
	// frameCount % (band+1) != 0.
	ThrottledBands []models.Priority
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:  50 * time.Millisecond,
		MaxDelta:      250 * time.Millisecond,
		StatsInterval: 5 * time.Second,
		ThrottledBands: []models.Priority{
			models.PriorityLow,
			models.PriorityBackground,
		},
	}
}

// update is one registered callback with its gating state.
type update struct {
	id         string
	fn         Callback
	priority   models.Priority
	interval   time.Duration
	lastUpdate time.Duration
}

// Scheduler runs a repeating tick, invoking registered callbacks grouped
// into priority bands 0 through 4. Per-callback failures are isolated and
// published as error events; the loop itself never stops on one.
type Scheduler struct {
	config Config
	bus    *bus.Bus
	logger zerolog.Logger
	clock  func() time.Time

	mu        sync.Mutex
	bands     [models.NumPriorities][]*update
	index     map[string]*update
	throttled [models.NumPriorities]bool

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	frameCount  uint64
	elapsed     time.Duration
	lastTick    time.Time
	lastStatsAt time.Duration
	stats       statsState
}

// New creates a frame scheduler publishing lifecycle and stats events on b.
func New(config Config, b *bus.Bus) *Scheduler {
	def := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.MaxDelta <= 0 {
		config.MaxDelta = def.MaxDelta
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = def.StatsInterval
	}

	s := &Scheduler{
		config: config,
		bus:    b,
		logger: logging.Component("frame-scheduler"),
		clock:  time.Now,
		index:  make(map[string]*update),
	}
	for _, band := range config.ThrottledBands {
		if band.Valid() {
			s.throttled[band] = true
		}
	}
	return s
}

// Register installs a callback in a priority band. A non-zero interval
// additionally gates the callback on accumulated elapsed time.
func (s *Scheduler) Register(id string, priority models.Priority, interval time.Duration, fn Callback) error {
	if fn == nil {
		return ErrNilCallback
	}
	if !priority.Valid() {
		return ErrInvalidPriority
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[id]; exists {
		return ErrDuplicateUpdate
	}

	u := &update{id: id, fn: fn, priority: priority, interval: interval}
	s.index[id] = u
	s.bands[priority] = append(s.bands[priority], u)
	return nil
}

// Unregister removes a callback. Removing an unknown id is a no-op.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.index[id]
	if !exists {
		return
	}
	delete(s.index, id)

	band := s.bands[u.priority]
	for i, candidate := range band {
		if candidate.id == id {
			s.bands[u.priority] = append(band[:i:i], band[i+1:]...)
			break
		}
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.lastTick = time.Time{}
	s.mu.Unlock()

	s.logger.Info().
		Dur("tick_interval", s.config.TickInterval).
		Dur("max_delta", s.config.MaxDelta).
		Msg("frame scheduler starting")

	s.bus.Publish(models.Event{
		Kind:           models.EventTypeSchedulerStarted,
		SourceID:       "frame-scheduler",
		SourceCategory: models.SourceCategoryScheduler,
	})

	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	s.bus.Publish(models.Event{
		Kind:           models.EventTypeSchedulerStopped,
		SourceID:       "frame-scheduler",
		SourceCategory: models.SourceCategoryScheduler,
	})
	s.logger.Info().Msg("frame scheduler stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.ctx, s.clock())
		}
	}
}

// tick advances the loop by one frame.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()

	delta := s.config.TickInterval
	if !s.lastTick.IsZero() {
		delta = now.Sub(s.lastTick)
	}
	if delta > s.config.MaxDelta {
		delta = s.config.MaxDelta
	}
	s.lastTick = now
	s.elapsed += delta
	s.frameCount++
	frame := s.frameCount
	s.stats.recordFrame(delta)

	// Decide which callbacks run and advance their gates while the lock
	// is held; the callbacks themselves run unlocked so they may register
	// or unregister updates.
	var due [models.NumPriorities][]*update
	for band := range s.bands {
		if s.throttled[band] && frame%uint64(band+1) != 0 {
			skipped := uint64(len(s.bands[band]))
			s.stats.bands[band].skipped += skipped
			metrics.BandSkipped.WithLabelValues(strconv.Itoa(band)).Add(float64(skipped))
			continue
		}
		for _, u := range s.bands[band] {
			if u.interval > 0 && s.elapsed-u.lastUpdate < u.interval {
				continue
			}
			u.lastUpdate = s.elapsed
			due[band] = append(due[band], u)
		}
	}

	statsDue := s.elapsed-s.lastStatsAt >= s.config.StatsInterval
	if statsDue {
		s.lastStatsAt = s.elapsed
	}
	s.mu.Unlock()

	metrics.FramesTotal.Inc()

	for band := range due {
		for _, u := range due[band] {
			start := s.clock()
			s.invoke(ctx, u, delta)
			cost := s.clock().Sub(start)

			s.mu.Lock()
			s.stats.bands[band].invocations++
			s.stats.bands[band].total += cost
			s.mu.Unlock()

			label := strconv.Itoa(band)
			metrics.BandInvocations.WithLabelValues(label).Inc()
			metrics.BandSeconds.WithLabelValues(label).Add(cost.Seconds())
		}
	}

	if statsDue {
		s.publishStats()
	}
}

// invoke runs one callback with panic isolation; a panic is reported as
// an error event and does not stop other callbacks or future ticks.
func (s *Scheduler) invoke(ctx context.Context, u *update, delta time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("update_id", u.id).
				Interface("panic", r).
				Msg("update callback panicked")
			publishError(s.bus, u.id, models.SourceCategoryScheduler, r)
		}
	}()
	u.fn(ctx, delta)
}
