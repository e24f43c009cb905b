// Package routines schedules cross-system condition/action bundles
// through the shared priority queue drainer, re-enqueueing each routine
// after it runs and fast-tracking routines that match incoming bus events.
package routines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrery-sim/orrery/internal/bus"
	"github.com/orrery-sim/orrery/internal/eval"
	"github.com/orrery-sim/orrery/internal/logging"
	"github.com/orrery-sim/orrery/internal/metrics"
	"github.com/orrery-sim/orrery/internal/models"
	"github.com/orrery-sim/orrery/internal/queue"
	"github.com/orrery-sim/orrery/internal/scheduler"
)

// Scheduler errors.
var (
	ErrDuplicateRoutine = errors.New("routine already registered")
	ErrRoutineNotFound  = errors.New("routine not found")
)

// updateID is the scheduler's registration id on the frame scheduler.
const updateID = "routine-scheduler"

// DefaultStabilizationDelay is the fast-track delay applied after
// status-changed events so flapping statuses settle before routines react.
const DefaultStabilizationDelay = 500 * time.Millisecond

// TargetNotifier informs a target system that a routine ran or was
// unregistered.
type TargetNotifier func(system string, routine models.Routine)

// queuedRun is one pending execution in the drainer. The generation
// counter enforces the one-outstanding-entry invariant: re-scheduling
// supersedes, never duplicates.
type queuedRun struct {
	id        string
	gen       uint64
	executeAt time.Time
}

type managedRoutine struct {
	routine models.Routine
	gen     uint64
}

// Scheduler owns the registered-routine map and drives executions through
// the priority queue drainer.
type Scheduler struct {
	bus       *bus.Bus
	evaluator *eval.Evaluator
	executor  *eval.Executor
	notify    TargetNotifier
	logger    zerolog.Logger
	clock     func() time.Time

	drainer       *queue.Drainer[queuedRun]
	stabilization time.Duration

	mu          sync.Mutex
	routines    map[string]*managedRoutine
	deferred    []deferredRun
	initialized bool
	cancels     []bus.CancelFunc
}

// deferredRun is a dequeued run whose wall-clock slot has not arrived.
// Re-enqueueing it inside the active drain pass would spin the pass, so
// it waits here until the next tick.
type deferredRun struct {
	run      queuedRun
	priority models.Priority
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTargetNotifier wires the callback notifying target systems.
func WithTargetNotifier(notify TargetNotifier) Option {
	return func(s *Scheduler) {
		s.notify = notify
	}
}

// WithStabilizationDelay sets the fast-track delay for status-changed
// events.
func WithStabilizationDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.stabilization = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates a routine scheduler.
func New(b *bus.Bus, evaluator *eval.Evaluator, executor *eval.Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		bus:           b,
		evaluator:     evaluator,
		executor:      executor,
		logger:        logging.Component("routine-scheduler"),
		clock:         time.Now,
		stabilization: DefaultStabilizationDelay,
		routines:      make(map[string]*managedRoutine),
	}
	for _, opt := range opts {
		opt(s)
	}

	drainer, err := queue.NewDrainer(s.process)
	if err != nil {
		// process is always non-nil here
		panic(fmt.Sprintf("routines: %v", err))
	}
	s.drainer = drainer
	return s
}

// Initialize wires the scheduler into the frame loop as a NORMAL-priority
// per-tick callback and subscribes the bus listeners exactly once.
// Idempotent.
func (s *Scheduler) Initialize(fs *scheduler.Scheduler) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	s.mu.Unlock()

	if err := fs.Register(updateID, models.PriorityNormal, 0, s.Tick); err != nil {
		return fmt.Errorf("failed to register routine scheduler update: %w", err)
	}

	onError := s.bus.MustSubscribe(models.EventTypeError, func(event models.Event) {
		s.fastTrack(event, 0, func(r *models.Routine) bool {
			return r.Kind == models.RoutineKindEmergencyResponse || r.HasTag("error-handling")
		})
	})
	onShortage := s.bus.MustSubscribe(models.EventTypeResourceShortage, func(event models.Event) {
		s.fastTrack(event, 0, func(r *models.Routine) bool {
			return r.Kind == models.RoutineKindResourceBalancing || r.HasTag("resource-balancing")
		})
	})
	onStatus := s.bus.MustSubscribe(models.EventTypeStatusChanged, func(event models.Event) {
		s.fastTrack(event, s.stabilization, func(r *models.Routine) bool {
			return r.Kind == models.RoutineKindMaintenance || r.HasTag("status")
		})
	})

	s.mu.Lock()
	s.cancels = append(s.cancels, onError, onShortage, onStatus)
	s.mu.Unlock()
	return nil
}

// Close cancels the scheduler's bus subscriptions.
func (s *Scheduler) Close() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.initialized = false
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Tick re-enqueues deferred runs and drains the queue. Registered as the
// scheduler's frame callback.
func (s *Scheduler) Tick(ctx context.Context, _ time.Duration) {
	s.mu.Lock()
	deferred := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	for _, d := range deferred {
		if err := s.drainer.Enqueue(d.run, d.priority); err != nil {
			s.logger.Error().Err(err).Str("routine_id", d.run.id).Msg("failed to re-enqueue routine")
		}
	}

	s.drainer.Drain(ctx)
}

// Register adds a routine and, if it is enabled, schedules it one
// interval from now.
func (s *Scheduler) Register(routine models.Routine) error {
	if err := routine.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.routines[routine.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRoutine, routine.ID)
	}
	m := &managedRoutine{routine: routine}
	s.routines[routine.ID] = m
	if routine.Enabled {
		s.enqueueLocked(m, s.clock().Add(routine.Interval))
	}
	s.mu.Unlock()

	s.logger.Debug().Str("routine_id", routine.ID).Str("kind", string(routine.Kind)).Msg("routine registered")
	return nil
}

// Unregister removes a routine and notifies its target systems. Removing
// an unknown id is a no-op.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	m, exists := s.routines[id]
	if exists {
		m.gen++
		delete(s.routines, id)
	}
	s.mu.Unlock()

	if exists && s.notify != nil {
		for _, system := range m.routine.TargetSystems {
			s.notify(system, m.routine)
		}
	}
}

// Enable turns a routine back on and schedules its next run.
func (s *Scheduler) Enable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.routines[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoutineNotFound, id)
	}
	if m.routine.Enabled {
		return nil
	}
	m.routine.Enabled = true
	s.enqueueLocked(m, s.clock().Add(m.routine.Interval))
	return nil
}

// Disable stops future reschedules. An already-dequeued in-flight run
// still completes; it will not re-enqueue.
func (s *Scheduler) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.routines[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoutineNotFound, id)
	}
	m.routine.Enabled = false
	m.gen++ // supersede the pending queue entry
	return nil
}

// Get returns a copy of a registered routine.
func (s *Scheduler) Get(id string) (models.Routine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, exists := s.routines[id]
	if !exists {
		return models.Routine{}, false
	}
	return m.routine, true
}

// ByKind returns copies of all routines of one kind.
func (s *Scheduler) ByKind(kind models.RoutineKind) []models.Routine {
	return s.collect(func(r *models.Routine) bool { return r.Kind == kind })
}

// BySystem returns copies of all routines targeting one system.
func (s *Scheduler) BySystem(system string) []models.Routine {
	return s.collect(func(r *models.Routine) bool {
		for _, target := range r.TargetSystems {
			if target == system {
				return true
			}
		}
		return false
	})
}

// ByTag returns copies of all routines carrying one tag.
func (s *Scheduler) ByTag(tag string) []models.Routine {
	return s.collect(func(r *models.Routine) bool { return r.HasTag(tag) })
}

func (s *Scheduler) collect(match func(*models.Routine) bool) []models.Routine {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Routine
	for _, m := range s.routines {
		if match(&m.routine) {
			out = append(out, m.routine)
		}
	}
	return out
}

// Pending returns the number of queued and deferred runs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	deferred := len(s.deferred)
	s.mu.Unlock()
	return s.drainer.Len() + deferred
}

// enqueueLocked installs the single outstanding queue entry for a
// routine. Callers must hold s.mu.
func (s *Scheduler) enqueueLocked(m *managedRoutine, at time.Time) {
	m.gen++
	run := queuedRun{id: m.routine.ID, gen: m.gen, executeAt: at}
	if err := s.drainer.Enqueue(run, m.routine.Priority); err != nil {
		s.logger.Error().Err(err).Str("routine_id", m.routine.ID).Msg("failed to enqueue routine")
	}
}

// process handles one dequeued run. It is the drainer's injected
// processor.
func (s *Scheduler) process(ctx context.Context, run queuedRun) error {
	now := s.clock()

	s.mu.Lock()
	m, exists := s.routines[run.id]
	if !exists || run.gen != m.gen {
		s.mu.Unlock()
		return nil // superseded or unregistered
	}
	if !m.routine.Enabled {
		s.mu.Unlock()
		return nil // disabled while queued
	}
	if now.Before(run.executeAt) {
		// Dequeued ahead of its wall-clock slot. Park it until the next
		// tick; re-enqueueing now would feed the active drain pass.
		s.deferred = append(s.deferred, deferredRun{run: run, priority: m.routine.Priority})
		s.mu.Unlock()
		return nil
	}
	snapshot := m.routine
	s.mu.Unlock()

	executed, execErr := s.runRoutine(ctx, snapshot, now)

	s.mu.Lock()
	// Re-check liveness: the routine may have been disabled or
	// re-registered while its actions ran.
	m, exists = s.routines[run.id]
	if exists && run.gen == m.gen && m.routine.Enabled {
		if executed {
			m.routine.LastRun = now
		}
		s.enqueueLocked(m, now.Add(m.routine.Interval))
	}
	s.mu.Unlock()

	return execErr
}

// runRoutine evaluates and, when conditions hold, executes one routine.
func (s *Scheduler) runRoutine(ctx context.Context, routine models.Routine, now time.Time) (bool, error) {
	evalCtx := eval.Context{Now: now, LastRun: routine.LastRun}

	if !s.evaluator.AllMet(routine.Conditions, evalCtx) {
		metrics.RoutineRuns.WithLabelValues(string(routine.Kind), "skipped").Inc()
		return false, nil
	}

	start := s.clock()
	ran, err := s.executor.Execute(ctx, routine.Actions, evalCtx)
	if err != nil {
		metrics.RoutineRuns.WithLabelValues(string(routine.Kind), "error").Inc()
		logger := logging.WithRoutine(routine.ID)
		logger.Warn().Err(err).Msg("routine run failed")
		s.publishError(routine.ID, err)
	} else {
		metrics.RoutineRuns.WithLabelValues(string(routine.Kind), "executed").Inc()
	}

	payload, _ := json.Marshal(models.CycleCompletePayload{
		OwnerID:    routine.ID,
		ActionsRun: ran,
		DurationMs: s.clock().Sub(start).Milliseconds(),
	})
	s.bus.Publish(models.Event{
		Kind:           models.EventTypeCycleComplete,
		SourceID:       routine.ID,
		SourceCategory: models.SourceCategoryRoutine,
		Payload:        payload,
	})

	if s.notify != nil {
		for _, system := range routine.TargetSystems {
			s.notify(system, routine)
		}
	}

	return true, err
}

// fastTrack re-enqueues every enabled routine matching the event, other
// than the routine the event came from, with executeAt = now + delay,
// bypassing the normal interval wait, then drains so emergency work runs
// in the same synchronous turn.
func (s *Scheduler) fastTrack(event models.Event, delay time.Duration, match func(*models.Routine) bool) {
	now := s.clock()

	s.mu.Lock()
	tracked := 0
	for _, m := range s.routines {
		if !m.routine.Enabled || !match(&m.routine) {
			continue
		}
		if event.SourceCategory == models.SourceCategoryRoutine && event.SourceID == m.routine.ID {
			// A routine's own failure event must not re-queue it inside
			// the active drain pass; its retry waits for the regular
			// interval.
			continue
		}
		s.enqueueLocked(m, now.Add(delay))
		tracked++
	}
	s.mu.Unlock()

	if tracked == 0 {
		return
	}
	s.logger.Debug().
		Str("event_kind", string(event.Kind)).
		Int("routines", tracked).
		Msg("fast-tracking routines")

	s.drainer.Drain(context.Background())
}

func (s *Scheduler) publishError(routineID string, err error) {
	payload, _ := json.Marshal(models.ErrorPayload{Error: err.Error(), Context: routineID})
	s.bus.Publish(models.Event{
		Kind:           models.EventTypeError,
		SourceID:       routineID,
		SourceCategory: models.SourceCategoryRoutine,
		Payload:        payload,
	})
}
