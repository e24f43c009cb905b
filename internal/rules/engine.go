// Package rules holds per-entity condition/action automations. Instead of
// one host timer per enabled rule, the engine keeps a single next-run
// min-heap polled from one frame scheduler callback.
package rules

import (
	"container/heap"
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
	"github.com/orrery-sim/orrery/internal/scheduler"
)

// Engine errors.
var (
	ErrDuplicateRule = errors.New("rule already registered")
	ErrRuleNotFound  = errors.New("rule not found")
)

// updateID is the engine's registration id on the frame scheduler.
const updateID = "rule-engine"

// managedRule tracks one registered rule. The generation counter
// guarantees at most one live heap entry per rule: scheduling bumps it and
// stale entries are discarded when popped.
type managedRule struct {
	rule      models.Rule
	suspended bool
	gen       uint64
}

// Engine owns the registered-rule map and drives due rules from a single
// frame callback. Rules are suspended while their owning entity is
// inactive and resumed when it reactivates, driven by bus events.
type Engine struct {
	bus       *bus.Bus
	evaluator *eval.Evaluator
	executor  *eval.Executor
	entities  eval.EntityFunc
	logger    zerolog.Logger
	clock     func() time.Time

	mu       sync.Mutex
	rules    map[string]*managedRule
	schedule scheduleHeap
	attached bool
	cancels  []bus.CancelFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// New creates a rule engine. The entities accessor is used to decide
// whether a rule's owner is active at registration time; nil means
// "assume active".
func New(b *bus.Bus, evaluator *eval.Evaluator, executor *eval.Executor, entities eval.EntityFunc, opts ...EngineOption) *Engine {
	e := &Engine{
		bus:       b,
		evaluator: evaluator,
		executor:  executor,
		entities:  entities,
		logger:    logging.Component("rule-engine"),
		clock:     time.Now,
		rules:     make(map[string]*managedRule),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attach wires the engine into the frame scheduler and subscribes the
// entity lifecycle listeners. Idempotent.
func (e *Engine) Attach(fs *scheduler.Scheduler) error {
	e.mu.Lock()
	if e.attached {
		e.mu.Unlock()
		return nil
	}
	e.attached = true
	e.mu.Unlock()

	if err := fs.Register(updateID, models.PriorityNormal, 0, e.Tick); err != nil {
		return fmt.Errorf("failed to register rule engine update: %w", err)
	}

	onDeactivated := e.bus.MustSubscribe(models.EventTypeEntityDeactivated, func(event models.Event) {
		e.suspendEntity(event.SourceID)
	})
	onActivated := e.bus.MustSubscribe(models.EventTypeEntityActivated, func(event models.Event) {
		e.resumeEntity(event.SourceID)
	})

	e.mu.Lock()
	e.cancels = append(e.cancels, onDeactivated, onActivated)
	e.mu.Unlock()
	return nil
}

// Close cancels the engine's bus subscriptions.
func (e *Engine) Close() {
	e.mu.Lock()
	cancels := e.cancels
	e.cancels = nil
	e.attached = false
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Register adds a rule. If it is enabled and its entity is active, the
// first run is scheduled one interval from now.
func (e *Engine) Register(rule models.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.rules[rule.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
	}

	m := &managedRule{rule: rule, suspended: !e.entityActive(rule.EntityID)}
	e.rules[rule.ID] = m

	started := rule.Enabled && !m.suspended
	if started {
		e.scheduleLocked(m, e.clock().Add(rule.Interval))
	}
	e.mu.Unlock()

	if started {
		e.publishLifecycle(models.EventTypeCycleStarted, rule.ID, rule.EntityID)
	}
	e.logger.Debug().Str("rule_id", rule.ID).Str("entity_id", rule.EntityID).Msg("rule registered")
	return nil
}

// Start enables a rule and schedules its next run.
func (e *Engine) Start(id string) error {
	e.mu.Lock()
	m, exists := e.rules[id]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	m.rule.Enabled = true
	started := !m.suspended
	if started {
		e.scheduleLocked(m, e.clock().Add(m.rule.Interval))
	}
	entityID := m.rule.EntityID
	e.mu.Unlock()

	if started {
		e.publishLifecycle(models.EventTypeCycleStarted, id, entityID)
	}
	return nil
}

// Stop disables a rule and clears its pending schedule. An in-flight
// cycle still completes; it will not be rescheduled.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	m, exists := e.rules[id]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	m.rule.Enabled = false
	m.gen++ // supersede any pending heap entry
	entityID := m.rule.EntityID
	e.mu.Unlock()

	e.publishLifecycle(models.EventTypeCycleStopped, id, entityID)
	return nil
}

// Update merges a partial patch into a rule. Flipping Enabled behaves
// like Start/Stop; changing the interval reschedules.
func (e *Engine) Update(id string, patch models.RulePatch) error {
	e.mu.Lock()
	m, exists := e.rules[id]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	if patch.Name != nil {
		m.rule.Name = *patch.Name
	}
	if patch.Conditions != nil {
		m.rule.Conditions = patch.Conditions
	}
	if patch.Actions != nil {
		m.rule.Actions = patch.Actions
	}

	reschedule := false
	if patch.Interval != nil && *patch.Interval > 0 && *patch.Interval != m.rule.Interval {
		m.rule.Interval = *patch.Interval
		reschedule = m.rule.Enabled && !m.suspended
	}

	var lifecycle models.EventType
	if patch.Enabled != nil && *patch.Enabled != m.rule.Enabled {
		m.rule.Enabled = *patch.Enabled
		if *patch.Enabled {
			reschedule = !m.suspended
			if reschedule {
				lifecycle = models.EventTypeCycleStarted
			}
		} else {
			m.gen++
			reschedule = false
			lifecycle = models.EventTypeCycleStopped
		}
	}

	if reschedule {
		e.scheduleLocked(m, e.clock().Add(m.rule.Interval))
	}
	entityID := m.rule.EntityID
	e.mu.Unlock()

	if lifecycle != "" {
		e.publishLifecycle(lifecycle, id, entityID)
	}
	return nil
}

// Remove unregisters a rule, clearing any pending schedule. Removing an
// unknown id is a no-op.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	m, exists := e.rules[id]
	if exists {
		m.gen++
		delete(e.rules, id)
	}
	e.mu.Unlock()
}

// Get returns a copy of a registered rule.
func (e *Engine) Get(id string) (models.Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, exists := e.rules[id]
	if !exists {
		return models.Rule{}, false
	}
	return m.rule, true
}

// ForEntity returns copies of all rules owned by an entity.
func (e *Engine) ForEntity(entityID string) []models.Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.Rule
	for _, m := range e.rules {
		if m.rule.EntityID == entityID {
			out = append(out, m.rule)
		}
	}
	return out
}

// Count returns the number of registered rules.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

// Tick runs all due rules. Registered as the engine's frame callback.
func (e *Engine) Tick(ctx context.Context, _ time.Duration) {
	now := e.clock()

	for {
		m, snapshot, ok := e.popDue(now)
		if !ok {
			return
		}
		executed := e.runCycle(ctx, snapshot, now)
		e.reschedule(m, executed, now)
	}
}

// popDue pops the next valid due heap entry, discarding superseded ones.
func (e *Engine) popDue(now time.Time) (*managedRule, models.Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.schedule) > 0 {
		if e.schedule[0].at.After(now) {
			return nil, models.Rule{}, false
		}
		entry := heap.Pop(&e.schedule).(heapEntry)
		m, exists := e.rules[entry.id]
		if !exists || entry.gen != m.gen {
			continue // superseded
		}
		if !m.rule.Enabled || m.suspended {
			continue
		}
		return m, m.rule, true
	}
	return nil, models.Rule{}, false
}

// runCycle evaluates one rule and, when its conditions hold, executes the
// action list. Returns whether the actions ran (successfully or not):
// failure is non-fatal to recurrence.
func (e *Engine) runCycle(ctx context.Context, rule models.Rule, now time.Time) bool {
	evalCtx := eval.Context{Now: now, LastRun: rule.LastRun}

	if !e.evaluator.AllMet(rule.Conditions, evalCtx) {
		metrics.RuleCycles.WithLabelValues("skipped").Inc()
		return false
	}

	start := e.clock()
	ran, err := e.executor.Execute(ctx, rule.Actions, evalCtx)
	if err != nil {
		metrics.RuleCycles.WithLabelValues("error").Inc()
		logger := logging.WithRule(rule.ID)
		logger.Warn().Err(err).Msg("rule cycle failed")
		e.publishError(rule.ID, err)
	} else {
		metrics.RuleCycles.WithLabelValues("executed").Inc()
	}

	payload, _ := json.Marshal(models.CycleCompletePayload{
		OwnerID:    rule.ID,
		EntityID:   rule.EntityID,
		ActionsRun: ran,
		DurationMs: e.clock().Sub(start).Milliseconds(),
	})
	e.bus.Publish(models.Event{
		Kind:           models.EventTypeCycleComplete,
		SourceID:       rule.ID,
		SourceCategory: models.SourceCategoryRule,
		Payload:        payload,
	})
	return true
}

// reschedule stamps lastRun when the cycle executed and installs the next
// run if the rule is still live.
func (e *Engine) reschedule(m *managedRule, executed bool, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if executed {
		m.rule.LastRun = now
	}
	if m.rule.Enabled && !m.suspended {
		e.scheduleLocked(m, now.Add(m.rule.Interval))
	}
}

// scheduleLocked installs the single outstanding heap entry for a rule.
// Callers must hold e.mu.
func (e *Engine) scheduleLocked(m *managedRule, at time.Time) {
	m.gen++
	heap.Push(&e.schedule, heapEntry{at: at, id: m.rule.ID, gen: m.gen})
}

// suspendEntity stops all rules owned by a deactivated entity without
// disabling them.
func (e *Engine) suspendEntity(entityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.rules {
		if m.rule.EntityID != entityID || m.suspended {
			continue
		}
		m.suspended = true
		m.gen++
	}
}

// resumeEntity restarts the enabled rules of a reactivated entity.
func (e *Engine) resumeEntity(entityID string) {
	now := e.clock()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.rules {
		if m.rule.EntityID != entityID || !m.suspended {
			continue
		}
		m.suspended = false
		if m.rule.Enabled {
			e.scheduleLocked(m, now.Add(m.rule.Interval))
		}
	}
}

// entityActive consults the injected accessor; without one, entities are
// assumed active.
func (e *Engine) entityActive(entityID string) bool {
	if e.entities == nil {
		return true
	}
	state, ok := e.entities(entityID)
	if !ok {
		return true
	}
	return state.Active
}

func (e *Engine) publishLifecycle(kind models.EventType, ruleID, entityID string) {
	e.bus.Publish(models.Event{
		Kind:           kind,
		SourceID:       ruleID,
		SourceCategory: models.SourceCategoryRule,
		Metadata:       map[string]string{"entity_id": entityID},
	})
}

func (e *Engine) publishError(ruleID string, err error) {
	payload, _ := json.Marshal(models.ErrorPayload{Error: err.Error(), Context: ruleID})
	e.bus.Publish(models.Event{
		Kind:           models.EventTypeError,
		SourceID:       ruleID,
		SourceCategory: models.SourceCategoryRule,
		Payload:        payload,
	})
}
