// Package sim provides an in-memory world backing the evaluator and
// executor contracts: resource lookups, entity lookups, and the domain
// effects actions request.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orrery-sim/orrery/internal/eval"
	"github.com/orrery-sim/orrery/internal/logging"
	"github.com/orrery-sim/orrery/internal/models"
)

// World errors.
var (
	ErrUnknownEntity        = errors.New("unknown entity")
	ErrInsufficientResource = errors.New("insufficient resource")
)

// Publisher is the slice of the bus the world needs to announce state
// changes.
type Publisher interface {
	Publish(event models.Event) models.Event
}

type entity struct {
	Active bool
	Status string
	Tier   int
}

// World is a thread-safe in-memory simulation state: a shared resource
// store, per-holder resource pools, and an entity registry.
type World struct {
	mu        sync.Mutex
	resources map[string]float64
	pools     map[string]map[string]float64
	entities  map[string]*entity

	publisher Publisher
	logger    zerolog.Logger
}

// NewWorld creates an empty world. The publisher may be nil; state
// changes are then silent.
func NewWorld(publisher Publisher) *World {
	return &World{
		resources: make(map[string]float64),
		pools:     make(map[string]map[string]float64),
		entities:  make(map[string]*entity),
		publisher: publisher,
		logger:    logging.Component("world"),
	}
}

// Resource implements the evaluator's resource accessor against the
// shared store.
func (w *World) Resource(name string) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	amount, ok := w.resources[name]
	return amount, ok
}

// Entity implements the evaluator's entity accessor.
func (w *World) Entity(id string) (eval.EntityState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if !ok {
		return eval.EntityState{}, false
	}
	return eval.EntityState{Active: e.Active, Status: e.Status, Tier: e.Tier}, true
}

// Apply implements the executor's apply function, carrying out one
// domain effect.
func (w *World) Apply(_ context.Context, action models.Action) error {
	switch action.Kind {
	case models.ActionActivateEntity:
		return w.setActive(action.Target, true)
	case models.ActionDeactivateEntity:
		return w.setActive(action.Target, false)
	case models.ActionUpgradeEntity:
		return w.upgrade(action.Target)
	case models.ActionProduceResource:
		return w.produce(action.Resource, action.Amount)
	case models.ActionConsumeResource:
		return w.consume(action.Resource, action.Amount)
	case models.ActionTransferResource:
		return w.transfer(action.Resource, action.Amount, action.From, action.To)
	default:
		return fmt.Errorf("unsupported action kind %q", action.Kind)
	}
}

// SetResource sets the shared store's amount for a resource.
func (w *World) SetResource(name string, amount float64) {
	w.mu.Lock()
	w.resources[name] = amount
	w.mu.Unlock()
}

// SetPool sets a holder's amount for a resource.
func (w *World) SetPool(holder, resource string, amount float64) {
	w.mu.Lock()
	pool, ok := w.pools[holder]
	if !ok {
		pool = make(map[string]float64)
		w.pools[holder] = pool
	}
	pool[resource] = amount
	w.mu.Unlock()
}

// Pool returns a holder's amount for a resource.
func (w *World) Pool(holder, resource string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pools[holder][resource]
}

// AddEntity registers an entity. Re-adding an existing id resets it.
func (w *World) AddEntity(id string, active bool, status string, tier int) {
	w.mu.Lock()
	w.entities[id] = &entity{Active: active, Status: status, Tier: tier}
	w.mu.Unlock()
}

// SetStatus updates an entity's status and publishes status.changed when
// the status actually changes.
func (w *World) SetStatus(id, status string) error {
	w.mu.Lock()
	e, ok := w.entities[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	old := e.Status
	e.Status = status
	w.mu.Unlock()

	if old != status {
		payload, _ := json.Marshal(models.StatusChangedPayload{OldStatus: old, NewStatus: status})
		w.publish(models.EventTypeStatusChanged, id, payload)
	}
	return nil
}

// Resources returns a sorted copy of the shared store, for display.
func (w *World) Resources() []ResourceAmount {
	w.mu.Lock()
	out := make([]ResourceAmount, 0, len(w.resources))
	for name, amount := range w.resources {
		out = append(out, ResourceAmount{Name: name, Amount: amount})
	}
	w.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResourceAmount is one row of the shared store snapshot.
type ResourceAmount struct {
	Name   string
	Amount float64
}

// EntityRow is one row of the entity registry snapshot.
type EntityRow struct {
	ID     string
	Active bool
	Status string
	Tier   int
}

// Entities returns a sorted copy of the entity registry, for display.
func (w *World) Entities() []EntityRow {
	w.mu.Lock()
	out := make([]EntityRow, 0, len(w.entities))
	for id, e := range w.entities {
		out = append(out, EntityRow{ID: id, Active: e.Active, Status: e.Status, Tier: e.Tier})
	}
	w.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w *World) setActive(id string, active bool) error {
	w.mu.Lock()
	e, ok := w.entities[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	changed := e.Active != active
	e.Active = active
	w.mu.Unlock()

	if changed {
		logger := logging.WithEntity(id)
		logger.Debug().Bool("active", active).Msg("entity state changed")
		kind := models.EventTypeEntityActivated
		if !active {
			kind = models.EventTypeEntityDeactivated
		}
		w.publish(kind, id, nil)
	}
	return nil
}

func (w *World) upgrade(id string) error {
	w.mu.Lock()
	e, ok := w.entities[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	oldTier := e.Tier
	e.Tier++
	newTier := e.Tier
	w.mu.Unlock()

	payload, _ := json.Marshal(models.UpgradePayload{OldTier: oldTier, NewTier: newTier})
	w.publish(models.EventTypeEntityUpgraded, id, payload)
	return nil
}

func (w *World) produce(resource string, amount float64) error {
	w.mu.Lock()
	w.resources[resource] += amount
	w.mu.Unlock()

	w.publish(models.EventTypeResourceProduced, resource, nil)
	return nil
}

func (w *World) consume(resource string, amount float64) error {
	w.mu.Lock()
	available := w.resources[resource]
	if available < amount {
		w.mu.Unlock()
		w.publishShortage(resource, amount, available)
		return fmt.Errorf("%w: %s (requested %.2f, available %.2f)", ErrInsufficientResource, resource, amount, available)
	}
	w.resources[resource] = available - amount
	w.mu.Unlock()

	w.publish(models.EventTypeResourceConsumed, resource, nil)
	return nil
}

func (w *World) transfer(resource string, amount float64, from, to string) error {
	w.mu.Lock()
	available := w.pools[from][resource]
	if available < amount {
		w.mu.Unlock()
		w.publishShortage(resource, amount, available)
		return fmt.Errorf("%w: %s in %s (requested %.2f, available %.2f)", ErrInsufficientResource, resource, from, amount, available)
	}
	w.pools[from][resource] = available - amount
	pool, ok := w.pools[to]
	if !ok {
		pool = make(map[string]float64)
		w.pools[to] = pool
	}
	pool[resource] += amount
	w.mu.Unlock()

	w.publish(models.EventTypeResourceTransferred, resource, nil)
	return nil
}

func (w *World) publishShortage(resource string, requested, available float64) {
	w.logger.Warn().
		Str("resource", resource).
		Float64("requested", requested).
		Float64("available", available).
		Msg("resource shortage")
	payload, _ := json.Marshal(models.ShortagePayload{
		Resource:  resource,
		Requested: requested,
		Available: available,
	})
	w.publish(models.EventTypeResourceShortage, resource, payload)
}

func (w *World) publish(kind models.EventType, sourceID string, payload json.RawMessage) {
	if w.publisher == nil {
		return
	}
	w.publisher.Publish(models.Event{
		Kind:           kind,
		SourceID:       sourceID,
		SourceCategory: models.SourceCategorySystem,
		Payload:        payload,
	})
}
