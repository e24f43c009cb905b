// Package eval evaluates condition descriptors and executes action
// descriptors against injected collaborators. The core never owns
// resource or entity state itself.
package eval

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrery-sim/orrery/internal/logging"
	"github.com/orrery-sim/orrery/internal/models"
)

// Evaluation errors. All of them are fail-closed: callers treat an
// evaluation error as "condition not met".
var (
	ErrUnknownCondition = errors.New("unknown condition kind")
	ErrUnknownOperator  = errors.New("unknown comparison operator")
	ErrUnknownResource  = errors.New("unknown resource")
	ErrUnknownEntity    = errors.New("unknown entity")
	ErrNoAccessor       = errors.New("required accessor not configured")
)

// EntityState is the view of an entity the core reads through the
// injected accessor.
type EntityState struct {
	Active bool
	Status string
	Tier   int
}

// ResourceFunc looks up the current amount of a resource.
type ResourceFunc func(resource string) (float64, bool)

// EntityFunc looks up an entity by ID.
type EntityFunc func(id string) (EntityState, bool)

// EventHistory answers event-occurred conditions from recent bus history.
type EventHistory interface {
	CountSince(kind models.EventType, since time.Time) int
}

// Context carries the per-evaluation timestamps. Nothing is cached across
// evaluations.
type Context struct {
	Now     time.Time
	LastRun time.Time
}

// Evaluator evaluates conditions as pure predicates against the injected
// accessors.
type Evaluator struct {
	resources ResourceFunc
	entities  EntityFunc
	events    EventHistory
	logger    zerolog.Logger
}

// NewEvaluator creates an evaluator. Any accessor may be nil; conditions
// that need a missing accessor fail closed.
func NewEvaluator(resources ResourceFunc, entities EntityFunc, events EventHistory) *Evaluator {
	return &Evaluator{
		resources: resources,
		entities:  entities,
		events:    events,
		logger:    logging.Component("evaluator"),
	}
}

// AllMet reports whether every condition holds, short-circuiting on the
// first failure. An evaluation error counts as not met.
func (e *Evaluator) AllMet(conditions []models.Condition, evalCtx Context) bool {
	for _, c := range conditions {
		met, err := e.Evaluate(c, evalCtx)
		if err != nil {
			e.logger.Debug().Err(err).Str("kind", string(c.Kind)).Msg("condition evaluation failed")
			return false
		}
		if !met {
			return false
		}
	}
	return true
}

// Evaluate evaluates a single condition.
func (e *Evaluator) Evaluate(c models.Condition, evalCtx Context) (bool, error) {
	switch c.Kind {
	case models.ConditionResourceAbove:
		amount, err := e.resource(c.Target)
		if err != nil {
			return false, err
		}
		return compare(amount, c.Value, c.Op, models.OpGreater)

	case models.ConditionResourceBelow:
		amount, err := e.resource(c.Target)
		if err != nil {
			return false, err
		}
		return compare(amount, c.Value, c.Op, models.OpLess)

	case models.ConditionEntityActive:
		state, err := e.entity(c.Target)
		if err != nil {
			return false, err
		}
		return state.Active, nil

	case models.ConditionEntityInactive:
		state, err := e.entity(c.Target)
		if err != nil {
			return false, err
		}
		return !state.Active, nil

	case models.ConditionTimeElapsed:
		if evalCtx.LastRun.IsZero() {
			return true, nil
		}
		elapsed := evalCtx.Now.Sub(evalCtx.LastRun)
		return elapsed >= time.Duration(c.Value)*time.Millisecond, nil

	case models.ConditionEventOccurred:
		if e.events == nil {
			return false, fmt.Errorf("%w: event history", ErrNoAccessor)
		}
		since := evalCtx.LastRun
		if c.Within > 0 {
			since = evalCtx.Now.Add(-c.Within)
		}
		return e.events.CountSince(models.EventType(c.Target), since) > 0, nil

	case models.ConditionStatusEquals:
		state, err := e.entity(c.Target)
		if err != nil {
			return false, err
		}
		return state.Status == c.Status, nil

	case models.ConditionResourceRatio:
		numerator, err := e.resource(c.Target)
		if err != nil {
			return false, err
		}
		denominator, err := e.resource(c.Denominator)
		if err != nil {
			return false, err
		}
		if denominator == 0 {
			return false, fmt.Errorf("ratio denominator %q is zero", c.Denominator)
		}
		return compare(numerator/denominator, c.Value, c.Op, models.OpGreaterEqual)

	case models.ConditionResourceBundle:
		for _, term := range c.Resources {
			amount, err := e.resource(term.Resource)
			if err != nil {
				return false, err
			}
			met, err := compare(amount, term.Amount, c.Op, models.OpGreaterEqual)
			if err != nil || !met {
				return false, err
			}
		}
		return true, nil

	case models.ConditionTimeWindow:
		if c.Period <= 0 {
			return false, fmt.Errorf("time-window period must be positive")
		}
		offset := time.Duration(evalCtx.Now.UnixNano()) % c.Period
		return offset < c.Window, nil

	case models.ConditionCompound:
		return e.evaluateCompound(c, evalCtx)

	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCondition, c.Kind)
	}
}

func (e *Evaluator) evaluateCompound(c models.Condition, evalCtx Context) (bool, error) {
	logic := c.Logic
	if logic == "" {
		logic = models.LogicAll
	}

	for _, child := range c.Children {
		met, err := e.Evaluate(child, evalCtx)
		if err != nil {
			return false, err
		}
		if logic == models.LogicAll && !met {
			return false, nil
		}
		if logic == models.LogicAny && met {
			return true, nil
		}
	}
	return logic == models.LogicAll, nil
}

func (e *Evaluator) resource(name string) (float64, error) {
	if e.resources == nil {
		return 0, fmt.Errorf("%w: resources", ErrNoAccessor)
	}
	amount, ok := e.resources(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownResource, name)
	}
	return amount, nil
}

func (e *Evaluator) entity(id string) (EntityState, error) {
	if e.entities == nil {
		return EntityState{}, fmt.Errorf("%w: entities", ErrNoAccessor)
	}
	state, ok := e.entities(id)
	if !ok {
		return EntityState{}, fmt.Errorf("%w: %q", ErrUnknownEntity, id)
	}
	return state, nil
}

// compare applies op (or the kind's default when op is empty) to the
// observed and expected values.
func compare(observed, expected float64, op, fallback models.CompareOp) (bool, error) {
	if op == "" {
		op = fallback
	}
	switch op {
	case models.OpGreater:
		return observed > expected, nil
	case models.OpGreaterEqual:
		return observed >= expected, nil
	case models.OpLess:
		return observed < expected, nil
	case models.OpLessEqual:
		return observed <= expected, nil
	case models.OpEqual:
		return observed == expected, nil
	case models.OpNotEqual:
		return observed != expected, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
}
