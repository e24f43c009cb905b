package eval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrery-sim/orrery/internal/logging"
	"github.com/orrery-sim/orrery/internal/models"
)

// ErrNilApplier is returned when an executor is constructed without an
// apply function.
var ErrNilApplier = errors.New("apply function cannot be nil")

// ApplyFunc carries out one domain effect. It is the only way the core
// touches external state.
type ApplyFunc func(ctx context.Context, action models.Action) error

// Publisher is the slice of the bus the executor needs for emit-event
// actions.
type Publisher interface {
	Publish(event models.Event) models.Event
}

// SleepFunc waits for a duration, honoring context cancellation. Injected
// so tests run without wall-clock delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ConditionResolver resolves a condition ID referenced by an action's
// NextIf gate.
type ConditionResolver func(id string) (models.Condition, bool)

// Executor sequences and gates actions. Domain effects go through the
// injected applier; failures are isolated per action and routed through
// the OnFailure chain when one is present.
type Executor struct {
	apply     ApplyFunc
	publisher Publisher
	evaluator *Evaluator
	resolve   ConditionResolver
	sleep     SleepFunc
	logger    zerolog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSleep overrides the delay implementation.
func WithSleep(sleep SleepFunc) ExecutorOption {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithConditionResolver wires the lookup used by NextIf gates. Without a
// resolver, gated Next actions never run.
func WithConditionResolver(resolve ConditionResolver) ExecutorOption {
	return func(e *Executor) {
		e.resolve = resolve
	}
}

// NewExecutor creates an executor.
func NewExecutor(apply ApplyFunc, publisher Publisher, evaluator *Evaluator, opts ...ExecutorOption) (*Executor, error) {
	if apply == nil {
		return nil, ErrNilApplier
	}
	e := &Executor{
		apply:     apply,
		publisher: publisher,
		evaluator: evaluator,
		sleep:     sleepWithContext,
		logger:    logging.Component("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs the action list sequentially. A failing action does not
// stop the remaining top-level actions; all failures are joined into the
// returned error for the caller to report.
func (e *Executor) Execute(ctx context.Context, actions []models.Action, evalCtx Context) (int, error) {
	var errs []error
	ran := 0
	for i := range actions {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ran++
		if err := e.executeOne(ctx, actions[i], evalCtx); err != nil {
			errs = append(errs, fmt.Errorf("action %d (%s): %w", i, actions[i].Kind, err))
		}
	}
	return ran, errors.Join(errs...)
}

// executeOne runs a single action plus its chains.
func (e *Executor) executeOne(ctx context.Context, action models.Action, evalCtx Context) error {
	if action.Delay > 0 {
		if err := e.sleep(ctx, action.Delay); err != nil {
			return err
		}
	}

	err := e.perform(ctx, action)
	if err != nil {
		e.logger.Debug().Err(err).Str("kind", string(action.Kind)).Msg("action failed")
		e.runChain(ctx, action.OnFailure, evalCtx)
		return err
	}

	e.runChain(ctx, action.OnSuccess, evalCtx)

	if action.Next != nil && e.nextGateOpen(action, evalCtx) {
		if err := e.executeOne(ctx, *action.Next, evalCtx); err != nil {
			return fmt.Errorf("next: %w", err)
		}
	}
	return nil
}

// perform dispatches the action's effect, converting applier panics into
// errors so one bad collaborator cannot take down a cycle.
func (e *Executor) perform(ctx context.Context, action models.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("applier panicked: %v", r)
		}
	}()

	if action.Kind == models.ActionEmitEvent {
		if e.publisher == nil {
			return errors.New("no publisher configured for emit-event")
		}
		spec := action.Emit
		if spec == nil || spec.Kind == "" {
			return errors.New("emit-event action has no emit spec")
		}
		e.publisher.Publish(models.Event{
			Kind:           spec.Kind,
			SourceID:       spec.SourceID,
			SourceCategory: spec.SourceCategory,
			Payload:        spec.Payload,
		})
		return nil
	}

	return e.apply(ctx, action)
}

// runChain executes a success/failure chain. Chain failures are logged
// and intentionally not propagated.
func (e *Executor) runChain(ctx context.Context, chain []models.Action, evalCtx Context) {
	for i := range chain {
		if err := e.executeOne(ctx, chain[i], evalCtx); err != nil {
			e.logger.Debug().Err(err).Str("kind", string(chain[i].Kind)).Msg("chained action failed")
		}
	}
}

// nextGateOpen evaluates the NextIf gate, failing closed.
func (e *Executor) nextGateOpen(action models.Action, evalCtx Context) bool {
	if action.NextIf == "" {
		return true
	}
	if e.resolve == nil || e.evaluator == nil {
		return false
	}
	cond, ok := e.resolve(action.NextIf)
	if !ok {
		e.logger.Debug().Str("condition_id", action.NextIf).Msg("next gate references unknown condition")
		return false
	}
	met, err := e.evaluator.Evaluate(cond, evalCtx)
	if err != nil {
		e.logger.Debug().Err(err).Str("condition_id", action.NextIf).Msg("next gate evaluation failed")
		return false
	}
	return met
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
