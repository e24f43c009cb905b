package eval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orrery-sim/orrery/internal/models"
)

type recordingApplier struct {
	applied []models.Action
	fail    map[string]error
	panics  map[string]bool
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{
		fail:   make(map[string]error),
		panics: make(map[string]bool),
	}
}

func (r *recordingApplier) apply(_ context.Context, action models.Action) error {
	if r.panics[action.ID] {
		panic("applier exploded")
	}
	r.applied = append(r.applied, action)
	return r.fail[action.ID]
}

type recordingPublisher struct {
	events []models.Event
}

func (r *recordingPublisher) Publish(event models.Event) models.Event {
	r.events = append(r.events, event)
	return event
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestExecuteRunsActionsSequentially(t *testing.T) {
	applier := newRecordingApplier()
	e, err := NewExecutor(applier.apply, nil, nil, WithSleep(noSleep))
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	actions := []models.Action{
		{ID: "a", Kind: models.ActionProduceResource, Resource: "energy", Amount: 5},
		{ID: "b", Kind: models.ActionConsumeResource, Resource: "ore", Amount: 2},
	}

	ran, err := e.Execute(context.Background(), actions, Context{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ran != 2 {
		t.Fatalf("expected 2 actions run, got %d", ran)
	}
	if len(applier.applied) != 2 || applier.applied[0].ID != "a" || applier.applied[1].ID != "b" {
		t.Fatalf("unexpected apply order: %+v", applier.applied)
	}
}

func TestFailingActionDoesNotStopRemaining(t *testing.T) {
	applier := newRecordingApplier()
	applier.fail["a"] = errors.New("boom")
	e, _ := NewExecutor(applier.apply, nil, nil, WithSleep(noSleep))

	actions := []models.Action{
		{ID: "a", Kind: models.ActionProduceResource, Resource: "energy", Amount: 5},
		{ID: "b", Kind: models.ActionProduceResource, Resource: "ore", Amount: 1},
	}

	ran, err := e.Execute(context.Background(), actions, Context{})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if ran != 2 {
		t.Fatalf("expected both actions attempted, got %d", ran)
	}
	if len(applier.applied) != 2 {
		t.Fatalf("expected second action to run after first failed, got %+v", applier.applied)
	}
}

func TestOnFailureChainRunsOnError(t *testing.T) {
	applier := newRecordingApplier()
	applier.fail["main"] = errors.New("boom")
	e, _ := NewExecutor(applier.apply, nil, nil, WithSleep(noSleep))

	actions := []models.Action{{
		ID:   "main",
		Kind: models.ActionConsumeResource, Resource: "energy", Amount: 50,
		OnSuccess: []models.Action{{ID: "won", Kind: models.ActionProduceResource, Resource: "alloy", Amount: 1}},
		OnFailure: []models.Action{{ID: "lost", Kind: models.ActionProduceResource, Resource: "warning", Amount: 1}},
	}}

	_, err := e.Execute(context.Background(), actions, Context{})
	if err == nil {
		t.Fatal("expected error from main action")
	}

	ids := appliedIDs(applier)
	if len(ids) != 2 || ids[0] != "main" || ids[1] != "lost" {
		t.Fatalf("expected failure chain only, got %v", ids)
	}
}

func TestOnSuccessChainRunsAndChainFailuresDoNotPropagate(t *testing.T) {
	applier := newRecordingApplier()
	applier.fail["celebrate"] = errors.New("chain boom")
	e, _ := NewExecutor(applier.apply, nil, nil, WithSleep(noSleep))

	actions := []models.Action{{
		ID:   "main",
		Kind: models.ActionProduceResource, Resource: "energy", Amount: 5,
		OnSuccess: []models.Action{{ID: "celebrate", Kind: models.ActionProduceResource, Resource: "morale", Amount: 1}},
	}}

	_, err := e.Execute(context.Background(), actions, Context{})
	if err != nil {
		t.Fatalf("chain failure must not propagate, got %v", err)
	}

	ids := appliedIDs(applier)
	if len(ids) != 2 || ids[1] != "celebrate" {
		t.Fatalf("expected success chain to run, got %v", ids)
	}
}

func TestNextGateFailsClosedWithoutResolver(t *testing.T) {
	applier := newRecordingApplier()
	e, _ := NewExecutor(applier.apply, nil, nil, WithSleep(noSleep))

	actions := []models.Action{{
		ID:   "first",
		Kind: models.ActionProduceResource, Resource: "energy", Amount: 5,
		NextIf: "some-condition",
		Next:   &models.Action{ID: "second", Kind: models.ActionProduceResource, Resource: "ore", Amount: 1},
	}}

	if _, err := e.Execute(context.Background(), actions, Context{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	ids := appliedIDs(applier)
	if len(ids) != 1 || ids[0] != "first" {
		t.Fatalf("expected gated next to be skipped, got %v", ids)
	}
}

func TestNextGateOpensWhenConditionHolds(t *testing.T) {
	applier := newRecordingApplier()
	evaluator := NewEvaluator(
		func(string) (float64, bool) { return 100, true },
		nil, nil,
	)
	resolver := func(id string) (models.Condition, bool) {
		if id == "energy-ok" {
			return models.Condition{Kind: models.ConditionResourceAbove, Target: "energy", Value: 50}, true
		}
		return models.Condition{}, false
	}
	e, _ := NewExecutor(applier.apply, nil, evaluator,
		WithSleep(noSleep), WithConditionResolver(resolver))

	actions := []models.Action{{
		ID:   "first",
		Kind: models.ActionProduceResource, Resource: "energy", Amount: 5,
		NextIf: "energy-ok",
		Next:   &models.Action{ID: "second", Kind: models.ActionProduceResource, Resource: "ore", Amount: 1},
	}}

	if _, err := e.Execute(context.Background(), actions, Context{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	ids := appliedIDs(applier)
	if len(ids) != 2 || ids[1] != "second" {
		t.Fatalf("expected gated next to run, got %v", ids)
	}

	// Unknown condition id fails closed.
	applier.applied = nil
	actions[0].NextIf = "missing"
	if _, err := e.Execute(context.Background(), actions, Context{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ids := appliedIDs(applier); len(ids) != 1 {
		t.Fatalf("expected unknown gate to skip next, got %v", ids)
	}
}

func TestUngatedNextRuns(t *testing.T) {
	applier := newRecordingApplier()
	e, _ := NewExecutor(applier.apply, nil, nil, WithSleep(noSleep))

	actions := []models.Action{{
		ID:   "first",
		Kind: models.ActionProduceResource, Resource: "energy", Amount: 5,
		Next: &models.Action{ID: "second", Kind: models.ActionProduceResource, Resource: "ore", Amount: 1},
	}}

	if _, err := e.Execute(context.Background(), actions, Context{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ids := appliedIDs(applier); len(ids) != 2 {
		t.Fatalf("expected ungated next to run, got %v", ids)
	}
}

func TestEmitEventBypassesApplier(t *testing.T) {
	applier := newRecordingApplier()
	publisher := &recordingPublisher{}
	e, _ := NewExecutor(applier.apply, publisher, nil, WithSleep(noSleep))

	actions := []models.Action{{
		Kind: models.ActionEmitEvent,
		Emit: &models.EmitSpec{
			Kind:           models.EventTypeWarning,
			SourceID:       "routine-x",
			SourceCategory: models.SourceCategoryRoutine,
		},
	}}

	if _, err := e.Execute(context.Background(), actions, Context{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(applier.applied) != 0 {
		t.Fatalf("emit-event must not reach the applier, got %+v", applier.applied)
	}
	if len(publisher.events) != 1 || publisher.events[0].Kind != models.EventTypeWarning {
		t.Fatalf("expected published warning, got %+v", publisher.events)
	}
}

func TestEmitEventWithoutPublisherFails(t *testing.T) {
	applier := newRecordingApplier()
	e, _ := NewExecutor(applier.apply, nil, nil, WithSleep(noSleep))

	actions := []models.Action{{
		Kind: models.ActionEmitEvent,
		Emit: &models.EmitSpec{Kind: models.EventTypeWarning},
	}}

	if _, err := e.Execute(context.Background(), actions, Context{}); err == nil {
		t.Fatal("expected error without a publisher")
	}
}

func TestDelayUsesInjectedSleep(t *testing.T) {
	applier := newRecordingApplier()
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	e, _ := NewExecutor(applier.apply, nil, nil, WithSleep(sleep))

	actions := []models.Action{{
		ID:    "delayed",
		Kind:  models.ActionProduceResource,
		Resource: "energy", Amount: 1,
		Delay: 250 * time.Millisecond,
	}}

	if _, err := e.Execute(context.Background(), actions, Context{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(slept) != 1 || slept[0] != 250*time.Millisecond {
		t.Fatalf("expected one 250ms sleep, got %v", slept)
	}
}

func TestApplierPanicBecomesError(t *testing.T) {
	applier := newRecordingApplier()
	applier.panics["bad"] = true
	e, _ := NewExecutor(applier.apply, nil, nil, WithSleep(noSleep))

	actions := []models.Action{
		{ID: "bad", Kind: models.ActionProduceResource, Resource: "energy", Amount: 1},
		{ID: "good", Kind: models.ActionProduceResource, Resource: "ore", Amount: 1},
	}

	ran, err := e.Execute(context.Background(), actions, Context{})
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if ran != 2 {
		t.Fatalf("expected both actions attempted, got %d", ran)
	}
	if ids := appliedIDs(applier); len(ids) != 1 || ids[0] != "good" {
		t.Fatalf("expected the healthy action to run, got %v", ids)
	}
}

func TestNewExecutorRequiresApplier(t *testing.T) {
	if _, err := NewExecutor(nil, nil, nil); !errors.Is(err, ErrNilApplier) {
		t.Fatalf("expected ErrNilApplier, got %v", err)
	}
}

func appliedIDs(r *recordingApplier) []string {
	out := make([]string, 0, len(r.applied))
	for _, a := range r.applied {
		out = append(out, a.ID)
	}
	return out
}
