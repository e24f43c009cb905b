package eval

import (
	"errors"
	"testing"
	"time"

	"github.com/orrery-sim/orrery/internal/models"
)

type fakeHistory struct {
	counts map[models.EventType]int
}

func (f *fakeHistory) CountSince(kind models.EventType, _ time.Time) int {
	return f.counts[kind]
}

func testEvaluator() *Evaluator {
	resources := map[string]float64{
		"energy": 75,
		"ore":    30,
		"crew":   0,
	}
	entities := map[string]EntityState{
		"reactor":  {Active: true, Status: "nominal", Tier: 2},
		"refinery": {Active: false, Status: "standby", Tier: 1},
	}
	history := &fakeHistory{counts: map[models.EventType]int{
		models.EventTypeResourceShortage: 2,
	}}

	return NewEvaluator(
		func(name string) (float64, bool) { v, ok := resources[name]; return v, ok },
		func(id string) (EntityState, bool) { s, ok := entities[id]; return s, ok },
		history,
	)
}

func TestEvaluateConditions(t *testing.T) {
	e := testEvaluator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evalCtx := Context{Now: now, LastRun: now.Add(-10 * time.Second)}

	tests := []struct {
		name      string
		condition models.Condition
		want      bool
		wantErr   error
	}{
		{
			name:      "resource above met",
			condition: models.Condition{Kind: models.ConditionResourceAbove, Target: "energy", Value: 50},
			want:      true,
		},
		{
			name:      "resource above unmet",
			condition: models.Condition{Kind: models.ConditionResourceAbove, Target: "ore", Value: 50},
			want:      false,
		},
		{
			name:      "resource below met",
			condition: models.Condition{Kind: models.ConditionResourceBelow, Target: "ore", Value: 50},
			want:      true,
		},
		{
			name:      "explicit operator overrides default",
			condition: models.Condition{Kind: models.ConditionResourceAbove, Target: "energy", Value: 75, Op: models.OpGreaterEqual},
			want:      true,
		},
		{
			name:      "unknown resource",
			condition: models.Condition{Kind: models.ConditionResourceAbove, Target: "dilithium", Value: 1},
			wantErr:   ErrUnknownResource,
		},
		{
			name:      "entity active",
			condition: models.Condition{Kind: models.ConditionEntityActive, Target: "reactor"},
			want:      true,
		},
		{
			name:      "entity inactive",
			condition: models.Condition{Kind: models.ConditionEntityInactive, Target: "refinery"},
			want:      true,
		},
		{
			name:      "unknown entity",
			condition: models.Condition{Kind: models.ConditionEntityActive, Target: "ghost"},
			wantErr:   ErrUnknownEntity,
		},
		{
			name:      "status equals",
			condition: models.Condition{Kind: models.ConditionStatusEquals, Target: "reactor", Status: "nominal"},
			want:      true,
		},
		{
			name:      "time elapsed met",
			condition: models.Condition{Kind: models.ConditionTimeElapsed, Value: 5000},
			want:      true,
		},
		{
			name:      "time elapsed unmet",
			condition: models.Condition{Kind: models.ConditionTimeElapsed, Value: 60000},
			want:      false,
		},
		{
			name:      "event occurred",
			condition: models.Condition{Kind: models.ConditionEventOccurred, Target: string(models.EventTypeResourceShortage)},
			want:      true,
		},
		{
			name:      "event not occurred",
			condition: models.Condition{Kind: models.ConditionEventOccurred, Target: string(models.EventTypeWarning), Within: time.Minute},
			want:      false,
		},
		{
			name:      "resource ratio met",
			condition: models.Condition{Kind: models.ConditionResourceRatio, Target: "energy", Denominator: "ore", Value: 2},
			want:      true,
		},
		{
			name:      "resource ratio zero denominator",
			condition: models.Condition{Kind: models.ConditionResourceRatio, Target: "energy", Denominator: "crew", Value: 1},
			want:      false,
		},
		{
			name: "resource bundle met",
			condition: models.Condition{Kind: models.ConditionResourceBundle, Resources: []models.ResourceTerm{
				{Resource: "energy", Amount: 50},
				{Resource: "ore", Amount: 10},
			}},
			want: true,
		},
		{
			name: "resource bundle one short",
			condition: models.Condition{Kind: models.ConditionResourceBundle, Resources: []models.ResourceTerm{
				{Resource: "energy", Amount: 50},
				{Resource: "ore", Amount: 100},
			}},
			want: false,
		},
		{
			name: "compound all",
			condition: models.Condition{Kind: models.ConditionCompound, Logic: models.LogicAll, Children: []models.Condition{
				{Kind: models.ConditionResourceAbove, Target: "energy", Value: 50},
				{Kind: models.ConditionEntityActive, Target: "reactor"},
			}},
			want: true,
		},
		{
			name: "compound any",
			condition: models.Condition{Kind: models.ConditionCompound, Logic: models.LogicAny, Children: []models.Condition{
				{Kind: models.ConditionResourceAbove, Target: "energy", Value: 1000},
				{Kind: models.ConditionEntityActive, Target: "reactor"},
			}},
			want: true,
		},
		{
			name: "compound any all unmet",
			condition: models.Condition{Kind: models.ConditionCompound, Logic: models.LogicAny, Children: []models.Condition{
				{Kind: models.ConditionResourceAbove, Target: "energy", Value: 1000},
				{Kind: models.ConditionEntityActive, Target: "refinery"},
			}},
			want: false,
		},
		{
			name:      "unknown kind",
			condition: models.Condition{Kind: "nonsense"},
			wantErr:   ErrUnknownCondition,
		},
		{
			name:      "unknown operator",
			condition: models.Condition{Kind: models.ConditionResourceAbove, Target: "energy", Value: 1, Op: "~="},
			wantErr:   ErrUnknownOperator,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.condition, evalCtx)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if tt.name == "resource ratio zero denominator" {
				if err == nil {
					t.Fatal("expected an error for zero denominator")
				}
				return
			}
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestTimeElapsedFirstRunAlwaysDue(t *testing.T) {
	e := testEvaluator()
	evalCtx := Context{Now: time.Now()} // zero LastRun

	met, err := e.Evaluate(models.Condition{Kind: models.ConditionTimeElapsed, Value: 3600000}, evalCtx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !met {
		t.Fatal("expected first evaluation to be due regardless of interval")
	}
}

func TestTimeWindowCycles(t *testing.T) {
	e := testEvaluator()

	cond := models.Condition{
		Kind:   models.ConditionTimeWindow,
		Period: 10 * time.Second,
		Window: 3 * time.Second,
	}

	inside := Context{Now: time.Unix(100, 0)} // 100s % 10s = 0 < 3s
	met, err := e.Evaluate(cond, inside)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !met {
		t.Fatal("expected inside-window evaluation to hold")
	}

	outside := Context{Now: time.Unix(105, 0)} // 105s % 10s = 5s >= 3s
	met, err = e.Evaluate(cond, outside)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if met {
		t.Fatal("expected outside-window evaluation to fail")
	}
}

func TestAllMetShortCircuitsAndFailsClosed(t *testing.T) {
	e := testEvaluator()
	evalCtx := Context{Now: time.Now()}

	// All met.
	if !e.AllMet([]models.Condition{
		{Kind: models.ConditionResourceAbove, Target: "energy", Value: 50},
		{Kind: models.ConditionEntityActive, Target: "reactor"},
	}, evalCtx) {
		t.Fatal("expected all conditions met")
	}

	// Evaluation error counts as not met.
	if e.AllMet([]models.Condition{
		{Kind: models.ConditionResourceAbove, Target: "dilithium", Value: 1},
	}, evalCtx) {
		t.Fatal("expected evaluation error to fail closed")
	}

	// Empty list holds vacuously.
	if !e.AllMet(nil, evalCtx) {
		t.Fatal("expected empty condition list to hold")
	}
}

func TestMissingAccessorsFailClosed(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	evalCtx := Context{Now: time.Now()}

	cases := []models.Condition{
		{Kind: models.ConditionResourceAbove, Target: "energy", Value: 1},
		{Kind: models.ConditionEntityActive, Target: "reactor"},
		{Kind: models.ConditionEventOccurred, Target: string(models.EventTypeError)},
	}
	for _, c := range cases {
		if _, err := e.Evaluate(c, evalCtx); !errors.Is(err, ErrNoAccessor) {
			t.Fatalf("condition %s: expected ErrNoAccessor, got %v", c.Kind, err)
		}
	}
}
