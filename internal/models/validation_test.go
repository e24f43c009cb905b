package models

import (
	"strings"
	"testing"
	"time"
)

func TestRuleValidate(t *testing.T) {
	valid := Rule{
		ID:       "r1",
		EntityID: "reactor",
		Interval: time.Second,
		Actions: []Action{
			{Kind: ActionProduceResource, Resource: "energy", Amount: 5},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid rule, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Rule)
		field  string
	}{
		{"missing id", func(r *Rule) { r.ID = "" }, "id"},
		{"missing entity", func(r *Rule) { r.EntityID = "" }, "entity_id"},
		{"zero interval", func(r *Rule) { r.Interval = 0 }, "interval"},
		{"no actions", func(r *Rule) { r.Actions = nil }, "actions"},
		{"bad nested action", func(r *Rule) {
			r.Actions = []Action{{Kind: ActionProduceResource, Amount: 5}}
		}, "actions"},
		{"bad nested condition", func(r *Rule) {
			r.Conditions = []Condition{{Kind: "bogus"}}
		}, "conditions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := valid
			tt.mutate(&rule)
			err := rule.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Fatalf("expected error mentioning %q, got %v", tt.field, err)
			}
		})
	}
}

func TestRoutineValidate(t *testing.T) {
	valid := Routine{
		ID:       "maint",
		Kind:     RoutineKindMaintenance,
		Priority: PriorityNormal,
		Interval: time.Minute,
		Actions: []Action{
			{Kind: ActionActivateEntity, Target: "scrubber"},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid routine, got %v", err)
	}

	bad := valid
	bad.Kind = "exotic"
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "kind") {
		t.Fatalf("expected kind error, got %v", err)
	}

	bad = valid
	bad.Priority = Priority(9)
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "priority") {
		t.Fatalf("expected priority error, got %v", err)
	}
}

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{
			name:   "valid transfer",
			action: Action{Kind: ActionTransferResource, Resource: "ore", Amount: 5, From: "hold", To: "refinery"},
		},
		{
			name:    "transfer missing endpoints",
			action:  Action{Kind: ActionTransferResource, Resource: "ore", Amount: 5},
			wantErr: true,
		},
		{
			name:    "produce with negative amount",
			action:  Action{Kind: ActionProduceResource, Resource: "ore", Amount: -1},
			wantErr: true,
		},
		{
			name:    "activate without target",
			action:  Action{Kind: ActionActivateEntity},
			wantErr: true,
		},
		{
			name:   "valid emit",
			action: Action{Kind: ActionEmitEvent, Emit: &EmitSpec{Kind: EventTypeWarning}},
		},
		{
			name:    "emit without spec",
			action:  Action{Kind: ActionEmitEvent},
			wantErr: true,
		},
		{
			name:    "negative delay",
			action:  Action{Kind: ActionActivateEntity, Target: "x", Delay: -time.Second},
			wantErr: true,
		},
		{
			name: "invalid nested chain",
			action: Action{
				Kind: ActionActivateEntity, Target: "x",
				OnFailure: []Action{{Kind: ActionConsumeResource}},
			},
			wantErr: true,
		},
		{
			name: "invalid next",
			action: Action{
				Kind: ActionActivateEntity, Target: "x",
				Next: &Action{Kind: "bogus"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected valid action, got %v", err)
			}
		})
	}
}

func TestConditionValidate(t *testing.T) {
	tests := []struct {
		name      string
		condition Condition
		wantErr   bool
	}{
		{
			name:      "valid resource above",
			condition: Condition{Kind: ConditionResourceAbove, Target: "energy", Value: 10},
		},
		{
			name:      "resource above without target",
			condition: Condition{Kind: ConditionResourceAbove, Value: 10},
			wantErr:   true,
		},
		{
			name:      "time window longer than period",
			condition: Condition{Kind: ConditionTimeWindow, Period: time.Second, Window: 2 * time.Second},
			wantErr:   true,
		},
		{
			name: "valid compound",
			condition: Condition{Kind: ConditionCompound, Logic: LogicAny, Children: []Condition{
				{Kind: ConditionEntityActive, Target: "reactor"},
			}},
		},
		{
			name:      "compound without children",
			condition: Condition{Kind: ConditionCompound},
			wantErr:   true,
		},
		{
			name:      "bad operator",
			condition: Condition{Kind: ConditionResourceAbove, Target: "x", Op: "~="},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.condition.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected valid condition, got %v", err)
			}
		})
	}
}

func TestPriorityValidAndString(t *testing.T) {
	if !PriorityCritical.Valid() || !PriorityBackground.Valid() {
		t.Fatal("expected band edges to be valid")
	}
	if Priority(-1).Valid() || Priority(5).Valid() {
		t.Fatal("expected out-of-range priorities to be invalid")
	}
	if PriorityNormal.String() != "normal" {
		t.Fatalf("unexpected string: %s", PriorityNormal.String())
	}
	if Priority(9).String() != "priority(9)" {
		t.Fatalf("unexpected fallback string: %s", Priority(9).String())
	}
}
