package models

import (
	"encoding/json"
	"time"
)

// ActionKind selects the effect an Action requests. All kinds except
// emit-event are carried out by the injected applier; emit-event is handled
// by the executor itself.
type ActionKind string

const (
	ActionActivateEntity   ActionKind = "activate-entity"
	ActionDeactivateEntity ActionKind = "deactivate-entity"
	ActionTransferResource ActionKind = "transfer-resource"
	ActionProduceResource  ActionKind = "produce-resource"
	ActionConsumeResource  ActionKind = "consume-resource"
	ActionUpgradeEntity    ActionKind = "upgrade-entity"
	ActionEmitEvent        ActionKind = "emit-event"
)

// EmitSpec describes the event an emit-event action publishes.
type EmitSpec struct {
	Kind           EventType       `json:"kind"`
	SourceID       string          `json:"source_id,omitempty"`
	SourceCategory SourceCategory  `json:"source_category,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Action is a typed effect descriptor. The core sequences and gates
// actions; the domain effects themselves are performed by collaborators.
//
// OnSuccess runs after the action succeeds, OnFailure after it fails;
// failures inside either chain are logged and do not propagate. Next runs
// after the action (and its chains) when NextIf is empty or the referenced
// condition holds.
type Action struct {
	ID       string        `json:"id,omitempty"`
	Kind     ActionKind    `json:"kind"`
	Target   string        `json:"target,omitempty"`
	Resource string        `json:"resource,omitempty"`
	Amount   float64       `json:"amount,omitempty"`
	From     string        `json:"from,omitempty"`
	To       string        `json:"to,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Emit     *EmitSpec     `json:"emit,omitempty"`

	OnSuccess []Action `json:"on_success,omitempty"`
	OnFailure []Action `json:"on_failure,omitempty"`
	Next      *Action  `json:"next,omitempty"`
	NextIf    string   `json:"next_if,omitempty"`
}

// Validate checks the action descriptor for structural problems.
func (a *Action) Validate() error {
	errs := &ValidationErrors{}

	switch a.Kind {
	case ActionActivateEntity, ActionDeactivateEntity, ActionUpgradeEntity:
		if a.Target == "" {
			errs.AddMessage("target", "entity id is required")
		}
	case ActionProduceResource, ActionConsumeResource:
		if a.Resource == "" {
			errs.AddMessage("resource", "resource name is required")
		}
		if a.Amount <= 0 {
			errs.AddMessage("amount", "amount must be positive")
		}
	case ActionTransferResource:
		if a.Resource == "" {
			errs.AddMessage("resource", "resource name is required")
		}
		if a.Amount <= 0 {
			errs.AddMessage("amount", "amount must be positive")
		}
		if a.From == "" || a.To == "" {
			errs.AddMessage("from", "transfer endpoints are required")
		}
	case ActionEmitEvent:
		if a.Emit == nil || a.Emit.Kind == "" {
			errs.AddMessage("emit", "emit spec with an event kind is required")
		}
	case "":
		errs.AddMessage("kind", "action kind is required")
	default:
		errs.AddMessage("kind", "unknown action kind "+string(a.Kind))
	}

	if a.Delay < 0 {
		errs.AddMessage("delay", "delay cannot be negative")
	}

	for _, chained := range a.OnSuccess {
		errs.Add("on_success", chained.Validate())
	}
	for _, chained := range a.OnFailure {
		errs.Add("on_failure", chained.Validate())
	}
	if a.Next != nil {
		errs.Add("next", a.Next.Validate())
	}

	return errs.Err()
}
