package models

import "time"

// Rule is a per-entity automation: all conditions must hold (logical AND)
// before the action list runs. A rule recurs at Interval while it is
// enabled and its owning entity is active.
type Rule struct {
	// ID is the unique identifier for the rule.
	ID string `json:"id"`

	// EntityID is the owning entity. The rule is suspended while the
	// entity is inactive and resumed when it reactivates.
	EntityID string `json:"entity_id"`

	// Name is a human-friendly label.
	Name string `json:"name,omitempty"`

	// Enabled gates scheduling. Disabled rules never run.
	Enabled bool `json:"enabled"`

	// Conditions are evaluated in order with short-circuiting.
	Conditions []Condition `json:"conditions,omitempty"`

	// Actions run sequentially once all conditions hold.
	Actions []Action `json:"actions"`

	// Interval is the recurrence period.
	Interval time.Duration `json:"interval"`

	// LastRun is when the action list last executed.
	LastRun time.Time `json:"last_run,omitempty"`
}

// Validate checks the rule for structural problems.
func (r *Rule) Validate() error {
	errs := &ValidationErrors{}

	if r.ID == "" {
		errs.AddMessage("id", "rule id is required")
	}
	if r.EntityID == "" {
		errs.AddMessage("entity_id", "owning entity id is required")
	}
	if r.Interval <= 0 {
		errs.AddMessage("interval", "interval must be positive")
	}
	if len(r.Actions) == 0 {
		errs.AddMessage("actions", "at least one action is required")
	}

	for _, c := range r.Conditions {
		errs.Add("conditions", c.Validate())
	}
	for _, a := range r.Actions {
		errs.Add("actions", a.Validate())
	}

	return errs.Err()
}

// RulePatch is a partial update applied to a registered rule. Nil fields
// are left unchanged.
type RulePatch struct {
	Name       *string        `json:"name,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
	Interval   *time.Duration `json:"interval,omitempty"`
	Conditions []Condition    `json:"conditions,omitempty"`
	Actions    []Action       `json:"actions,omitempty"`
}
