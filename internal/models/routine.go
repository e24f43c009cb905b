package models

import (
	"slices"
	"time"
)

// RoutineKind categorizes cross-system routines. The routine scheduler uses
// the kind (together with tags) to pick routines for event-driven
// fast-tracking.
type RoutineKind string

const (
	RoutineKindMaintenance       RoutineKind = "maintenance"
	RoutineKindResourceBalancing RoutineKind = "resource-balancing"
	RoutineKindPerformance       RoutineKind = "performance"
	RoutineKindEmergencyResponse RoutineKind = "emergency-response"
	RoutineKindScheduled         RoutineKind = "scheduled"
	RoutineKindCustom            RoutineKind = "custom"
)

// Routine is a cross-system automation scheduled through the shared
// priority queue. Execution re-enqueues the routine at now + Interval;
// matching bus events fast-track it ahead of that cadence.
type Routine struct {
	// ID is the unique identifier for the routine.
	ID string `json:"id"`

	// Name is a human-friendly label.
	Name string `json:"name,omitempty"`

	// Kind categorizes the routine.
	Kind RoutineKind `json:"kind"`

	// Enabled gates scheduling. Disabling stops future reschedules but
	// does not cancel an already-dequeued in-flight run.
	Enabled bool `json:"enabled"`

	// Priority is the queue band the routine is scheduled in.
	Priority Priority `json:"priority"`

	// Interval is the recurrence period.
	Interval time.Duration `json:"interval"`

	// LastRun is when the action list last executed.
	LastRun time.Time `json:"last_run,omitempty"`

	// Conditions are evaluated in order with short-circuiting.
	Conditions []Condition `json:"conditions,omitempty"`

	// Actions run sequentially once all conditions hold.
	Actions []Action `json:"actions"`

	// TargetSystems are notified after each successful run and on
	// unregistration.
	TargetSystems []string `json:"target_systems,omitempty"`

	// Tags are free-form labels used for queries and event matching.
	Tags []string `json:"tags,omitempty"`
}

// HasTag reports whether the routine carries the given tag.
func (r *Routine) HasTag(tag string) bool {
	return slices.Contains(r.Tags, tag)
}

// Validate checks the routine for structural problems.
func (r *Routine) Validate() error {
	errs := &ValidationErrors{}

	if r.ID == "" {
		errs.AddMessage("id", "routine id is required")
	}
	switch r.Kind {
	case RoutineKindMaintenance, RoutineKindResourceBalancing, RoutineKindPerformance,
		RoutineKindEmergencyResponse, RoutineKindScheduled, RoutineKindCustom:
	case "":
		errs.AddMessage("kind", "routine kind is required")
	default:
		errs.AddMessage("kind", "unknown routine kind "+string(r.Kind))
	}
	if !r.Priority.Valid() {
		errs.AddMessage("priority", "priority must be a band between 0 and 4")
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
