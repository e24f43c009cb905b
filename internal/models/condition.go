package models

import "time"

// ConditionKind selects which predicate a Condition encodes. The evaluator
// switches exhaustively over this set; an unrecognized kind is an
// evaluation error (which callers treat as "not met").
type ConditionKind string

const (
	ConditionResourceAbove  ConditionKind = "resource-above"
	ConditionResourceBelow  ConditionKind = "resource-below"
	ConditionEntityActive   ConditionKind = "entity-active"
	ConditionEntityInactive ConditionKind = "entity-inactive"
	ConditionTimeElapsed    ConditionKind = "time-elapsed"
	ConditionEventOccurred  ConditionKind = "event-occurred"
	ConditionStatusEquals   ConditionKind = "status-equals"
	ConditionResourceRatio  ConditionKind = "resource-ratio"
	ConditionResourceBundle ConditionKind = "resource-bundle"
	ConditionTimeWindow     ConditionKind = "time-window"
	ConditionCompound       ConditionKind = "compound"
)

// CompareOp is a comparison operator applied to numeric conditions.
// The zero value means "use the kind's default operator".
type CompareOp string

const (
	OpGreater      CompareOp = ">"
	OpGreaterEqual CompareOp = ">="
	OpLess         CompareOp = "<"
	OpLessEqual    CompareOp = "<="
	OpEqual        CompareOp = "=="
	OpNotEqual     CompareOp = "!="
)

// CompoundLogic combines child conditions of a compound condition.
type CompoundLogic string

const (
	LogicAll CompoundLogic = "all"
	LogicAny CompoundLogic = "any"
)

// ResourceTerm is one resource requirement inside a resource-bundle
// condition.
type ResourceTerm struct {
	Resource string  `json:"resource"`
	Amount   float64 `json:"amount"`
}

// Condition is a pure predicate descriptor. Only the fields relevant to
// Kind are consulted:
//
//	resource-above/below: Target (resource), Value, optional Op
//	entity-active/inactive: Target (entity ID)
//	time-elapsed: Value (milliseconds since last run)
//	event-occurred: Target (event kind), Within lookback
//	status-equals: Target (entity ID), Status
//	resource-ratio: Target / Denominator resources, Value, optional Op
//	resource-bundle: Resources, optional Op applied to each term
//	time-window: Period and Window
//	compound: Logic over Children
type Condition struct {
	ID          string          `json:"id,omitempty"`
	Kind        ConditionKind   `json:"kind"`
	Target      string          `json:"target,omitempty"`
	Value       float64         `json:"value,omitempty"`
	Op          CompareOp       `json:"op,omitempty"`
	Status      string          `json:"status,omitempty"`
	Denominator string          `json:"denominator,omitempty"`
	Resources   []ResourceTerm  `json:"resources,omitempty"`
	Within      time.Duration   `json:"within,omitempty"`
	Period      time.Duration   `json:"period,omitempty"`
	Window      time.Duration   `json:"window,omitempty"`
	Logic       CompoundLogic   `json:"logic,omitempty"`
	Children    []Condition     `json:"children,omitempty"`
}

// Validate checks the condition descriptor for structural problems.
func (c *Condition) Validate() error {
	errs := &ValidationErrors{}

	switch c.Kind {
	case ConditionResourceAbove, ConditionResourceBelow:
		if c.Target == "" {
			errs.AddMessage("target", "resource name is required")
		}
	case ConditionEntityActive, ConditionEntityInactive:
		if c.Target == "" {
			errs.AddMessage("target", "entity id is required")
		}
	case ConditionTimeElapsed:
		if c.Value <= 0 {
			errs.AddMessage("value", "elapsed milliseconds must be positive")
		}
	case ConditionEventOccurred:
		if c.Target == "" {
			errs.AddMessage("target", "event kind is required")
		}
	case ConditionStatusEquals:
		if c.Target == "" {
			errs.AddMessage("target", "entity id is required")
		}
		if c.Status == "" {
			errs.AddMessage("status", "status value is required")
		}
	case ConditionResourceRatio:
		if c.Target == "" || c.Denominator == "" {
			errs.AddMessage("target", "both ratio resources are required")
		}
	case ConditionResourceBundle:
		if len(c.Resources) == 0 {
			errs.AddMessage("resources", "at least one resource term is required")
		}
	case ConditionTimeWindow:
		if c.Period <= 0 {
			errs.AddMessage("period", "period must be positive")
		}
		if c.Window <= 0 || c.Window > c.Period {
			errs.AddMessage("window", "window must be positive and no longer than the period")
		}
	case ConditionCompound:
		if len(c.Children) == 0 {
			errs.AddMessage("children", "at least one child condition is required")
		}
		if c.Logic != "" && c.Logic != LogicAll && c.Logic != LogicAny {
			errs.AddMessage("logic", "logic must be all or any")
		}
		for _, child := range c.Children {
			errs.Add("children", child.Validate())
		}
	case "":
		errs.AddMessage("kind", "condition kind is required")
	default:
		errs.AddMessage("kind", "unknown condition kind "+string(c.Kind))
	}

	if c.Op != "" {
		switch c.Op {
		case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
		default:
			errs.AddMessage("op", "unknown comparison operator "+string(c.Op))
		}
	}

	return errs.Err()
}
