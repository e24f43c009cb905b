package models

import "fmt"

// Priority is an ordered scheduling band. Lower values are serviced first:
// band 0 work pre-empts band 4 work both in the queue drainer and in the
// frame scheduler's throttling.
type Priority int

const (
	PriorityCritical   Priority = 0
	PriorityHigh       Priority = 1
	PriorityNormal     Priority = 2
	PriorityLow        Priority = 3
	PriorityBackground Priority = 4
)

// NumPriorities is the number of priority bands.
const NumPriorities = 5

// Valid reports whether the priority is within the supported band range.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}
