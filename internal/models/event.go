package models

import (
	"encoding/json"
	"time"
)

// EventType categorizes events flowing through the bus.
type EventType string

const (
	// Entity lifecycle events
	EventTypeEntityActivated   EventType = "entity.activated"
	EventTypeEntityDeactivated EventType = "entity.deactivated"
	EventTypeEntityUpgraded    EventType = "entity.upgraded"
	EventTypeStatusChanged     EventType = "status.changed"

	// Resource events
	EventTypeResourceProduced    EventType = "resource.produced"
	EventTypeResourceConsumed    EventType = "resource.consumed"
	EventTypeResourceTransferred EventType = "resource.transferred"
	EventTypeResourceShortage    EventType = "resource.shortage"

	// Automation events
	EventTypeCycleStarted  EventType = "cycle.started"
	EventTypeCycleStopped  EventType = "cycle.stopped"
	EventTypeCycleComplete EventType = "cycle.complete"

	// Scheduler events
	EventTypeSchedulerStarted EventType = "scheduler.started"
	EventTypeSchedulerStopped EventType = "scheduler.stopped"
	EventTypeSchedulerStats   EventType = "scheduler.stats"

	// System events
	EventTypeError   EventType = "error.occurred"
	EventTypeWarning EventType = "warning"
)

// SourceCategory identifies the kind of publisher an event originated from.
type SourceCategory string

const (
	SourceCategoryModule    SourceCategory = "module"
	SourceCategoryShip      SourceCategory = "ship"
	SourceCategoryOfficer   SourceCategory = "officer"
	SourceCategoryFaction   SourceCategory = "faction"
	SourceCategoryRule      SourceCategory = "rule"
	SourceCategoryRoutine   SourceCategory = "routine"
	SourceCategoryScheduler SourceCategory = "scheduler"
	SourceCategorySystem    SourceCategory = "system"
)

// Event is an immutable record published on the bus. It is never mutated
// after creation; history holds events by value.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event was published (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Kind categorizes the event.
	Kind EventType `json:"kind"`

	// SourceID identifies the publishing entity.
	SourceID string `json:"source_id"`

	// SourceCategory identifies what kind of entity published the event.
	SourceCategory SourceCategory `json:"source_category"`

	// Payload contains event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Metadata contains additional context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ErrorPayload is the payload for error.occurred events.
type ErrorPayload struct {
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}

// StatusChangedPayload is the payload for status.changed events.
type StatusChangedPayload struct {
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// ShortagePayload is the payload for resource.shortage events.
type ShortagePayload struct {
	Resource  string  `json:"resource"`
	Requested float64 `json:"requested"`
	Available float64 `json:"available"`
}

// UpgradePayload is the payload for entity.upgraded events.
type UpgradePayload struct {
	OldTier int `json:"old_tier"`
	NewTier int `json:"new_tier"`
}

// CycleCompletePayload is the payload for cycle.complete events published
// by the rule engine and the routine scheduler.
type CycleCompletePayload struct {
	OwnerID    string `json:"owner_id"`
	EntityID   string `json:"entity_id,omitempty"`
	ActionsRun int    `json:"actions_run"`
	DurationMs int64  `json:"duration_ms"`
}

// SchedulerStatsPayload is the payload for scheduler.stats events.
type SchedulerStatsPayload struct {
	FPS          float64          `json:"fps"`
	FrameCount   uint64           `json:"frame_count"`
	ElapsedMs    int64            `json:"elapsed_ms"`
	Bands        []BandStatsEntry `json:"bands"`
	SkippedTicks uint64           `json:"skipped_ticks"`
}

// BandStatsEntry holds per-priority-band timing statistics.
type BandStatsEntry struct {
	Band        int     `json:"band"`
	Invocations uint64  `json:"invocations"`
	TotalMs     float64 `json:"total_ms"`
	AverageMs   float64 `json:"average_ms"`
	Skipped     uint64  `json:"skipped"`
}
