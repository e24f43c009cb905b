package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orrery-sim/orrery/internal/models"
)

// Event repository errors.
var (
	ErrEventNotFound = errors.New("event not found")
	ErrInvalidEvent  = errors.New("invalid event")
)

// EventRepository persists bus events beyond the in-memory ring buffer.
// It satisfies the bus Archiver contract.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// Archive appends a published event to the archive.
func (r *EventRepository) Archive(ctx context.Context, event models.Event) error {
	if event.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}

	var payloadJSON *string
	if len(event.Payload) > 0 {
		s := string(event.Payload)
		payloadJSON = &s
	}

	var metadataJSON *string
	if event.Metadata != nil {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		s := string(data)
		metadataJSON = &s
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (
			id, timestamp, kind, source_id, source_category, payload_json, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Timestamp.Format(time.RFC3339Nano),
		string(event.Kind),
		event.SourceID,
		string(event.SourceCategory),
		payloadJSON,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

// Get retrieves an archived event by ID.
func (r *EventRepository) Get(ctx context.Context, id string) (*models.Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, timestamp, kind, source_id, source_category, payload_json, metadata_json
		FROM events WHERE id = ?
	`, id)

	event, err := r.scanEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return event, nil
}

// ListByKind retrieves events of one kind, oldest first.
func (r *EventRepository) ListByKind(ctx context.Context, kind models.EventType, limit int) ([]*models.Event, error) {
	return r.list(ctx, `
		SELECT id, timestamp, kind, source_id, source_category, payload_json, metadata_json
		FROM events WHERE kind = ? ORDER BY timestamp, id LIMIT ?
	`, string(kind), clampLimit(limit))
}

// ListBySource retrieves events from one source, oldest first.
func (r *EventRepository) ListBySource(ctx context.Context, sourceID string, limit int) ([]*models.Event, error) {
	return r.list(ctx, `
		SELECT id, timestamp, kind, source_id, source_category, payload_json, metadata_json
		FROM events WHERE source_id = ? ORDER BY timestamp, id LIMIT ?
	`, sourceID, clampLimit(limit))
}

// ListRange retrieves events with since <= timestamp < until, oldest first.
func (r *EventRepository) ListRange(ctx context.Context, since, until time.Time, limit int) ([]*models.Event, error) {
	return r.list(ctx, `
		SELECT id, timestamp, kind, source_id, source_category, payload_json, metadata_json
		FROM events WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp, id LIMIT ?
	`, since.UTC().Format(time.RFC3339Nano), until.UTC().Format(time.RFC3339Nano), clampLimit(limit))
}

// Count returns the total number of archived events.
func (r *EventRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// DeleteOlderThan deletes events older than the given timestamp.
// Returns the number of events deleted.
func (r *EventRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM events WHERE timestamp < ?
	`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return count, nil
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := r.scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

func (r *EventRepository) scanEvent(scan func(...any) error) (*models.Event, error) {
	var event models.Event
	var timestamp, kind, category string
	var payloadJSON sql.NullString
	var metadataJSON sql.NullString

	err := scan(
		&event.ID,
		&timestamp,
		&kind,
		&event.SourceID,
		&category,
		&payloadJSON,
		&metadataJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Kind = models.EventType(kind)
	event.SourceCategory = models.SourceCategory(category)

	if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		event.Timestamp = t
	}

	if payloadJSON.Valid {
		event.Payload = json.RawMessage(payloadJSON.String)
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &event.Metadata); err != nil {
			r.db.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to parse event metadata")
		}
	}

	return &event, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
