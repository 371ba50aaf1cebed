package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strandworks/strand/pkg/models"
)

// defaultEventLimit caps unfiltered event queries.
const defaultEventLimit = 100

// EventQuery filters the event log. Zero fields are ignored.
type EventQuery struct {
	SessionID string
	Since     time.Time
	Until     time.Time
	Types     []models.EventType
	Limit     int
}

// AppendEvent writes an event to the append-only log. Missing IDs and
// timestamps are filled in. A TOOL_RESULT carrying a parent id must
// reference an existing TOOL_CALL in the same session.
func (s *Store) AppendEvent(ctx context.Context, event *models.MemoryEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if event.Type == models.EventToolResult && event.ParentID != "" {
		var parentType, parentSession string
		err := s.db.QueryRowContext(ctx,
			"SELECT type, session_id FROM events WHERE id = ?", event.ParentID,
		).Scan(&parentType, &parentSession)
		if err == sql.ErrNoRows {
			return fmt.Errorf("memory: tool result parent %s does not exist", event.ParentID)
		}
		if err != nil {
			return fmt.Errorf("lookup parent event: %w", err)
		}
		if models.EventType(parentType) != models.EventToolCall || parentSession != event.SessionID {
			return fmt.Errorf("memory: tool result parent %s is not a tool call in session %s",
				event.ParentID, event.SessionID)
		}
	}

	entities, err := json.Marshal(event.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	tags, err := json.Marshal(event.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, session_id, timestamp, intent, entities, summary, payload, parent_id, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		string(event.Type),
		event.SessionID,
		event.Timestamp,
		nullString(event.Intent),
		string(entities),
		nullString(event.Summary),
		string(payload),
		nullString(event.ParentID),
		string(tags),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// QueryEvents returns events matching the query, newest first. An
// unset limit defaults to 100.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]*models.MemoryEvent, error) {
	query := `SELECT id, type, session_id, timestamp, intent, entities, summary, payload, parent_id, tags
		FROM events WHERE 1=1`
	args := []any{}

	if q.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, q.SessionID)
	}
	if !q.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, q.Since)
	}
	if !q.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, q.Until)
	}
	if len(q.Types) > 0 {
		query += " AND type IN (?" + repeatPlaceholder(len(q.Types)-1) + ")"
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*models.MemoryEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.MemoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, session_id, timestamp, intent, entities, summary, payload, parent_id, tags
		FROM events WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanEvent(rows)
}

func scanEvent(rows *sql.Rows) (*models.MemoryEvent, error) {
	var event models.MemoryEvent
	var eventType string
	var intent, summary, parentID sql.NullString
	var entities, payload, tags string

	err := rows.Scan(
		&event.ID,
		&eventType,
		&event.SessionID,
		&event.Timestamp,
		&intent,
		&entities,
		&summary,
		&payload,
		&parentID,
		&tags,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	event.Type = models.EventType(eventType)
	event.Intent = intent.String
	event.Summary = summary.String
	event.ParentID = parentID.String

	if err := json.Unmarshal([]byte(entities), &event.Entities); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &event.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return &event, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
