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

// SaveSummary appends a summary. The latest per session is
// authoritative.
func (s *Store) SaveSummary(ctx context.Context, summary *models.Summary) error {
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}

	bullets, err := json.Marshal(summary.Bullets)
	if err != nil {
		return fmt.Errorf("marshal bullets: %w", err)
	}
	decisions, err := json.Marshal(summary.Decisions)
	if err != nil {
		return fmt.Errorf("marshal decisions: %w", err)
	}
	todos, err := json.Marshal(summary.Todos)
	if err != nil {
		return fmt.Errorf("marshal todos: %w", err)
	}
	covered, err := json.Marshal(summary.CoveredEventIDs)
	if err != nil {
		return fmt.Errorf("marshal covered event ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO summaries (id, session_id, short, bullets, decisions, todos, covered_event_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.SessionID, summary.Short,
		string(bullets), string(decisions), string(todos), string(covered),
		summary.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

// LatestSummary returns the most recent summary for a session, or
// ErrNotFound.
func (s *Store) LatestSummary(ctx context.Context, sessionID string) (*models.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, short, bullets, decisions, todos, covered_event_ids, created_at
		FROM summaries WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, sessionID)

	var summary models.Summary
	var bullets, decisions, todos, covered string
	err := row.Scan(&summary.ID, &summary.SessionID, &summary.Short,
		&bullets, &decisions, &todos, &covered, &summary.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan summary: %w", err)
	}

	if err := json.Unmarshal([]byte(bullets), &summary.Bullets); err != nil {
		return nil, fmt.Errorf("unmarshal bullets: %w", err)
	}
	if err := json.Unmarshal([]byte(decisions), &summary.Decisions); err != nil {
		return nil, fmt.Errorf("unmarshal decisions: %w", err)
	}
	if err := json.Unmarshal([]byte(todos), &summary.Todos); err != nil {
		return nil, fmt.Errorf("unmarshal todos: %w", err)
	}
	if err := json.Unmarshal([]byte(covered), &summary.CoveredEventIDs); err != nil {
		return nil, fmt.Errorf("unmarshal covered event ids: %w", err)
	}
	return &summary, nil
}
