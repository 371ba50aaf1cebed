package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strandworks/strand/pkg/models"
)

// SaveCheckpoint persists an agent state snapshot.
func (s *Store) SaveCheckpoint(ctx context.Context, record *models.CheckpointRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO checkpoints (id, name, state, created_at) VALUES (?, ?, ?, ?)",
		record.ID, record.Name, record.State, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint fetches a checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*models.CheckpointRecord, error) {
	var record models.CheckpointRecord
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, state, created_at FROM checkpoints WHERE id = ?", id,
	).Scan(&record.ID, &record.Name, &record.State, &record.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return &record, nil
}

// ListCheckpoints returns checkpoints newest first.
func (s *Store) ListCheckpoints(ctx context.Context, limit int) ([]*models.CheckpointRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, state, created_at FROM checkpoints ORDER BY created_at DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var records []*models.CheckpointRecord
	for rows.Next() {
		var record models.CheckpointRecord
		if err := rows.Scan(&record.ID, &record.Name, &record.State, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}
