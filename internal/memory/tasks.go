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

// maxSnapshots caps retained snapshots per task; the oldest is evicted.
const maxSnapshots = 10

// CreateTask persists a new task at version 1. When the task is marked
// current, any previously current task in the same session is demoted.
func (s *Store) CreateTask(ctx context.Context, task *models.TaskState) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	now := time.Now().UTC()
	task.Version = 1
	task.CreatedAt = now
	task.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create task: %w", err)
	}
	defer tx.Rollback()

	if task.IsCurrent {
		if err := demoteCurrent(ctx, tx, task.SessionID); err != nil {
			return err
		}
	}

	constraints, plan, done, blocked, err := marshalTaskFields(task)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_states (id, goal, status, constraints, plan, done, blocked, next_action, version, session_id, is_current, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Goal, string(task.Status),
		constraints, plan, done, blocked,
		nullString(task.NextAction),
		task.Version,
		nullString(task.SessionID),
		boolToInt(task.IsCurrent),
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return tx.Commit()
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*models.TaskState, error) {
	return s.getTask(ctx, s.db, id)
}

// GetCurrentTask returns the task with isCurrent=true, preferring the
// given session when set.
func (s *Store) GetCurrentTask(ctx context.Context, sessionID string) (*models.TaskState, error) {
	if sessionID != "" {
		task, err := s.queryOneTask(ctx,
			"SELECT id FROM task_states WHERE is_current = 1 AND session_id = ? ORDER BY updated_at DESC LIMIT 1",
			sessionID)
		if err == nil {
			return task, nil
		}
		if err != ErrNotFound {
			return nil, err
		}
	}
	return s.queryOneTask(ctx,
		"SELECT id FROM task_states WHERE is_current = 1 ORDER BY updated_at DESC LIMIT 1")
}

// UpdateTask applies updated (carrying the version the caller read)
// under optimistic concurrency:
//
//   - A previously processed actionID returns the stored state
//     unchanged (idempotent replay).
//   - The pre-update state is snapshotted, keeping at most ten.
//   - A version mismatch returns a ConflictError naming both versions.
//
// On success the returned state has version old+1.
func (s *Store) UpdateTask(ctx context.Context, updated *models.TaskState, actionID string) (*models.TaskState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update task: %w", err)
	}
	defer tx.Rollback()

	if actionID != "" {
		var existingTask string
		err := tx.QueryRowContext(ctx,
			"SELECT task_id FROM processed_actions WHERE action_id = ?", actionID,
		).Scan(&existingTask)
		if err == nil && existingTask == updated.ID {
			current, err := s.getTask(ctx, tx, updated.ID)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, err
			}
			return current, nil
		}
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("lookup processed action: %w", err)
		}
	}

	current, err := s.getTask(ctx, tx, updated.ID)
	if err != nil {
		return nil, err
	}
	if err := snapshotTask(ctx, tx, current); err != nil {
		return nil, err
	}

	if updated.IsCurrent && !current.IsCurrent {
		if err := demoteCurrent(ctx, tx, updated.SessionID); err != nil {
			return nil, err
		}
	}

	constraints, plan, done, blocked, err := marshalTaskFields(updated)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE task_states
		SET goal = ?, status = ?, constraints = ?, plan = ?, done = ?, blocked = ?,
			next_action = ?, version = version + 1, session_id = ?, is_current = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		updated.Goal, string(updated.Status),
		constraints, plan, done, blocked,
		nullString(updated.NextAction),
		nullString(updated.SessionID),
		boolToInt(updated.IsCurrent),
		now,
		updated.ID, updated.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, &ConflictError{
			TaskID:          updated.ID,
			ExpectedVersion: updated.Version,
			ActualVersion:   current.Version,
		}
	}

	if actionID != "" {
		_, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO processed_actions (action_id, task_id, processed_at) VALUES (?, ?, ?)",
			actionID, updated.ID, now)
		if err != nil {
			return nil, fmt.Errorf("record processed action: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	result := updated.Clone()
	result.Version = updated.Version + 1
	result.CreatedAt = current.CreatedAt
	result.UpdatedAt = now
	return result, nil
}

// Snapshots lists retained snapshots for a task, oldest first.
func (s *Store) Snapshots(ctx context.Context, taskID string) ([]models.TaskSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT task_id, version, state, created_at FROM task_snapshots WHERE task_id = ? ORDER BY version ASC",
		taskID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.TaskSnapshot
	for rows.Next() {
		var snap models.TaskSnapshot
		var state string
		if err := rows.Scan(&snap.TaskID, &snap.Version, &state, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.State = []byte(state)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// RollbackTask restores the snapshot taken at the given version as a
// new version. Versions never decrement.
func (s *Store) RollbackTask(ctx context.Context, taskID string, version int) (*models.TaskState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM task_snapshots WHERE task_id = ? AND version = ?",
		taskID, version,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory: no snapshot for task %s at version %d: %w", taskID, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	var restored models.TaskState
	if err := json.Unmarshal([]byte(state), &restored); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	current, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	restored.Version = current.Version
	return s.UpdateTask(ctx, &restored, "")
}

func (s *Store) getTask(ctx context.Context, q queryer, id string) (*models.TaskState, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, goal, status, constraints, plan, done, blocked, next_action, version, session_id, is_current, created_at, updated_at
		FROM task_states WHERE id = ?`, id)
	return scanTask(row)
}

func (s *Store) queryOneTask(ctx context.Context, idQuery string, args ...any) (*models.TaskState, error) {
	var id string
	err := s.db.QueryRowContext(ctx, idQuery, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query current task: %w", err)
	}
	return s.GetTask(ctx, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanTask(row *sql.Row) (*models.TaskState, error) {
	var task models.TaskState
	var status string
	var constraints, plan, done, blocked string
	var nextAction, sessionID sql.NullString
	var isCurrent int

	err := row.Scan(
		&task.ID, &task.Goal, &status,
		&constraints, &plan, &done, &blocked,
		&nextAction, &task.Version, &sessionID, &isCurrent,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Status = models.TaskStatus(status)
	task.NextAction = nextAction.String
	task.SessionID = sessionID.String
	task.IsCurrent = isCurrent != 0

	if err := json.Unmarshal([]byte(constraints), &task.Constraints); err != nil {
		return nil, fmt.Errorf("unmarshal constraints: %w", err)
	}
	if err := json.Unmarshal([]byte(plan), &task.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if err := json.Unmarshal([]byte(done), &task.Done); err != nil {
		return nil, fmt.Errorf("unmarshal done: %w", err)
	}
	if err := json.Unmarshal([]byte(blocked), &task.Blocked); err != nil {
		return nil, fmt.Errorf("unmarshal blocked: %w", err)
	}
	return &task, nil
}

func snapshotTask(ctx context.Context, tx *sql.Tx, task *models.TaskState) error {
	state, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO task_snapshots (task_id, version, state, created_at) VALUES (?, ?, ?, ?)",
		task.ID, task.Version, string(state), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	// FIFO eviction beyond the cap.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM task_snapshots WHERE task_id = ? AND version NOT IN (
			SELECT version FROM task_snapshots WHERE task_id = ? ORDER BY version DESC LIMIT ?
		)`, task.ID, task.ID, maxSnapshots)
	if err != nil {
		return fmt.Errorf("evict snapshots: %w", err)
	}
	return nil
}

func demoteCurrent(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var err error
	if sessionID != "" {
		_, err = tx.ExecContext(ctx,
			"UPDATE task_states SET is_current = 0 WHERE is_current = 1 AND session_id = ?", sessionID)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE task_states SET is_current = 0 WHERE is_current = 1 AND session_id IS NULL")
	}
	if err != nil {
		return fmt.Errorf("demote current task: %w", err)
	}
	return nil
}

func marshalTaskFields(task *models.TaskState) (constraints, plan, done, blocked string, err error) {
	c, err := json.Marshal(task.Constraints)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal constraints: %w", err)
	}
	p, err := json.Marshal(task.Plan)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal plan: %w", err)
	}
	d, err := json.Marshal(task.Done)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal done: %w", err)
	}
	b, err := json.Marshal(task.Blocked)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal blocked: %w", err)
	}
	return string(c), string(p), string(d), string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
