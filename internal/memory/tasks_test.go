package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/strandworks/strand/pkg/models"
)

func newTask(sessionID string) *models.TaskState {
	return &models.TaskState{
		Goal:      "refactor the parser",
		Status:    models.TaskInProgress,
		SessionID: sessionID,
		IsCurrent: true,
		Plan: []models.TaskStep{
			{ID: "1", Description: "read existing code", Status: models.StepCompleted},
			{ID: "2", Description: "extract lexer", Status: models.StepPending},
		},
	}
}

func TestUpdateTaskIncrementsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("s1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Version != 1 {
		t.Fatalf("new task version = %d, want 1", task.Version)
	}

	task.NextAction = "extract lexer"
	updated, err := s.UpdateTask(ctx, task, "")
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("updated version = %d, want 2", updated.Version)
	}
	if updated.NextAction != "extract lexer" {
		t.Errorf("NextAction = %q", updated.NextAction)
	}
}

func TestUpdateTaskIdempotentReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("s1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	task.Done = append(task.Done, "step 1 complete")
	first, err := s.UpdateTask(ctx, task, "action-1")
	if err != nil {
		t.Fatalf("first UpdateTask: %v", err)
	}

	// Replaying the same action returns the stored state unchanged.
	second, err := s.UpdateTask(ctx, task, "action-1")
	if err != nil {
		t.Fatalf("replayed UpdateTask: %v", err)
	}
	if second.Version != first.Version {
		t.Errorf("replay changed version: %d != %d", second.Version, first.Version)
	}
}

func TestUpdateTaskVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("s1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Two writers read version 1; the second write must fail.
	a := task.Clone()
	b := task.Clone()

	if _, err := s.UpdateTask(ctx, a, ""); err != nil {
		t.Fatalf("first UpdateTask: %v", err)
	}
	_, err := s.UpdateTask(ctx, b, "")
	if !IsConflict(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		if conflict.ExpectedVersion != 1 || conflict.ActualVersion != 2 {
			t.Errorf("conflict versions = expected %d actual %d, want 1 and 2",
				conflict.ExpectedVersion, conflict.ActualVersion)
		}
	}
}

func TestSnapshotFIFOCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("s1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	current := task
	for i := 0; i < 15; i++ {
		current.NextAction = fmt.Sprintf("step %d", i)
		updated, err := s.UpdateTask(ctx, current, "")
		if err != nil {
			t.Fatalf("UpdateTask %d: %v", i, err)
		}
		current = updated
	}

	snaps, err := s.Snapshots(ctx, task.ID)
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != maxSnapshots {
		t.Fatalf("retained %d snapshots, want %d", len(snaps), maxSnapshots)
	}
	// Oldest snapshots were evicted first.
	if snaps[0].Version != 6 {
		t.Errorf("oldest retained snapshot version = %d, want 6", snaps[0].Version)
	}
}

func TestRollbackRestoresAsNewVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("s1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	task.Goal = "changed goal"
	updated, err := s.UpdateTask(ctx, task, "")
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	restored, err := s.RollbackTask(ctx, task.ID, 1)
	if err != nil {
		t.Fatalf("RollbackTask: %v", err)
	}
	if restored.Goal != "refactor the parser" {
		t.Errorf("rollback goal = %q, want original", restored.Goal)
	}
	if restored.Version != updated.Version+1 {
		t.Errorf("rollback version = %d, want %d (never decrements)", restored.Version, updated.Version+1)
	}
}

func TestGetCurrentTaskPrefersSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := newTask("s1")
	t2 := newTask("s2")
	if err := s.CreateTask(ctx, t1); err != nil {
		t.Fatalf("CreateTask t1: %v", err)
	}
	if err := s.CreateTask(ctx, t2); err != nil {
		t.Fatalf("CreateTask t2: %v", err)
	}

	got, err := s.GetCurrentTask(ctx, "s1")
	if err != nil {
		t.Fatalf("GetCurrentTask: %v", err)
	}
	if got.ID != t1.ID {
		t.Errorf("GetCurrentTask(s1) = %s, want %s", got.ID, t1.ID)
	}
}

func TestOnlyOneCurrentTaskPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := newTask("s1")
	if err := s.CreateTask(ctx, t1); err != nil {
		t.Fatalf("CreateTask t1: %v", err)
	}
	t2 := newTask("s1")
	if err := s.CreateTask(ctx, t2); err != nil {
		t.Fatalf("CreateTask t2: %v", err)
	}

	old, err := s.GetTask(ctx, t1.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if old.IsCurrent {
		t.Error("previous task still marked current")
	}
	current, err := s.GetCurrentTask(ctx, "s1")
	if err != nil {
		t.Fatalf("GetCurrentTask: %v", err)
	}
	if current.ID != t2.ID {
		t.Errorf("current task = %s, want %s", current.ID, t2.ID)
	}
}
