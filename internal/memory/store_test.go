package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/strandworks/strand/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "memory.db"), Dimension: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndQueryEventsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		err := s.AppendEvent(ctx, &models.MemoryEvent{
			Type:      models.EventUserMsg,
			SessionID: "s1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Summary:   string(rune('a' + i)),
		})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := s.QueryEvents(ctx, EventQuery{SessionID: "s1"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Summary != "c" || events[2].Summary != "a" {
		t.Errorf("events not newest-first: %s, %s, %s",
			events[0].Summary, events[1].Summary, events[2].Summary)
	}
}

func TestQueryEventsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	events := []*models.MemoryEvent{
		{Type: models.EventUserMsg, SessionID: "s1", Timestamp: now.Add(-2 * time.Hour)},
		{Type: models.EventDecision, SessionID: "s1", Timestamp: now.Add(-time.Minute)},
		{Type: models.EventUserMsg, SessionID: "s2", Timestamp: now},
	}
	for _, e := range events {
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	got, err := s.QueryEvents(ctx, EventQuery{
		SessionID: "s1",
		Since:     now.Add(-time.Hour),
		Types:     []models.EventType{models.EventDecision},
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 1 || got[0].Type != models.EventDecision {
		t.Errorf("filter returned %d events, want the single decision", len(got))
	}
}

func TestToolResultParentMustBeToolCall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	call := &models.MemoryEvent{Type: models.EventToolCall, SessionID: "s1"}
	if err := s.AppendEvent(ctx, call); err != nil {
		t.Fatalf("AppendEvent(call): %v", err)
	}

	result := &models.MemoryEvent{Type: models.EventToolResult, SessionID: "s1", ParentID: call.ID}
	if err := s.AppendEvent(ctx, result); err != nil {
		t.Errorf("valid tool result rejected: %v", err)
	}

	// Missing parent.
	bad := &models.MemoryEvent{Type: models.EventToolResult, SessionID: "s1", ParentID: "nope"}
	if err := s.AppendEvent(ctx, bad); err == nil {
		t.Error("expected error for missing parent")
	}

	// Parent in a different session.
	other := &models.MemoryEvent{Type: models.EventToolResult, SessionID: "s2", ParentID: call.ID}
	if err := s.AppendEvent(ctx, other); err == nil {
		t.Error("expected error for cross-session parent")
	}

	// Parent of the wrong type.
	msg := &models.MemoryEvent{Type: models.EventUserMsg, SessionID: "s1"}
	if err := s.AppendEvent(ctx, msg); err != nil {
		t.Fatalf("AppendEvent(msg): %v", err)
	}
	wrong := &models.MemoryEvent{Type: models.EventToolResult, SessionID: "s1", ParentID: msg.ID}
	if err := s.AppendEvent(ctx, wrong); err == nil {
		t.Error("expected error for non-tool-call parent")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := &models.CheckpointRecord{Name: "pre-deploy", State: []byte(`{"iteration":3}`)}
	if err := s.SaveCheckpoint(ctx, record); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	got, err := s.GetCheckpoint(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got.Name != "pre-deploy" || string(got.State) != `{"iteration":3}` {
		t.Errorf("checkpoint mismatch: %+v", got)
	}

	list, err := s.ListCheckpoints(ctx, 10)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListCheckpoints returned %d, want 1", len(list))
	}
}
