package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/strandworks/strand/pkg/models"
)

func TestProfileUpsertAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []*models.ProfileItem{
		{Key: "editor", Value: json.RawMessage(`"vim"`), Confidence: 0.6},
		{Key: "name", Value: json.RawMessage(`"Sam"`), Confidence: 0.9, Explicit: true},
		{Key: "language", Value: json.RawMessage(`"go"`), Confidence: 0.8},
		{Key: "timezone", Value: json.RawMessage(`"UTC"`), Confidence: 0.5, Explicit: true},
	}
	for _, item := range items {
		if err := s.UpsertProfile(ctx, item); err != nil {
			t.Fatalf("UpsertProfile(%s): %v", item.Key, err)
		}
	}

	got, err := s.ListProfile(ctx)
	if err != nil {
		t.Fatalf("ListProfile: %v", err)
	}
	wantOrder := []string{"name", "timezone", "language", "editor"}
	if len(got) != len(wantOrder) {
		t.Fatalf("got %d items, want %d", len(got), len(wantOrder))
	}
	for i, key := range wantOrder {
		if got[i].Key != key {
			t.Errorf("position %d = %s, want %s (explicit-first, confidence-desc)", i, got[i].Key, key)
		}
	}
}

func TestProfileUpsertReplacesByKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProfile(ctx, &models.ProfileItem{Key: "editor", Value: json.RawMessage(`"vim"`), Confidence: 0.5}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := s.UpsertProfile(ctx, &models.ProfileItem{Key: "editor", Value: json.RawMessage(`"helix"`), Confidence: 0.9}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}

	got, err := s.GetProfile(ctx, "editor")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if string(got.Value) != `"helix"` || got.Confidence != 0.9 {
		t.Errorf("item not replaced: %+v", got)
	}
}

func TestExpiredProfileItemsArePurgedLazily(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	if err := s.UpsertProfile(ctx, &models.ProfileItem{Key: "expired", Value: json.RawMessage(`1`), Confidence: 1, ExpiresAt: &past}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := s.UpsertProfile(ctx, &models.ProfileItem{Key: "live", Value: json.RawMessage(`2`), Confidence: 1, ExpiresAt: &future}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}

	if _, err := s.GetProfile(ctx, "expired"); err != ErrNotFound {
		t.Errorf("expired item readable: %v", err)
	}

	// The expired row was deleted on first observation.
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM profiles WHERE key = 'expired'").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Error("expired row not purged")
	}

	if _, err := s.GetProfile(ctx, "live"); err != nil {
		t.Errorf("live item unreadable: %v", err)
	}
}

func TestProfileConfidenceValidation(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertProfile(context.Background(), &models.ProfileItem{Key: "bad", Value: json.RawMessage(`1`), Confidence: 1.5}); err == nil {
		t.Error("expected error for confidence outside [0,1]")
	}
}
