package memory

import (
	"context"
	"testing"
	"time"

	"github.com/strandworks/strand/pkg/models"
)

func newTestCompactor(t *testing.T, cfg CompactionConfig) (*Compactor, *Store) {
	t.Helper()
	s := newTestStore(t)
	return NewCompactor(cfg, s, NewSummarizer(SummarizerConfig{}, nil)), s
}

func TestCheckHealthThresholds(t *testing.T) {
	c, _ := newTestCompactor(t, CompactionConfig{
		MaxContextTokens:    1000,
		ReserveTokens:       100,
		MinEventsSinceFlush: 1,
	})
	c.RecordEvent()

	tests := []struct {
		tokens int
		want   ContextHealth
	}{
		{100, HealthOK},
		{599, HealthOK},
		{600, HealthApproaching}, // soft = 0.6 * max
		{799, HealthApproaching},
		{800, HealthFlushNow}, // hard = 0.8 * max
		{899, HealthFlushNow},
		{900, HealthCritical}, // max - reserve
	}
	for _, tt := range tests {
		c.mu.Lock()
		c.tokens = tt.tokens
		c.mu.Unlock()
		if got := c.CheckHealth(); got != tt.want {
			t.Errorf("CheckHealth at %d tokens = %s, want %s", tt.tokens, got, tt.want)
		}
	}
}

func TestCheckHealthHoldsFlushUntilMinEvents(t *testing.T) {
	c, _ := newTestCompactor(t, CompactionConfig{
		MaxContextTokens:    1000,
		MinEventsSinceFlush: 3,
	})
	c.AddUsage(800, 50)

	if got := c.CheckHealth(); got != HealthApproaching {
		t.Errorf("CheckHealth with no events = %s, want approaching", got)
	}
	for i := 0; i < 3; i++ {
		c.RecordEvent()
	}
	if got := c.CheckHealth(); got != HealthFlushNow {
		t.Errorf("CheckHealth after min events = %s, want flush", got)
	}
}

func TestFlushPersistsSummaryAndResets(t *testing.T) {
	c, s := newTestCompactor(t, CompactionConfig{MaxContextTokens: 1000, MinEventsSinceFlush: 1})
	ctx := context.Background()

	for _, text := range []string{
		"please audit the permissions configuration soon",
		"second message about the ongoing database migration",
	} {
		err := s.AppendEvent(ctx, &models.MemoryEvent{
			Type:      models.EventUserMsg,
			SessionID: "s1",
			Timestamp: time.Now().UTC(),
			Summary:   text,
		})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		c.RecordEvent()
	}
	c.AddUsage(900, 50)

	summary, err := c.Flush(ctx, "s1")
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if summary.Short == "" {
		t.Error("flush produced empty summary")
	}

	stored, err := s.LatestSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestSummary: %v", err)
	}
	if stored.ID != summary.ID {
		t.Errorf("stored summary id = %s, want %s", stored.ID, summary.ID)
	}

	if c.Tokens() != 0 {
		t.Errorf("tokens not reset after flush: %d", c.Tokens())
	}
	if got := c.CheckHealth(); got != HealthOK {
		t.Errorf("health after flush = %s, want ok", got)
	}
}

func TestFlushCarriesPreviousTodos(t *testing.T) {
	c, s := newTestCompactor(t, CompactionConfig{MaxContextTokens: 1000})
	ctx := context.Background()

	err := s.SaveSummary(ctx, &models.Summary{
		SessionID: "s1",
		Short:     "earlier",
		Todos:     []models.TodoItem{{Text: "rotate certificates"}},
	})
	if err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}
	err = s.AppendEvent(ctx, &models.MemoryEvent{
		Type: models.EventUserMsg, SessionID: "s1",
		Timestamp: time.Now().UTC(),
		Summary:   "just checking in on the general progress today",
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	summary, err := c.Flush(ctx, "s1")
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	found := false
	for _, todo := range summary.Todos {
		if todo.Text == "rotate certificates" && !todo.Completed {
			found = true
		}
	}
	if !found {
		t.Errorf("previous incomplete todo not carried: %v", summary.Todos)
	}
}
