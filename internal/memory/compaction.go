package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/strandworks/strand/pkg/models"
)

// ContextHealth is the compaction manager's verdict on context growth.
type ContextHealth string

const (
	// HealthOK means usage is below the soft threshold.
	HealthOK ContextHealth = "ok"

	// HealthApproaching means usage crossed the soft threshold.
	HealthApproaching ContextHealth = "approaching_limit"

	// HealthFlushNow means usage crossed the hard threshold and a
	// compaction cycle should run.
	HealthFlushNow ContextHealth = "should_flush"

	// HealthCritical means usage ate into the reserve.
	HealthCritical ContextHealth = "critical"
)

// CompactionConfig bounds working-context tokens.
type CompactionConfig struct {
	// MaxContextTokens is the model's context budget. Default: 128000.
	MaxContextTokens int

	// SoftThresholdTokens triggers the approaching verdict.
	// Default: 0.6 * MaxContextTokens.
	SoftThresholdTokens int

	// HardThresholdTokens triggers a flush. Default: 0.8 * max.
	HardThresholdTokens int

	// ReserveTokens is headroom kept for the response. Usage beyond
	// max-reserve is critical. Default: 4096.
	ReserveTokens int

	// MinEventsSinceFlush suppresses a flush until at least this many
	// events accumulated since the last one. Default: 5.
	MinEventsSinceFlush int
}

// Compactor tracks cumulative token usage per session and decides when
// the loop must summarize and reset its working context.
type Compactor struct {
	cfg        CompactionConfig
	store      *Store
	summarizer *Summarizer

	mu               sync.Mutex
	tokens           int
	eventsSinceFlush int
}

// NewCompactor creates a compaction manager over the store and
// summarizer.
func NewCompactor(cfg CompactionConfig, store *Store, summarizer *Summarizer) *Compactor {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 128000
	}
	if cfg.SoftThresholdTokens <= 0 {
		cfg.SoftThresholdTokens = cfg.MaxContextTokens * 6 / 10
	}
	if cfg.HardThresholdTokens <= 0 {
		cfg.HardThresholdTokens = cfg.MaxContextTokens * 8 / 10
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = 4096
	}
	if cfg.MinEventsSinceFlush <= 0 {
		cfg.MinEventsSinceFlush = 5
	}
	return &Compactor{cfg: cfg, store: store, summarizer: summarizer}
}

// AddUsage accumulates prompt and completion tokens from an LLM call.
func (c *Compactor) AddUsage(promptTokens, completionTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens += promptTokens + completionTokens
}

// RecordEvent notes one event appended since the last flush.
func (c *Compactor) RecordEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventsSinceFlush++
}

// Tokens returns the cumulative token count since the last flush.
func (c *Compactor) Tokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// Utilization returns tokens as a fraction of the context budget.
func (c *Compactor) Utilization() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.tokens) / float64(c.cfg.MaxContextTokens)
}

// CheckHealth classifies the current usage. A flush verdict is held
// back until MinEventsSinceFlush events accumulated, except in the
// critical band.
func (c *Compactor) CheckHealth() ContextHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.tokens >= c.cfg.MaxContextTokens-c.cfg.ReserveTokens:
		return HealthCritical
	case c.tokens >= c.cfg.HardThresholdTokens:
		if c.eventsSinceFlush < c.cfg.MinEventsSinceFlush {
			return HealthApproaching
		}
		return HealthFlushNow
	case c.tokens >= c.cfg.SoftThresholdTokens:
		return HealthApproaching
	default:
		return HealthOK
	}
}

// Flush summarizes the session's recent events, persists the summary,
// and resets the token and event accounting. The returned summary's
// short line is meant for the next iteration's system prompt.
func (c *Compactor) Flush(ctx context.Context, sessionID string) (*models.Summary, error) {
	events, err := c.store.QueryEvents(ctx, EventQuery{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("compaction: query events: %w", err)
	}
	// QueryEvents returns newest first; summarize oldest first.
	reverse(events)

	var prev *models.Summary
	if p, err := c.store.LatestSummary(ctx, sessionID); err == nil {
		prev = p
	}

	summary := c.summarizer.Summarize(ctx, sessionID, events, prev)
	if err := c.store.SaveSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("compaction: save summary: %w", err)
	}

	c.mu.Lock()
	c.tokens = 0
	c.eventsSinceFlush = 0
	c.mu.Unlock()

	return summary, nil
}

func reverse(events []*models.MemoryEvent) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
