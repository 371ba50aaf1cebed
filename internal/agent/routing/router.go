// Package routing selects a model tier per task and tracks run cost
// against a daily budget.
package routing

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TaskType classifies the work an iteration asks of the model.
type TaskType string

const (
	TaskConversation  TaskType = "conversation"
	TaskToolSelection TaskType = "tool_selection"
	TaskSummarization TaskType = "summarization"
	TaskEvaluation    TaskType = "evaluation"
)

// Preference biases tier selection when several tiers support a task.
type Preference string

const (
	PreferCost     Preference = "cost"
	PreferBalanced Preference = "balanced"
	PreferQuality  Preference = "quality"
)

// Tier describes one model tier and its pricing.
type Tier struct {
	Name            string
	ModelID         string
	InputCostPer1K  float64
	OutputCostPer1K float64
	MaxContext      int
	SupportedTasks  []TaskType

	// LatencyTier and QualityTier rank tiers relative to each other;
	// higher is slower/better.
	LatencyTier int
	QualityTier int
}

func (t Tier) supports(task TaskType) bool {
	for _, s := range t.SupportedTasks {
		if s == task {
			return true
		}
	}
	return false
}

// blendedCost is the per-1K price used for ordering tiers.
func (t Tier) blendedCost() float64 {
	return t.InputCostPer1K + t.OutputCostPer1K
}

// Config parameterizes a Router.
type Config struct {
	Tiers      []Tier
	Preference Preference

	// DailyCostLimit bounds spend per UTC day. 0 disables limiting.
	DailyCostLimit float64

	// WarnFraction of the daily limit at which OnCostWarning fires.
	// Default 0.8.
	WarnFraction float64

	OnCostWarning      func(spent, limit float64)
	OnCostLimitReached func(spent, limit float64)

	// Now is injectable for day-rollover tests.
	Now func() time.Time
}

// DefaultTiers returns a three-tier configuration against OpenAI-style
// model ids.
func DefaultTiers() []Tier {
	all := []TaskType{TaskConversation, TaskToolSelection, TaskSummarization, TaskEvaluation}
	return []Tier{
		{
			Name:            "fast",
			ModelID:         "gpt-4o-mini",
			InputCostPer1K:  0.00015,
			OutputCostPer1K: 0.0006,
			MaxContext:      128000,
			SupportedTasks:  []TaskType{TaskConversation, TaskSummarization},
			LatencyTier:     1,
			QualityTier:     1,
		},
		{
			Name:            "standard",
			ModelID:         "gpt-4o",
			InputCostPer1K:  0.0025,
			OutputCostPer1K: 0.01,
			MaxContext:      128000,
			SupportedTasks:  all,
			LatencyTier:     2,
			QualityTier:     2,
		},
		{
			Name:            "strong",
			ModelID:         "o1",
			InputCostPer1K:  0.015,
			OutputCostPer1K: 0.06,
			MaxContext:      200000,
			SupportedTasks:  all,
			LatencyTier:     3,
			QualityTier:     3,
		},
	}
}

// CostStats reports accumulated spend.
type CostStats struct {
	Total  float64
	ByTier map[string]float64
}

// Router picks the cheapest tier that supports a task, honoring the
// configured preference, and accumulates cost per tier. Safe for
// concurrent use.
type Router struct {
	cfg Config

	mu         sync.Mutex
	spent      map[string]float64
	day        time.Time
	warned     bool
	limitFired bool
}

// New creates a Router. With no tiers configured, DefaultTiers is used.
func New(cfg Config) *Router {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Preference == "" {
		cfg.Preference = PreferBalanced
	}
	if cfg.WarnFraction <= 0 || cfg.WarnFraction >= 1 {
		cfg.WarnFraction = 0.8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{
		cfg:   cfg,
		spent: make(map[string]float64),
		day:   cfg.Now().UTC().Truncate(24 * time.Hour),
	}
}

// Route returns the tier for a task. For a fixed configuration this is
// a pure function of taskType.
func (r *Router) Route(task TaskType) (Tier, error) {
	var candidates []Tier
	for _, t := range r.cfg.Tiers {
		if t.supports(task) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return Tier{}, fmt.Errorf("no tier supports task %q", task)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].blendedCost() < candidates[j].blendedCost()
	})

	switch r.cfg.Preference {
	case PreferQuality:
		best := candidates[0]
		for _, t := range candidates[1:] {
			if t.QualityTier > best.QualityTier {
				best = t
			}
		}
		return best, nil
	case PreferBalanced:
		// Cheapest tier of at least middling quality, else cheapest.
		for _, t := range candidates {
			if t.QualityTier >= 2 {
				return t, nil
			}
		}
		return candidates[0], nil
	default:
		return candidates[0], nil
	}
}

// Cost computes the price of one call against a tier.
func (t Tier) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*t.InputCostPer1K +
		float64(outputTokens)/1000*t.OutputCostPer1K
}

// RecordUsage accumulates the cost of one call and fires the budget
// callbacks when the daily limit is approached or crossed. The limit
// callback fires at most once per day.
func (r *Router) RecordUsage(tierName string, inputTokens, outputTokens int) float64 {
	tier, ok := r.tier(tierName)
	if !ok {
		return 0
	}
	cost := tier.Cost(inputTokens, outputTokens)

	r.mu.Lock()
	r.rollover()
	r.spent[tierName] += cost
	total := 0.0
	for _, v := range r.spent {
		total += v
	}
	limit := r.cfg.DailyCostLimit
	fireWarn := limit > 0 && !r.warned && total >= limit*r.cfg.WarnFraction && total < limit
	fireLimit := limit > 0 && !r.limitFired && total >= limit
	if fireWarn {
		r.warned = true
	}
	if fireLimit {
		r.limitFired = true
	}
	r.mu.Unlock()

	if fireWarn && r.cfg.OnCostWarning != nil {
		r.cfg.OnCostWarning(total, limit)
	}
	if fireLimit && r.cfg.OnCostLimitReached != nil {
		r.cfg.OnCostLimitReached(total, limit)
	}
	return cost
}

// CostStats returns running totals by tier for the current day.
func (r *Router) CostStats() CostStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover()
	stats := CostStats{ByTier: make(map[string]float64, len(r.spent))}
	for tier, v := range r.spent {
		stats.ByTier[tier] = v
		stats.Total += v
	}
	return stats
}

// rollover resets accumulation at the UTC day boundary. Caller holds mu.
func (r *Router) rollover() {
	today := r.cfg.Now().UTC().Truncate(24 * time.Hour)
	if today.After(r.day) {
		r.day = today
		r.spent = make(map[string]float64)
		r.warned = false
		r.limitFired = false
	}
}

func (r *Router) tier(name string) (Tier, bool) {
	for _, t := range r.cfg.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}
