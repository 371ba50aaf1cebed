package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// StopKind distinguishes limits that terminate unconditionally from
// limits the caller may extend past.
type StopKind string

const (
	StopHard StopKind = "hard"
	StopSoft StopKind = "soft"
)

// StopResult is the outcome of one stop check.
type StopResult struct {
	Stop       bool
	Kind       StopKind
	Reason     string
	Suggestion string

	// IterationLimit marks the iteration-limit condition specifically,
	// which is the only one a continuation callback can extend past.
	IterationLimit bool
}

// StopStats is the loop state the checker evaluates against. Iteration
// is 1-based and counts the iteration about to start.
type StopStats struct {
	Iteration           int
	ToolCalls           int
	TotalTokens         int
	CompletionTokens    int
	Elapsed             time.Duration
	Cost                float64
	ConsecutiveFailures int
	LastContent         string
	LastToolNames       []string
}

// CustomStopFunc is a user-supplied condition. Returning a non-nil
// result with Stop=true stops the loop.
type CustomStopFunc func(ctx context.Context, stats StopStats) (*StopResult, error)

// StopConfig parameterizes the stop-condition evaluator. Zero limits are
// disabled except MaxIterations, which defaults to 10.
type StopConfig struct {
	// MaxIterations bounds LLM round-trips per run. Default 10.
	// Hard unless a continuation callback is configured or Unbounded
	// is set.
	MaxIterations int

	// Unbounded disables the iteration limit entirely.
	Unbounded bool

	MaxToolCalls        int
	MaxTotalTokens      int
	MaxCompletionTokens int
	MaxDuration         time.Duration

	// MaxCost bounds the cumulative run cost computed from the per-1K
	// token prices below.
	MaxCost          float64
	InputCostPer1K   float64
	OutputCostPer1K  float64

	// StopPatterns match against the last assistant content, literally
	// or as a regular expression.
	StopPatterns []string

	// StopOnTools stops after any of the named tools was called.
	StopOnTools []string

	MaxConsecutiveFailures int

	Custom CustomStopFunc
}

const defaultMaxIterations = 10

// StopChecker evaluates stop conditions once per iteration. Hard limits
// are checked before soft ones; the first match wins.
type StopChecker struct {
	cfg StopConfig

	// softIterations makes the iteration limit soft. Set when the run
	// has a continuation callback.
	softIterations bool

	patterns []*regexp.Regexp
	literals []string
}

// NewStopChecker compiles the configured stop patterns. Patterns that do
// not compile as regular expressions are matched literally.
func NewStopChecker(cfg StopConfig, softIterations bool) *StopChecker {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	c := &StopChecker{cfg: cfg, softIterations: softIterations}
	for _, p := range cfg.StopPatterns {
		if re, err := regexp.Compile(p); err == nil {
			c.patterns = append(c.patterns, re)
		} else {
			c.literals = append(c.literals, p)
		}
	}
	return c
}

// MaxIterations returns the effective iteration limit.
func (c *StopChecker) MaxIterations() int { return c.cfg.MaxIterations }

// Extend raises the iteration limit by n. Used when a continuation
// callback elects to keep going.
func (c *StopChecker) Extend(n int) { c.cfg.MaxIterations += n }

// Check evaluates all conditions against the current stats.
func (c *StopChecker) Check(ctx context.Context, stats StopStats) (StopResult, error) {
	// Hard limits first.
	if !c.cfg.Unbounded && stats.Iteration > c.cfg.MaxIterations {
		kind := StopHard
		if c.softIterations {
			kind = StopSoft
		}
		return StopResult{
			Stop:           true,
			Kind:           kind,
			Reason:         fmt.Sprintf("maximum iterations reached (%d)", c.cfg.MaxIterations),
			Suggestion:     "raise maxIterations or simplify the task",
			IterationLimit: true,
		}, nil
	}
	if c.cfg.MaxToolCalls > 0 && stats.ToolCalls >= c.cfg.MaxToolCalls {
		return hardStop(fmt.Sprintf("maximum tool calls reached (%d)", c.cfg.MaxToolCalls)), nil
	}
	if c.cfg.MaxTotalTokens > 0 && stats.TotalTokens >= c.cfg.MaxTotalTokens {
		return hardStop(fmt.Sprintf("token budget exhausted (%d/%d)", stats.TotalTokens, c.cfg.MaxTotalTokens)), nil
	}
	if c.cfg.MaxCompletionTokens > 0 && stats.CompletionTokens >= c.cfg.MaxCompletionTokens {
		return hardStop(fmt.Sprintf("completion token budget exhausted (%d/%d)", stats.CompletionTokens, c.cfg.MaxCompletionTokens)), nil
	}
	if c.cfg.MaxDuration > 0 && stats.Elapsed >= c.cfg.MaxDuration {
		return hardStop(fmt.Sprintf("duration limit reached (%s)", c.cfg.MaxDuration)), nil
	}
	if c.cfg.MaxCost > 0 && stats.Cost >= c.cfg.MaxCost {
		return hardStop(fmt.Sprintf("cost limit reached ($%.4f/$%.4f)", stats.Cost, c.cfg.MaxCost)), nil
	}
	if c.cfg.MaxConsecutiveFailures > 0 && stats.ConsecutiveFailures >= c.cfg.MaxConsecutiveFailures {
		return hardStop(fmt.Sprintf("too many consecutive failures (%d)", stats.ConsecutiveFailures)), nil
	}

	// Soft limits.
	if stats.LastContent != "" {
		for _, lit := range c.literals {
			if strings.Contains(stats.LastContent, lit) {
				return softStop(fmt.Sprintf("stop pattern matched: %q", lit)), nil
			}
		}
		for _, re := range c.patterns {
			if re.MatchString(stats.LastContent) {
				return softStop(fmt.Sprintf("stop pattern matched: %q", re.String())), nil
			}
		}
	}
	for _, name := range c.cfg.StopOnTools {
		for _, called := range stats.LastToolNames {
			if called == name {
				return softStop(fmt.Sprintf("stop tool called: %s", name)), nil
			}
		}
	}
	if c.cfg.Custom != nil {
		res, err := c.cfg.Custom(ctx, stats)
		if err != nil {
			return StopResult{}, err
		}
		if res != nil && res.Stop {
			if res.Kind == "" {
				res.Kind = StopSoft
			}
			return *res, nil
		}
	}

	return StopResult{}, nil
}

// Cost computes the run cost from token counts and the configured
// per-1K prices.
func (c *StopChecker) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*c.cfg.InputCostPer1K +
		float64(completionTokens)/1000*c.cfg.OutputCostPer1K
}

func hardStop(reason string) StopResult {
	return StopResult{Stop: true, Kind: StopHard, Reason: reason}
}

func softStop(reason string) StopResult {
	return StopResult{Stop: true, Kind: StopSoft, Reason: reason}
}
