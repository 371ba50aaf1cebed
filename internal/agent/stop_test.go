package agent

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"
)

func mustCheck(t *testing.T, c *StopChecker, stats StopStats) StopResult {
	t.Helper()
	res, err := c.Check(context.Background(), stats)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	return res
}

func TestStopDefaultsToTenIterations(t *testing.T) {
	c := NewStopChecker(StopConfig{}, false)
	if res := mustCheck(t, c, StopStats{Iteration: 10}); res.Stop {
		t.Errorf("stopped at iteration 10: %q", res.Reason)
	}
	res := mustCheck(t, c, StopStats{Iteration: 11})
	if !res.Stop || res.Kind != StopHard || !res.IterationLimit {
		t.Errorf("res = %+v, want hard iteration stop", res)
	}
}

func TestStopIterationSoftWithContinuation(t *testing.T) {
	c := NewStopChecker(StopConfig{MaxIterations: 2}, true)
	res := mustCheck(t, c, StopStats{Iteration: 3})
	if !res.Stop || res.Kind != StopSoft || !res.IterationLimit {
		t.Errorf("res = %+v, want soft iteration stop", res)
	}

	c.Extend(2)
	if res := mustCheck(t, c, StopStats{Iteration: 3}); res.Stop {
		t.Errorf("stopped after Extend: %q", res.Reason)
	}
	if res := mustCheck(t, c, StopStats{Iteration: 5}); !res.Stop {
		t.Error("extended limit not enforced")
	}
}

func TestStopUnbounded(t *testing.T) {
	c := NewStopChecker(StopConfig{Unbounded: true}, true)
	if res := mustCheck(t, c, StopStats{Iteration: 10000}); res.Stop {
		t.Errorf("unbounded run stopped: %q", res.Reason)
	}
}

func TestStopHardLimitsBeforeSoft(t *testing.T) {
	// Both the token budget and a stop pattern match; the hard limit
	// must win.
	c := NewStopChecker(StopConfig{
		MaxTotalTokens: 100,
		StopPatterns:   []string{"TASK_COMPLETE"},
	}, false)
	res := mustCheck(t, c, StopStats{
		Iteration:   1,
		TotalTokens: 150,
		LastContent: "TASK_COMPLETE",
	})
	if !res.Stop || res.Kind != StopHard {
		t.Fatalf("res = %+v, want hard stop", res)
	}
	if !strings.Contains(res.Reason, "token budget") {
		t.Errorf("reason = %q, want token budget", res.Reason)
	}
}

func TestStopPatternLiteralFallback(t *testing.T) {
	// "[done" does not compile as a regexp and must match literally.
	c := NewStopChecker(StopConfig{StopPatterns: []string{"[done"}}, false)
	res := mustCheck(t, c, StopStats{Iteration: 1, LastContent: "status: [done]"})
	if !res.Stop || res.Kind != StopSoft {
		t.Errorf("res = %+v, want soft pattern stop", res)
	}
}

func TestStopPatternRegexp(t *testing.T) {
	c := NewStopChecker(StopConfig{StopPatterns: []string{`(?i)all\s+tests\s+pass`}}, false)
	res := mustCheck(t, c, StopStats{Iteration: 1, LastContent: "All tests pass now."})
	if !res.Stop {
		t.Fatal("regexp pattern did not match")
	}
	if res := mustCheck(t, c, StopStats{Iteration: 1, LastContent: "some tests fail"}); res.Stop {
		t.Errorf("false positive: %q", res.Reason)
	}
}

func TestStopOnTools(t *testing.T) {
	c := NewStopChecker(StopConfig{StopOnTools: []string{"submit_answer"}}, false)
	res := mustCheck(t, c, StopStats{Iteration: 2, LastToolNames: []string{"search", "submit_answer"}})
	if !res.Stop || res.Kind != StopSoft {
		t.Errorf("res = %+v, want soft tool stop", res)
	}
}

func TestStopDurationAndToolCalls(t *testing.T) {
	c := NewStopChecker(StopConfig{MaxDuration: time.Minute, MaxToolCalls: 5}, false)
	if res := mustCheck(t, c, StopStats{Iteration: 1, Elapsed: 2 * time.Minute}); !res.Stop || res.Kind != StopHard {
		t.Errorf("duration: %+v", res)
	}
	if res := mustCheck(t, c, StopStats{Iteration: 1, ToolCalls: 5}); !res.Stop || res.Kind != StopHard {
		t.Errorf("tool calls: %+v", res)
	}
}

func TestStopConsecutiveFailures(t *testing.T) {
	c := NewStopChecker(StopConfig{MaxConsecutiveFailures: 3}, false)
	if res := mustCheck(t, c, StopStats{Iteration: 1, ConsecutiveFailures: 2}); res.Stop {
		t.Errorf("stopped early: %q", res.Reason)
	}
	res := mustCheck(t, c, StopStats{Iteration: 1, ConsecutiveFailures: 3})
	if !res.Stop || res.Kind != StopHard {
		t.Errorf("res = %+v", res)
	}
}

func TestStopCost(t *testing.T) {
	c := NewStopChecker(StopConfig{
		MaxCost:         0.01,
		InputCostPer1K:  0.0025,
		OutputCostPer1K: 0.01,
	}, false)

	cost := c.Cost(2000, 500)
	if math.Abs(cost-0.01) > 1e-9 {
		t.Fatalf("Cost = %f, want 0.01", cost)
	}
	res := mustCheck(t, c, StopStats{Iteration: 1, Cost: cost})
	if !res.Stop || res.Kind != StopHard {
		t.Errorf("res = %+v, want hard cost stop", res)
	}
}

func TestStopCustomFunc(t *testing.T) {
	c := NewStopChecker(StopConfig{
		Custom: func(_ context.Context, stats StopStats) (*StopResult, error) {
			if stats.ToolCalls >= 2 {
				return &StopResult{Stop: true, Reason: "enough exploring"}, nil
			}
			return nil, nil
		},
	}, false)

	if res := mustCheck(t, c, StopStats{Iteration: 1, ToolCalls: 1}); res.Stop {
		t.Errorf("custom stopped early: %q", res.Reason)
	}
	res := mustCheck(t, c, StopStats{Iteration: 1, ToolCalls: 2})
	if !res.Stop || res.Kind != StopSoft || res.Reason != "enough exploring" {
		t.Errorf("res = %+v", res)
	}
}
