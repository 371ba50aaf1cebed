package agent

import (
	"context"
	"strings"

	"github.com/strandworks/strand/pkg/models"
)

// EvalContext gives the evaluator the material to judge a draft answer
// against.
type EvalContext struct {
	Request     string
	ToolResults []models.ToolCallResult
	Retry       int
	MaxRetries  int
}

// Evaluation is the evaluator's verdict on a draft answer.
type Evaluation struct {
	Score       float64
	Passed      bool
	Issues      []string
	Suggestions []string
	RetryReason string
}

// Evaluator judges the assistant's proposed final answer. A failing
// verdict with retries remaining makes the loop append the feedback as a
// user message and run another iteration.
type Evaluator interface {
	Evaluate(ctx context.Context, draft string, ec EvalContext) (*Evaluation, error)
}

// RuleEvaluator is a heuristic evaluator with no model call. It fails
// drafts that are empty or that dodge the request, and runs a
// consistency pass against tool results.
type RuleEvaluator struct {
	// MinLength fails drafts shorter than this many characters when the
	// request looks substantive. Default 1 (non-empty).
	MinLength int
}

func (e *RuleEvaluator) Evaluate(_ context.Context, draft string, ec EvalContext) (*Evaluation, error) {
	eval := &Evaluation{Score: 1, Passed: true}
	trimmed := strings.TrimSpace(draft)

	minLen := e.MinLength
	if minLen <= 0 {
		minLen = 1
	}
	if len(trimmed) < minLen {
		eval.Score = 0
		eval.Passed = false
		eval.Issues = append(eval.Issues, "answer is empty")
		eval.RetryReason = "the answer was empty; provide a substantive response"
		return eval, nil
	}

	lower := strings.ToLower(trimmed)
	for _, dodge := range []string{"i cannot help", "i can't help", "as an ai"} {
		if strings.Contains(lower, dodge) {
			eval.Score = 0.3
			eval.Passed = false
			eval.Issues = append(eval.Issues, "answer deflects instead of addressing the request")
			eval.RetryReason = "address the request directly using the available tool results"
			return eval, nil
		}
	}

	if problems := SelfCheck(draft, ec.ToolResults); len(problems) > 0 {
		// Consistency problems are surfaced but do not block.
		eval.Score = 0.8
		eval.Issues = append(eval.Issues, problems...)
		eval.Suggestions = append(eval.Suggestions, "verify claims against the tool output")
	}
	return eval, nil
}

// SelfCheck flags draft statements that contradict tool results. It is
// advisory: callers report the problems without failing the draft.
func SelfCheck(draft string, toolResults []models.ToolCallResult) []string {
	var problems []string
	lower := strings.ToLower(draft)
	for _, tr := range toolResults {
		result := strings.ToLower(tr.Result)
		if strings.HasPrefix(result, "error") && !strings.Contains(lower, "error") &&
			!strings.Contains(lower, "fail") && !strings.Contains(lower, "could not") {
			problems = append(problems, "tool "+tr.Name+" failed but the answer does not mention it")
		}
	}
	return problems
}

// FeedbackMessage synthesizes the user message appended when an
// evaluation fails and retries remain.
func FeedbackMessage(eval *Evaluation) string {
	var b strings.Builder
	b.WriteString("Your previous answer needs revision.")
	if eval.RetryReason != "" {
		b.WriteString(" Reason: ")
		b.WriteString(eval.RetryReason)
	}
	for _, issue := range eval.Issues {
		b.WriteString("\n- ")
		b.WriteString(issue)
	}
	if len(eval.Suggestions) > 0 {
		b.WriteString("\nSuggestions:")
		for _, s := range eval.Suggestions {
			b.WriteString("\n- ")
			b.WriteString(s)
		}
	}
	return b.String()
}
