package guardrail

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// promptInjectionRule flags text that tries to override the system
// prompt or exfiltrate instructions.
type promptInjectionRule struct {
	patterns []*regexp.Regexp
}

func newPromptInjectionRule() *promptInjectionRule {
	return &promptInjectionRule{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
			regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(system\s+)?(prompt|instructions)`),
			regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)\s*mode`),
			regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?prompt`),
			regexp.MustCompile(`(?i)print\s+(your|the)\s+(system\s+)?(prompt|instructions)`),
			regexp.MustCompile(`(?i)pretend\s+(you\s+have|there\s+are)\s+no\s+(rules|restrictions|guidelines)`),
		},
	}
}

func (r *promptInjectionRule) ID() string { return "prompt_injection" }

func (r *promptInjectionRule) CheckInput(text string) Result {
	for _, p := range r.patterns {
		if p.MatchString(text) {
			return Result{
				RuleID:   r.ID(),
				Passed:   false,
				Message:  "possible prompt injection attempt detected",
				Severity: SeverityBlock,
			}
		}
	}
	return Result{RuleID: r.ID(), Passed: true, Severity: SeverityInfo}
}

// piiRule flags common personally identifiable information formats. It
// is applied to both inputs and outputs.
type piiRule struct {
	patterns map[string]*regexp.Regexp
}

func newPIIRule() *piiRule {
	return &piiRule{
		patterns: map[string]*regexp.Regexp{
			"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			"credit_card": regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
			"email":       regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			"api_key":     regexp.MustCompile(`\b(sk|pk|api|key)[-_][A-Za-z0-9]{16,}\b`),
		},
	}
}

func (r *piiRule) ID() string { return "pii" }

func (r *piiRule) check(text string) Result {
	var kinds []string
	for kind, p := range r.patterns {
		if p.MatchString(text) {
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) > 0 {
		// Email alone is common in normal conversation; warn only.
		severity := SeverityBlock
		if len(kinds) == 1 && kinds[0] == "email" {
			severity = SeverityWarn
		}
		return Result{
			RuleID:   r.ID(),
			Passed:   false,
			Message:  fmt.Sprintf("detected sensitive data: %s", strings.Join(kinds, ", ")),
			Severity: severity,
		}
	}
	return Result{RuleID: r.ID(), Passed: true, Severity: SeverityInfo}
}

func (r *piiRule) CheckInput(text string) Result  { return r.check(text) }
func (r *piiRule) CheckOutput(text string) Result { return r.check(text) }

// toolArgInjectionRule runs the prompt-injection patterns against the
// string values of tool arguments, catching instructions smuggled
// through tool inputs.
type toolArgInjectionRule struct {
	injection *promptInjectionRule
}

func newToolArgInjectionRule(injection *promptInjectionRule) *toolArgInjectionRule {
	return &toolArgInjectionRule{injection: injection}
}

func (r *toolArgInjectionRule) ID() string { return "tool_arg_injection" }

func (r *toolArgInjectionRule) CheckToolCall(name string, args json.RawMessage) Result {
	var parsed map[string]any
	if err := json.Unmarshal(args, &parsed); err != nil {
		// Malformed arguments are rejected later by validation.
		return Result{RuleID: r.ID(), Passed: true, Severity: SeverityInfo}
	}
	for _, v := range parsed {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if res := r.injection.CheckInput(s); !res.Passed {
			return Result{
				RuleID:   r.ID(),
				Passed:   false,
				Message:  fmt.Sprintf("suspicious content in arguments for tool %q", name),
				Severity: SeverityBlock,
			}
		}
	}
	return Result{RuleID: r.ID(), Passed: true, Severity: SeverityInfo}
}
