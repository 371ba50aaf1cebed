package memory

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/strandworks/strand/pkg/models"
)

// SummarizerConfig bounds the generated summary.
type SummarizerConfig struct {
	MaxBullets   int // default 10
	MaxDecisions int // default 5
	MaxTodos     int // default 10
}

// LLMSummarize optionally replaces the rule-based extraction with a
// model call. On error the rule-based result is used.
type LLMSummarize func(ctx context.Context, events []*models.MemoryEvent) (*models.Summary, error)

// Summarizer condenses a span of events into a Summary. The default
// extraction is rule-based; an LLM hook may override it.
type Summarizer struct {
	cfg SummarizerConfig
	llm LLMSummarize
}

// NewSummarizer creates a summarizer, applying defaults for zero limits.
func NewSummarizer(cfg SummarizerConfig, llm LLMSummarize) *Summarizer {
	if cfg.MaxBullets <= 0 {
		cfg.MaxBullets = 10
	}
	if cfg.MaxDecisions <= 0 {
		cfg.MaxDecisions = 5
	}
	if cfg.MaxTodos <= 0 {
		cfg.MaxTodos = 10
	}
	return &Summarizer{cfg: cfg, llm: llm}
}

var (
	significantToolPattern = regexp.MustCompile(`(?i)(read|write|create|delete|modify|search|find|query|api|fetch|request|execute|run|shell)`)
	conclusionPattern      = regexp.MustCompile(`(?i)(in summary|to summarize|in conclusion|the answer is|completed|finished|done with)`)
	todoPatterns           = []*regexp.Regexp{
		regexp.MustCompile(`(?i)please\s+(.{4,80})`),
		regexp.MustCompile(`(?i)todo:\s*(.{4,80})`),
		regexp.MustCompile(`(?i)remember to\s+(.{4,80})`),
	}
	bareConfirmations = map[string]bool{
		"ok": true, "okay": true, "yes": true, "no": true, "sure": true,
		"thanks": true, "thank you": true, "yep": true, "nope": true,
	}
)

// Summarize extracts a summary from events (oldest first). prev, when
// non-nil, contributes its incomplete todos, which are carried forward
// and checked for completion against the new events.
func (sz *Summarizer) Summarize(ctx context.Context, sessionID string, events []*models.MemoryEvent, prev *models.Summary) *models.Summary {
	if sz.llm != nil {
		if summary, err := sz.llm(ctx, events); err == nil && summary != nil {
			summary.SessionID = sessionID
			return summary
		}
	}

	var (
		bullets   []string
		decisions []string
		todos     []models.TodoItem
		covered   []string

		messages, toolCalls, decisionCount int
	)

	// Carry forward incomplete todos from the previous summary.
	if prev != nil {
		for _, todo := range prev.Todos {
			if !todo.Completed {
				todos = append(todos, todo)
			}
		}
	}

	for _, event := range events {
		covered = append(covered, event.ID)
		text := eventText(event)

		switch event.Type {
		case models.EventUserMsg:
			messages++
			if isSignificantUserMessage(text) {
				bullets = append(bullets, "User: "+truncateLine(text))
			}
			for _, pattern := range todoPatterns {
				if m := pattern.FindStringSubmatch(text); m != nil {
					todos = append(todos, models.TodoItem{Text: strings.TrimSpace(m[1])})
				}
			}

		case models.EventAssistantMsg:
			messages++
			if conclusionPattern.MatchString(text) {
				bullets = append(bullets, "Assistant: "+truncateLine(text))
			}

		case models.EventToolCall:
			toolCalls++
			name := eventToolName(event)
			if significantToolPattern.MatchString(name) {
				bullets = append(bullets, "Tool call: "+name)
			}

		case models.EventDecision:
			decisionCount++
			if text != "" {
				decisions = append(decisions, truncateLine(text))
				bullets = append(bullets, "Decision: "+truncateLine(text))
			}

		case models.EventStateChange:
			if text != "" {
				bullets = append(bullets, "State: "+truncateLine(text))
			}
		}
	}

	markCompletedTodos(todos, events)

	if len(bullets) > sz.cfg.MaxBullets {
		bullets = bullets[:sz.cfg.MaxBullets]
	}
	if len(decisions) > sz.cfg.MaxDecisions {
		decisions = decisions[:sz.cfg.MaxDecisions]
	}
	if len(todos) > sz.cfg.MaxTodos {
		todos = todos[:sz.cfg.MaxTodos]
	}

	pending := 0
	for _, todo := range todos {
		if !todo.Completed {
			pending++
		}
	}

	return &models.Summary{
		SessionID: sessionID,
		Short: fmt.Sprintf("%d messages, %d tool calls, %d decisions, %d pending todos",
			messages, toolCalls, decisionCount, pending),
		Bullets:         bullets,
		Decisions:       decisions,
		Todos:           todos,
		CoveredEventIDs: covered,
	}
}

// markCompletedTodos completes a todo when a later assistant message or
// tool result mentions any of its keywords (words longer than 3 chars).
func markCompletedTodos(todos []models.TodoItem, events []*models.MemoryEvent) {
	for i := range todos {
		if todos[i].Completed {
			continue
		}
		keywords := todoKeywords(todos[i].Text)
		if len(keywords) == 0 {
			continue
		}
		for _, event := range events {
			if event.Type != models.EventAssistantMsg && event.Type != models.EventToolResult {
				continue
			}
			text := strings.ToLower(eventText(event))
			for _, kw := range keywords {
				if strings.Contains(text, kw) {
					todos[i].Completed = true
					break
				}
			}
			if todos[i].Completed {
				break
			}
		}
	}
}

func todoKeywords(text string) []string {
	var keywords []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if len(word) > 3 {
			keywords = append(keywords, word)
		}
	}
	return keywords
}

func isSignificantUserMessage(text string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(text))
	return len(text) >= 20 && !bareConfirmations[trimmed]
}

// eventText extracts the human-readable text of an event.
func eventText(event *models.MemoryEvent) string {
	if event.Summary != "" {
		return event.Summary
	}
	for _, key := range []string{"content", "text", "result"} {
		if v, ok := event.Payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func eventToolName(event *models.MemoryEvent) string {
	for _, key := range []string{"tool", "name"} {
		if v, ok := event.Payload[key].(string); ok && v != "" {
			return v
		}
	}
	return event.Intent
}

func truncateLine(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > 120 {
		return text[:117] + "..."
	}
	return text
}
