package models

import (
	"encoding/json"
	"time"
)

// EventType categorizes memory events.
type EventType string

const (
	EventUserMsg      EventType = "USER_MSG"
	EventAssistantMsg EventType = "ASSISTANT_MSG"
	EventToolCall     EventType = "TOOL_CALL"
	EventToolResult   EventType = "TOOL_RESULT"
	EventDecision     EventType = "DECISION"
	EventStateChange  EventType = "STATE_CHANGE"
)

// Entity is a typed value extracted from a message (file path, URL,
// person, date, ...).
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// MemoryEvent is one append-only entry in the event log. Events are
// immutable after write.
type MemoryEvent struct {
	// ID is a version-4 UUID.
	ID string `json:"id"`

	// Type is the event category.
	Type EventType `json:"type"`

	// SessionID groups events belonging to one interaction.
	SessionID string `json:"session_id"`

	// Timestamp is the append time.
	Timestamp time.Time `json:"timestamp"`

	// Intent is an optional short label for what the actor was doing.
	Intent string `json:"intent,omitempty"`

	// Entities are extracted {type,value} pairs.
	Entities []Entity `json:"entities,omitempty"`

	// Summary is a one-line description of the event.
	Summary string `json:"summary,omitempty"`

	// Payload is an opaque mapping carried with the event.
	Payload map[string]any `json:"payload,omitempty"`

	// ParentID links a TOOL_RESULT back to its TOOL_CALL.
	ParentID string `json:"parent_id,omitempty"`

	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskBlocked    TaskStatus = "blocked"
)

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// TaskStep is one ordered entry in a task plan.
type TaskStep struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TaskState is the persistent state of one task, updated under
// optimistic concurrency.
type TaskState struct {
	ID          string     `json:"id"`
	Goal        string     `json:"goal"`
	Status      TaskStatus `json:"status"`
	Constraints []string   `json:"constraints,omitempty"`
	Plan        []TaskStep `json:"plan,omitempty"`
	Done        []string   `json:"done,omitempty"`
	Blocked     []string   `json:"blocked,omitempty"`
	NextAction  string     `json:"next_action,omitempty"`

	// Version increases by exactly one on every successful update.
	Version int `json:"version"`

	SessionID string `json:"session_id,omitempty"`
	IsCurrent bool   `json:"is_current"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the task state.
func (t *TaskState) Clone() *TaskState {
	cp := *t
	cp.Constraints = append([]string(nil), t.Constraints...)
	cp.Plan = append([]TaskStep(nil), t.Plan...)
	cp.Done = append([]string(nil), t.Done...)
	cp.Blocked = append([]string(nil), t.Blocked...)
	return &cp
}

// TaskSnapshot preserves a serialized task state for rollback. At most
// ten snapshots exist per task; the oldest is evicted first.
type TaskSnapshot struct {
	TaskID    string    `json:"task_id"`
	Version   int       `json:"version"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// ProfileItem is one durable user-profile fact.
type ProfileItem struct {
	Key string `json:"key"`

	// Value is opaque JSON.
	Value json.RawMessage `json:"value"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`

	// Explicit marks facts the user stated directly.
	Explicit bool `json:"explicit"`

	SourceEventID string     `json:"source_event_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SemanticChunk is one indexed unit of retrievable text.
type SemanticChunk struct {
	ID            string            `json:"id"`
	Text          string            `json:"text"`
	Tags          []string          `json:"tags,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	SourceEventID string            `json:"source_event_id,omitempty"`
	SourceType    string            `json:"source_type,omitempty"`
	Embedding     []float32         `json:"-"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ChunkHit is one hybrid-search result.
type ChunkHit struct {
	Chunk SemanticChunk `json:"chunk"`

	// Score is the combined, normalized relevance score.
	Score float64 `json:"score"`

	// FTSScore and VectorScore are the per-side normalized scores.
	FTSScore    float64 `json:"fts_score"`
	VectorScore float64 `json:"vector_score"`
}

// TodoItem is a tracked follow-up extracted from conversation.
type TodoItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Summary condenses a span of events. The latest summary per session is
// authoritative.
type Summary struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	Short           string     `json:"short"`
	Bullets         []string   `json:"bullets,omitempty"`
	Decisions       []string   `json:"decisions,omitempty"`
	Todos           []TodoItem `json:"todos,omitempty"`
	CoveredEventIDs []string   `json:"covered_event_ids,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
