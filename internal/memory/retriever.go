package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strandworks/strand/internal/tokenizer"
	"github.com/strandworks/strand/pkg/models"
)

// staleTaskAge marks a task state stale in bundle warnings.
const staleTaskAge = 24 * time.Hour

// recentEventWindow bounds the recent-events layer.
const recentEventWindow = 30 * time.Minute

// BundleBudget allocates tokens per bundle layer.
type BundleBudget struct {
	Profile int
	Task    int
	Events  int
	Chunks  int
	Summary int
}

// DefaultBudget is the standard allocation.
var DefaultBudget = BundleBudget{
	Profile: 500,
	Task:    800,
	Events:  1500,
	Chunks:  1500,
	Summary: 700,
}

func (b BundleBudget) total() int {
	return b.Profile + b.Task + b.Events + b.Chunks + b.Summary
}

// RetrieveOptions select what goes into a bundle.
type RetrieveOptions struct {
	SessionID string

	// Query enables the semantic layer when non-empty.
	Query string

	// Embedding, when provided alongside Query, enables the vector
	// side of the hybrid search.
	Embedding []float32

	// Budget; zero value means DefaultBudget.
	Budget BundleBudget

	// MaxRecentEvents caps the events layer. Default: 20.
	MaxRecentEvents int

	// MaxChunks caps the semantic layer. Default: 5.
	MaxChunks int
}

// MemoryBundle is the assembled context handed to the loop.
type MemoryBundle struct {
	Profile         []*models.ProfileItem `json:"profile,omitempty"`
	TaskState       *models.TaskState     `json:"task_state,omitempty"`
	RecentEvents    []*models.MemoryEvent `json:"recent_events,omitempty"`
	RetrievedChunks []models.ChunkHit     `json:"retrieved_chunks,omitempty"`
	Summary         *models.Summary       `json:"summary,omitempty"`
	Warnings        []string              `json:"warnings,omitempty"`
	TotalTokens     int                   `json:"total_tokens"`
	Timestamp       time.Time             `json:"timestamp"`
}

// Retriever assembles memory bundles by querying all layers in
// parallel and trimming each to its token budget.
type Retriever struct {
	store     *Store
	estimator tokenizer.Estimator
}

// NewRetriever creates a retriever. estimator may be nil, defaulting to
// the length heuristic.
func NewRetriever(store *Store, estimator tokenizer.Estimator) *Retriever {
	if estimator == nil {
		estimator = tokenizer.Heuristic{}
	}
	return &Retriever{store: store, estimator: estimator}
}

// Retrieve assembles a bundle for the session. Layer queries run in
// parallel; a missing layer (no current task, no summary yet) is not an
// error.
func (r *Retriever) Retrieve(ctx context.Context, opts RetrieveOptions) (*MemoryBundle, error) {
	if opts.Budget == (BundleBudget{}) {
		opts.Budget = DefaultBudget
	}
	if opts.MaxRecentEvents <= 0 {
		opts.MaxRecentEvents = 20
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = 5
	}

	bundle := &MemoryBundle{Timestamp: time.Now().UTC()}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		items, err := r.store.ListProfile(gctx)
		if err != nil {
			return fmt.Errorf("retrieve profile: %w", err)
		}
		bundle.Profile = items
		return nil
	})

	g.Go(func() error {
		task, err := r.store.GetCurrentTask(gctx, opts.SessionID)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("retrieve task: %w", err)
		}
		bundle.TaskState = task
		return nil
	})

	g.Go(func() error {
		events, err := r.store.QueryEvents(gctx, EventQuery{
			SessionID: opts.SessionID,
			Since:     time.Now().UTC().Add(-recentEventWindow),
			Limit:     opts.MaxRecentEvents,
		})
		if err != nil {
			return fmt.Errorf("retrieve events: %w", err)
		}
		bundle.RecentEvents = events
		return nil
	})

	g.Go(func() error {
		summary, err := r.store.LatestSummary(gctx, opts.SessionID)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("retrieve summary: %w", err)
		}
		bundle.Summary = summary
		return nil
	})

	if opts.Query != "" {
		g.Go(func() error {
			hits, err := r.store.Search(gctx, opts.Query, opts.Embedding, SearchOptions{
				SessionID: opts.SessionID,
				Limit:     opts.MaxChunks,
			})
			if err != nil {
				return fmt.Errorf("retrieve chunks: %w", err)
			}
			bundle.RetrievedChunks = hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.trim(bundle, opts.Budget)

	if bundle.TaskState != nil && time.Since(bundle.TaskState.UpdatedAt) > staleTaskAge {
		bundle.Warnings = append(bundle.Warnings, "stale")
	}
	if bundle.TotalTokens > opts.Budget.total() {
		bundle.Warnings = append(bundle.Warnings, "overflow")
	}
	return bundle, nil
}

// trim drops items that would push a layer past its budget, in priority
// order, and totals the estimates.
func (r *Retriever) trim(bundle *MemoryBundle, budget BundleBudget) {
	total := 0

	kept := bundle.Profile[:0]
	used := 0
	for _, item := range bundle.Profile {
		cost := r.estimator.Count(item.Key + string(item.Value))
		if used+cost > budget.Profile {
			break
		}
		used += cost
		kept = append(kept, item)
	}
	bundle.Profile = kept
	total += used

	if bundle.TaskState != nil {
		data, _ := json.Marshal(bundle.TaskState)
		cost := r.estimator.Count(string(data))
		if cost > budget.Task {
			bundle.TaskState = nil
		} else {
			total += cost
		}
	}

	keptEvents := bundle.RecentEvents[:0]
	used = 0
	for _, event := range bundle.RecentEvents {
		cost := r.estimator.Count(eventText(event)) + 8
		if used+cost > budget.Events {
			break
		}
		used += cost
		keptEvents = append(keptEvents, event)
	}
	bundle.RecentEvents = keptEvents
	total += used

	keptChunks := bundle.RetrievedChunks[:0]
	used = 0
	for _, hit := range bundle.RetrievedChunks {
		cost := r.estimator.Count(hit.Chunk.Text)
		if used+cost > budget.Chunks {
			break
		}
		used += cost
		keptChunks = append(keptChunks, hit)
	}
	bundle.RetrievedChunks = keptChunks
	total += used

	if bundle.Summary != nil {
		cost := r.estimator.Count(bundle.Summary.Short + strings.Join(bundle.Summary.Bullets, " "))
		if cost > budget.Summary {
			bundle.Summary = &models.Summary{
				ID:        bundle.Summary.ID,
				SessionID: bundle.Summary.SessionID,
				Short:     bundle.Summary.Short,
				CreatedAt: bundle.Summary.CreatedAt,
			}
			cost = r.estimator.Count(bundle.Summary.Short)
		}
		total += cost
	}

	bundle.TotalTokens = total
}

// Inject renders the bundle as a markdown section for the system
// prompt.
func Inject(bundle *MemoryBundle) string {
	var b strings.Builder
	b.WriteString("## Memory Context\n\n")

	if len(bundle.Profile) > 0 {
		b.WriteString("### User Profile\n")
		for _, item := range bundle.Profile {
			fmt.Fprintf(&b, "- %s: %s\n", item.Key, string(item.Value))
		}
		b.WriteString("\n")
	}

	if bundle.TaskState != nil {
		b.WriteString("### Current Task\n")
		fmt.Fprintf(&b, "- Goal: %s (status: %s, v%d)\n",
			bundle.TaskState.Goal, bundle.TaskState.Status, bundle.TaskState.Version)
		if bundle.TaskState.NextAction != "" {
			fmt.Fprintf(&b, "- Next action: %s\n", bundle.TaskState.NextAction)
		}
		for _, step := range bundle.TaskState.Plan {
			fmt.Fprintf(&b, "- [%s] %s\n", step.Status, step.Description)
		}
		b.WriteString("\n")
	}

	if bundle.Summary != nil {
		b.WriteString("### Session Summary\n")
		fmt.Fprintf(&b, "%s\n", bundle.Summary.Short)
		for _, bullet := range bundle.Summary.Bullets {
			fmt.Fprintf(&b, "- %s\n", bullet)
		}
		b.WriteString("\n")
	}

	if len(bundle.RecentEvents) > 0 {
		b.WriteString("### Recent Activity\n")
		for _, event := range bundle.RecentEvents {
			text := eventText(event)
			if text == "" {
				text = string(event.Type)
			}
			fmt.Fprintf(&b, "- [%s] %s\n", event.Type, truncateLine(text))
		}
		b.WriteString("\n")
	}

	if len(bundle.RetrievedChunks) > 0 {
		b.WriteString("### Relevant Knowledge\n")
		for _, hit := range bundle.RetrievedChunks {
			fmt.Fprintf(&b, "- %s\n", truncateLine(hit.Chunk.Text))
		}
		b.WriteString("\n")
	}

	if len(bundle.Warnings) > 0 {
		fmt.Fprintf(&b, "_Warnings: %s_\n", strings.Join(bundle.Warnings, ", "))
	}

	return b.String()
}
