package matcher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/catalogmatch/internal/catalog"
	"github.com/nugget/catalogmatch/internal/llm"
)

// Goal is one free-text product request to resolve to a catalog code.
type Goal struct {
	Term     string  `json:"term"`
	Quantity float64 `json:"quantity,omitempty"`
	Unit     string  `json:"unit,omitempty"`

	// Context is any surrounding text from the source document that may
	// help disambiguate the term.
	Context string `json:"context,omitempty"`
}

// UnmarshalJSON accepts either a goal object or a bare string term.
func (g *Goal) UnmarshalJSON(data []byte) error {
	var term string
	if err := json.Unmarshal(data, &term); err == nil {
		*g = Goal{Term: term}
		return nil
	}
	type plain Goal
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("goal must be a string or an object: %w", err)
	}
	*g = Goal(p)
	return nil
}

// Status is the lifecycle state of a goal. Matched and no-match are
// terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusMatched Status = "matched"
	StatusNoMatch Status = "no_match"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusMatched || s == StatusNoMatch
}

// SearchKind groups tools for the assign_fallback threshold. Every
// group-navigation tool shares one kind.
type SearchKind string

const (
	KindCodes    SearchKind = "codes"
	KindWildcard SearchKind = "wildcard"
	KindSemantic SearchKind = "semantic"
	KindWeb      SearchKind = "web"
	KindGroup    SearchKind = "group"
)

// Attempt records one search performed on behalf of a goal.
type Attempt struct {
	Kind  SearchKind `json:"kind"`
	Tool  string     `json:"tool"`
	Query string     `json:"query"`
	Mode  string     `json:"mode"`
	Hits  int        `json:"hits"`
}

// Navigation is the catalog scope the search tools operate on: the
// whole catalog, or one product group and its subgroups.
type Navigation struct {
	Group string
}

// Global reports whether no group is selected.
func (n Navigation) Global() bool { return n.Group == "" }

func (n Navigation) String() string {
	if n.Global() {
		return "GLOBAL"
	}
	return "GROUP(" + n.Group + ")"
}

// MatchResult is the resolution of one goal. Every input goal produces
// exactly one.
type MatchResult struct {
	Term     string  `json:"term"`
	Quantity float64 `json:"quantity,omitempty"`
	Unit     string  `json:"unit,omitempty"`
	Code     string  `json:"code"`
	Name     string  `json:"name,omitempty"`
	Status   Status  `json:"status"`

	// Explanation says how the goal was closed. Justification is the
	// model's own reasoning, flattened to plain text.
	Explanation   string `json:"explanation"`
	Justification string `json:"justification,omitempty"`
	Confidence    int    `json:"confidence"`

	Attempts  []Attempt `json:"attempts,omitempty"`
	ToolCalls int       `json:"tool_calls"`
}

// Outcome is the result of one batch.
type Outcome struct {
	BatchID    string        `json:"batch_id"`
	Model      string        `json:"model"`
	Results    []MatchResult `json:"results"`
	ForcedStop bool          `json:"forced_stop"`
	StopReason string        `json:"stop_reason,omitempty"`
	Iterations int           `json:"iterations"`
	ToolCalls  int           `json:"tool_calls"`
	Usage      llm.Usage     `json:"usage"`
	Started    time.Time     `json:"started"`
	Finished   time.Time     `json:"finished"`
}

// Matched returns the number of goals resolved to a real code.
func (o *Outcome) Matched() int {
	n := 0
	for _, r := range o.Results {
		if r.Status == StatusMatched {
			n++
		}
	}
	return n
}

// BatchRequest is the input to [Matcher.MatchBatch].
type BatchRequest struct {
	// ID identifies the batch in logs, events and usage records. A
	// UUIDv7 is assigned when empty.
	ID string `json:"id,omitempty"`

	// Model overrides the configured default model.
	Model string `json:"model,omitempty"`

	Goals []Goal   `json:"goals"`
	Hints []string `json:"hints,omitempty"`

	// Suggestions are prior successful search patterns. When nil they
	// are looked up from the matcher's suggestion source.
	Suggestions []catalog.Suggestion `json:"suggestions,omitempty"`

	Attachments []llm.Attachment `json:"attachments,omitempty"`
}

// EventKind identifies a progress event.
type EventKind string

const (
	EventIteration  EventKind = "iteration"
	EventToolCall   EventKind = "tool_call"
	EventMatched    EventKind = "matched"
	EventNoMatch    EventKind = "no_match"
	EventWarning    EventKind = "warning"
	EventForcedStop EventKind = "forced_stop"
	EventDone       EventKind = "done"
)

// Event reports batch progress. Goal is 1-based; zero means the event
// concerns the whole batch.
type Event struct {
	BatchID   string    `json:"batch_id"`
	Kind      EventKind `json:"kind"`
	Iteration int       `json:"iteration"`
	Goal      int       `json:"goal,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`

	// Outcome is set on the done event.
	Outcome *Outcome `json:"outcome,omitempty"`
}

// Observer receives events synchronously from the batch goroutine.
type Observer func(Event)
