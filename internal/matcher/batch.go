package matcher

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/catalogmatch/internal/catalog"
	"github.com/nugget/catalogmatch/internal/llm"
)

// goalState tracks one goal through the batch.
type goalState struct {
	goal     Goal
	status   Status
	calls    int
	attempts []Attempt
	result   MatchResult
}

// kinds returns the number of distinct search kinds attempted.
func (g *goalState) kinds() int {
	seen := make(map[SearchKind]bool, len(g.attempts))
	for _, a := range g.attempts {
		seen[a.Kind] = true
	}
	return len(seen)
}

// searchSummary states what was tried for a goal that closes without a
// match, for the result's justification.
func (g *goalState) searchSummary() string {
	if len(g.attempts) == 0 {
		return "no catalog search was made for this goal"
	}
	var kinds []string
	seen := make(map[SearchKind]bool, len(g.attempts))
	for _, a := range g.attempts {
		if !seen[a.Kind] {
			seen[a.Kind] = true
			kinds = append(kinds, string(a.Kind))
		}
	}
	last := g.attempts[len(g.attempts)-1]
	return fmt.Sprintf("no confident match in %d searches (%s); last was %s %q with %d hits",
		len(g.attempts), strings.Join(kinds, ", "), last.Tool, last.Query, last.Hits)
}

// batch owns every piece of mutable state for one MatchBatch call.
type batch struct {
	id       string
	model    string
	cfg      Config
	goals    []*goalState
	nav      Navigation
	sort     catalog.SortKey
	lastText string
	guard    repetitionGuard
	usage    llm.Usage

	iteration  int
	toolCalls  int
	stopped    bool
	stopReason string

	observer Observer
	logger   *slog.Logger
	started  time.Time
}

func newBatch(id, model string, cfg Config, goals []Goal, observer Observer, logger *slog.Logger) *batch {
	b := &batch{
		id:       id,
		model:    model,
		cfg:      cfg,
		goals:    make([]*goalState, len(goals)),
		observer: observer,
		logger:   logger,
		started:  time.Now(),
	}
	for i, g := range goals {
		b.goals[i] = &goalState{goal: g, status: StatusPending}
	}
	return b
}

func (b *batch) emit(e Event) {
	if b.observer == nil {
		return
	}
	e.BatchID = b.id
	e.Iteration = b.iteration
	e.Time = time.Now()
	b.observer(e)
}

// pending returns the number of goals not yet terminal.
func (b *batch) pending() int {
	n := 0
	for _, g := range b.goals {
		if !g.status.Terminal() {
			n++
		}
	}
	return n
}

// goal returns the state for a 1-based goal number.
func (b *batch) goal(n int) (*goalState, error) {
	if n < 1 || n > len(b.goals) {
		return nil, fmt.Errorf("goal %d does not exist; goals are numbered 1 to %d", n, len(b.goals))
	}
	return b.goals[n-1], nil
}

func (b *batch) record(n int, a Attempt) {
	g := b.goals[n-1]
	a.Mode = b.nav.String()
	g.attempts = append(g.attempts, a)
}

func (b *batch) markMatched(n int, row catalog.Row, justification string, confidence int) {
	g := b.goals[n-1]
	g.status = StatusMatched
	g.result = MatchResult{
		Code:          row.Code,
		Name:          row.Name,
		Status:        StatusMatched,
		Explanation:   fmt.Sprintf("matched after %d search attempts", len(g.attempts)),
		Justification: justification,
		Confidence:    clamp(confidence, 0, 100),
	}
	b.logger.Info("goal matched", "goal", n, "term", g.goal.Term, "code", row.Code, "confidence", g.result.Confidence)
	b.emit(Event{Kind: EventMatched, Goal: n, Code: row.Code, Message: row.Name})
}

func (b *batch) markNoMatch(n int, explanation, justification string) {
	g := b.goals[n-1]
	if strings.TrimSpace(justification) == "" {
		justification = g.searchSummary()
	}
	g.status = StatusNoMatch
	g.result = MatchResult{
		Code:          b.cfg.FallbackCode,
		Status:        StatusNoMatch,
		Explanation:   explanation,
		Justification: justification,
	}
	b.logger.Info("goal closed without match", "goal", n, "term", g.goal.Term, "reason", explanation)
	b.emit(Event{Kind: EventNoMatch, Goal: n, Code: b.cfg.FallbackCode, Message: explanation})
}

// forceStop ends the batch. Pending goals close with the fallback code;
// matched goals keep their results.
func (b *batch) forceStop(reason string) {
	if b.stopped {
		return
	}
	b.stopped = true
	b.stopReason = reason
	b.logger.Warn("batch force-stopped", "reason", reason, "pending", b.pending())
	b.emit(Event{Kind: EventForcedStop, Message: reason})
	for i, g := range b.goals {
		if !g.status.Terminal() {
			b.markNoMatch(i+1, "batch stopped: "+reason, "batch stopped before a match was found: "+reason+"; "+g.searchSummary())
		}
	}
}

// summary renders the goal table sent in the system instruction on
// every turn.
func (b *batch) summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goals (%d pending of %d). Navigation: %s.\n", b.pending(), len(b.goals), b.nav)
	for i, g := range b.goals {
		fmt.Fprintf(&sb, "%d. %s", i+1, g.goal.Term)
		switch g.status {
		case StatusMatched:
			fmt.Fprintf(&sb, " -> MATCHED %s", g.result.Code)
		case StatusNoMatch:
			sb.WriteString(" -> CLOSED without match")
		default:
			fmt.Fprintf(&sb, " -> pending, %d searches over %d kinds, %d/%d calls used",
				len(g.attempts), g.kinds(), g.calls, b.cfg.CallsPerGoal)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (b *batch) outcome() *Outcome {
	o := &Outcome{
		BatchID:    b.id,
		Model:      b.model,
		Results:    make([]MatchResult, len(b.goals)),
		ForcedStop: b.stopped,
		StopReason: b.stopReason,
		Iterations: b.iteration,
		ToolCalls:  b.toolCalls,
		Usage:      b.usage,
		Started:    b.started,
		Finished:   time.Now(),
	}
	for i, g := range b.goals {
		r := g.result
		r.Term = g.goal.Term
		r.Quantity = g.goal.Quantity
		r.Unit = g.goal.Unit
		r.Attempts = g.attempts
		r.ToolCalls = g.calls
		o.Results[i] = r
	}
	return o
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
