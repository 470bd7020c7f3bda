// Package matcher resolves a batch of free-text product requests to
// catalog codes by running one tool-using conversation with a language
// model. Each call to [Matcher.MatchBatch] owns its history, navigation
// state and per-goal trackers; nothing is shared between batches.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/catalogmatch/internal/catalog"
	"github.com/nugget/catalogmatch/internal/contextwin"
	"github.com/nugget/catalogmatch/internal/llm"
	"github.com/nugget/catalogmatch/internal/search"
	"github.com/nugget/catalogmatch/internal/usage"
)

var tracer = otel.Tracer("github.com/nugget/catalogmatch/internal/matcher")

// ErrNoGoals is returned for a batch without goals.
var ErrNoGoals = errors.New("batch has no goals")

// Caller issues one logical backend call. The retry controller is the
// production implementation.
type Caller interface {
	Execute(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// WebSearcher backs the web_search tool.
type WebSearcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// SuggestionSource supplies historical search patterns for a batch.
type SuggestionSource interface {
	Suggestions(ctx context.Context, terms []string) ([]catalog.Suggestion, error)
}

// Config holds the matcher's tunables.
type Config struct {
	Model             string
	IterationsPerGoal int
	CallsPerGoal      int
	ContextTokens     int
	FallbackCode      string
	Temperature       *float64
	MaxOutputTokens   int
	Thinking          bool
	CallTimeout       time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		IterationsPerGoal: 7,
		CallsPerGoal:      20,
		ContextTokens:     120000,
		FallbackCode:      "999999",
		MaxOutputTokens:   8192,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IterationsPerGoal <= 0 {
		c.IterationsPerGoal = d.IterationsPerGoal
	}
	if c.CallsPerGoal <= 0 {
		c.CallsPerGoal = d.CallsPerGoal
	}
	if c.ContextTokens <= 0 {
		c.ContextTokens = d.ContextTokens
	}
	if c.FallbackCode == "" {
		c.FallbackCode = d.FallbackCode
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = d.MaxOutputTokens
	}
	return c
}

// Matcher runs batches. It is safe for concurrent use; every batch gets
// its own state.
type Matcher struct {
	caller      Caller
	catalog     catalog.Service
	web         WebSearcher
	suggestions SuggestionSource
	window      *contextwin.Manager
	cfg         Config
	logger      *slog.Logger

	tools map[string]*tool
	decls []llm.ToolDeclaration
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithWebSearch enables the web_search tool.
func WithWebSearch(w WebSearcher) Option {
	return func(m *Matcher) { m.web = w }
}

// WithSuggestions sets the source consulted when a batch request
// carries no suggestions of its own.
func WithSuggestions(s SuggestionSource) Option {
	return func(m *Matcher) { m.suggestions = s }
}

// New creates a Matcher.
func New(caller Caller, cat catalog.Service, cfg Config, logger *slog.Logger, opts ...Option) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	logger = logger.With("component", "matcher")
	m := &Matcher{
		caller:  caller,
		catalog: cat,
		cfg:     cfg,
		logger:  logger,
		window:  contextwin.NewManager(cfg.ContextTokens, logger),
		tools:   make(map[string]*tool),
	}
	for _, o := range opts {
		o(m)
	}
	m.registerTools()
	return m
}

// Tools returns the declarations offered to the model on every turn.
func (m *Matcher) Tools() []llm.ToolDeclaration {
	return m.decls
}

// MatchBatch resolves every goal in req. The returned outcome carries
// exactly one result per goal, in input order, even when the backend
// fails: unresolved goals get the fallback code. An error is returned
// only for an invalid request.
func (m *Matcher) MatchBatch(ctx context.Context, req BatchRequest, observer Observer) (*Outcome, error) {
	if len(req.Goals) == 0 {
		return nil, ErrNoGoals
	}
	id := req.ID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate batch ID: %w", err)
		}
		id = u.String()
	}
	model := req.Model
	if model == "" {
		model = m.cfg.Model
	}

	logger := m.logger.With("batch_id", id)
	b := newBatch(id, model, m.cfg, req.Goals, observer, logger)

	ctx = usage.WithBatch(ctx, id)
	ctx, span := tracer.Start(ctx, "matcher.batch", trace.WithAttributes(
		attribute.String("batch.id", id),
		attribute.String("llm.model", model),
		attribute.Int("batch.goals", len(req.Goals)),
	))
	defer span.End()

	suggestions := req.Suggestions
	if suggestions == nil && m.suggestions != nil {
		terms := make([]string, len(req.Goals))
		for i, g := range req.Goals {
			terms[i] = g.Term
		}
		var err error
		if suggestions, err = m.suggestions.Suggestions(ctx, terms); err != nil {
			logger.Warn("historical suggestions unavailable", "error", err)
		}
	}

	logger.Info("batch started", "goals", len(req.Goals), "model", model, "suggestions", len(suggestions))

	m.run(ctx, b, req, suggestions)

	out := b.outcome()
	span.SetAttributes(
		attribute.Int("batch.matched", out.Matched()),
		attribute.Int("batch.iterations", out.Iterations),
		attribute.Bool("batch.forced_stop", out.ForcedStop),
	)
	logger.Info("batch finished",
		"matched", out.Matched(),
		"goals", len(out.Results),
		"iterations", out.Iterations,
		"tool_calls", out.ToolCalls,
		"forced_stop", out.ForcedStop,
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"elapsed", out.Finished.Sub(out.Started).Round(time.Millisecond),
	)
	b.emit(Event{Kind: EventDone, Message: fmt.Sprintf("%d of %d matched", out.Matched(), len(out.Results)), Outcome: out})
	return out, nil
}

// run drives the conversation until every goal is terminal, the batch
// is stopped, or the iteration budget is spent.
func (m *Matcher) run(ctx context.Context, b *batch, req BatchRequest, suggestions []catalog.Suggestion) {
	maxIterations := m.cfg.IterationsPerGoal * len(b.goals)
	history := []llm.Message{llm.NewUserMessage(seedMessage(req.Goals, req.Hints, suggestions))}

	for b.iteration < maxIterations && !b.stopped {
		if b.pending() == 0 {
			return
		}
		b.iteration++
		b.emit(Event{Kind: EventIteration, Message: fmt.Sprintf("%d goals pending", b.pending())})

		history = m.window.Fit(history)
		resp, err := m.caller.Execute(ctx, &llm.Request{
			Model:           b.model,
			System:          b.system(),
			Messages:        history,
			Temperature:     m.cfg.Temperature,
			MaxOutputTokens: m.cfg.MaxOutputTokens,
			Tools:           m.decls,
			Attachments:     req.Attachments,
			Thinking:        m.cfg.Thinking,
			Timeout:         m.cfg.CallTimeout,
		})
		if err != nil {
			b.logger.Error("backend call failed", "iteration", b.iteration, "error", err)
			b.forceStop("backend failure: " + err.Error())
			return
		}
		b.usage.Add(resp.Usage)
		history = append(history, resp.Message())

		if len(resp.ToolCalls) == 0 {
			b.logger.Debug("turn without tool calls", "iteration", b.iteration, "text", resp.Text)
			if b.pending() > 0 {
				history = append(history, llm.NewUserMessage(b.nudge()))
			}
			continue
		}

		// Every call of the turn is answered, in order, before the next
		// request.
		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			results = append(results, m.dispatch(ctx, b, tc))
		}
		history = append(history, llm.NewToolResultMessage(results...))
	}

	if b.pending() > 0 {
		b.forceStop(fmt.Sprintf("iteration budget of %d exhausted", maxIterations))
	}
}
