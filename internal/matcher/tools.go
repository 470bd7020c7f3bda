package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/catalogmatch/internal/catalog"
	"github.com/nugget/catalogmatch/internal/llm"
)

// Tool names offered to the model.
const (
	ToolLookupCodes    = "lookup_codes"
	ToolWildcardSearch = "wildcard_search"
	ToolSemanticSearch = "semantic_search"
	ToolWebSearch      = "web_search"
	ToolEnterGroup     = "enter_group"
	ToolSearchInGroup  = "search_in_group"
	ToolSortInGroup    = "sort_in_group"
	ToolExitToGlobal   = "exit_to_global"
	ToolSwitchGroup    = "switch_group"
	ToolMatch          = "match"
	ToolAssignFallback = "assign_fallback"
)

const (
	// maxRowsShown bounds the rows rendered into one tool result.
	maxRowsShown = 30

	// Thresholds for assign_fallback.
	minFallbackAttempts = 3
	minFallbackKinds    = 2
)

// handlerFunc runs one tool. n is the 1-based goal the call is
// attributed to, or zero for tools that are not goal-specific.
type handlerFunc func(ctx context.Context, b *batch, n int, args map[string]any) (string, error)

// tool is a callable tool with its declaration.
type tool struct {
	decl    llm.ToolDeclaration
	perGoal bool
	handler handlerFunc
}

func goalParam() *llm.Schema {
	return llm.Integer("Number of the goal this call works on, from the goal list")
}

// registerTools builds the tool table. web_search is offered only when a
// web searcher is configured.
func (m *Matcher) registerTools() {
	add := func(t *tool) {
		m.tools[t.decl.Name] = t
		m.decls = append(m.decls, t.decl)
	}

	add(&tool{
		decl: llm.ToolDeclaration{
			Name:        ToolLookupCodes,
			Description: "Look up products by exact catalog code. Use when the request already contains codes or when checking candidate codes.",
			Parameters: llm.Object(map[string]*llm.Schema{
				"goal":  goalParam(),
				"codes": llm.Array(llm.String("Catalog code"), "Exact catalog codes"),
			}, "goal", "codes"),
		},
		perGoal: true,
		handler: m.handleLookupCodes,
	})
	add(&tool{
		decl: llm.ToolDeclaration{
			Name:        ToolWildcardSearch,
			Description: "Search the whole catalog by code, name and secondary name. '%' or '*' match any run of characters, e.g. %kupariputki%22%. A bare word matches anywhere in the text.",
			Parameters: llm.Object(map[string]*llm.Schema{
				"goal":    goalParam(),
				"pattern": llm.String("Wildcard pattern"),
			}, "goal", "pattern"),
		},
		perGoal: true,
		handler: m.handleWildcard,
	})
	add(&tool{
		decl: llm.ToolDeclaration{
			Name:        ToolSemanticSearch,
			Description: "Find products whose meaning is close to a description. Only available in GLOBAL mode.",
			Parameters: llm.Object(map[string]*llm.Schema{
				"goal": goalParam(),
				"text": llm.String("Free-text product description"),
				"k":    llm.Integer("Number of products to return (default 10, max 30)"),
			}, "goal", "text"),
		},
		perGoal: true,
		handler: m.handleSemantic,
	})
	if m.web != nil {
		add(&tool{
			decl: llm.ToolDeclaration{
				Name:        ToolWebSearch,
				Description: "Search the web, for example to decode a manufacturer part number or trade name before searching the catalog.",
				Parameters: llm.Object(map[string]*llm.Schema{
					"goal":  goalParam(),
					"query": llm.String("Web search query"),
				}, "goal", "query"),
			},
			perGoal: true,
			handler: m.handleWeb,
		})
	}
	add(&tool{
		decl: llm.ToolDeclaration{
			Name:        ToolEnterGroup,
			Description: "Enter a product group (and its subgroups) and list its best-selling products. Switches navigation to GROUP mode.",
			Parameters: llm.Object(map[string]*llm.Schema{
				"goal":  goalParam(),
				"group": llm.String("Group code, as shown in the group column of search results"),
			}, "goal", "group"),
		},
		perGoal: true,
		handler: m.handleEnterGroup,
	})
	add(&tool{
		decl: llm.ToolDeclaration{
			Name:        ToolSearchInGroup,
			Description: "Search inside the current group. Every word of text must appear in the product name. Only available in GROUP mode.",
			Parameters: llm.Object(map[string]*llm.Schema{
				"goal":  goalParam(),
				"text":  llm.String("Words that must all appear in the name"),
				"limit": llm.Integer("Maximum rows (default 50)"),
			}, "goal", "text"),
		},
		perGoal: true,
		handler: m.handleSearchInGroup,
	})
	add(&tool{
		decl: llm.ToolDeclaration{
			Name:        ToolSortInGroup,
			Description: "Re-sort the current group listing, keeping the last search_in_group text. Only available in GROUP mode.",
			Parameters: llm.Object(map[string]*llm.Schema{
				"goal": goalParam(),
				"sort": llm.Enum("Sort order", string(catalog.SortSales), string(catalog.SortStock), string(catalog.SortName), string(catalog.SortCode)),
			}, "goal", "sort"),
		},
		perGoal: true,
		handler: m.handleSortInGroup,
	})
	add(&tool{
		decl: llm.ToolDeclaration{
			Name:        ToolExitToGlobal,
			Description: "Leave the current group and return to GLOBAL mode.",
			Parameters:  llm.Object(nil),
		},
		handler: m.handleExitToGlobal,
	})
	add(&tool{
		decl: llm.ToolDeclaration{
			Name:        ToolSwitchGroup,
			Description: "Move from the current group directly to another group. Only available in GROUP mode.",
			Parameters: llm.Object(map[string]*llm.Schema{
				"goal":  goalParam(),
				"group": llm.String("Group code to switch to"),
			}, "goal", "group"),
		},
		perGoal: true,
		handler: m.handleSwitchGroup,
	})
	add(&tool{
		decl: llm.ToolDeclaration{
			Name:        ToolMatch,
			Description: "Record matches for one or more goals. Each code is checked against the catalog before the goal is closed.",
			Parameters: llm.Object(map[string]*llm.Schema{
				"matches": llm.Array(llm.Object(map[string]*llm.Schema{
					"goal":          goalParam(),
					"code":          llm.String("Catalog code of the chosen product"),
					"justification": llm.String("Why this product fits the request"),
					"confidence":    llm.Integer("Confidence 0-100"),
				}, "goal", "code", "confidence"), "Matches to record"),
			}, "matches"),
		},
		handler: m.handleMatch,
	})
	add(&tool{
		decl: llm.ToolDeclaration{
			Name: ToolAssignFallback,
			Description: fmt.Sprintf("Close a goal without a match, using the fallback code. Refused until the goal has at least %d searches using at least %d different kinds of search.",
				minFallbackAttempts, minFallbackKinds),
			Parameters: llm.Object(map[string]*llm.Schema{
				"goal":   goalParam(),
				"reason": llm.String("What was searched and why nothing fits"),
			}, "goal", "reason"),
		},
		perGoal: true,
		handler: m.handleAssignFallback,
	})
}

// toolNames returns the registered tool names, sorted.
func (m *Matcher) toolNames() []string {
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// dispatch executes one tool call and always returns a result for it.
func (m *Matcher) dispatch(ctx context.Context, b *batch, tc llm.ToolCall) llm.ToolResult {
	res := llm.ToolResult{CallID: tc.ID, Name: tc.Name}
	if b.stopped {
		res.Content = "The batch has been stopped; this call was not executed."
		res.IsError = true
		return res
	}
	b.toolCalls++

	ctx, span := tracer.Start(ctx, "matcher.tool", trace.WithAttributes(
		attribute.String("batch.id", b.id),
		attribute.String("tool.name", tc.Name),
		attribute.Int("batch.iteration", b.iteration),
	))
	defer span.End()

	fail := func(err error) llm.ToolResult {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.Content = "Error: " + err.Error()
		res.IsError = true
		return res
	}

	count, v := b.guard.observe(tc.Name, tc.Arguments)
	if v == verdictStop {
		b.forceStop(fmt.Sprintf("%s repeated %d times with identical arguments", tc.Name, count))
		return fail(fmt.Errorf("%s was called %d times in a row with identical arguments; the batch has been stopped", tc.Name, count))
	}

	t := m.tools[tc.Name]
	if t == nil {
		return fail(fmt.Errorf("unknown tool %q; available tools: %s", tc.Name, strings.Join(m.toolNames(), ", ")))
	}

	n := 0
	if t.perGoal {
		var err error
		if n, err = b.goalArg(tc.Arguments); err != nil {
			return fail(err)
		}
		g := b.goals[n-1]
		if g.status.Terminal() {
			return fail(fmt.Errorf("goal %d is already closed (%s)", n, g.status))
		}
		g.calls++
		span.SetAttributes(attribute.Int("goal", n))
	}
	b.emit(Event{Kind: EventToolCall, Goal: n, Tool: tc.Name, Message: canonicalArgs(tc.Arguments)})
	b.logger.Debug("tool call", "tool", tc.Name, "goal", n, "args", canonicalArgs(tc.Arguments))

	content, err := t.handler(ctx, b, n, tc.Arguments)
	if err != nil {
		res = fail(err)
	} else {
		res.Content = content
	}

	if v == verdictWarn {
		warning := fmt.Sprintf("Warning: this is call %d in a row to %s with identical arguments. Repeating it will not give new results; change the query or tool. The batch stops at %d identical calls.",
			count, tc.Name, stopAt)
		b.emit(Event{Kind: EventWarning, Goal: n, Tool: tc.Name, Message: warning})
		res.Content = warning + "\n\n" + res.Content
	}

	if n > 0 {
		if note := b.enforceCeiling(n); note != "" {
			res.Content += "\n\n" + note
		}
	}
	return res
}

// enforceCeiling closes goal n when it has used its call budget and
// returns a note for the model.
func (b *batch) enforceCeiling(n int) string {
	g := b.goals[n-1]
	if g.status.Terminal() || g.calls < b.cfg.CallsPerGoal {
		return ""
	}
	b.markNoMatch(n, fmt.Sprintf("closed after reaching the limit of %d tool calls", b.cfg.CallsPerGoal),
		fmt.Sprintf("call limit of %d reached; %s", b.cfg.CallsPerGoal, g.searchSummary()))
	return fmt.Sprintf("Goal %d reached its limit of %d tool calls and was closed without a match.", n, b.cfg.CallsPerGoal)
}

// goalArg resolves the "goal" argument, which may be a number, a
// numeric string or the goal's term.
func (b *batch) goalArg(args map[string]any) (int, error) {
	raw, ok := args["goal"]
	if !ok {
		return 0, errors.New("goal is required")
	}
	switch v := raw.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("goal must be a whole number, got %v", v)
		}
		return b.validGoal(int(v))
	case int:
		return b.validGoal(v)
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.Atoi(s); err == nil {
			return b.validGoal(n)
		}
		for i, g := range b.goals {
			if strings.EqualFold(g.goal.Term, s) {
				return i + 1, nil
			}
		}
		return 0, fmt.Errorf("goal %q does not match any goal; use the goal number", s)
	default:
		return 0, fmt.Errorf("goal must be a number, got %T", raw)
	}
}

func (b *batch) validGoal(n int) (int, error) {
	if _, err := b.goal(n); err != nil {
		return 0, err
	}
	return n, nil
}

func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// argStrings accepts a JSON array or a comma-separated string.
func argStrings(args map[string]any, key string) []string {
	var out []string
	switch v := args[key].(type) {
	case []any:
		for _, e := range v {
			switch s := e.(type) {
			case string:
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			case float64:
				out = append(out, strconv.FormatFloat(s, 'f', -1, 64))
			}
		}
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// formatRows renders catalog rows for the model.
func formatRows(rows []catalog.Row, nav Navigation) string {
	if len(rows) == 0 {
		return fmt.Sprintf("No products found (%s).", nav)
	}
	var sb strings.Builder
	shown := min(len(rows), maxRowsShown)
	fmt.Fprintf(&sb, "%d products (%s)", len(rows), nav)
	if shown < len(rows) {
		fmt.Fprintf(&sb, ", showing first %d", shown)
	}
	sb.WriteString(":\ncode | name | secondary name | group | stock | sales 12m | source\n")
	for _, r := range rows[:shown] {
		fmt.Fprintf(&sb, "%s | %s | %s | %s | %s | %s | %s",
			r.Code, r.Name, r.SecondaryName, r.Group,
			strconv.FormatFloat(r.Stock, 'f', -1, 64),
			strconv.FormatFloat(r.Sales12M, 'f', -1, 64),
			r.Provenance)
		if r.Similarity != 0 {
			fmt.Fprintf(&sb, " | similarity %.2f", r.Similarity)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}
