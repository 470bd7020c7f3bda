package matcher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nugget/catalogmatch/internal/catalog"
)

const systemPrompt = `You match free-text product requests to codes in a product catalog.

You work through a numbered list of goals. For each goal, search the catalog with the tools until you find the product that fits, then record it with match. Work on several goals per turn when you can; every tool call must name the goal it works on.

Rules:
- Only codes that appear in search results exist. match checks every code against the catalog and rejects unknown ones.
- Rows marked "confirmed" come from earlier accepted matches and are usually right.
- semantic_search only works in GLOBAL mode. Inside a group use search_in_group and sort_in_group, or exit_to_global.
- Compare dimensions, sizes and pressure classes exactly. Prefer products with stock and sales when several fit equally.
- If nothing fits after at least %d searches with at least %d different kinds of search, call assign_fallback with the reason. Fallback code: %s.
- Do not repeat an identical call; change the pattern or the tool instead.
- Each goal has a budget of %d tool calls.
- Reply with tool calls only until every goal is matched or closed.`

// system renders the system instruction: fixed rules followed by the
// live goal summary.
func (b *batch) system() string {
	rules := fmt.Sprintf(systemPrompt, minFallbackAttempts, minFallbackKinds, b.cfg.FallbackCode, b.cfg.CallsPerGoal)
	return rules + "\n\n" + b.summary()
}

// seedMessage renders the first user message: the goals with their
// details, the caller's hints and historical search patterns.
func seedMessage(goals []Goal, hints []string, suggestions []catalog.Suggestion) string {
	var sb strings.Builder
	sb.WriteString("Match these requested products to catalog codes:\n")
	for i, g := range goals {
		fmt.Fprintf(&sb, "%d. %s", i+1, g.Term)
		if g.Quantity != 0 {
			fmt.Fprintf(&sb, " (quantity %s", strconv.FormatFloat(g.Quantity, 'f', -1, 64))
			if g.Unit != "" {
				sb.WriteString(" " + g.Unit)
			}
			sb.WriteString(")")
		}
		if g.Context != "" {
			fmt.Fprintf(&sb, "\n   context: %s", g.Context)
		}
		sb.WriteByte('\n')
	}

	if len(hints) > 0 {
		sb.WriteString("\nNotes from the requester:\n")
		for _, h := range hints {
			if h = strings.TrimSpace(h); h != "" {
				sb.WriteString("- " + h + "\n")
			}
		}
	}

	if len(suggestions) > 0 {
		sb.WriteString("\nSearch patterns that worked for similar requests before:\n")
		for _, s := range suggestions {
			fmt.Fprintf(&sb, "- %q: %s", s.Fragment, s.Pattern)
			if s.Hits > 1 {
				fmt.Fprintf(&sb, " (used %d times)", s.Hits)
			}
			sb.WriteByte('\n')
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// nudge asks a model that answered without tool calls to continue.
func (b *batch) nudge() string {
	var pending []string
	for i, g := range b.goals {
		if !g.status.Terminal() {
			pending = append(pending, strconv.Itoa(i+1))
		}
	}
	return fmt.Sprintf("Goals %s are still open. Continue with tool calls: search, then call %s or %s for each of them.",
		strings.Join(pending, ", "), ToolMatch, ToolAssignFallback)
}
