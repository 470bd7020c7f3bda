package matcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/nugget/catalogmatch/internal/catalog"
	"github.com/nugget/catalogmatch/internal/search"
)

func (m *Matcher) handleLookupCodes(ctx context.Context, b *batch, n int, args map[string]any) (string, error) {
	codes := argStrings(args, "codes")
	if len(codes) == 0 {
		return "", errors.New("codes is required")
	}
	rows, err := m.catalog.SearchByCodes(ctx, codes)
	if err != nil {
		return "", fmt.Errorf("lookup codes: %w", err)
	}
	b.record(n, Attempt{Kind: KindCodes, Tool: ToolLookupCodes, Query: strings.Join(codes, ","), Hits: len(rows)})
	return formatRows(rows, b.nav), nil
}

func (m *Matcher) handleWildcard(ctx context.Context, b *batch, n int, args map[string]any) (string, error) {
	pattern := argString(args, "pattern")
	if pattern == "" {
		return "", errors.New("pattern is required")
	}
	rows, err := m.catalog.WildcardSearch(ctx, pattern)
	if err != nil {
		return "", fmt.Errorf("wildcard search: %w", err)
	}
	b.record(n, Attempt{Kind: KindWildcard, Tool: ToolWildcardSearch, Query: pattern, Hits: len(rows)})
	return formatRows(rows, Navigation{}), nil
}

func (m *Matcher) handleSemantic(ctx context.Context, b *batch, n int, args map[string]any) (string, error) {
	if !b.nav.Global() {
		return "", fmt.Errorf("semantic_search is only available in GLOBAL mode; you are in %s, call %s first", b.nav, ToolExitToGlobal)
	}
	text := argString(args, "text")
	if text == "" {
		return "", errors.New("text is required")
	}
	k := clamp(argInt(args, "k", 10), 1, maxRowsShown)
	rows, err := m.catalog.SemanticSearch(ctx, text, k)
	if errors.Is(err, catalog.ErrSemanticUnavailable) {
		return "", fmt.Errorf("semantic search is not available for this catalog; use %s or group navigation", ToolWildcardSearch)
	}
	if err != nil {
		return "", fmt.Errorf("semantic search: %w", err)
	}
	b.record(n, Attempt{Kind: KindSemantic, Tool: ToolSemanticSearch, Query: text, Hits: len(rows)})
	return formatRows(rows, b.nav), nil
}

func (m *Matcher) handleWeb(ctx context.Context, b *batch, n int, args map[string]any) (string, error) {
	query := argString(args, "query")
	if query == "" {
		return "", errors.New("query is required")
	}
	results, err := m.web.Search(ctx, query, search.Options{Count: 5})
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	b.record(n, Attempt{Kind: KindWeb, Tool: ToolWebSearch, Query: query, Hits: len(results)})
	return search.FormatResults(results), nil
}

func (m *Matcher) handleEnterGroup(ctx context.Context, b *batch, n int, args map[string]any) (string, error) {
	return m.enterGroup(ctx, b, n, ToolEnterGroup, argString(args, "group"))
}

func (m *Matcher) handleSwitchGroup(ctx context.Context, b *batch, n int, args map[string]any) (string, error) {
	if b.nav.Global() {
		return "", fmt.Errorf("%s only works inside a group; use %s", ToolSwitchGroup, ToolEnterGroup)
	}
	return m.enterGroup(ctx, b, n, ToolSwitchGroup, argString(args, "group"))
}

// enterGroup lists a group and moves navigation into it. An empty group
// leaves navigation unchanged.
func (m *Matcher) enterGroup(ctx context.Context, b *batch, n int, name, code string) (string, error) {
	if code == "" {
		return "", errors.New("group is required")
	}
	rows, err := m.catalog.EnterGroup(ctx, code)
	if err != nil {
		return "", fmt.Errorf("enter group %s: %w", code, err)
	}
	b.record(n, Attempt{Kind: KindGroup, Tool: name, Query: code, Hits: len(rows)})
	if len(rows) == 0 {
		return fmt.Sprintf("Group %s has no products; navigation stays %s.", code, b.nav), nil
	}
	b.nav = Navigation{Group: code}
	b.sort = ""
	b.lastText = ""
	return formatRows(rows, b.nav), nil
}

func (m *Matcher) handleSearchInGroup(ctx context.Context, b *batch, n int, args map[string]any) (string, error) {
	if b.nav.Global() {
		return "", fmt.Errorf("%s only works inside a group; use %s first", ToolSearchInGroup, ToolEnterGroup)
	}
	text := argString(args, "text")
	rows, err := m.catalog.SearchInGroup(ctx, b.nav.Group, catalog.Filters{
		Text:  text,
		Sort:  b.sort,
		Limit: argInt(args, "limit", 0),
	})
	if err != nil {
		return "", fmt.Errorf("search in group: %w", err)
	}
	b.lastText = text
	b.record(n, Attempt{Kind: KindGroup, Tool: ToolSearchInGroup, Query: text, Hits: len(rows)})
	return formatRows(rows, b.nav), nil
}

func (m *Matcher) handleSortInGroup(ctx context.Context, b *batch, n int, args map[string]any) (string, error) {
	if b.nav.Global() {
		return "", fmt.Errorf("%s only works inside a group; use %s first", ToolSortInGroup, ToolEnterGroup)
	}
	key := catalog.SortKey(strings.ToLower(argString(args, "sort")))
	if key == "" || !key.Valid() {
		return "", fmt.Errorf("sort must be one of %s, %s, %s or %s", catalog.SortSales, catalog.SortStock, catalog.SortName, catalog.SortCode)
	}
	rows, err := m.catalog.SearchInGroup(ctx, b.nav.Group, catalog.Filters{Text: b.lastText, Sort: key})
	if err != nil {
		return "", fmt.Errorf("sort in group: %w", err)
	}
	b.sort = key
	b.record(n, Attempt{Kind: KindGroup, Tool: ToolSortInGroup, Query: strings.TrimSpace(b.lastText + " by " + string(key)), Hits: len(rows)})
	return formatRows(rows, b.nav), nil
}

func (m *Matcher) handleExitToGlobal(_ context.Context, b *batch, _ int, _ map[string]any) (string, error) {
	if b.nav.Global() {
		return "Already in GLOBAL mode.", nil
	}
	prev := b.nav
	b.nav = Navigation{}
	b.sort = ""
	b.lastText = ""
	return fmt.Sprintf("Left %s; navigation is now GLOBAL.", prev), nil
}

// matchItem is one entry of a match call.
type matchItem struct {
	goal          int
	code          string
	justification string
	confidence    int
}

// matchItems reads the "matches" array. A call that carries goal and
// code at the top level is treated as a single item.
func (b *batch) matchItems(args map[string]any) ([]matchItem, []string) {
	var raw []map[string]any
	switch v := args["matches"].(type) {
	case []any:
		for _, e := range v {
			if obj, ok := e.(map[string]any); ok {
				raw = append(raw, obj)
			}
		}
	case map[string]any:
		raw = append(raw, v)
	}
	if len(raw) == 0 {
		if _, ok := args["goal"]; ok {
			raw = append(raw, args)
		}
	}

	var (
		items    []matchItem
		problems []string
	)
	for i, obj := range raw {
		n, err := b.goalArg(obj)
		if err != nil {
			problems = append(problems, fmt.Sprintf("match %d rejected: %v", i+1, err))
			continue
		}
		code := argString(obj, "code")
		if code == "" {
			problems = append(problems, fmt.Sprintf("goal %d rejected: code is required", n))
			continue
		}
		items = append(items, matchItem{
			goal:          n,
			code:          code,
			justification: argString(obj, "justification"),
			confidence:    argInt(obj, "confidence", 0),
		})
	}
	return items, problems
}

func (m *Matcher) handleMatch(ctx context.Context, b *batch, _ int, args map[string]any) (string, error) {
	items, lines := b.matchItems(args)
	if len(items) == 0 && len(lines) == 0 {
		return "", errors.New("matches is required: an array of {goal, code, justification, confidence}")
	}

	codes := make([]string, 0, len(items))
	for _, it := range items {
		codes = append(codes, it.code)
	}
	found := map[string]catalog.Row{}
	if len(codes) > 0 {
		rows, err := m.catalog.SearchByCodes(ctx, codes)
		if err != nil {
			return "", fmt.Errorf("verify codes: %w", err)
		}
		for _, r := range rows {
			found[r.Code] = r
		}
	}

	for _, it := range items {
		g := b.goals[it.goal-1]
		if g.status.Terminal() {
			lines = append(lines, fmt.Sprintf("goal %d rejected: already closed (%s)", it.goal, g.status))
			continue
		}
		g.calls++
		switch row, ok := found[it.code]; {
		case it.code == b.cfg.FallbackCode:
			lines = append(lines, fmt.Sprintf("goal %d rejected: %s is the fallback code; use %s to close a goal without a match", it.goal, it.code, ToolAssignFallback))
		case !ok:
			lines = append(lines, fmt.Sprintf("goal %d rejected: code %s does not exist in the catalog", it.goal, it.code))
		default:
			b.markMatched(it.goal, row, plainText(it.justification), it.confidence)
			lines = append(lines, fmt.Sprintf("goal %d matched: %s %s", it.goal, row.Code, row.Name))
		}
		if note := b.enforceCeiling(it.goal); note != "" {
			lines = append(lines, note)
		}
	}
	lines = append(lines, fmt.Sprintf("%d goals still pending.", b.pending()))
	return strings.Join(lines, "\n"), nil
}

func (m *Matcher) handleAssignFallback(_ context.Context, b *batch, n int, args map[string]any) (string, error) {
	g := b.goals[n-1]
	attempts, kinds := len(g.attempts), g.kinds()
	if attempts < minFallbackAttempts || kinds < minFallbackKinds {
		return "", fmt.Errorf("refused: goal %d has %d searches over %d kinds of search; at least %d searches over %d different kinds are required before giving up. Try another kind of search",
			n, attempts, kinds, minFallbackAttempts, minFallbackKinds)
	}
	b.markNoMatch(n,
		fmt.Sprintf("no confident match after %d searches over %d kinds", attempts, kinds),
		plainText(argString(args, "reason")))
	return fmt.Sprintf("Goal %d closed with fallback code %s. %d goals still pending.", n, b.cfg.FallbackCode, b.pending()), nil
}

// plainText flattens model-written markdown into a single line of text.
func plainText(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return search.CleanText(md)
	}
	return search.CleanText(buf.String())
}
