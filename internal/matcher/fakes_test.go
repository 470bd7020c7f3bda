package matcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/nugget/catalogmatch/internal/catalog"
	"github.com/nugget/catalogmatch/internal/llm"
	"github.com/nugget/catalogmatch/internal/search"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fixtureRows = []catalog.Row{
	{Code: "100234", Name: "Kupariputki 22mm 5m", SecondaryName: "Copper pipe 22mm", Group: "1201", Stock: 40, Sales12M: 900},
	{Code: "100235", Name: "Kupariputki 15mm 5m", SecondaryName: "Copper pipe 15mm", Group: "1201", Stock: 120, Sales12M: 1500},
	{Code: "100400", Name: "Kupariputki 22mm 3m", Group: "1201", Stock: 5, Sales12M: 30},
	{Code: "200100", Name: "Palloventtiili DN25", Group: "1305", Stock: 18, Sales12M: 210},
	{Code: "200101", Name: "Palloventtiili DN20", Group: "1305", Stock: 60, Sales12M: 340},
}

// fakeCatalog is an in-memory catalog.Service.
type fakeCatalog struct {
	rows     []catalog.Row
	semantic []catalog.Row
	noVector bool
	err      error
}

func newFakeCatalog() *fakeCatalog {
	rows := make([]catalog.Row, len(fixtureRows))
	for i, r := range fixtureRows {
		r.Provenance = catalog.ProvenanceCatalog
		rows[i] = r
	}
	return &fakeCatalog{rows: rows}
}

func (f *fakeCatalog) SearchByCodes(_ context.Context, codes []string) ([]catalog.Row, error) {
	if f.err != nil {
		return nil, f.err
	}
	want := map[string]bool{}
	for _, c := range codes {
		want[c] = true
	}
	var out []catalog.Row
	for _, r := range f.rows {
		if want[r.Code] {
			out = append(out, r)
		}
	}
	return out, nil
}

// like matches the '%'-separated fragments of pattern in order.
func like(pattern, s string) bool {
	s = strings.ToLower(s)
	pattern = strings.NewReplacer(`\_`, "_", `\\`, `\`).Replace(pattern)
	for _, frag := range strings.Split(strings.ToLower(pattern), "%") {
		i := strings.Index(s, frag)
		if i < 0 {
			return false
		}
		s = s[i+len(frag):]
	}
	return true
}

func (f *fakeCatalog) WildcardSearch(_ context.Context, pattern string) ([]catalog.Row, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := catalog.NormalizePattern(pattern)
	var out []catalog.Row
	for _, r := range f.rows {
		if like(p, r.Name) || like(p, r.SecondaryName) || like(p, r.Code) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sales12M > out[j].Sales12M })
	return out, nil
}

func (f *fakeCatalog) SemanticSearch(_ context.Context, _ string, k int) ([]catalog.Row, error) {
	if f.noVector {
		return nil, catalog.ErrSemanticUnavailable
	}
	return f.semantic[:min(k, len(f.semantic))], nil
}

func (f *fakeCatalog) EnterGroup(ctx context.Context, code string) ([]catalog.Row, error) {
	return f.SearchInGroup(ctx, code, catalog.Filters{})
}

func (f *fakeCatalog) SearchInGroup(_ context.Context, code string, flt catalog.Filters) ([]catalog.Row, error) {
	var out []catalog.Row
	for _, r := range f.rows {
		if !strings.HasPrefix(r.Group, code) {
			continue
		}
		ok := true
		for _, frag := range strings.Fields(flt.Text) {
			if !strings.Contains(strings.ToLower(r.Name), strings.ToLower(frag)) {
				ok = false
			}
		}
		if ok {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		switch flt.Sort {
		case catalog.SortStock:
			return out[i].Stock > out[j].Stock
		case catalog.SortCode:
			return out[i].Code < out[j].Code
		default:
			return out[i].Sales12M > out[j].Sales12M
		}
	})
	return out, nil
}

type fakeWeb struct {
	queries []string
}

func (w *fakeWeb) Search(_ context.Context, query string, _ search.Options) ([]search.Result, error) {
	w.queries = append(w.queries, query)
	return []search.Result{{Title: "Ball valve DN25 datasheet", URL: "https://example.com/dn25"}}, nil
}

// turn produces one backend response.
type turn func(req *llm.Request) (*llm.Response, error)

// scriptedCaller replays turns in order and records every request. Once
// the script runs out it answers with plain text.
type scriptedCaller struct {
	turns []turn
	reqs  []*llm.Request
}

func (c *scriptedCaller) Execute(_ context.Context, req *llm.Request) (*llm.Response, error) {
	c.reqs = append(c.reqs, req)
	i := len(c.reqs) - 1
	if i >= len(c.turns) {
		return &llm.Response{Text: "All done.", StopReason: llm.StopEndTurn}, nil
	}
	return c.turns[i](req)
}

// lastResults returns the tool results answering the previous turn, as
// seen by request i.
func (c *scriptedCaller) lastResults(i int) []llm.ToolResult {
	msgs := c.reqs[i].Messages
	return msgs[len(msgs)-1].ToolResults()
}

var callSeq int

func call(name string, args map[string]any) llm.ToolCall {
	callSeq++
	return llm.ToolCall{ID: fmt.Sprintf("call_%d", callSeq), Name: name, Arguments: args}
}

func calls(tcs ...llm.ToolCall) turn {
	return func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{
			Model:      "test-model",
			ToolCalls:  tcs,
			StopReason: llm.StopToolUse,
			Usage:      llm.Usage{InputTokens: 100, OutputTokens: 20},
		}, nil
	}
}

func text(s string) turn {
	return func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: s, StopReason: llm.StopEndTurn}, nil
	}
}

func fails(err error) turn {
	return func(*llm.Request) (*llm.Response, error) {
		return nil, err
	}
}

// repeat returns n copies of t.
func repeat(n int, t turn) []turn {
	out := make([]turn, n)
	for i := range out {
		out[i] = t
	}
	return out
}
