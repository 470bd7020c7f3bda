package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

// mockProvider is a simple test provider.
type mockProvider struct {
	name    string
	results []Result
	err     error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Search(_ context.Context, _ string, _ Options) ([]Result, error) {
	return m.results, m.err
}

func TestManagerSearch(t *testing.T) {
	mgr := NewManager("mock", nil)
	mgr.Register(&mockProvider{
		name: "mock",
		results: []Result{
			{Title: "Test", URL: "https://example.com", Snippet: "A test result"},
		},
	})

	results, err := mgr.Search(context.Background(), "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Title != "Test" {
		t.Errorf("expected title 'Test', got %q", results[0].Title)
	}
}

func TestManagerSearchWith(t *testing.T) {
	mgr := NewManager("primary", nil)
	mgr.Register(&mockProvider{name: "primary", results: []Result{{Title: "Primary", URL: "https://p"}}})
	mgr.Register(&mockProvider{name: "secondary", results: []Result{{Title: "Secondary", URL: "https://s"}}})

	results, err := mgr.SearchWith(context.Background(), "secondary", "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Title != "Secondary" {
		t.Errorf("expected 'Secondary', got %q", results[0].Title)
	}
}

func TestManagerUnconfigured(t *testing.T) {
	mgr := NewManager("missing", nil)
	_, err := mgr.Search(context.Background(), "test", Options{})
	if err == nil {
		t.Fatal("expected error for missing provider")
	}
}

func TestFormatResults(t *testing.T) {
	results := []Result{
		{Title: "First", URL: "https://a.com", Snippet: "Snippet A"},
		{Title: "Second", URL: "https://b.com"},
	}
	out := FormatResults(results)
	want := "1. First\n   https://a.com\n   Snippet A\n\n2. Second\n   https://b.com"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestFormatResultsEmpty(t *testing.T) {
	out := FormatResults(nil)
	if out != "No results found." {
		t.Errorf("expected 'No results found.', got %q", out)
	}
}

func TestConfigured(t *testing.T) {
	mgr := NewManager("test", nil)
	if mgr.Configured() {
		t.Error("empty manager should not be configured")
	}
	mgr.Register(&mockProvider{name: "test"})
	if !mgr.Configured() {
		t.Error("manager with provider should be configured")
	}
}

func TestManagerCleansSnippets(t *testing.T) {
	mgr := NewManager("", nil)
	mgr.Register(&mockProvider{
		name: "mock",
		results: []Result{{
			Title:   "Uponor <b>PEX</b> &amp; fittings",
			URL:     "https://uponor.example/pex",
			Snippet: "Part <em>1234567</em><br>DN25 &quot;ball valve&quot;<script>track()</script>",
		}},
	})
	results, err := mgr.Search(context.Background(), "1234567", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Title != "Uponor PEX & fittings" {
		t.Errorf("title = %q", results[0].Title)
	}
	if results[0].Snippet != `Part 1234567 DN25 "ball valve"` {
		t.Errorf("snippet = %q", results[0].Snippet)
	}
}

func TestCleanText(t *testing.T) {
	tests := map[string]string{
		"plain   text\n here":        "plain text here",
		"<p>one</p><p>two</p>":       "one two",
		"a &lt; b":                   "a < b",
		"<style>x{}</style>visible":  "visible",
		"unclosed <b>bold":           "unclosed bold",
		"<td>DN20</td><td>DN25</td>": "DN20 DN25",
	}
	for in, want := range tests {
		if got := CleanText(in); got != want {
			t.Errorf("CleanText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSearXNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("format") != "json" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.URL.Query().Get("language") != "fi" {
			t.Errorf("language = %q", r.URL.Query().Get("language"))
		}
		w.Write([]byte(`{"results":[{"title":"A","url":"https://a","content":"x"},{"title":"B","url":"https://b"},{"title":"C","url":"https://c"}]}`))
	}))
	defer srv.Close()

	results, err := NewSearXNG(srv.URL+"/").Search(context.Background(), "palloventtiili", Options{Count: 2, Language: "fi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Snippet != "x" {
		t.Errorf("results = %+v", results)
	}
}

func TestBrave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "key" {
			t.Errorf("token header = %q", r.Header.Get("X-Subscription-Token"))
		}
		if r.URL.Query().Get("count") != "5" {
			t.Errorf("count = %q", r.URL.Query().Get("count"))
		}
		w.Write([]byte(`{"web":{"results":[{"title":"Valve","url":"https://v","description":"DN25"}]}}`))
	}))
	defer srv.Close()

	results, err := NewBrave("key", srv.URL).Search(context.Background(), "valve", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Snippet != "DN25" {
		t.Errorf("results = %+v", results)
	}
}

func TestBraveHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()
	if _, err := NewBrave("key", srv.URL).Search(context.Background(), "x", Options{}); err == nil {
		t.Error("expected error")
	}
}

func TestManagerDropsDuplicateURLs(t *testing.T) {
	mgr := NewManager("", nil)
	mgr.Register(&mockProvider{
		name: "mock",
		results: []Result{
			{Title: "Valve", URL: "https://v"},
			{Title: "Valve again", URL: "https://v"},
			{Title: "No link"},
			{Title: "Other", URL: "https://o"},
		},
	})
	results, err := mgr.Search(context.Background(), "valve", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Title != "Valve" || results[1].URL != "https://o" {
		t.Errorf("results = %+v", results)
	}
}

func TestFormatResultsTruncatesSnippets(t *testing.T) {
	long := strings.Repeat("ä", maxSnippet+20)
	out := FormatResults([]Result{{Title: "T", URL: "https://t", Snippet: long}})
	if !strings.HasSuffix(out, "...") {
		t.Errorf("snippet not truncated: %q", out[len(out)-10:])
	}
	if n := utf8.RuneCountInString(out); n > maxSnippet+40 {
		t.Errorf("formatted length %d runes", n)
	}
}
