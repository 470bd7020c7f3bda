package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/catalogmatch/internal/llm"
	"github.com/nugget/catalogmatch/internal/matcher"
	"github.com/nugget/catalogmatch/internal/usage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMatcher matches every goal to the same code and reports progress.
type fakeMatcher struct {
	mu   sync.Mutex
	reqs []matcher.BatchRequest
	err  error
}

func (f *fakeMatcher) MatchBatch(_ context.Context, req matcher.BatchRequest, observer matcher.Observer) (*matcher.Outcome, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	emit := func(e matcher.Event) {
		if observer != nil {
			e.BatchID = "batch-1"
			observer(e)
		}
	}
	out := &matcher.Outcome{
		BatchID:  "batch-1",
		Model:    "test-model",
		Usage:    llm.Usage{InputTokens: 1200, OutputTokens: 80},
		Finished: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	emit(matcher.Event{Kind: matcher.EventIteration, Iteration: 1})
	for i, g := range req.Goals {
		out.Results = append(out.Results, matcher.MatchResult{Term: g.Term, Code: "100234", Status: matcher.StatusMatched})
		emit(matcher.Event{Kind: matcher.EventMatched, Iteration: 1, Goal: i + 1, Code: "100234"})
	}
	emit(matcher.Event{Kind: matcher.EventDone, Iteration: 1, Outcome: out})
	return out, nil
}

type fakePublisher struct {
	batches []string
	err     error
}

func (p *fakePublisher) PublishOutcome(_ context.Context, batchID string, _ any) error {
	p.batches = append(p.batches, batchID)
	return p.err
}

func newTestServer(t *testing.T, m BatchMatcher) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("127.0.0.1", 0, m, quietLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postMatch(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/match", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/match: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandleMatch(t *testing.T) {
	m := &fakeMatcher{}
	s, ts := newTestServer(t, m)
	pub := &fakePublisher{}
	s.SetPublisher(pub)

	resp := postMatch(t, ts.URL, `{"goals": ["Kupariputki 22mm 5m", {"term": "Palloventtiili DN25", "quantity": 2}], "hints": ["stocked only"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out matcher.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if out.BatchID != "batch-1" || len(out.Results) != 2 || out.Results[1].Term != "Palloventtiili DN25" {
		t.Errorf("outcome = %+v", out)
	}

	if len(m.reqs) != 1 || m.reqs[0].Goals[1].Quantity != 2 || m.reqs[0].Hints[0] != "stocked only" {
		t.Errorf("matcher request = %+v", m.reqs)
	}
	if len(pub.batches) != 1 || pub.batches[0] != "batch-1" {
		t.Errorf("published = %v", pub.batches)
	}

	snap := s.Stats().Snapshot()
	if snap.TotalBatches != 1 || snap.MatchedGoals != 2 || snap.ActiveBatches != 0 || snap.TotalInputTokens != 1200 {
		t.Errorf("stats = %+v", snap)
	}
	if !s.Stats().LastBatchTime().Equal(out.Finished) {
		t.Errorf("last batch = %v", s.Stats().LastBatchTime())
	}
}

func TestHandleMatch_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"goals":`, "invalid request body"},
		{"no goals", `{"goals": []}`, "batch has no goals"},
		{"bad goal", `{"goals": [7]}`, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMatcher{}
			_, ts := newTestServer(t, m)
			resp := postMatch(t, ts.URL, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			body, _ := io.ReadAll(resp.Body)
			if !strings.Contains(string(body), tt.want) {
				t.Errorf("body = %s, want %q", body, tt.want)
			}
			if len(m.reqs) != 0 {
				t.Error("matcher called for a bad request")
			}
		})
	}
}

func TestHandleMatch_MatcherError(t *testing.T) {
	s, ts := newTestServer(t, &fakeMatcher{err: errors.New("boom")})
	pub := &fakePublisher{}
	s.SetPublisher(pub)

	resp := postMatch(t, ts.URL, `{"goals": ["x"]}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if len(pub.batches) != 0 {
		t.Error("published an outcome for a failed batch")
	}
	if snap := s.Stats().Snapshot(); snap.ActiveBatches != 0 || snap.TotalBatches != 0 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestHandleMatch_PublishFailureStillAnswers(t *testing.T) {
	s, ts := newTestServer(t, &fakeMatcher{})
	s.SetPublisher(&fakePublisher{err: errors.New("broker down")})

	resp := postMatch(t, ts.URL, `{"goals": ["x"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/match/ws"
}

func TestHandleMatchWS(t *testing.T) {
	_, ts := newTestServer(t, &fakeMatcher{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(matcher.BatchRequest{Goals: []matcher.Goal{{Term: "a"}, {Term: "b"}}}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var kinds []string
	var done matcher.Event
	for {
		var e matcher.Event
		err := conn.ReadJSON(&e)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		kinds = append(kinds, string(e.Kind))
		if e.Kind == matcher.EventDone {
			done = e
		}
	}

	if got := strings.Join(kinds, ","); got != "iteration,matched,matched,done" {
		t.Errorf("events = %s", got)
	}
	if done.Outcome == nil || len(done.Outcome.Results) != 2 || done.BatchID != "batch-1" {
		t.Errorf("done event = %+v", done)
	}
}

func TestHandleMatchWS_NoGoals(t *testing.T) {
	m := &fakeMatcher{}
	_, ts := newTestServer(t, m)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(map[string]any{"goals": []string{}})
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("err = %v, want policy violation close", err)
	}
	if len(m.reqs) != 0 {
		t.Error("matcher called without goals")
	}
}

func TestHandleUsage(t *testing.T) {
	store, err := usage.NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	records := []usage.Record{
		{Timestamp: now.Add(-time.Hour), BatchID: "b1", Model: "gemini-2.5-pro", Provider: "gemini", InputTokens: 1000, OutputTokens: 100, CostUSD: 0.01},
		{Timestamp: now.Add(-30 * time.Minute), BatchID: "b1", Model: "claude-sonnet-4-20250514", Provider: "anthropic", InputTokens: 500, OutputTokens: 50, CostUSD: 0.02},
		{Timestamp: now.Add(-72 * time.Hour), BatchID: "b0", Model: "gemini-2.5-pro", Provider: "gemini", InputTokens: 9999, OutputTokens: 999},
	}
	for _, rec := range records {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	s, ts := newTestServer(t, &fakeMatcher{})
	s.SetUsageReporter(store)

	get := func(query string) (*http.Response, UsageReport) {
		t.Helper()
		resp, err := http.Get(ts.URL + "/v1/usage" + query)
		if err != nil {
			t.Fatalf("GET /v1/usage: %v", err)
		}
		defer resp.Body.Close()
		var rep UsageReport
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
				t.Fatalf("decode: %v", err)
			}
		}
		return resp, rep
	}

	_, rep := get("")
	if rep.By != "model" || rep.Total.Calls != 2 || rep.Total.InputTokens != 1500 || rep.Total.Batches != 1 {
		t.Errorf("default report = %+v", rep)
	}
	if len(rep.Groups) != 2 || rep.Groups["gemini-2.5-pro"].InputTokens != 1000 {
		t.Errorf("groups = %+v", rep.Groups)
	}

	_, rep = get("?by=provider&since=168h")
	if rep.Total.Calls != 3 || rep.Groups["gemini"].Calls != 2 {
		t.Errorf("provider report = %+v", rep)
	}

	_, rep = get("?by=batch")
	if len(rep.Groups) != 1 || rep.Groups["b1"].Calls != 2 {
		t.Errorf("batch report = %+v", rep.Groups)
	}

	for _, q := range []string{"?by=colour", "?since=yesterday", "?since=-1h"} {
		if resp, _ := get(q); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestHandleUsage_NotConfigured(t *testing.T) {
	_, ts := newTestServer(t, &fakeMatcher{})
	resp, err := http.Get(ts.URL + "/v1/usage")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestInfoEndpoints(t *testing.T) {
	_, ts := newTestServer(t, &fakeMatcher{})

	tests := []struct {
		path string
		key  string
		want string
	}{
		{"/health", "status", "healthy"},
		{"/", "name", "catalogmatch"},
		{"/v1/version", "go_version", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			got, ok := body[tt.key]
			if !ok || (tt.want != "" && got != tt.want) {
				t.Errorf("%s = %q, want %q", tt.key, got, tt.want)
			}
		})
	}

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp.StatusCode)
	}
}
