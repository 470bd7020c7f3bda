package llm

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capture records the last request body a fake backend received.
type capture struct {
	mu     sync.Mutex
	body   map[string]any
	header http.Header
	path   string
	query  string
}

func (c *capture) record(r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header = r.Header.Clone()
	c.path = r.URL.Path
	c.query = r.URL.RawQuery
	data, _ := io.ReadAll(r.Body)
	c.body = nil
	_ = json.Unmarshal(data, &c.body)
}

func (c *capture) Body() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body
}

// fakeBackend serves body with contentType and records each request.
func fakeBackend(t *testing.T, contentType, body string) (*httptest.Server, *capture) {
	t.Helper()
	rec := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Type", contentType)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

// statusBackend replies with a fixed status and body.
func statusBackend(t *testing.T, status int, headers map[string]string, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// withoutIDs strips assigned call IDs so replies from backends that do
// not supply IDs can be compared.
func withoutIDs(m Message) Message {
	out := Message{Role: m.Role}
	for _, p := range m.Parts {
		if p.Call != nil {
			c := *p.Call
			c.ID = ""
			p.Call = &c
		}
		out.Parts = append(out.Parts, p)
	}
	return out
}

// assertEquivalent checks that a streamed reply and a complete reply
// yield the same history entry and metadata.
func assertEquivalent(t *testing.T, complete, streamed *Response, ignoreIDs bool) {
	t.Helper()
	a, b := complete.Message(), streamed.Message()
	if ignoreIDs {
		a, b = withoutIDs(a), withoutIDs(b)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("message parts differ:\ncomplete: %+v\nstreamed: %+v", a, b)
	}
	if complete.Usage != streamed.Usage {
		t.Errorf("usage differs: complete %+v, streamed %+v", complete.Usage, streamed.Usage)
	}
	if complete.StopReason != streamed.StopReason {
		t.Errorf("stop reason differs: complete %q, streamed %q", complete.StopReason, streamed.StopReason)
	}
	if complete.Model != streamed.Model {
		t.Errorf("model differs: complete %q, streamed %q", complete.Model, streamed.Model)
	}
}

// collect returns a StreamFunc that appends into chunks.
func collect(chunks *[]StreamChunk) StreamFunc {
	return func(c StreamChunk) { *chunks = append(*chunks, c) }
}

// toolTurnHistory is a search turn followed by its result.
func toolTurnHistory(provider, signature string) []Message {
	return []Message{
		NewUserMessage("Match: 1. Kupariputki 22mm 5m"),
		{Role: RoleAssistant, Parts: []Part{
			TextPart("Searching."),
			CallPart(ToolCall{
				ID:        "call_1",
				Name:      "wildcard_search",
				Arguments: map[string]any{"goal": 1, "pattern": "%kupariputki%22%"},
				Signature: signature,
				Provider:  provider,
			}),
		}},
		NewToolResultMessage(ToolResult{CallID: "call_1", Name: "wildcard_search", Content: "100234 | Kupariputki 22mm 5m"}),
	}
}

// statusBackendFunc lets the fake decide its reply from the request body.
func statusBackendFunc(t *testing.T, reply func(body map[string]any) (int, string)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		status, out := reply(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, out)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}
