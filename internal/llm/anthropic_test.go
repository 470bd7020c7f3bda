package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

const anthropicComplete = `{
  "id": "msg_1", "type": "message", "role": "assistant",
  "model": "claude-sonnet-4-20250514",
  "content": [
    {"type": "text", "text": "Searching the catalog."},
    {"type": "tool_use", "id": "toolu_01", "name": "wildcard_search", "input": {"goal": 1, "pattern": "%kupari%"}}
  ],
  "stop_reason": "tool_use",
  "usage": {"input_tokens": 25, "output_tokens": 42}
}`

const anthropicStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","stop_reason":null,"usage":{"input_tokens":25,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: ping
data: {"type":"ping"}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Searching "}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"the catalog."}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"wildcard_search","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"goal\": 1, "}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"pattern\": \"%kupari%\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":42}}

event: message_stop
data: {"type":"message_stop"}

`

func TestConvertToAnthropic_MergesToolResultsIntoUserTurn(t *testing.T) {
	req := &Request{Messages: append(toolTurnHistory("anthropic", ""),
		NewUserMessage("Continue with goal 2."))}

	msgs := convertToAnthropic(req, "anthropic")

	// user, assistant(text+tool_use), user(tool_result + text)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[1].Role != "assistant" || len(msgs[1].Content) != 2 {
		t.Fatalf("assistant turn = %+v", msgs[1])
	}
	if msgs[1].Content[1].Type != "tool_use" || msgs[1].Content[1].ID != "call_1" {
		t.Errorf("tool_use block = %+v", msgs[1].Content[1])
	}
	last := msgs[2]
	if last.Role != "user" || len(last.Content) != 2 {
		t.Fatalf("merged user turn = %+v", last)
	}
	if last.Content[0].Type != "tool_result" || last.Content[0].ToolUseID != "call_1" {
		t.Errorf("tool_result block = %+v", last.Content[0])
	}
	if last.Content[1].Type != "text" {
		t.Errorf("expected trailing text block, got %q", last.Content[1].Type)
	}
}

func TestConvertToAnthropic_Attachments(t *testing.T) {
	req := &Request{
		Prompt: "Read the attached order.",
		Attachments: []Attachment{
			{Name: "order.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")},
			{Name: "photo.png", MIMEType: "image/png", Data: []byte{0x89, 'P'}},
		},
	}
	msgs := convertToAnthropic(req, "anthropic")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	blocks := msgs[0].Content
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if blocks[0].Type != "document" || blocks[0].Source.MediaType != "application/pdf" {
		t.Errorf("first block = %+v", blocks[0])
	}
	if blocks[1].Type != "image" || blocks[1].Source.Data != "iVA=" {
		t.Errorf("second block = %+v", blocks[1].Source)
	}
}

func TestAnthropicBuildRequest_Thinking(t *testing.T) {
	c := NewAnthropicClient("key", quietLogger())
	temp := 0.2

	fresh := c.buildRequest(&Request{Model: "claude-x", Prompt: "hi", Thinking: true, Temperature: &temp}, false)
	if fresh.Thinking == nil {
		t.Fatal("expected thinking on a fresh conversation")
	}
	if fresh.Temperature != nil {
		t.Error("temperature must be omitted when thinking")
	}
	if fresh.MaxTokens <= fresh.Thinking.BudgetTokens {
		t.Errorf("max_tokens %d must exceed budget %d", fresh.MaxTokens, fresh.Thinking.BudgetTokens)
	}

	withTools := c.buildRequest(&Request{Model: "claude-x", Messages: toolTurnHistory("anthropic", ""), Thinking: true, Temperature: &temp}, false)
	if withTools.Thinking != nil {
		t.Error("thinking must not be requested once tool calls are in history")
	}
	if withTools.Temperature == nil || *withTools.Temperature != temp {
		t.Error("temperature should pass through without thinking")
	}
}

func TestAnthropicExecute(t *testing.T) {
	srv, rec := fakeBackend(t, "application/json", anthropicComplete)
	c := NewAnthropicClient("sk-test", quietLogger(), WithBaseURL(srv.URL))

	resp, err := c.Execute(context.Background(), &Request{
		Model:  "claude-sonnet-4-20250514",
		System: "You match catalog items.",
		Prompt: "Match 1 goal.",
		Tools:  []ToolDeclaration{{Name: "exit_to_global", Description: "Leave the group."}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if rec.path != "/v1/messages" {
		t.Errorf("path = %q", rec.path)
	}
	if rec.header.Get("x-api-key") != "sk-test" || rec.header.Get("anthropic-version") != anthropicAPIVersion {
		t.Errorf("auth headers = %v", rec.header)
	}
	body := rec.Body()
	if body["system"] != "You match catalog items." {
		t.Errorf("system = %v", body["system"])
	}
	tools := body["tools"].([]any)
	schema := tools[0].(map[string]any)["input_schema"].(map[string]any)
	if _, ok := schema["properties"].(map[string]any)[PlaceholderProperty]; ok {
		t.Error("placeholder must not be injected for this dialect")
	}

	if resp.Provider != "anthropic" || resp.Text != "Searching the catalog." {
		t.Errorf("resp = %+v", resp)
	}
	if resp.StopReason != StopToolUse {
		t.Errorf("stop = %q", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "toolu_01" || resp.ToolCalls[0].Arguments["pattern"] != "%kupari%" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Provider != "anthropic" {
		t.Errorf("call provider = %q", resp.ToolCalls[0].Provider)
	}
}

func TestAnthropicStream_EquivalentToExecute(t *testing.T) {
	full, _ := fakeBackend(t, "application/json", anthropicComplete)
	sse, rec := fakeBackend(t, "text/event-stream", anthropicStream)
	req := &Request{Model: "claude-sonnet-4-20250514", Prompt: "Match 1 goal."}

	complete, err := NewAnthropicClient("k", quietLogger(), WithBaseURL(full.URL)).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var chunks []StreamChunk
	streamed, err := NewAnthropicClient("k", quietLogger(), WithBaseURL(sse.URL)).Stream(context.Background(), req, collect(&chunks))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if rec.Body()["stream"] != true {
		t.Error("stream flag not sent")
	}

	assertEquivalent(t, complete, streamed, false)

	if got := Assemble(chunks); got.Text != streamed.Text || len(got.ToolCalls) != 1 {
		t.Errorf("callback chunks do not reassemble: %+v", got)
	}
	if chunks[len(chunks)-1].Kind != ChunkTurnComplete {
		t.Errorf("last chunk = %s", chunks[len(chunks)-1].Kind)
	}
}

func TestAnthropicStream_ErrorEvent(t *testing.T) {
	body := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"model\":\"m\",\"usage\":{}}}\n\n" +
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"
	srv, _ := fakeBackend(t, "text/event-stream", body)
	c := NewAnthropicClient("k", quietLogger(), WithBaseURL(srv.URL))

	var chunks []StreamChunk
	_, err := c.Stream(context.Background(), &Request{Model: "m", Prompt: "x"}, collect(&chunks))
	if KindOf(err) != ErrServer {
		t.Fatalf("expected server error, got %v", err)
	}
	if len(chunks) == 0 || chunks[len(chunks)-1].Kind != ChunkError {
		t.Errorf("expected a trailing error chunk, got %+v", chunks)
	}
}

func TestAnthropicStream_TruncatedIsNetworkError(t *testing.T) {
	body := "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hal\"}}\n\n"
	srv, _ := fakeBackend(t, "text/event-stream", body)
	c := NewAnthropicClient("k", quietLogger(), WithBaseURL(srv.URL))

	_, err := c.Stream(context.Background(), &Request{Model: "m", Prompt: "x"}, nil)
	if KindOf(err) != ErrNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestAnthropicExecute_HTTPErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		headers   map[string]string
		body      string
		want      ErrorKind
		wantAfter time.Duration
	}{
		{"auth", http.StatusUnauthorized, nil, `{"error":{"type":"authentication_error"}}`, ErrAuth, 0},
		{"rate limit", http.StatusTooManyRequests, map[string]string{"Retry-After": "12"}, `{}`, ErrRateLimit, 12 * time.Second},
		{"overloaded", 529, nil, `{"error":{"type":"overloaded_error"}}`, ErrServer, 0},
		{"bad request", http.StatusBadRequest, nil, `{"error":{"message":"messages: field required"}}`, ErrInvalidRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := statusBackend(t, tt.status, tt.headers, tt.body)
			c := NewAnthropicClient("k", quietLogger(), WithBaseURL(srv.URL))
			_, err := c.Execute(context.Background(), &Request{Model: "m", Prompt: "x"})
			var le *Error
			if !errors.As(err, &le) {
				t.Fatalf("expected *Error, got %T %v", err, err)
			}
			if le.Kind != tt.want {
				t.Errorf("kind = %s, want %s", le.Kind, tt.want)
			}
			if le.Status != tt.status {
				t.Errorf("status = %d", le.Status)
			}
			if le.RetryAfter != tt.wantAfter {
				t.Errorf("retry after = %v, want %v", le.RetryAfter, tt.wantAfter)
			}
		})
	}
}

type denyGate struct{ err error }

func (g denyGate) Acquire(context.Context) error { return g.err }

func TestAnthropicExecute_GateRefusal(t *testing.T) {
	srv, rec := fakeBackend(t, "application/json", anthropicComplete)
	denied := errors.New("daily ceiling reached")
	c := NewAnthropicClient("k", quietLogger(), WithBaseURL(srv.URL), WithGate(denyGate{denied}))

	_, err := c.Execute(context.Background(), &Request{Model: "m", Prompt: "x"})
	if !errors.Is(err, denied) {
		t.Fatalf("expected gate error, got %v", err)
	}
	if rec.Body() != nil {
		t.Error("backend must not be called when the gate refuses")
	}
}

func TestAdaptersImplementClient(t *testing.T) {
	var _ Client = (*AnthropicClient)(nil)
	var _ Client = (*OpenAIClient)(nil)
	var _ Client = (*GeminiClient)(nil)
	var _ Client = (*OllamaClient)(nil)
	var _ Client = (*MultiClient)(nil)
}

const anthropicThinkingComplete = `{
  "id": "msg_2", "type": "message", "role": "assistant",
  "model": "claude-sonnet-4-20250514",
  "content": [
    {"type": "thinking", "thinking": "Copper pipe, 22mm.", "signature": "sig-1"},
    {"type": "tool_use", "id": "toolu_02", "name": "wildcard_search", "input": {"goal": 1, "pattern": "%kupari%22%"}}
  ],
  "stop_reason": "tool_use",
  "usage": {"input_tokens": 30, "output_tokens": 50}
}`

const anthropicThinkingStream = `event: message_start
data: {"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":30,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Copper pipe, 22mm."}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-1"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_02","name":"wildcard_search","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"goal\": 1, \"pattern\": \"%kupari%22%\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":50}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropicThinking_KeptAcrossToolTurns(t *testing.T) {
	for _, tt := range []struct {
		name, contentType, body string
		stream                  bool
	}{
		{"execute", "application/json", anthropicThinkingComplete, false},
		{"stream", "text/event-stream", anthropicThinkingStream, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := fakeBackend(t, tt.contentType, tt.body)
			c := NewAnthropicClient("k", quietLogger(), WithBaseURL(srv.URL))
			req := &Request{Model: "claude-sonnet-4-20250514", Prompt: "Match 1 goal.", Thinking: true}

			var (
				resp *Response
				err  error
			)
			if tt.stream {
				resp, err = c.Stream(context.Background(), req, func(StreamChunk) {})
			} else {
				resp, err = c.Execute(context.Background(), req)
			}
			if err != nil {
				t.Fatal(err)
			}
			if resp.Continuation != "sig-1" || resp.Reasoning != "Copper pipe, 22mm." {
				t.Fatalf("continuation %q reasoning %q", resp.Continuation, resp.Reasoning)
			}

			history := []Message{
				NewUserMessage("Match 1 goal."),
				resp.Message(),
				NewToolResultMessage(ToolResult{CallID: "toolu_02", Name: "wildcard_search", Content: "100234 | Kupariputki 22mm 5m"}),
			}
			next := c.buildRequest(&Request{Model: "claude-sonnet-4-20250514", Messages: history, Thinking: true}, false)
			if next.Thinking == nil {
				t.Fatal("thinking dropped after a signed tool turn")
			}
			first := next.Messages[1].Content[0]
			if first.Type != "thinking" || first.Signature != "sig-1" || first.Thinking != "Copper pipe, 22mm." {
				t.Errorf("assistant turn starts with %+v", first)
			}
		})
	}
}

func TestAnthropicThinking_ForeignContinuationIgnored(t *testing.T) {
	history := toolTurnHistory("gemini", "")
	history[1].Parts = append(history[1].Parts, Part{Kind: PartContinuation, Token: "gemini-token", Provider: "gemini"})

	c := NewAnthropicClient("k", quietLogger())
	ar := c.buildRequest(&Request{Model: "claude-x", Messages: history, Thinking: true}, false)
	if ar.Thinking != nil {
		t.Error("thinking requested without a replayable signature")
	}
	for _, b := range ar.Messages[1].Content {
		if b.Type == "thinking" {
			t.Errorf("foreign token replayed as thinking: %+v", b)
		}
	}
}

func TestConvertFromAnthropic_UnreplayableThinking(t *testing.T) {
	tests := map[string][]anthropicContent{
		"two blocks": {
			{Type: "thinking", Thinking: "a", Signature: "s1"},
			{Type: "thinking", Thinking: "b", Signature: "s2"},
		},
		"redacted": {
			{Type: "thinking", Thinking: "a", Signature: "s1"},
			{Type: "redacted_thinking"},
		},
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			out := convertFromAnthropic(&anthropicResponse{Content: content})
			if out.Continuation != "" {
				t.Errorf("continuation = %q, want none", out.Continuation)
			}
		})
	}
}
