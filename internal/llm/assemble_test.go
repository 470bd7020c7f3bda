package llm

import (
	"errors"
	"reflect"
	"testing"
)

func TestChunksRoundTrip(t *testing.T) {
	resp := &Response{
		Model:     "m",
		Provider:  "gemini",
		Text:      "Matched goal 1.",
		Reasoning: "Goal 1 is a copper pipe.",
		ToolCalls: []ToolCall{
			{ID: "a", Name: "match", Arguments: map[string]any{"x": 1.0}, Signature: "s", Provider: "gemini"},
			{ID: "b", Name: "exit_to_global", Arguments: map[string]any{}, Provider: "gemini"},
		},
		Usage:        Usage{InputTokens: 10, OutputTokens: 5},
		StopReason:   StopToolUse,
		Continuation: "tok",
	}

	chunks := Chunks(resp)
	if chunks[len(chunks)-1].Kind != ChunkTurnComplete {
		t.Fatalf("last chunk = %s", chunks[len(chunks)-1].Kind)
	}
	got := Assemble(chunks)
	if !reflect.DeepEqual(got.Message(), resp.Message()) {
		t.Errorf("parts differ:\n got %+v\nwant %+v", got.Message(), resp.Message())
	}
	if got.Reasoning != resp.Reasoning || got.Usage != resp.Usage || got.StopReason != resp.StopReason {
		t.Errorf("metadata differs: %+v", got)
	}
}

func TestResponseMessage_PartOrder(t *testing.T) {
	resp := &Response{
		Provider:     "gemini",
		Text:         "t",
		ToolCalls:    []ToolCall{{ID: "1", Name: "a"}},
		Continuation: "c",
	}
	m := resp.Message()
	kinds := []PartKind{}
	for _, p := range m.Parts {
		kinds = append(kinds, p.Kind)
	}
	want := []PartKind{PartText, PartToolCall, PartContinuation}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
	if tok, from := m.Continuation(); tok != "c" || from != "gemini" {
		t.Errorf("continuation = %q from %q", tok, from)
	}
}

func TestAssembler_ErrorChunk(t *testing.T) {
	boom := errors.New("boom")
	var a Assembler
	a.Add(StreamChunk{Kind: ChunkContent, Text: "par"})
	if a.Complete() {
		t.Fatal("not complete before a terminal chunk")
	}
	a.Add(StreamChunk{Kind: ChunkError, Err: boom})
	if !a.Complete() {
		t.Fatal("error chunk completes the stream")
	}
	resp := a.Response()
	if resp.Err != boom || resp.StopReason != StopError || resp.Text != "par" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRequestHistory(t *testing.T) {
	r := &Request{Prompt: "hi"}
	h := r.History()
	if len(h) != 1 || h[0].Role != RoleUser || h[0].Text() != "hi" {
		t.Errorf("history = %+v", h)
	}
	if (&Request{}).History() != nil {
		t.Error("empty request has no history")
	}
}

func TestMessageAccessors(t *testing.T) {
	m := NewToolResultMessage(
		ToolResult{CallID: "1", Name: "a", Content: "x"},
		ToolResult{CallID: "2", Name: "b", Content: "y", IsError: true},
	)
	if m.Role != RoleToolResult || len(m.ToolResults()) != 2 || len(m.ToolCalls()) != 0 {
		t.Errorf("message = %+v", m)
	}
	if m.Text() != "" {
		t.Errorf("tool-result message has no text, got %q", m.Text())
	}
}
