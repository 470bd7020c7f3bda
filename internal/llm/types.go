// Package llm provides the provider-neutral conversation model and the
// backend adapters that translate it to and from each wire protocol.
package llm

import (
	"log/slog"
	"strings"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role identifies who authored a message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool"
)

// PartKind discriminates the variants of [Part].
type PartKind int

const (
	PartText PartKind = iota
	PartToolCall
	PartToolResult
	PartContinuation
)

func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartToolCall:
		return "tool_call"
	case PartToolResult:
		return "tool_result"
	case PartContinuation:
		return "continuation"
	default:
		return "unknown"
	}
}

// Part is one element of a message. Exactly one of the payload fields is
// meaningful, selected by Kind.
type Part struct {
	Kind PartKind `json:"kind"`

	// Text is set for PartText. On PartContinuation it holds the
	// reasoning the token signs, for backends that need both replayed.
	Text string `json:"text,omitempty"`

	// Call is set for PartToolCall.
	Call *ToolCall `json:"call,omitempty"`

	// Result is set for PartToolResult.
	Result *ToolResult `json:"result,omitempty"`

	// Token is set for PartContinuation. It is opaque and only the
	// backend named by Provider can interpret it.
	Token    string `json:"token,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// ToolCall is a structured request from the model to invoke a declared tool.
type ToolCall struct {
	// ID is unique within the turn that produced it. Adapters recover it
	// from the wire or assign one when the backend does not supply it.
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// Signature is a continuation token attached by the backend that
	// produced the call. Provider records which backend that was, so the
	// token is never replayed to a backend that cannot interpret it.
	Signature string `json:"signature,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// ToolResult answers exactly one ToolCall, matched by CallID.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one entry of the conversation history.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// TextPart builds a text part.
func TextPart(s string) Part { return Part{Kind: PartText, Text: s} }

// CallPart builds a tool-call part.
func CallPart(tc ToolCall) Part { return Part{Kind: PartToolCall, Call: &tc} }

// ResultPart builds a tool-result part.
func ResultPart(tr ToolResult) Part { return Part{Kind: PartToolResult, Result: &tr} }

// NewUserMessage creates a user message holding a single text part.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

// NewToolResultMessage creates a tool-result message answering one turn.
func NewToolResultMessage(results ...ToolResult) Message {
	parts := make([]Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, ResultPart(r))
	}
	return Message{Role: RoleToolResult, Parts: parts}
}

// Text returns the concatenation of all text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool calls carried by the message, in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Kind == PartToolCall && p.Call != nil {
			calls = append(calls, *p.Call)
		}
	}
	return calls
}

// ToolResults returns the tool results carried by the message, in order.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range m.Parts {
		if p.Kind == PartToolResult && p.Result != nil {
			results = append(results, *p.Result)
		}
	}
	return results
}

// Continuation returns the continuation token carried by the message and
// the backend that issued it, if any.
func (m Message) Continuation() (token, provider string) {
	for _, p := range m.Parts {
		if p.Kind == PartContinuation {
			return p.Token, p.Provider
		}
	}
	return "", ""
}

// Attachment is binary content sent inline with the first user message.
type Attachment struct {
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// IsImage reports whether the attachment is an image.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MIMEType, "image/")
}

// Request is one call to a backend. Treat it as immutable once issued;
// callers that need a variant copy the struct.
type Request struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`

	// Prompt is used when Messages is empty.
	Prompt   string    `json:"prompt,omitempty"`
	Messages []Message `json:"messages,omitempty"`

	// Temperature is nil for the backend default.
	Temperature     *float64          `json:"temperature,omitempty"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty"`
	Tools           []ToolDeclaration `json:"tools,omitempty"`
	Attachments     []Attachment      `json:"attachments,omitempty"`

	// Thinking asks for reasoning output where the backend supports it.
	Thinking bool `json:"thinking,omitempty"`

	// CodeExecution offers the backend's delegated code-execution tool
	// where supported.
	CodeExecution bool `json:"code_execution,omitempty"`

	// Timeout bounds a single backend call. Zero means no extra bound
	// beyond the caller's context.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// History returns the ordered message history for the request. A bare
// prompt becomes a single user message.
func (r *Request) History() []Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	if r.Prompt == "" {
		return nil
	}
	return []Message{NewUserMessage(r.Prompt)}
}

// Usage holds provider-neutral token counters.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.ReasoningTokens += u2.ReasoningTokens
}

// StopReason says why the backend ended its turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopSafety    StopReason = "safety"
	StopError     StopReason = "error"
	StopOther     StopReason = "other"
)

// Response is the unified reply from any backend. All fields use proper
// Go types; wire conversion happens at the adapter boundary.
type Response struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`

	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage      `json:"usage"`
	StopReason StopReason `json:"stop_reason"`
	Reasoning  string     `json:"reasoning,omitempty"`

	// Continuation is an opaque token issued alongside the final text
	// part, for the backend that requires it echoed back.
	Continuation string `json:"continuation,omitempty"`

	// Err is set when the backend reported an error in-band, for example
	// a stream that ended with an error event.
	Err error `json:"-"`

	Latency time.Duration `json:"latency,omitempty"`
}

// Message converts the response into an assistant history entry. The
// parts order is text, tool calls, continuation token.
func (r *Response) Message() Message {
	m := Message{Role: RoleAssistant}
	if r.Text != "" {
		m.Parts = append(m.Parts, TextPart(r.Text))
	}
	for _, tc := range r.ToolCalls {
		m.Parts = append(m.Parts, CallPart(tc))
	}
	if r.Continuation != "" {
		m.Parts = append(m.Parts, Part{Kind: PartContinuation, Token: r.Continuation, Text: r.Reasoning, Provider: r.Provider})
	}
	return m
}

// ChunkKind identifies the type of stream chunk.
type ChunkKind int

const (
	// ChunkReasoning is an incremental piece of reasoning text.
	ChunkReasoning ChunkKind = iota

	// ChunkContent is an incremental piece of answer text.
	ChunkContent

	// ChunkToolCall carries one complete tool call.
	ChunkToolCall

	// ChunkTurnComplete ends the stream. Response carries usage, stop
	// reason and continuation token; its Text and ToolCalls are empty.
	ChunkTurnComplete

	// ChunkError ends the stream with an in-band error.
	ChunkError
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkReasoning:
		return "reasoning"
	case ChunkContent:
		return "content"
	case ChunkToolCall:
		return "tool_call"
	case ChunkTurnComplete:
		return "turn_complete"
	case ChunkError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamChunk is a single event in a streaming response. Consumers switch
// on Kind to determine which field is populated.
type StreamChunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall *ToolCall
	Response *Response
	Err      error
}

// StreamFunc receives stream chunks in order.
type StreamFunc func(chunk StreamChunk)
