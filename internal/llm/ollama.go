package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const ollamaAPIURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama chat API. Replies stream as
// newline-delimited JSON.
type OllamaClient struct {
	opts   options
	logger *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(logger *slog.Logger, opts ...Option) *OllamaClient {
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions("ollama", ollamaAPIURL, opts)
	return &OllamaClient{
		opts:   o,
		logger: logger.With("provider", o.name),
	}
}

// Provider returns "ollama" unless overridden.
func (c *OllamaClient) Provider() string { return c.opts.name }

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
	Think    bool             `json:"think,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // an object, not a string
	} `json:"function"`
}

type ollamaResponse struct {
	Model      string        `json:"model"`
	CreatedAt  string        `json:"created_at"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`
	Error      string        `json:"error,omitempty"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

func (c *OllamaClient) buildRequest(req *Request, stream bool) ollamaRequest {
	or := ollamaRequest{
		Model:    req.Model,
		Messages: convertToOllama(req),
		Stream:   stream,
		Tools:    functionTools(req.Tools, DialectOllama),
		Think:    req.Thinking,
	}
	if req.Temperature != nil || req.MaxOutputTokens > 0 {
		or.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxOutputTokens}
	}
	return or
}

// Execute sends a non-streaming chat request.
func (c *OllamaClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	return c.do(ctx, req, false, nil)
}

// Stream sends a streaming chat request.
func (c *OllamaClient) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	return c.do(ctx, req, true, fn)
}

func (c *OllamaClient) do(ctx context.Context, req *Request, stream bool, fn StreamFunc) (*Response, error) {
	if err := acquire(ctx, c.opts.gate); err != nil {
		return nil, err
	}
	ctx, cancel := callContext(ctx, req)
	defer cancel()

	started := time.Now()
	or := c.buildRequest(req, stream)
	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(or.Messages),
		"tools", len(or.Tools),
		"stream", stream,
	)

	resp, err := postJSON(ctx, &c.opts, c.logger, c.opts.baseURL+"/api/chat", nil, or)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// A non-streaming reply is a single object, which the decoder loop
	// handles the same way as the last line of a stream.
	em := &emitter{fn: fn}
	state := ollamaTurn{valid: toolNames(req.Tools)}
	decoder := json.NewDecoder(resp.Body)
	for !state.done {
		var chunk ollamaResponse
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &Error{Kind: ErrNetwork, Provider: c.opts.name, Err: errStreamEnded}
			}
			if ctx.Err() != nil {
				return nil, streamError(ctx, c.opts.name, err)
			}
			return nil, malformed(c.opts.name, fmt.Errorf("decode stream chunk: %w", err))
		}
		if chunk.Error != "" {
			e := &Error{Kind: ErrServer, Provider: c.opts.name, Message: chunk.Error}
			em.emit(StreamChunk{Kind: ChunkError, Err: e})
			return nil, e
		}
		c.consume(&chunk, &state, em)
	}

	result := finish(em.asm.Response(), c.opts.name, req.Model, started)
	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"tool_calls", len(result.ToolCalls),
		"stream", stream,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Text)
	return result, nil
}

// ollamaTurn tracks one reply across NDJSON lines.
type ollamaTurn struct {
	valid []string
	text  strings.Builder
	calls int
	done  bool
}

func (c *OllamaClient) consume(chunk *ollamaResponse, t *ollamaTurn, em *emitter) {
	if chunk.Message.Thinking != "" {
		em.emit(StreamChunk{Kind: ChunkReasoning, Text: chunk.Message.Thinking})
	}
	if chunk.Message.Content != "" {
		t.text.WriteString(chunk.Message.Content)
		em.emit(StreamChunk{Kind: ChunkContent, Text: chunk.Message.Content})
	}
	for _, wire := range chunk.Message.ToolCalls {
		tc := ToolCall{
			ID:        wire.ID,
			Name:      wire.Function.Name,
			Arguments: wire.Function.Arguments,
			Provider:  c.opts.name,
		}
		if tc.ID == "" {
			tc.ID = newCallID()
		}
		if tc.Arguments == nil {
			tc.Arguments = map[string]any{}
		}
		t.calls++
		em.emit(StreamChunk{Kind: ChunkToolCall, ToolCall: &tc})
	}
	if !chunk.Done {
		return
	}
	t.done = true

	// Some models print their tool calls as text instead of using the
	// native field. The text stays in the reply so that streamed and
	// complete replies agree; the calls are added after it.
	if t.calls == 0 && len(t.valid) > 0 {
		for _, tc := range parseTextToolCalls(t.text.String(), t.valid) {
			tc.Provider = c.opts.name
			t.calls++
			em.emit(StreamChunk{Kind: ChunkToolCall, ToolCall: &tc})
		}
	}

	stop := ollamaStopReason(chunk.DoneReason)
	if t.calls > 0 && stop == StopEndTurn {
		stop = StopToolUse
	}
	em.emit(StreamChunk{Kind: ChunkTurnComplete, Response: &Response{
		Model:      chunk.Model,
		Provider:   c.opts.name,
		Usage:      Usage{InputTokens: chunk.PromptEvalCount, OutputTokens: chunk.EvalCount},
		StopReason: stop,
	}})
}

// convertToOllama converts canonical history to Ollama chat messages.
func convertToOllama(req *Request) []ollamaMessage {
	history := req.History()
	attachAt := firstUserIndex(history)

	var out []ollamaMessage
	if req.System != "" {
		out = append(out, ollamaMessage{Role: "system", Content: req.System})
	}
	for i, msg := range history {
		switch msg.Role {
		case RoleUser:
			m := ollamaMessage{Role: "user", Content: msg.Text()}
			if i == attachAt {
				for _, a := range req.Attachments {
					// Only images have an inline slot in this protocol.
					if a.IsImage() {
						m.Images = append(m.Images, base64.StdEncoding.EncodeToString(a.Data))
					}
				}
			}
			out = append(out, m)

		case RoleAssistant:
			m := ollamaMessage{Role: "assistant", Content: msg.Text()}
			for _, tc := range msg.ToolCalls() {
				var wire ollamaToolCall
				wire.Function.Name = tc.Name
				wire.Function.Arguments = tc.Arguments
				if wire.Function.Arguments == nil {
					wire.Function.Arguments = map[string]any{}
				}
				m.ToolCalls = append(m.ToolCalls, wire)
			}
			out = append(out, m)

		case RoleToolResult:
			for _, tr := range msg.ToolResults() {
				out = append(out, ollamaMessage{Role: "tool", Content: tr.Content, ToolName: tr.Name})
			}
		}
	}
	return out
}

func ollamaStopReason(s string) StopReason {
	switch s {
	case "stop", "":
		return StopEndTurn
	case "length":
		return StopMaxTokens
	default:
		return StopOther
	}
}

// toolNames lists the declared tool names.
func toolNames(decls []ToolDeclaration) []string {
	if len(decls) == 0 {
		return nil
	}
	names := make([]string, 0, len(decls))
	for _, d := range decls {
		names = append(names, d.Name)
	}
	return names
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many models output tool calls as JSON in the content rather than using
// the native tool_calls field. Handled formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Concatenated objects: {...}{...}, optionally followed by prose
//   - Tagged: <tool_call>...</tool_call>
//   - Name then object: tool_name {...}
//
// When validTools is non-empty, calls naming any other tool are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var parsed []textToolCall
	switch {
	case strings.HasPrefix(content, "["):
		if err := json.Unmarshal([]byte(content), &parsed); err != nil {
			return nil
		}
	case strings.HasPrefix(content, "{"):
		parsed = decodeConcatenated(content)
	default:
		parsed = decodeNamePrefixed(content, validTools)
	}

	var result []ToolCall
	for _, p := range parsed {
		if p.Name == "" || !allowedTool(p.Name, validTools) {
			continue
		}
		args := p.Arguments
		if args == nil {
			args = map[string]any{}
		}
		result = append(result, ToolCall{ID: newCallID(), Name: p.Name, Arguments: args})
	}
	return result
}

// decodeConcatenated reads one or more back-to-back JSON objects and
// stops at the first thing that is not one.
func decodeConcatenated(content string) []textToolCall {
	dec := json.NewDecoder(strings.NewReader(content))
	var out []textToolCall
	for {
		var tc textToolCall
		if err := dec.Decode(&tc); err != nil {
			break
		}
		out = append(out, tc)
		rest := bytes.TrimSpace(bufferedRest(dec, content))
		if len(rest) == 0 || rest[0] != '{' {
			break
		}
	}
	return out
}

// bufferedRest returns the unread part of content after dec's offset.
func bufferedRest(dec *json.Decoder, content string) []byte {
	off := dec.InputOffset()
	if off >= int64(len(content)) {
		return nil
	}
	return []byte(content[off:])
}

// decodeNamePrefixed handles `tool_name {"arg": ...}`. The name must be
// a declared tool, since bare prose would otherwise match.
func decodeNamePrefixed(content string, validTools []string) []textToolCall {
	brace := strings.Index(content, "{")
	if brace <= 0 || len(validTools) == 0 {
		return nil
	}
	name := strings.TrimSpace(content[:brace])
	if strings.ContainsAny(name, " \t\n") || !allowedTool(name, validTools) {
		return nil
	}
	var args map[string]any
	if err := json.NewDecoder(strings.NewReader(content[brace:])).Decode(&args); err != nil {
		return nil
	}
	return []textToolCall{{Name: name, Arguments: args}}
}

func allowedTool(name string, validTools []string) bool {
	if len(validTools) == 0 {
		return true
	}
	for _, v := range validTools {
		if v == name {
			return true
		}
	}
	return false
}

// ListModels returns the models installed on the Ollama host.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.opts.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, c.opts.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(c.opts.name, resp, "")
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, malformed(c.opts.name, fmt.Errorf("decode response: %w", err))
	}
	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
