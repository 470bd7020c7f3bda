package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/nugget/catalogmatch/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"

	anthropicDefaultMaxTokens = 4096
	anthropicThinkingBudget   = 2048
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey string
	opts   options
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...Option) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions("anthropic", anthropicAPIURL, opts)
	return &AnthropicClient{
		apiKey: apiKey,
		opts:   o,
		logger: logger.With("provider", o.name),
	}
}

// Provider returns "anthropic" unless overridden.
func (c *AnthropicClient) Provider() string { return c.opts.name }

// Anthropic request/response types

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	Thinking  string           `json:"thinking,omitempty"`
	Signature string           `json:"signature,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     any              `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"` // for tool_result
	IsError   bool             `json:"is_error,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SSE event types for streaming
type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *AnthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}
}

func (c *AnthropicClient) buildRequest(req *Request, stream bool) anthropicRequest {
	msgs := convertToAnthropic(req, c.opts.name)
	ar := anthropicRequest{
		Model:       req.Model,
		Messages:    msgs,
		System:      req.System,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		Stream:      stream,
		Tools:       convertToolsToAnthropic(req.Tools),
	}
	if ar.MaxTokens <= 0 {
		ar.MaxTokens = anthropicDefaultMaxTokens
	}
	// With thinking on, the latest tool-use turn must start with its
	// signed thinking block.
	if req.Thinking && thinkingReplayable(req.History(), c.opts.name) {
		ar.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: anthropicThinkingBudget}
		ar.Temperature = nil
		if ar.MaxTokens <= anthropicThinkingBudget {
			ar.MaxTokens = anthropicThinkingBudget + anthropicDefaultMaxTokens
		}
	}
	if req.CodeExecution {
		c.logger.Debug("code execution not offered by this backend; ignoring")
	}
	return ar
}

// Execute sends a non-streaming Messages request.
func (c *AnthropicClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := acquire(ctx, c.opts.gate); err != nil {
		return nil, err
	}
	ctx, cancel := callContext(ctx, req)
	defer cancel()

	started := time.Now()
	ar := c.buildRequest(req, false)
	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(ar.Messages),
		"tools", len(ar.Tools),
		"stream", false,
	)

	resp, err := postJSON(ctx, &c.opts, c.logger, c.opts.baseURL+"/v1/messages", c.headers(), ar)
	if err != nil {
		return nil, err
	}
	var wire anthropicResponse
	if err := decodeJSON(c.opts.name, resp, &wire); err != nil {
		return nil, err
	}

	result := finish(convertFromAnthropic(&wire), c.opts.name, req.Model, started)
	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"tool_calls", len(result.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Text)
	return result, nil
}

// Stream sends a streaming Messages request.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	if err := acquire(ctx, c.opts.gate); err != nil {
		return nil, err
	}
	ctx, cancel := callContext(ctx, req)
	defer cancel()

	started := time.Now()
	ar := c.buildRequest(req, true)
	resp, err := postJSON(ctx, &c.opts, c.logger, c.opts.baseURL+"/v1/messages", c.headers(), ar)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	em := &emitter{fn: fn}
	if err := c.readStream(ctx, resp.Body, req.Model, em); err != nil {
		return nil, err
	}
	result := finish(em.asm.Response(), c.opts.name, req.Model, started)
	c.logger.Debug("stream complete",
		"model", result.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"content_len", len(result.Text),
		"tool_calls", len(result.ToolCalls),
	)
	return result, nil
}

func (c *AnthropicClient) readStream(ctx context.Context, body io.Reader, model string, em *emitter) error {
	var (
		currentTool *anthropicContent
		toolJSON    []byte
		thinking    signedThinking
		stopReason  string
		usage       anthropicUsage
		respModel   string
		streamErr   error
	)

	complete := func() {
		em.emit(StreamChunk{Kind: ChunkTurnComplete, Response: &Response{
			Model:        firstNonEmpty(respModel, model),
			Provider:     c.opts.name,
			Usage:        Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens},
			StopReason:   anthropicStopReason(stopReason),
			Continuation: thinking.token(),
		}})
	}

	err := httpkit.ScanSSE(body, func(ev httpkit.SSEEvent) error {
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			c.logger.Debug("skipping malformed stream event", "error", err)
			return nil
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				respModel = event.Message.Model
				usage = event.Message.Usage
			}

		case "content_block_start":
			if event.ContentBlock == nil {
				return nil
			}
			switch event.ContentBlock.Type {
			case "tool_use":
				currentTool = event.ContentBlock
				toolJSON = toolJSON[:0]
			case "thinking", "redacted_thinking":
				thinking.add(event.ContentBlock.Type, event.ContentBlock.Signature)
			}

		case "content_block_delta":
			if event.Delta == nil {
				return nil
			}
			switch event.Delta.Type {
			case "text_delta":
				em.emit(StreamChunk{Kind: ChunkContent, Text: event.Delta.Text})
			case "thinking_delta":
				em.emit(StreamChunk{Kind: ChunkReasoning, Text: event.Delta.Thinking})
			case "signature_delta":
				thinking.signature += event.Delta.Signature
			case "input_json_delta":
				toolJSON = append(toolJSON, event.Delta.PartialJSON...)
			}

		case "content_block_stop":
			if currentTool != nil {
				tc := ToolCall{
					ID:        currentTool.ID,
					Name:      currentTool.Name,
					Arguments: parseArguments(string(toolJSON)),
					Provider:  c.opts.name,
				}
				em.emit(StreamChunk{Kind: ChunkToolCall, ToolCall: &tc})
				currentTool = nil
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			complete()

		case "error":
			streamErr = anthropicStreamError(c.opts.name, event.Error)
			em.emit(StreamChunk{Kind: ChunkError, Err: streamErr})
			return streamErr
		}
		return nil
	})
	if streamErr != nil {
		return streamErr
	}
	if err != nil {
		return streamError(ctx, c.opts.name, err)
	}
	if !em.asm.Complete() {
		return &Error{Kind: ErrNetwork, Provider: c.opts.name, Err: errStreamEnded}
	}
	return nil
}

func anthropicStreamError(provider string, e *anthropicError) *Error {
	if e == nil {
		return &Error{Kind: ErrServer, Provider: provider, Message: "stream error"}
	}
	kind := ErrInvalidRequest
	switch e.Type {
	case "overloaded_error", "api_error":
		kind = ErrServer
	case "rate_limit_error":
		kind = ErrRateLimit
	case "authentication_error", "permission_error":
		kind = ErrAuth
	}
	return &Error{Kind: kind, Provider: provider, Message: e.Message}
}

// convertToAnthropic converts canonical history to Anthropic messages.
// Tool results travel as user-role tool_result blocks; adjacent messages
// with the same wire role are merged because the API requires strict
// user/assistant alternation.
func convertToAnthropic(req *Request, provider string) []anthropicMessage {
	history := req.History()
	attachAt := firstUserIndex(history)

	var result []anthropicMessage
	appendBlocks := func(role string, blocks []anthropicContent) {
		if len(blocks) == 0 {
			return
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		result = append(result, anthropicMessage{Role: role, Content: blocks})
	}

	for i, msg := range history {
		var blocks []anthropicContent
		switch msg.Role {
		case RoleUser:
			if i == attachAt {
				blocks = append(blocks, anthropicAttachments(req.Attachments)...)
			}
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: text})
			}
			appendBlocks("user", blocks)

		case RoleAssistant:
			if p, ok := thinkingPart(msg, provider); ok {
				blocks = append(blocks, anthropicContent{Type: "thinking", Thinking: p.Text, Signature: p.Token})
			}
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls() {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: args,
				})
			}
			appendBlocks("assistant", blocks)

		case RoleToolResult:
			for _, tr := range msg.ToolResults() {
				blocks = append(blocks, anthropicContent{
					Type:      "tool_result",
					ToolUseID: tr.CallID,
					Content:   tr.Content,
					IsError:   tr.IsError,
				})
			}
			appendBlocks("user", blocks)
		}
	}
	return result
}

func anthropicAttachments(atts []Attachment) []anthropicContent {
	var blocks []anthropicContent
	for _, a := range atts {
		typ := "document"
		if a.IsImage() {
			typ = "image"
		}
		blocks = append(blocks, anthropicContent{
			Type: typ,
			Source: &anthropicSource{
				Type:      "base64",
				MediaType: a.MIMEType,
				Data:      base64.StdEncoding.EncodeToString(a.Data),
			},
		})
	}
	return blocks
}

// convertToolsToAnthropic converts canonical declarations to Anthropic format.
func convertToolsToAnthropic(decls []ToolDeclaration) []anthropicTool {
	if len(decls) == 0 {
		return nil
	}
	result := make([]anthropicTool, 0, len(decls))
	for _, d := range decls {
		result = append(result, anthropicTool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Parameters.Encode(DialectAnthropic),
		})
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to the canonical form.
func convertFromAnthropic(resp *anthropicResponse) *Response {
	out := &Response{
		Model:      resp.Model,
		StopReason: anthropicStopReason(resp.StopReason),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	var thinking signedThinking
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "thinking":
			out.Reasoning += block.Thinking
			thinking.add(block.Type, block.Signature)
		case "redacted_thinking":
			thinking.add(block.Type, "")
		case "tool_use":
			args, ok := block.Input.(map[string]any)
			if !ok {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	out.Continuation = thinking.token()
	return out
}

func anthropicStopReason(s string) StopReason {
	switch s {
	case "end_turn", "stop_sequence":
		return StopEndTurn
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "refusal":
		return StopSafety
	case "":
		return ""
	default:
		return StopOther
	}
}

// signedThinking tracks the thinking blocks of one reply. Only a single
// signed block is carried into history; a reply with several, or with a
// redacted block, cannot be replayed from one canonical part.
type signedThinking struct {
	blocks    int
	redacted  bool
	signature string
}

func (t *signedThinking) add(typ, signature string) {
	t.blocks++
	if typ == "redacted_thinking" {
		t.redacted = true
	}
	t.signature += signature
}

func (t *signedThinking) token() string {
	if t.blocks != 1 || t.redacted {
		return ""
	}
	return t.signature
}

// thinkingPart returns the signed thinking carried by an assistant
// message when provider issued it.
func thinkingPart(m Message, provider string) (Part, bool) {
	for _, p := range m.Parts {
		if p.Kind == PartContinuation && p.Provider == provider && p.Token != "" {
			return p, true
		}
	}
	return Part{}, false
}

// thinkingReplayable reports whether thinking can be requested: either
// no tool call has been made yet, or the latest tool-use turn carries
// this backend's signed thinking block.
func thinkingReplayable(msgs []Message, provider string) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != RoleAssistant || len(m.ToolCalls()) == 0 {
			continue
		}
		_, ok := thinkingPart(m, provider)
		return ok
	}
	return true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
