package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nugget/catalogmatch/internal/httpkit"
)

const openAIAPIURL = "https://api.openai.com/v1"

// OpenAIClient speaks the Chat Completions protocol. Pointed at an
// OpenAI-compatible gateway base URL it serves as the multiplexing
// backend for every model without a native adapter.
type OpenAIClient struct {
	apiKey string
	opts   options
	logger *slog.Logger
}

// NewOpenAIClient creates a Chat Completions client. The base URL
// includes the version segment, e.g. "https://openrouter.ai/api/v1".
func NewOpenAIClient(apiKey string, logger *slog.Logger, opts ...Option) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions("openai", openAIAPIURL, opts)
	return &OpenAIClient{
		apiKey: apiKey,
		opts:   o,
		logger: logger.With("provider", o.name),
	}
}

// Provider returns "openai" unless overridden.
func (c *OpenAIClient) Provider() string { return c.opts.name }

type openAIRequest struct {
	Model           string               `json:"model"`
	Messages        []openAIMessage      `json:"messages"`
	Temperature     *float64             `json:"temperature,omitempty"`
	MaxTokens       int                  `json:"max_tokens,omitempty"`
	Tools           []map[string]any     `json:"tools,omitempty"`
	Stream          bool                 `json:"stream,omitempty"`
	StreamOptions   *openAIStreamOptions `json:"stream_options,omitempty"`
	ReasoningEffort string               `json:"reasoning_effort,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
	File     *openAIFile     `json:"file,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIFile struct {
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Index        int               `json:"index"`
	Message      openAIReplyFields `json:"message"`
	Delta        openAIReplyFields `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

// openAIReplyFields covers both a full message and a stream delta.
// Gateways report reasoning under either name.
type openAIReplyFields struct {
	Role             string           `json:"role"`
	Content          string           `json:"content"`
	Reasoning        string           `json:"reasoning"`
	ReasoningContent string           `json:"reasoning_content"`
	ToolCalls        []openAIToolCall `json:"tool_calls"`
}

type openAIUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (c *OpenAIClient) headers() map[string]string {
	h := map[string]string{}
	if c.apiKey != "" {
		h["Authorization"] = "Bearer " + c.apiKey
	}
	return h
}

func (c *OpenAIClient) buildRequest(req *Request, stream bool) openAIRequest {
	or := openAIRequest{
		Model:       req.Model,
		Messages:    convertToOpenAI(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
		Tools:       functionTools(req.Tools, DialectOpenAI),
		Stream:      stream,
	}
	if stream {
		or.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	if req.Thinking {
		or.ReasoningEffort = "medium"
	}
	return or
}

// Execute sends a non-streaming chat completion.
func (c *OpenAIClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := acquire(ctx, c.opts.gate); err != nil {
		return nil, err
	}
	ctx, cancel := callContext(ctx, req)
	defer cancel()

	started := time.Now()
	or := c.buildRequest(req, false)
	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(or.Messages),
		"tools", len(or.Tools),
		"stream", false,
	)

	resp, err := postJSON(ctx, &c.opts, c.logger, c.opts.baseURL+"/chat/completions", c.headers(), or)
	if err != nil {
		return nil, err
	}
	var wire openAIResponse
	if err := decodeJSON(c.opts.name, resp, &wire); err != nil {
		return nil, err
	}
	if wire.Error != nil {
		return nil, openAIInBandError(c.opts.name, wire.Error)
	}
	if len(wire.Choices) == 0 {
		return nil, malformed(c.opts.name, errNoChoices)
	}

	result := finish(convertFromOpenAI(&wire), c.opts.name, req.Model, started)
	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"tool_calls", len(result.ToolCalls),
	)
	return result, nil
}

// Stream sends a streaming chat completion.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	if err := acquire(ctx, c.opts.gate); err != nil {
		return nil, err
	}
	ctx, cancel := callContext(ctx, req)
	defer cancel()

	started := time.Now()
	resp, err := postJSON(ctx, &c.opts, c.logger, c.opts.baseURL+"/chat/completions", c.headers(), c.buildRequest(req, true))
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
		"tool_calls", len(result.ToolCalls),
	)
	return result, nil
}

// partialCall accumulates one tool call's fragments across deltas.
type partialCall struct {
	id   string
	name string
	args []byte
}

func (c *OpenAIClient) readStream(ctx context.Context, body io.Reader, model string, em *emitter) error {
	var (
		calls     = map[int]*partialCall{}
		finishRsn string
		usage     Usage
		respModel string
		sawFinish bool
		streamErr error
	)

	err := httpkit.ScanSSE(body, func(ev httpkit.SSEEvent) error {
		var chunk openAIResponse
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream event", "error", err)
			return nil
		}
		if chunk.Error != nil {
			streamErr = openAIInBandError(c.opts.name, chunk.Error)
			em.emit(StreamChunk{Kind: ChunkError, Err: streamErr})
			return streamErr
		}
		if chunk.Model != "" {
			respModel = chunk.Model
		}
		if chunk.Usage != nil {
			usage = openAIUsageOf(chunk.Usage)
		}
		for _, choice := range chunk.Choices {
			d := choice.Delta
			if r := firstNonEmpty(d.Reasoning, d.ReasoningContent); r != "" {
				em.emit(StreamChunk{Kind: ChunkReasoning, Text: r})
			}
			if d.Content != "" {
				em.emit(StreamChunk{Kind: ChunkContent, Text: d.Content})
			}
			for i, tc := range d.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				pc, ok := calls[idx]
				if !ok {
					pc = &partialCall{}
					calls[idx] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args = append(pc.args, tc.Function.Arguments...)
			}
			if choice.FinishReason != "" {
				finishRsn = choice.FinishReason
				sawFinish = true
			}
		}
		return nil
	})
	if streamErr != nil {
		return streamErr
	}
	if err != nil {
		return streamError(ctx, c.opts.name, err)
	}
	if !sawFinish {
		return &Error{Kind: ErrNetwork, Provider: c.opts.name, Err: errStreamEnded}
	}

	// Tool calls are emitted whole once the stream has delivered every
	// fragment, in index order.
	idxs := make([]int, 0, len(calls))
	for idx := range calls {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		pc := calls[idx]
		tc := ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: parseArguments(string(pc.args)),
			Provider:  c.opts.name,
		}
		if tc.ID == "" {
			tc.ID = newCallID()
		}
		em.emit(StreamChunk{Kind: ChunkToolCall, ToolCall: &tc})
	}

	em.emit(StreamChunk{Kind: ChunkTurnComplete, Response: &Response{
		Model:      firstNonEmpty(respModel, model),
		Provider:   c.opts.name,
		Usage:      usage,
		StopReason: openAIStopReason(finishRsn),
	}})
	return nil
}

// convertToOpenAI converts canonical history to Chat Completions
// messages. Each tool result becomes its own "tool" message.
func convertToOpenAI(req *Request) []openAIMessage {
	history := req.History()
	attachAt := firstUserIndex(history)

	var out []openAIMessage
	if req.System != "" {
		out = append(out, openAIMessage{Role: "system", Content: req.System})
	}
	for i, msg := range history {
		switch msg.Role {
		case RoleUser:
			if i == attachAt && len(req.Attachments) > 0 {
				parts := openAIAttachments(req.Attachments)
				if text := msg.Text(); text != "" {
					parts = append(parts, openAIContentPart{Type: "text", Text: text})
				}
				out = append(out, openAIMessage{Role: "user", Content: parts})
				continue
			}
			out = append(out, openAIMessage{Role: "user", Content: msg.Text()})

		case RoleAssistant:
			m := openAIMessage{Role: "assistant"}
			if text := msg.Text(); text != "" {
				m.Content = text
			}
			for _, tc := range msg.ToolCalls() {
				m.ToolCalls = append(m.ToolCalls, openAIToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      tc.Name,
						Arguments: encodeArguments(tc.Arguments),
					},
				})
			}
			out = append(out, m)

		case RoleToolResult:
			for _, tr := range msg.ToolResults() {
				out = append(out, openAIMessage{
					Role:       "tool",
					Content:    tr.Content,
					ToolCallID: tr.CallID,
					Name:       tr.Name,
				})
			}
		}
	}
	return out
}

func openAIAttachments(atts []Attachment) []openAIContentPart {
	var parts []openAIContentPart
	for _, a := range atts {
		dataURL := "data:" + a.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
		if a.IsImage() {
			parts = append(parts, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: dataURL}})
			continue
		}
		parts = append(parts, openAIContentPart{Type: "file", File: &openAIFile{Filename: a.Name, FileData: dataURL}})
	}
	return parts
}

func convertFromOpenAI(resp *openAIResponse) *Response {
	choice := resp.Choices[0]
	out := &Response{
		Model:      resp.Model,
		Text:       choice.Message.Content,
		Reasoning:  firstNonEmpty(choice.Message.Reasoning, choice.Message.ReasoningContent),
		StopReason: openAIStopReason(choice.FinishReason),
	}
	if resp.Usage != nil {
		out.Usage = openAIUsageOf(resp.Usage)
	}
	for _, tc := range choice.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = newCallID()
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}
	return out
}

func openAIUsageOf(u *openAIUsage) Usage {
	out := Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

func openAIStopReason(s string) StopReason {
	switch s {
	case "stop":
		return StopEndTurn
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	case "content_filter":
		return StopSafety
	case "":
		return ""
	default:
		return StopOther
	}
}

// openAIInBandError classifies an error object delivered with a 200
// status, which gateways do when an upstream fails mid-request.
func openAIInBandError(provider string, e *openAIError) *Error {
	kind := ErrServer
	code := ""
	switch v := e.Code.(type) {
	case string:
		code = v
	case float64:
		switch int(v) {
		case 401, 403:
			kind = ErrAuth
		case 429:
			kind = ErrRateLimit
		case 400:
			kind = ErrInvalidRequest
		}
	}
	switch {
	case code == "rate_limit_exceeded" || code == "insufficient_quota" || e.Type == "rate_limit_error":
		kind = ErrRateLimit
	case code == "invalid_api_key":
		kind = ErrAuth
	case containsAny(strings.ToLower(e.Message), signatureMarkers):
		kind = ErrSignature
	}
	return &Error{Kind: kind, Provider: provider, Message: e.Message}
}
