package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/nugget/catalogmatch/internal/httpkit"
)

const geminiAPIURL = "https://generativelanguage.googleapis.com/v1beta"

// SkipSignature is sent in place of a thought signature for tool calls
// the backend did not issue itself, or whose signature was not recorded.
// The backend accepts it as an instruction to skip validation.
const SkipSignature = "skip_thought_signature_validator"

// GeminiClient speaks the generateContent protocol. The backend requires
// a thought signature on every function call replayed in history.
type GeminiClient struct {
	apiKey string
	opts   options
	logger *slog.Logger
}

// NewGeminiClient creates a generateContent client.
func NewGeminiClient(apiKey string, logger *slog.Logger, opts ...Option) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions("gemini", geminiAPIURL, opts)
	return &GeminiClient{
		apiKey: apiKey,
		opts:   o,
		logger: logger.With("provider", o.name),
	}
}

// Provider returns "gemini" unless overridden.
func (c *GeminiClient) Provider() string { return c.opts.name }

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []map[string]any  `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
	ToolConfig        *geminiToolConfig `json:"toolConfig,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig struct {
		Mode string `json:"mode"`
	} `json:"functionCallingConfig"`
}

type geminiGenConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text                string                  `json:"text,omitempty"`
	Thought             bool                    `json:"thought,omitempty"`
	ThoughtSignature    string                  `json:"thoughtSignature,omitempty"`
	InlineData          *geminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall        *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse    *geminiFunctionResponse `json:"functionResponse,omitempty"`
	ExecutableCode      *geminiExecutableCode   `json:"executableCode,omitempty"`
	CodeExecutionResult *geminiCodeResult       `json:"codeExecutionResult,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiExecutableCode struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

type geminiCodeResult struct {
	Outcome string `json:"outcome"`
	Output  string `json:"output"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	UsageMetadata  *geminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion   string            `json:"modelVersion,omitempty"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
}

func (c *GeminiClient) headers() map[string]string {
	return map[string]string{"x-goog-api-key": c.apiKey}
}

func (c *GeminiClient) endpoint(model, method string) string {
	return c.opts.baseURL + "/models/" + url.PathEscape(model) + ":" + method
}

func (c *GeminiClient) buildRequest(req *Request) geminiRequest {
	gr := geminiRequest{
		Contents: convertToGemini(req, c.opts.name),
		Tools:    geminiTools(req.Tools, req.CodeExecution),
	}
	if req.System != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	cfg := &geminiGenConfig{Temperature: req.Temperature, MaxOutputTokens: req.MaxOutputTokens}
	if req.Thinking {
		cfg.ThinkingConfig = &geminiThinkingConfig{IncludeThoughts: true}
	}
	if cfg.Temperature != nil || cfg.MaxOutputTokens > 0 || cfg.ThinkingConfig != nil {
		gr.GenerationConfig = cfg
	}
	if len(req.Tools) > 0 {
		gr.ToolConfig = &geminiToolConfig{}
		gr.ToolConfig.FunctionCallingConfig.Mode = "AUTO"
	}
	return gr
}

// Execute sends a non-streaming generateContent request.
func (c *GeminiClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := acquire(ctx, c.opts.gate); err != nil {
		return nil, err
	}
	ctx, cancel := callContext(ctx, req)
	defer cancel()

	started := time.Now()
	gr := c.buildRequest(req)
	c.logger.Debug("preparing request",
		"model", req.Model,
		"contents", len(gr.Contents),
		"tools", len(req.Tools),
		"stream", false,
	)

	resp, err := postJSON(ctx, &c.opts, c.logger, c.endpoint(req.Model, "generateContent"), c.headers(), gr)
	if err != nil {
		return nil, err
	}
	var wire geminiResponse
	if err := decodeJSON(c.opts.name, resp, &wire); err != nil {
		return nil, err
	}

	// Function calls arrive whole, so a complete reply is the same chunk
	// sequence a one-event stream would produce.
	var (
		em emitter
		t  geminiTurn
	)
	c.consume(&wire, &t, &em)
	c.completeTurn(&em, &t, req.Model)

	result := finish(em.asm.Response(), c.opts.name, req.Model, started)
	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"tool_calls", len(result.ToolCalls),
	)
	return result, nil
}

// Stream sends a streamGenerateContent request over SSE.
func (c *GeminiClient) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	if err := acquire(ctx, c.opts.gate); err != nil {
		return nil, err
	}
	ctx, cancel := callContext(ctx, req)
	defer cancel()

	started := time.Now()
	resp, err := postJSON(ctx, &c.opts, c.logger, c.endpoint(req.Model, "streamGenerateContent")+"?alt=sse", c.headers(), c.buildRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	em := &emitter{fn: fn}
	var t geminiTurn
	if err := c.readStream(ctx, resp.Body, &t, em); err != nil {
		return nil, err
	}
	c.completeTurn(em, &t, req.Model)

	result := finish(em.asm.Response(), c.opts.name, req.Model, started)
	c.logger.Debug("stream complete",
		"model", result.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"tool_calls", len(result.ToolCalls),
	)
	return result, nil
}

func (c *GeminiClient) readStream(ctx context.Context, body io.Reader, t *geminiTurn, em *emitter) error {
	events := 0
	err := httpkit.ScanSSE(body, func(ev httpkit.SSEEvent) error {
		var chunk geminiResponse
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream event", "error", err)
			return nil
		}
		events++
		c.consume(&chunk, t, em)
		return nil
	})
	if err != nil {
		return streamError(ctx, c.opts.name, err)
	}
	if events == 0 {
		return &Error{Kind: ErrNetwork, Provider: c.opts.name, Err: errStreamEnded}
	}
	return nil
}

// geminiTurn holds the metadata gathered while consuming one reply.
type geminiTurn struct {
	model        string
	usage        Usage
	finishReason string
	signature    string
	calls        int
}

// consume emits the chunks carried by one reply (or one stream event) and
// records its metadata in t.
func (c *GeminiClient) consume(r *geminiResponse, t *geminiTurn, em *emitter) {
	if r.ModelVersion != "" {
		t.model = r.ModelVersion
	}
	if r.UsageMetadata != nil {
		t.usage = Usage{
			InputTokens:     r.UsageMetadata.PromptTokenCount,
			OutputTokens:    r.UsageMetadata.CandidatesTokenCount,
			ReasoningTokens: r.UsageMetadata.ThoughtsTokenCount,
		}
	}
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" && len(r.Candidates) == 0 {
		t.finishReason = "SAFETY"
		return
	}
	if len(r.Candidates) == 0 {
		return
	}

	cand := r.Candidates[0]
	if cand.FinishReason != "" {
		t.finishReason = cand.FinishReason
	}
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			tc := ToolCall{
				ID:        p.FunctionCall.ID,
				Name:      p.FunctionCall.Name,
				Arguments: p.FunctionCall.Args,
				Signature: p.ThoughtSignature,
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

		case p.Thought:
			if p.Text != "" {
				em.emit(StreamChunk{Kind: ChunkReasoning, Text: p.Text})
			}

		case p.ExecutableCode != nil, p.CodeExecutionResult != nil:
			// Delegated execution happens backend-side; only its
			// conclusion in the text parts matters to the caller.

		default:
			if p.Text != "" {
				em.emit(StreamChunk{Kind: ChunkContent, Text: p.Text})
			}
			if p.ThoughtSignature != "" {
				t.signature = p.ThoughtSignature
			}
		}
	}
}

func (c *GeminiClient) completeTurn(em *emitter, t *geminiTurn, model string) {
	stop := geminiStopReason(t.finishReason)
	// The backend reports STOP for function-calling turns too.
	if t.calls > 0 && (stop == StopEndTurn || stop == "") {
		stop = StopToolUse
	}
	em.emit(StreamChunk{Kind: ChunkTurnComplete, Response: &Response{
		Model:        firstNonEmpty(t.model, model),
		Provider:     c.opts.name,
		Usage:        t.usage,
		StopReason:   stop,
		Continuation: t.signature,
	}})
}

// convertToGemini converts canonical history to generateContent contents.
// Every replayed function call carries a thought signature: the recorded
// one when this backend issued the call, SkipSignature otherwise.
func convertToGemini(req *Request, provider string) []geminiContent {
	history := req.History()
	attachAt := firstUserIndex(history)

	var out []geminiContent
	appendParts := func(role string, parts []geminiPart) {
		if len(parts) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, geminiContent{Role: role, Parts: parts})
	}

	for i, msg := range history {
		var parts []geminiPart
		switch msg.Role {
		case RoleUser:
			if i == attachAt {
				for _, a := range req.Attachments {
					parts = append(parts, geminiPart{InlineData: &geminiInlineData{
						MIMEType: a.MIMEType,
						Data:     base64.StdEncoding.EncodeToString(a.Data),
					}})
				}
			}
			if text := msg.Text(); text != "" {
				parts = append(parts, geminiPart{Text: text})
			}
			appendParts("user", parts)

		case RoleAssistant:
			if text := msg.Text(); text != "" {
				p := geminiPart{Text: text}
				if tok, from := msg.Continuation(); tok != "" && from == provider {
					p.ThoughtSignature = tok
				}
				parts = append(parts, p)
			}
			for _, tc := range msg.ToolCalls() {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, geminiPart{
					FunctionCall:     &geminiFunctionCall{Name: tc.Name, Args: args},
					ThoughtSignature: replaySignature(tc, provider),
				})
			}
			appendParts("model", parts)

		case RoleToolResult:
			for _, tr := range msg.ToolResults() {
				key := "result"
				if tr.IsError {
					key = "error"
				}
				parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
					Name:     tr.Name,
					Response: map[string]any{key: tr.Content},
				}})
			}
			appendParts("user", parts)
		}
	}
	return out
}

// replaySignature picks the signature to send with a historical call.
func replaySignature(tc ToolCall, provider string) string {
	if tc.Signature != "" && tc.Provider == provider {
		return tc.Signature
	}
	return SkipSignature
}

func geminiStopReason(s string) StopReason {
	switch s {
	case "STOP":
		return StopEndTurn
	case "MAX_TOKENS":
		return StopMaxTokens
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return StopSafety
	case "":
		return ""
	default:
		return StopOther
	}
}
