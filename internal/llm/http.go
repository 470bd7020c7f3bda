package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/catalogmatch/internal/httpkit"
)

// Option configures an adapter.
type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
	gate       Gate
	name       string
}

// WithBaseURL overrides the backend's API root.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the adapter's HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithGate makes the adapter acquire g before every backend call.
func WithGate(g Gate) Option {
	return func(o *options) { o.gate = g }
}

// WithName overrides the provider name the adapter reports. It lets one
// wire protocol serve under several names, e.g. an OpenAI-compatible
// gateway.
func WithName(n string) Option {
	return func(o *options) { o.name = n }
}

func buildOptions(defaultName, defaultURL string, opts []Option) options {
	o := options{name: defaultName, baseURL: defaultURL}
	for _, fn := range opts {
		fn(&o)
	}
	if o.httpClient == nil {
		// No global timeout: streams can be long-lived. Per-call bounds
		// come from Request.Timeout and the caller's context.
		o.httpClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(httpkit.NewLLMTransport()),
		)
	}
	return o
}

// callContext applies the request timeout, if any.
func callContext(ctx context.Context, req *Request) (context.Context, context.CancelFunc) {
	if req.Timeout > 0 {
		return context.WithTimeout(ctx, req.Timeout)
	}
	return context.WithCancel(ctx)
}

// postJSON marshals payload, sends it and returns the response when the
// status is 2xx. Any other outcome becomes an [*Error]; the caller owns
// closing the body on success.
func postJSON(ctx context.Context, o *options, logger *slog.Logger, url string, headers map[string]string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: ErrInvalidRequest, Provider: o.name, Err: fmt.Errorf("marshal request: %w", err)}
	}
	logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrInvalidRequest, Provider: o.name, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, o.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		logger.Warn("API error", "status", resp.StatusCode, "body", errBody)
		return nil, httpError(o.name, resp, errBody)
	}
	return resp, nil
}

// decodeJSON decodes a complete JSON reply.
func decodeJSON(provider string, resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return malformed(provider, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// streamError converts a failure while reading a stream body.
func streamError(ctx context.Context, provider string, err error) error {
	if _, ok := err.(*Error); ok {
		return err
	}
	if ctx.Err() != nil || IsTimeout(err) {
		return transportError(ctx, provider, err)
	}
	return &Error{Kind: ErrNetwork, Provider: provider, Err: fmt.Errorf("read stream: %w", err)}
}

// newCallID assigns a tool-call ID for backends that do not supply one.
func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// parseArguments decodes a JSON argument string. Unparseable input is
// preserved under "_raw" so the tool layer can report it to the model.
func parseArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

// encodeArguments renders arguments as the JSON string some wire formats
// require.
func encodeArguments(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// finish stamps provider, model and latency onto a response.
func finish(resp *Response, provider, model string, started time.Time) *Response {
	resp.Provider = provider
	if resp.Model == "" {
		resp.Model = model
	}
	resp.Latency = time.Since(started)
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Provider == "" {
			resp.ToolCalls[i].Provider = provider
		}
	}
	return resp
}

// firstUserIndex returns the index of the first user message, or -1.
func firstUserIndex(msgs []Message) int {
	for i, m := range msgs {
		if m.Role == RoleUser {
			return i
		}
	}
	return -1
}
