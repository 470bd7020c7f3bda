package llm

import (
	"context"
	"testing"
)

type namedClient struct {
	name string
	seen []string
}

func (c *namedClient) Execute(_ context.Context, req *Request) (*Response, error) {
	c.seen = append(c.seen, req.Model)
	return &Response{Provider: c.name, Model: req.Model}, nil
}

func (c *namedClient) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	resp, _ := c.Execute(ctx, req)
	for _, ch := range Chunks(resp) {
		fn(ch)
	}
	return resp, nil
}

func (c *namedClient) Provider() string { return c.name }

func TestMultiClientRouting(t *testing.T) {
	anthropic := &namedClient{name: "anthropic"}
	gemini := &namedClient{name: "gemini"}
	ollama := &namedClient{name: "ollama"}
	gateway := &namedClient{name: "gateway"}

	m := NewMultiClient(gateway)
	m.AddProvider(anthropic)
	m.AddProvider(gemini)
	m.AddProvider(ollama)
	m.AddPrefix("claude-", "anthropic")
	m.AddPrefix("gemini-", "gemini")
	m.AddModel("qwen3:8b", "ollama")

	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-20250514", "anthropic"},
		{"gemini-2.5-flash", "gemini"},
		{"qwen3:8b", "ollama"},
		{"mistralai/mistral-large", "gateway"},
		{"anthropic/claude-sonnet-4", "gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			resp, err := m.Execute(context.Background(), &Request{Model: tt.model})
			if err != nil {
				t.Fatal(err)
			}
			if resp.Provider != tt.want {
				t.Errorf("routed to %s, want %s", resp.Provider, tt.want)
			}
		})
	}
}

func TestMultiClientStreamRouting(t *testing.T) {
	gemini := &namedClient{name: "gemini"}
	m := NewMultiClient(nil)
	m.AddProvider(gemini)
	m.AddPrefix("gemini-", "gemini")

	var n int
	resp, err := m.Stream(context.Background(), &Request{Model: "gemini-2.5-pro"}, func(StreamChunk) { n++ })
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "gemini" || n == 0 {
		t.Errorf("resp = %+v, chunks = %d", resp, n)
	}
}

func TestMultiClientNoGateway(t *testing.T) {
	m := NewMultiClient(nil)
	_, err := m.Execute(context.Background(), &Request{Model: "unknown"})
	if KindOf(err) != ErrInvalidRequest {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestMultiClientModelMappingToMissingProvider(t *testing.T) {
	gateway := &namedClient{name: "gateway"}
	m := NewMultiClient(gateway)
	m.AddModel("special", "absent")
	resp, err := m.Execute(context.Background(), &Request{Model: "special"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "gateway" {
		t.Errorf("expected gateway fallback, got %s", resp.Provider)
	}
}
