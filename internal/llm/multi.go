package llm

import (
	"context"
	"fmt"
	"strings"
)

// MultiClient routes requests to the appropriate provider based on model
// name. Models with a native adapter go straight to it; everything else
// goes to the gateway, which multiplexes upstream backends itself.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	prefixes []prefixRoute     // model-name prefix → provider name
	gateway  Client            // default client for unknown models
}

type prefixRoute struct {
	prefix   string
	provider string
}

// NewMultiClient creates a client that routes to multiple providers.
// gateway may be nil, in which case unknown models are an error.
func NewMultiClient(gateway Client) *MultiClient {
	return &MultiClient{
		clients: make(map[string]Client),
		models:  make(map[string]string),
		gateway: gateway,
	}
}

// AddProvider registers a client under its provider name.
func (m *MultiClient) AddProvider(client Client) {
	m.clients[client.Provider()] = client
}

// AddModel maps an exact model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// AddPrefix routes every model whose name starts with prefix to a
// provider. Earlier prefixes win.
func (m *MultiClient) AddPrefix(prefix, providerName string) {
	m.prefixes = append(m.prefixes, prefixRoute{prefix: prefix, provider: providerName})
}

// Provider names the routing layer itself.
func (m *MultiClient) Provider() string { return "multi" }

// ClientFor returns the client that serves model.
func (m *MultiClient) ClientFor(model string) (Client, error) {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client, nil
		}
	}
	for _, r := range m.prefixes {
		if strings.HasPrefix(model, r.prefix) {
			if client, ok := m.clients[r.provider]; ok {
				return client, nil
			}
		}
	}
	if m.gateway != nil {
		return m.gateway, nil
	}
	return nil, &Error{Kind: ErrInvalidRequest, Provider: "multi", Err: fmt.Errorf("no provider configured for model %q", model)}
}

// Execute sends a request to the appropriate provider for the model.
func (m *MultiClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	client, err := m.ClientFor(req.Model)
	if err != nil {
		return nil, err
	}
	return client.Execute(ctx, req)
}

// Stream sends a streaming request to the appropriate provider.
func (m *MultiClient) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	client, err := m.ClientFor(req.Model)
	if err != nil {
		return nil, err
	}
	return client.Stream(ctx, req, fn)
}
