package llm

import "context"

// Client is the interface that all backend adapters implement.
//
// Adapters never retry. They return an [*Error] describing the failure
// and leave recovery to the caller.
type Client interface {
	// Execute sends a request and returns the complete response.
	Execute(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a request and delivers chunks to fn as they arrive.
	// The returned Response equals what assembling the chunks yields.
	Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error)

	// Provider returns the adapter's backend name.
	Provider() string
}

// Gate is consulted before every backend call. It blocks until the call
// may proceed or returns an error if it must not.
type Gate interface {
	Acquire(ctx context.Context) error
}

// acquire calls g.Acquire when a gate is configured.
func acquire(ctx context.Context, g Gate) error {
	if g == nil {
		return nil
	}
	return g.Acquire(ctx)
}
