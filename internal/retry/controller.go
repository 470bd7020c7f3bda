package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/catalogmatch/internal/llm"
)

var tracer = otel.Tracer("github.com/nugget/catalogmatch/internal/retry")

// errCanceled marks a call abandoned because the caller's context ended.
var errCanceled = errors.New("call canceled")

// UsageFunc observes every successful backend response.
type UsageFunc func(ctx context.Context, resp *llm.Response)

// Controller runs one logical call against a client, retrying and
// falling back across models according to its [Policy].
type Controller struct {
	client    llm.Client
	fallbacks []string
	policy    Policy
	logger    *slog.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	onUsage UsageFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithUsage registers an observer for successful responses.
func WithUsage(fn UsageFunc) Option {
	return func(c *Controller) { c.onUsage = fn }
}

// WithSleep replaces the backoff sleeper. Tests use it to run without
// real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

// NewController wraps client. fallbacks are the house default models
// tried, in order, after the requested one.
func NewController(client llm.Client, fallbacks []string, policy Policy, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.FailuresBeforeFallback <= 0 {
		policy.FailuresBeforeFallback = DefaultPolicy().FailuresBeforeFallback
	}
	if policy.Unit <= 0 {
		policy.Unit = DefaultPolicy().Unit
	}
	if policy.RateLimitUnits <= 0 {
		policy.RateLimitUnits = DefaultPolicy().RateLimitUnits
	}
	c := &Controller{
		client:    client,
		fallbacks: fallbacks,
		policy:    policy,
		logger:    logger.With("component", "retry"),
		sleep:     sleepContext,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Chain returns the fallback chain for a requested model.
func (c *Controller) Chain(model string) []string {
	return Chain(model, c.fallbacks...)
}

// Execute runs req to completion with retries. The returned response
// names the model that actually answered.
func (c *Controller) Execute(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return c.run(ctx, req, func(ctx context.Context, r *llm.Request) (*llm.Response, error) {
		return c.client.Execute(ctx, r)
	})
}

// Stream is Execute with chunks delivered to fn. Chunks from a failed
// attempt may precede those of the attempt that succeeds; each failed
// attempt ends with a [llm.ChunkError] chunk.
func (c *Controller) Stream(ctx context.Context, req *llm.Request, fn llm.StreamFunc) (*llm.Response, error) {
	return c.run(ctx, req, func(ctx context.Context, r *llm.Request) (*llm.Response, error) {
		resp, err := c.client.Stream(ctx, r, fn)
		if err != nil && fn != nil {
			fn(llm.StreamChunk{Kind: llm.ChunkError, Err: err})
		}
		return resp, err
	})
}

type callFunc func(ctx context.Context, req *llm.Request) (*llm.Response, error)

func (c *Controller) run(ctx context.Context, req *llm.Request, call callFunc) (*llm.Response, error) {
	chain := c.Chain(req.Model)
	if len(chain) == 0 {
		return nil, &llm.Error{Kind: llm.ErrInvalidRequest, Provider: "retry", Message: "no model configured"}
	}

	var (
		state   State
		lastErr error
	)
	for {
		attemptReq := *req
		attemptReq.Model = chain[state.ModelIndex]
		state.Attempt++

		resp, err := c.attempt(ctx, &attemptReq, state, call)
		if err == nil {
			if state.ModelIndex > 0 {
				c.logger.Info("answered by fallback model",
					"requested", req.Model,
					"model", attemptReq.Model,
					"attempt", state.Attempt,
				)
			}
			if c.onUsage != nil {
				c.onUsage(ctx, resp)
			}
			return resp, nil
		}
		lastErr = err

		class := Classify(err)
		if ctx.Err() != nil {
			class = ClassFatal
		}
		var retryAfter time.Duration
		var le *llm.Error
		if errors.As(err, &le) {
			retryAfter = le.RetryAfter
		}

		d := c.policy.Next(state, class, len(chain), retryAfter)
		if d.GiveUp {
			c.logger.Warn("giving up",
				"model", attemptReq.Model,
				"attempt", state.Attempt,
				"class", class,
				"error", err,
			)
			return nil, lastErr
		}
		c.logger.Warn("backend call failed, retrying",
			"model", attemptReq.Model,
			"next_model", chain[d.Next.ModelIndex],
			"attempt", state.Attempt,
			"class", class,
			"delay", d.Delay,
			"error", err,
		)
		state = d.Next

		if err := c.sleep(ctx, d.Delay); err != nil {
			return nil, fmt.Errorf("%w: %w", errCanceled, lastErr)
		}
	}
}

// attempt makes one backend call inside its own span.
func (c *Controller) attempt(ctx context.Context, req *llm.Request, s State, call callFunc) (*llm.Response, error) {
	ctx, span := tracer.Start(ctx, "llm.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.attempt", s.Attempt),
			attribute.Int("llm.model_index", s.ModelIndex),
		),
	)
	defer span.End()

	resp, err := call(ctx, req)
	if err == nil && resp != nil && resp.Err != nil {
		err = resp.Err
	}
	if err == nil && resp == nil {
		err = &llm.Error{Kind: llm.ErrMalformed, Provider: "retry", Message: "empty response"}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("llm.failure_class", Classify(err).String()))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("llm.provider", resp.Provider),
		attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
