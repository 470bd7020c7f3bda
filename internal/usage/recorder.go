package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/catalogmatch/internal/config"
	"github.com/nugget/catalogmatch/internal/llm"
)

type batchKey struct{}

// WithBatch tags ctx with the batch the calls made under it belong to.
func WithBatch(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, batchKey{}, batchID)
}

// BatchFromContext returns the batch ID set by [WithBatch].
func BatchFromContext(ctx context.Context) string {
	id, _ := ctx.Value(batchKey{}).(string)
	return id
}

// Recorder turns backend responses into ledger rows.
type Recorder struct {
	store   *Store
	pricing map[string]config.PricingEntry
	logger  *slog.Logger
}

// NewRecorder returns a recorder writing to store.
func NewRecorder(store *Store, pricing map[string]config.PricingEntry, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, pricing: pricing, logger: logger.With("component", "usage")}
}

// Observe records resp. It has the shape of the retry controller's
// usage hook; failures are logged, not returned.
func (r *Recorder) Observe(ctx context.Context, resp *llm.Response) {
	if resp == nil {
		return
	}
	rec := Record{
		BatchID:         BatchFromContext(ctx),
		Model:           resp.Model,
		Provider:        resp.Provider,
		InputTokens:     resp.Usage.InputTokens,
		OutputTokens:    resp.Usage.OutputTokens,
		ReasoningTokens: resp.Usage.ReasoningTokens,
		CostUSD:         ComputeCost(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, r.pricing),
	}
	if err := r.store.Record(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("failed to record usage", "model", rec.Model, "batch_id", rec.BatchID, "error", err)
	}
}
