// Package embeddings generates product and query vectors through
// Ollama's embed API and ranks stored vectors by cosine similarity for
// semantic catalog search.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nugget/catalogmatch/internal/httpkit"
)

// Gate is consulted once per embed request.
type Gate interface {
	Acquire(ctx context.Context) error
}

// Config for the embedding client.
type Config struct {
	BaseURL string // default http://localhost:11434
	Model   string // default nomic-embed-text

	// Gate is the embedding rate class.
	Gate Gate

	Logger *slog.Logger
}

// Client calls POST /api/embed on an Ollama server.
type Client struct {
	endpoint string
	model    string
	client   *http.Client
	gate     Gate
	logger   *slog.Logger
}

// New creates an embedding client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/api/embed",
		model:    cfg.Model,
		gate:     cfg.Gate,
		logger:   logger.With("component", "embeddings", "model", cfg.Model),
		client:   httpkit.NewClient(httpkit.WithTimeout(60 * time.Second)),
	}
}

// Model returns the embedding model name.
func (c *Client) Model() string { return c.model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Generate embeds one text.
func (c *Client) Generate(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.GenerateBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// GenerateBatch embeds texts in a single request. The result is in
// input order.
func (c *Client) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.gate != nil {
		if err := c.gate.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limit: %w", err)
		}
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d inputs", len(out.Embeddings), len(texts))
	}
	for i, v := range out.Embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("empty embedding for input %d", i)
		}
	}

	c.logger.Debug("embeddings generated",
		"inputs", len(texts),
		"dims", len(out.Embeddings[0]),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return out.Embeddings, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or
// zero when their lengths differ or either is a zero vector.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Scored is a vector index with its similarity to a query.
type Scored struct {
	Index int
	Score float32
}

// Rank returns the k vectors most similar to query, best first. Ties
// keep their input order; a negative k returns all of them.
func Rank(query []float32, vectors [][]float32, k int) []Scored {
	scores := make([]Scored, len(vectors))
	for i, v := range vectors {
		scores[i] = Scored{Index: i, Score: CosineSimilarity(query, v)}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})
	if k >= 0 && k < len(scores) {
		scores = scores[:k]
	}
	return scores
}
