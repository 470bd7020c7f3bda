package search

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/catalogmatch/internal/httpkit"
)

// SearXNGConfig holds configuration for the SearXNG provider.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether a SearXNG URL is set.
func (c SearXNGConfig) Configured() bool {
	return c.URL != ""
}

// SearXNG queries a self-hosted SearXNG instance through its JSON
// output format, which must be enabled in the instance settings.
type SearXNG struct {
	endpoint string
	client   *http.Client
}

// NewSearXNG returns a provider for the instance rooted at baseURL,
// such as "http://localhost:8888".
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		endpoint: strings.TrimRight(baseURL, "/") + "/search",
		client:   httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (s *SearXNG) Name() string { return "searxng" }

func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("categories", "general")
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}

	var body struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := fetchJSON(ctx, s.client, s.Name(), s.endpoint+"?"+q.Encode(), nil, &body); err != nil {
		return nil, err
	}

	// SearXNG has no count parameter; it returns a full page.
	n := min(opts.count(), len(body.Results))
	out := make([]Result, n)
	for i, r := range body.Results[:n] {
		out[i] = Result{Title: r.Title, URL: r.URL, Snippet: r.Content}
	}
	return out, nil
}
