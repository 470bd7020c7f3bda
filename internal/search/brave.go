package search

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/catalogmatch/internal/httpkit"
)

const braveAPIURL = "https://api.search.brave.com/res/v1/web/search"

// BraveConfig holds configuration for the Brave Search provider.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether a Brave API key is set.
func (c BraveConfig) Configured() bool {
	return c.APIKey != ""
}

// Brave queries the Brave Search web API.
type Brave struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewBrave returns a Brave provider. An empty endpoint selects the
// public API.
func NewBrave(apiKey, endpoint string) *Brave {
	if endpoint == "" {
		endpoint = braveAPIURL
	}
	return &Brave{
		apiKey:   apiKey,
		endpoint: endpoint,
		client:   httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (b *Brave) Name() string { return "brave" }

func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := opts.count()
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	q.Set("result_filter", "web")
	q.Set("text_decorations", "false")
	if opts.Language != "" {
		q.Set("search_lang", opts.Language)
	}

	header := http.Header{}
	header.Set("X-Subscription-Token", b.apiKey)

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := fetchJSON(ctx, b.client, b.Name(), b.endpoint+"?"+q.Encode(), header, &body); err != nil {
		return nil, err
	}

	hits := body.Web.Results
	if len(hits) > count {
		hits = hits[:count]
	}
	out := make([]Result, 0, len(hits))
	for _, r := range hits {
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return out, nil
}
