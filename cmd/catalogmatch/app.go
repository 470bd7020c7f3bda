package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/nugget/catalogmatch/internal/buildinfo"
	"github.com/nugget/catalogmatch/internal/catalog"
	"github.com/nugget/catalogmatch/internal/config"
	"github.com/nugget/catalogmatch/internal/embeddings"
	"github.com/nugget/catalogmatch/internal/llm"
	"github.com/nugget/catalogmatch/internal/matcher"
	"github.com/nugget/catalogmatch/internal/mqtt"
	"github.com/nugget/catalogmatch/internal/ratelimit"
	"github.com/nugget/catalogmatch/internal/retry"
	"github.com/nugget/catalogmatch/internal/search"
	"github.com/nugget/catalogmatch/internal/telemetry"
	"github.com/nugget/catalogmatch/internal/usage"
)

// app holds the components shared by serve and match.
type app struct {
	logger  *slog.Logger
	catalog *catalog.Store
	usage   *usage.Store
	tokens  *mqtt.DailyTokens
	matcher *matcher.Matcher

	shutdownTelemetry telemetry.ShutdownFunc
}

// newApp opens the databases and wires the backend stack:
// adapters → multi-client → retry controller → matcher.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, buildinfo.Version, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a := &app{logger: logger, shutdownTelemetry: shutdown}

	limiter := ratelimit.New(cfg.RateLimits.Map(), logger)

	if a.catalog, err = openCatalog(cfg, limiter, logger); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if n, err := a.catalog.ProductCount(ctx); err == nil {
		logger.Info("catalog opened", "path", cfg.DataPath(cfg.Catalog.Path), "products", n)
		if n == 0 {
			logger.Warn("catalog is empty; run catalogmatch import first")
		}
	}

	if a.usage, err = usage.NewStore(cfg.DataPath("usage.db")); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	recorder := usage.NewRecorder(a.usage, cfg.Pricing, logger)
	a.tokens = mqtt.NewDailyTokens(time.Local)

	client := buildLLMClient(cfg, limiter.Gate(ratelimit.LLM), logger)
	controller := retry.NewController(client, cfg.Models.Fallback, retry.Policy{
		MaxAttempts:            cfg.Retry.MaxAttempts,
		FailuresBeforeFallback: cfg.Retry.FailuresBeforeFallback,
		Unit:                   cfg.Retry.BackoffUnit,
		RateLimitUnits:         cfg.Retry.RateLimitUnits,
	}, logger, retry.WithUsage(func(ctx context.Context, resp *llm.Response) {
		recorder.Observe(ctx, resp)
		a.tokens.Observe(ctx, resp)
	}))

	opts := []matcher.Option{matcher.WithSuggestions(a.catalog)}
	if web := buildSearch(cfg, logger); web != nil {
		opts = append(opts, matcher.WithWebSearch(web))
	}

	a.matcher = matcher.New(controller, a.catalog, matcher.Config{
		Model:             cfg.Models.Default,
		IterationsPerGoal: cfg.Matcher.IterationsPerGoal,
		CallsPerGoal:      cfg.Matcher.CallsPerGoal,
		ContextTokens:     cfg.Matcher.ContextTokens,
		FallbackCode:      cfg.Matcher.FallbackCode,
		Temperature:       cfg.Matcher.Temperature,
		MaxOutputTokens:   cfg.Matcher.MaxOutputTokens,
		Thinking:          cfg.Matcher.Thinking,
		CallTimeout:       cfg.Matcher.CallTimeout,
	}, logger, opts...)

	return a, nil
}

// Close releases the databases and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.catalog != nil {
		errs = append(errs, a.catalog.Close())
	}
	if a.usage != nil {
		errs = append(errs, a.usage.Close())
	}
	if a.shutdownTelemetry != nil {
		errs = append(errs, a.shutdownTelemetry(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
}

// openCatalog opens the catalog database, with an embedding client when
// embeddings are enabled.
func openCatalog(cfg *config.Config, limiter *ratelimit.Limiter, logger *slog.Logger) (*catalog.Store, error) {
	var opts []catalog.StoreOption
	if cfg.Embeddings.Enabled {
		emb := embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
			Gate:    limiter.Gate(ratelimit.Embedding),
			Logger:  logger,
		})
		opts = append(opts, catalog.WithEmbedder(emb, emb.Model()))
		logger.Info("embeddings enabled", "model", emb.Model(), "base_url", cfg.Embeddings.BaseURL)
	}

	store, err := catalog.NewStore(cfg.DataPath(cfg.Catalog.Path), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return store, nil
}

// buildLLMClient registers every configured provider on a MultiClient.
// Models with a native provider prefix go straight to that adapter;
// anything else goes to the gateway when one is configured.
func buildLLMClient(cfg *config.Config, gate llm.Gate, logger *slog.Logger) *llm.MultiClient {
	withBase := func(p config.ProviderConfig) []llm.Option {
		opts := []llm.Option{llm.WithGate(gate)}
		if p.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(p.BaseURL))
		}
		return opts
	}

	var gateway llm.Client
	if cfg.Gateway.Configured() {
		opts := append(withBase(cfg.Gateway), llm.WithName("gateway"))
		gateway = llm.NewOpenAIClient(cfg.Gateway.APIKey, logger, opts...)
		logger.Info("gateway provider configured", "base_url", cfg.Gateway.BaseURL)
	}
	multi := llm.NewMultiClient(gateway)

	if cfg.Anthropic.Configured() {
		multi.AddProvider(llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger, withBase(cfg.Anthropic)...))
		logger.Info("Anthropic provider configured")
	}
	if cfg.OpenAI.Configured() {
		multi.AddProvider(llm.NewOpenAIClient(cfg.OpenAI.APIKey, logger, withBase(cfg.OpenAI)...))
		logger.Info("OpenAI provider configured")
	}
	if cfg.Gemini.Configured() {
		multi.AddProvider(llm.NewGeminiClient(cfg.Gemini.APIKey, logger, withBase(cfg.Gemini)...))
		logger.Info("Gemini provider configured")
	}

	if len(cfg.Models.OllamaModels) > 0 {
		multi.AddProvider(llm.NewOllamaClient(logger, llm.WithGate(gate), llm.WithBaseURL(cfg.Models.OllamaURL)))
		for _, m := range cfg.Models.OllamaModels {
			multi.AddModel(m, "ollama")
		}
		logger.Info("Ollama provider configured", "url", cfg.Models.OllamaURL, "models", len(cfg.Models.OllamaModels))
	}

	// Longest prefix first so "gpt-4o" style overlaps resolve predictably.
	prefixes := slices.Collect(maps.Keys(cfg.Models.Prefixes))
	slices.SortFunc(prefixes, func(a, b string) int {
		if n := cmp.Compare(len(b), len(a)); n != 0 {
			return n
		}
		return cmp.Compare(a, b)
	})
	for _, prefix := range prefixes {
		multi.AddPrefix(prefix, cfg.Models.Prefixes[prefix])
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "fallback", cfg.Models.Fallback)
	return multi
}

// buildSearch returns the web search manager, or nil when no provider
// is configured.
func buildSearch(cfg *config.Config, logger *slog.Logger) *search.Manager {
	if !cfg.Search.Configured() {
		return nil
	}
	mgr := search.NewManager(cfg.Search.Default, logger)
	if cfg.Search.SearXNG.Configured() {
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
	}
	if cfg.Search.Brave.Configured() {
		mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey, ""))
	}
	logger.Info("web search enabled", "providers", mgr.Providers(), "default", cfg.Search.Default)
	return mgr
}

// mqttStatsAdapter bridges the API server's batch counters and build
// info to the MQTT publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	model string
	stats interface {
		ActiveBatches() int
		LastBatchTime() time.Time
	}
}

func (a *mqttStatsAdapter) Uptime() time.Duration    { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string          { return buildinfo.Version }
func (a *mqttStatsAdapter) DefaultModel() string     { return a.model }
func (a *mqttStatsAdapter) ActiveBatches() int       { return a.stats.ActiveBatches() }
func (a *mqttStatsAdapter) LastBatchTime() time.Time { return a.stats.LastBatchTime() }
