// Package config handles catalogmatch configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/catalogmatch/internal/ratelimit"
	"github.com/nugget/catalogmatch/internal/search"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/catalogmatch/config.yaml, /etc/catalogmatch/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "catalogmatch", "config.yaml"))
	}

	paths = append(paths, "/etc/catalogmatch/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all catalogmatch configuration.
type Config struct {
	Listen     ListenConfig            `yaml:"listen"`
	Models     ModelsConfig            `yaml:"models"`
	Anthropic  ProviderConfig          `yaml:"anthropic"`
	OpenAI     ProviderConfig          `yaml:"openai"`
	Gemini     ProviderConfig          `yaml:"gemini"`
	Gateway    ProviderConfig          `yaml:"gateway"`
	Matcher    MatcherConfig           `yaml:"matcher"`
	Retry      RetryConfig             `yaml:"retry"`
	RateLimits RateLimitsConfig        `yaml:"rate_limits"`
	Catalog    CatalogConfig           `yaml:"catalog"`
	Embeddings EmbeddingsConfig        `yaml:"embeddings"`
	Search     SearchConfig            `yaml:"search"`
	MQTT       MQTTConfig              `yaml:"mqtt"`
	Telemetry  TelemetryConfig         `yaml:"telemetry"`
	Pricing    map[string]PricingEntry `yaml:"pricing"`
	DataDir    string                  `yaml:"data_dir"`
	LogLevel   string                  `yaml:"log_level"`
	LogFormat  string                  `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the server binds to.
func (l ListenConfig) Addr() string {
	return net.JoinHostPort(l.Address, strconv.Itoa(l.Port))
}

// ModelsConfig defines model selection and routing.
type ModelsConfig struct {
	// Default is the model a batch uses unless the request names one.
	Default string `yaml:"default"`

	// Fallback lists the house default models tried, in order, after
	// the requested model keeps failing.
	Fallback []string `yaml:"fallback"`

	// OllamaURL is the local Ollama server.
	OllamaURL string `yaml:"ollama_url"`

	// OllamaModels are served by the local Ollama server.
	OllamaModels []string `yaml:"ollama_models"`

	// Prefixes route model names to a provider by prefix. Names matching
	// nothing go to the gateway.
	Prefixes map[string]string `yaml:"prefixes"`
}

// ProviderConfig holds credentials and endpoint for one backend.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether the backend has credentials or a custom
// endpoint.
func (p ProviderConfig) Configured() bool {
	return p.APIKey != "" || p.BaseURL != ""
}

// MatcherConfig tunes the batch matching loop.
type MatcherConfig struct {
	// IterationsPerGoal bounds the loop at this many turns per goal.
	IterationsPerGoal int `yaml:"iterations_per_goal"`

	// CallsPerGoal closes a goal as unmatched once this many tool calls
	// have been spent on it.
	CallsPerGoal int `yaml:"calls_per_goal"`

	// ContextTokens is the history ceiling the context window manager
	// prunes to.
	ContextTokens int `yaml:"context_tokens"`

	// FallbackCode is the reserved catalog code for "no confident match".
	FallbackCode string `yaml:"fallback_code"`

	Temperature     *float64      `yaml:"temperature"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	Thinking        bool          `yaml:"thinking"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

// RetryConfig holds the retry and fallback constants.
type RetryConfig struct {
	MaxAttempts            int           `yaml:"max_attempts"`
	FailuresBeforeFallback int           `yaml:"failures_before_fallback"`
	BackoffUnit            time.Duration `yaml:"backoff_unit"`
	RateLimitUnits         int           `yaml:"rate_limit_units"`
}

// RateLimitsConfig holds ceilings per resource class.
type RateLimitsConfig struct {
	LLM       ratelimit.Limits `yaml:"llm"`
	Embedding ratelimit.Limits `yaml:"embedding"`
}

// Map returns the ceilings keyed by class.
func (r RateLimitsConfig) Map() map[ratelimit.Class]ratelimit.Limits {
	return map[ratelimit.Class]ratelimit.Limits{
		ratelimit.LLM:       r.LLM,
		ratelimit.Embedding: r.Embedding,
	}
}

// CatalogConfig locates the catalog database.
type CatalogConfig struct {
	// Path is the SQLite file. Relative paths resolve under data_dir.
	Path string `yaml:"path"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`    // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"base_url"` // Ollama URL (defaults to models.ollama_url)
}

// SearchConfig configures the web_search tool's providers.
type SearchConfig struct {
	Default string               `yaml:"default"`
	SearXNG search.SearXNGConfig `yaml:"searxng"`
	Brave   search.BraveConfig   `yaml:"brave"`
}

// Configured reports whether any provider is set up.
func (s SearchConfig) Configured() bool {
	return s.SearXNG.Configured() || s.Brave.Configured()
}

// MQTTConfig configures batch outcome publication.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TopicPrefix roots every topic. Outcomes go to
	// <prefix>/batches/<batch_id>.
	TopicPrefix string `yaml:"topic_prefix"`

	// ClientID defaults to catalogmatch-<instance id>.
	ClientID string `yaml:"client_id"`

	// StatusIntervalSec is how often the status document is refreshed.
	StatusIntervalSec int `yaml:"status_interval_sec"`
}

// Configured reports whether a broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"` // host:port of an OTLP/gRPC collector
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// PricingEntry is the per-million-token price of one model, in USD.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:   "gemini-2.5-pro",
			Fallback:  []string{"gemini-2.5-flash", "claude-sonnet-4-20250514"},
			OllamaURL: "http://localhost:11434",
		},
		DataDir: "./data",
	}
	cfg.applyDefaults()
	return cfg
}

// defaultPrefixes route provider-native model families.
var defaultPrefixes = map[string]string{
	"claude-":  "anthropic",
	"gpt-":     "openai",
	"o3":       "openai",
	"o4-":      "openai",
	"gemini-":  "gemini",
	"gemma-":   "gemini",
	"chatgpt-": "openai",
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if len(c.Models.Prefixes) == 0 {
		c.Models.Prefixes = make(map[string]string, len(defaultPrefixes))
		for k, v := range defaultPrefixes {
			c.Models.Prefixes[k] = v
		}
	}

	m := &c.Matcher
	if m.IterationsPerGoal == 0 {
		m.IterationsPerGoal = 7
	}
	if m.CallsPerGoal == 0 {
		m.CallsPerGoal = 20
	}
	if m.ContextTokens == 0 {
		m.ContextTokens = 120000
	}
	if m.FallbackCode == "" {
		m.FallbackCode = "999999"
	}
	if m.MaxOutputTokens == 0 {
		m.MaxOutputTokens = 8192
	}
	if m.CallTimeout == 0 {
		m.CallTimeout = 3 * time.Minute
	}

	r := &c.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.FailuresBeforeFallback == 0 {
		r.FailuresBeforeFallback = 3
	}
	if r.BackoffUnit == 0 {
		r.BackoffUnit = time.Second
	}
	if r.RateLimitUnits == 0 {
		r.RateLimitUnits = 10
	}

	if c.Catalog.Path == "" {
		c.Catalog.Path = "catalog.db"
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Models.OllamaURL
	}
	if c.Search.Default == "" {
		switch {
		case c.Search.SearXNG.Configured():
			c.Search.Default = "searxng"
		case c.Search.Brave.Configured():
			c.Search.Default = "brave"
		}
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "catalogmatch"
	}
	if c.MQTT.StatusIntervalSec == 0 {
		c.MQTT.StatusIntervalSec = 60
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "catalogmatch"
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	m := c.Matcher
	if m.IterationsPerGoal < 1 {
		errs = append(errs, errors.New("matcher.iterations_per_goal must be positive"))
	}
	if m.CallsPerGoal < 1 {
		errs = append(errs, errors.New("matcher.calls_per_goal must be positive"))
	}
	if m.ContextTokens < 1000 {
		errs = append(errs, fmt.Errorf("matcher.context_tokens %d is too small", m.ContextTokens))
	}
	if m.Temperature != nil && (*m.Temperature < 0 || *m.Temperature > 2) {
		errs = append(errs, fmt.Errorf("matcher.temperature %v out of range [0, 2]", *m.Temperature))
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.FailuresBeforeFallback < 1 {
		errs = append(errs, errors.New("retry attempts must be positive"))
	}
	if c.Retry.RateLimitUnits < 0 {
		errs = append(errs, fmt.Errorf("retry.rate_limit_units %d must not be negative", c.Retry.RateLimitUnits))
	}
	for name, lim := range map[string]ratelimit.Limits{"llm": c.RateLimits.LLM, "embedding": c.RateLimits.Embedding} {
		if lim.PerMinute < 0 || lim.PerDay < 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s must not be negative", name))
		}
	}
	if c.Search.Default != "" && c.Search.Default != "searxng" && c.Search.Default != "brave" {
		errs = append(errs, fmt.Errorf("unknown search.default %q", c.Search.Default))
	}
	return errors.Join(errs...)
}

// DataPath resolves name under DataDir unless it is absolute.
func (c *Config) DataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}
