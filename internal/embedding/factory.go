package embedding

import (
	"fmt"
	"sort"
	"time"
)

// ProviderConfig holds all configuration needed to create any provider.
type ProviderConfig struct {
	Provider string // "ollama", "openai", or an OpenAI-compatible preset
	APIKey   string
	Model    string
	BaseURL  string // override for self-hosted endpoints

	Timeout    time.Duration // per-request timeout
	MaxRetries int
	RetryDelay time.Duration // initial backoff

	BatchSize         int // texts per request, 0 = unbounded
	RequestsPerMinute int // 0 = unlimited
	Burst             int
}

// DefaultProviderConfig returns a config for a local Ollama server.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Provider:   "ollama",
		Model:      "nomic-embed-text",
		BaseURL:    KnownProviders["ollama"],
		Timeout:    2 * time.Minute,
		MaxRetries: 3,
		RetryDelay: time.Second,
		BatchSize:  64,
	}
}

// ProviderFactory creates Provider instances from config.
type ProviderFactory struct {
	constructors map[string]ProviderConstructor
}

// ProviderConstructor builds a Provider from config.
type ProviderConstructor func(cfg ProviderConfig) (Provider, error)

// NewFactory creates an empty factory.
func NewFactory() *ProviderFactory {
	return &ProviderFactory{
		constructors: make(map[string]ProviderConstructor),
	}
}

// Register adds a provider constructor under the given name.
func (f *ProviderFactory) Register(name string, ctor ProviderConstructor) {
	f.constructors[name] = ctor
}

// Create builds the named provider and wraps it, innermost first, with rate
// limiting, retry, tracing and batching. Each batch request is therefore
// limited and retried on its own.
func (f *ProviderFactory) Create(cfg ProviderConfig) (Provider, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("embedding provider is required (registered: %v)", f.names())
	}
	ctor, ok := f.constructors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q (registered: %v)", cfg.Provider, f.names())
	}
	p, err := ctor(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerMinute > 0 {
		p = WithRateLimit(p, &RateLimitConfig{RequestsPerMinute: cfg.RequestsPerMinute, Burst: cfg.Burst})
	}
	p = WrapWithRetry(p, cfg)
	p = Instrument(p)
	if cfg.BatchSize > 0 {
		p = WithBatching(p, cfg.BatchSize)
	}
	return p, nil
}

func (f *ProviderFactory) names() []string {
	out := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KnownProviders maps provider presets to their default base URLs.
// OpenAI-compatible services use the "openai" client with these bases.
//
//	ollama     → http://localhost:11434 (native /api/embed)
//	openai     → https://api.openai.com/v1
//	together   → https://api.together.xyz/v1
//	mistral    → https://api.mistral.ai/v1
var KnownProviders = map[string]string{
	"ollama":   "http://localhost:11434",
	"openai":   "https://api.openai.com/v1",
	"together": "https://api.together.xyz/v1",
	"mistral":  "https://api.mistral.ai/v1",
}
