// Package providers registers the built-in embedding clients.
package providers

import (
	"github.com/efebarandurmaz/docvault/internal/embedding"
	"github.com/efebarandurmaz/docvault/internal/embedding/ollama"
	"github.com/efebarandurmaz/docvault/internal/embedding/openai"
)

// RegisterDefaults registers ollama, openai and the OpenAI-compatible presets
// into factory. Both the server and the worker call this.
func RegisterDefaults(factory *embedding.ProviderFactory) {
	factory.Register("ollama", func(c embedding.ProviderConfig) (embedding.Provider, error) {
		return ollama.New(c.Model, c.BaseURL), nil
	})
	factory.Register("openai", func(c embedding.ProviderConfig) (embedding.Provider, error) {
		return openai.New(c.APIKey, c.Model, c.BaseURL), nil
	})
	for _, p := range []struct{ name, url string }{
		{"together", embedding.KnownProviders["together"]},
		{"mistral", embedding.KnownProviders["mistral"]},
		{"custom", ""},
	} {
		factory.Register(p.name, func(c embedding.ProviderConfig) (embedding.Provider, error) {
			base := c.BaseURL
			if base == "" {
				base = p.url
			}
			return openai.New(c.APIKey, c.Model, base), nil
		})
	}
}

// NewFactory returns a factory with the defaults registered.
func NewFactory() *embedding.ProviderFactory {
	f := embedding.NewFactory()
	RegisterDefaults(f)
	return f
}
