package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/efebarandurmaz/docvault/internal/embedding"
)

func TestNewFactory_CreatesBuiltins(t *testing.T) {
	f := NewFactory()
	for _, name := range []string{"ollama", "openai", "together", "mistral", "custom"} {
		p, err := f.Create(embedding.ProviderConfig{Provider: name, Model: "m"})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if p == nil {
			t.Fatalf("%s: nil provider", name)
		}
	}
}

func TestNewFactory_OllamaEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[[0.5,0.5]]}`))
	}))
	defer srv.Close()

	p, err := NewFactory().Create(embedding.ProviderConfig{
		Provider:  "ollama",
		Model:     "nomic-embed-text",
		BaseURL:   srv.URL,
		BatchSize: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "ollama" {
		t.Errorf("name = %q", p.Name())
	}
	vecs, err := p.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 1 || len(vecs[0]) != 2 {
		t.Errorf("vectors = %v", vecs)
	}
}
