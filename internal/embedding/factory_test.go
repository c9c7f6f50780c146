package embedding

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestFactoryRegister(t *testing.T) {
	f := NewFactory()
	called := false
	f.Register("test", func(cfg ProviderConfig) (Provider, error) {
		called = true
		return &mockProvider{name: "test"}, nil
	})
	if _, err := f.Create(ProviderConfig{Provider: "test"}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("constructor was not called")
	}
}

func TestFactoryCreate_Errors(t *testing.T) {
	f := NewFactory()
	f.Register("known", func(cfg ProviderConfig) (Provider, error) {
		return nil, errors.New("boom")
	})

	tests := []struct {
		name     string
		provider string
		want     string
	}{
		{"empty", "", "required"},
		{"unknown", "nope", "unknown embedding provider"},
		{"constructor failure", "known", "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Create(ProviderConfig{Provider: tt.provider})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestFactoryCreate_WrapsChain(t *testing.T) {
	inner := &mockProvider{name: "test"}
	f := NewFactory()
	f.Register("test", func(cfg ProviderConfig) (Provider, error) { return inner, nil })

	p, err := f.Create(ProviderConfig{Provider: "test", BatchSize: 2, RequestsPerMinute: 6000, Burst: 10})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*BatchProvider); !ok {
		t.Fatalf("outermost wrapper = %T, want *BatchProvider", p)
	}
	if p.Name() != "test" {
		t.Errorf("name = %q", p.Name())
	}
	vecs, err := p.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil || len(vecs) != 3 {
		t.Fatalf("Embed = %v, %v", vecs, err)
	}
	if inner.callCount() != 2 {
		t.Errorf("expected 2 batched calls, got %d", inner.callCount())
	}
}

func TestDefaultProviderConfig(t *testing.T) {
	cfg := DefaultProviderConfig()
	if cfg.Provider != "ollama" || cfg.Model != "nomic-embed-text" || cfg.BaseURL != "http://localhost:11434" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
