// Package embedding turns texts into vectors through a remote embedding
// model and wraps providers with retry, rate limiting and batching.
package embedding

import (
	"context"
	"fmt"
	"net/http"
)

// Provider is the interface all embedding backends implement.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Name returns the provider identifier (e.g. "ollama", "openai").
	Name() string
}

// StatusError is a non-2xx response from an embedding endpoint.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s embed: %d %s: %s", e.Provider, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Temporary reports whether the request may succeed when repeated.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// CheckCount verifies a provider answered with one vector per text.
func CheckCount(provider string, texts []string, vectors [][]float32) error {
	if len(vectors) != len(texts) {
		return fmt.Errorf("%s embed: got %d vectors for %d texts", provider, len(vectors), len(texts))
	}
	return nil
}
