package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
)

func TestRateLimitProvider_Unlimited(t *testing.T) {
	inner := &mockProvider{name: "test"}
	p := NewRateLimitProvider(inner, nil)
	for i := 0; i < 20; i++ {
		if _, err := p.Embed(context.Background(), []string{"x"}); err != nil {
			t.Fatal(err)
		}
	}
	if inner.callCount() != 20 {
		t.Errorf("expected 20 calls, got %d", inner.callCount())
	}
	if p.Name() != "test" {
		t.Errorf("name = %q", p.Name())
	}
}

func TestRateLimitProvider_BlocksBeyondBurst(t *testing.T) {
	inner := &mockProvider{name: "test"}
	// One request per minute with a burst of two: the third call must wait.
	p := NewRateLimitProvider(inner, &RateLimitConfig{RequestsPerMinute: 1, Burst: 2})

	for i := 0; i < 2; i++ {
		if _, err := p.Embed(context.Background(), []string{"x"}); err != nil {
			t.Fatalf("burst call %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Embed(ctx, []string{"x"})
	if !errors.Is(err, errdefs.ErrUpstreamUnavailable) {
		t.Fatalf("expected limiter wait to fail as upstream, got %v", err)
	}
	if inner.callCount() != 2 {
		t.Errorf("expected 2 calls to reach the provider, got %d", inner.callCount())
	}
}

func TestWithRateLimit_Nil(t *testing.T) {
	if WithRateLimit(nil, nil) != nil {
		t.Fatal("expected nil")
	}
}
