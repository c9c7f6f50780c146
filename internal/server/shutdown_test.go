package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDefaultShutdownConfig(t *testing.T) {
	cfg := DefaultShutdownConfig()
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %v", cfg.Timeout)
	}
	if len(cfg.Signals) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(cfg.Signals))
	}
}

func TestNewShutdownHandler(t *testing.T) {
	if h := NewShutdownHandler(nil); h.timeout != 30*time.Second {
		t.Fatalf("expected default timeout, got %v", h.timeout)
	}
	if h := NewShutdownHandler(&ShutdownConfig{Timeout: 10 * time.Second}); h.timeout != 10*time.Second {
		t.Fatalf("expected 10s timeout, got %v", h.timeout)
	}
	if h := NewShutdownHandler(&ShutdownConfig{}); h.timeout != 30*time.Second {
		t.Fatalf("expected zero timeout to fall back to 30s, got %v", h.timeout)
	}
}

func TestShutdownHandler_HookPriority(t *testing.T) {
	h := NewShutdownHandler(nil)
	noop := func(ctx context.Context) error { return nil }

	h.RegisterHook("low", 100, noop)
	h.RegisterHook("high", 10, noop)
	h.RegisterHook("mid", 50, noop)
	h.RegisterHook("mid-2", 50, noop)

	want := []string{"high", "mid", "mid-2", "low"}
	for i, name := range want {
		if h.hooks[i].Name != name {
			t.Fatalf("position %d: expected %q, got %q", i, name, h.hooks[i].Name)
		}
	}
}

func TestShutdownHandler_RunsHooksInOrder(t *testing.T) {
	h := NewShutdownHandler(&ShutdownConfig{Timeout: 5 * time.Second})

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	h.Register(CollectionShutdownHook(nil, func() error { return record("collection")(context.Background()) }))
	h.Register(AuditLoggerShutdownHook(func() error { return record("audit")(context.Background()) }))
	h.Register(TracingShutdownHook(record("tracing")))
	h.Register(HTTPServerShutdownHook("http", record("http")))

	h.Start()
	h.Shutdown("test")
	if !h.WaitWithTimeout(2 * time.Second) {
		t.Fatal("shutdown timed out")
	}

	want := []string{"http", "tracing", "audit", "collection"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
	if h.Reason() != "test" {
		t.Fatalf("expected reason 'test', got %q", h.Reason())
	}
}

func TestShutdownHandler_HookWithError(t *testing.T) {
	h := NewShutdownHandler(&ShutdownConfig{Timeout: 5 * time.Second})

	called := make(chan struct{})
	h.RegisterHook("failing", 10, func(ctx context.Context) error {
		return errors.New("hook failed")
	})
	h.RegisterHook("after", 20, func(ctx context.Context) error {
		close(called)
		return nil
	})

	h.Start()
	h.Shutdown("test")
	h.Wait()

	select {
	case <-called:
	default:
		t.Fatal("expected second hook to be called despite first failing")
	}
}

func TestShutdownHandler_WaitWithTimeout(t *testing.T) {
	h := NewShutdownHandler(&ShutdownConfig{Timeout: 10 * time.Second})

	release := make(chan struct{})
	h.RegisterHook("slow", 10, func(ctx context.Context) error {
		<-release
		return nil
	})

	h.Start()
	h.Shutdown("test")

	if h.WaitWithTimeout(50 * time.Millisecond) {
		t.Fatal("expected timeout while hook is blocked")
	}
	close(release)
	if !h.WaitWithTimeout(2 * time.Second) {
		t.Fatal("expected shutdown to finish after hook returns")
	}
}

func TestShutdownHandler_ShutdownIdempotent(t *testing.T) {
	h := NewShutdownHandler(&ShutdownConfig{Timeout: time.Second})

	// No-op before Start.
	h.Shutdown("early")
	select {
	case <-h.ShutdownCh():
		t.Fatal("shutdown started before Start")
	default:
	}

	h.Start()
	h.Start()
	h.Shutdown("first")
	h.Shutdown("second")
	h.Wait()
	if h.Reason() != "first" {
		t.Fatalf("expected reason 'first', got %q", h.Reason())
	}
}

func TestCollectionShutdownHook_PersistsThenCloses(t *testing.T) {
	var steps []string
	hook := CollectionShutdownHook(
		func(ctx context.Context) error {
			steps = append(steps, "persist")
			return errors.New("disk full")
		},
		func() error {
			steps = append(steps, "close")
			return nil
		},
	)
	if hook.Priority != PriorityCollection {
		t.Fatalf("expected priority %d, got %d", PriorityCollection, hook.Priority)
	}
	if err := hook.Fn(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(steps) != 2 || steps[0] != "persist" || steps[1] != "close" {
		t.Fatalf("unexpected steps: %v", steps)
	}
}

func TestTemporalWorkerShutdownHook(t *testing.T) {
	stopped := false
	hook := TemporalWorkerShutdownHook(func() { stopped = true })
	if hook.Name != "temporal-worker" || hook.Priority != PriorityWorker {
		t.Fatalf("unexpected hook: %+v", hook)
	}
	hook.Fn(context.Background())
	if !stopped {
		t.Fatal("expected worker to be stopped")
	}
}
