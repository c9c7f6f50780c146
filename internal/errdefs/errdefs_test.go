package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Validationf("bad %s", "shape"), http.StatusBadRequest},
		{"wrapped validation", fmt.Errorf("ingest: %w", Validationf("x")), http.StatusBadRequest},
		{"dimension", DimensionMismatch(3, 4), http.StatusInternalServerError},
		{"configuration", Configurationf("overlap"), http.StatusInternalServerError},
		{"upstream", Upstream("embed", errors.New("refused")), http.StatusInternalServerError},
		{"store", Store("add", errors.New("disk full")), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStore_DeadlineIsUpstream(t *testing.T) {
	err := Store("persist", context.DeadlineExceeded)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream kind, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected original error in chain")
	}
	if !Retryable(err) {
		t.Error("expected retryable")
	}
}

func TestStore_KeepsExistingKind(t *testing.T) {
	inner := DimensionMismatch(2, 3)
	err := Store("add", inner)
	if err != inner {
		t.Fatalf("expected error to pass through unchanged, got %v", err)
	}
	if errors.Is(err, ErrStore) {
		t.Error("dimension mismatch must not become a store error")
	}
}

func TestDimensionMismatch_Message(t *testing.T) {
	err := DimensionMismatch(3, 768)
	if !strings.Contains(err.Error(), "3") || !strings.Contains(err.Error(), "768") {
		t.Errorf("message should name both dimensions: %q", err.Error())
	}
}

func TestUpstream_Nil(t *testing.T) {
	if Upstream("x", nil) != nil {
		t.Error("expected nil")
	}
}
