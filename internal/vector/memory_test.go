package vector_test

import (
	"testing"

	"github.com/efebarandurmaz/docvault/internal/vector"
	"github.com/efebarandurmaz/docvault/internal/vector/vectortest"
)

func TestMemoryCollection(t *testing.T) {
	vectortest.Run(t, vectortest.Opener{
		Open: func(t *testing.T) vector.Collection {
			return vector.NewMemory("test")
		},
		Concurrency: true,
	})
}
