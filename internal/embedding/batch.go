package embedding

import "context"

// BatchProvider splits large inputs into requests of at most size texts.
type BatchProvider struct {
	inner Provider
	size  int
}

// WithBatching wraps p so no single request carries more than size texts.
func WithBatching(p Provider, size int) Provider {
	if p == nil || size <= 0 {
		return p
	}
	return &BatchProvider{inner: p, size: size}
}

func (b *BatchProvider) Name() string { return b.inner.Name() }

// Embed issues the batches sequentially and checks every answer carries one
// vector per text.
func (b *BatchProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.size {
		end := min(start+b.size, len(texts))
		vectors, err := b.inner.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if err := CheckCount(b.inner.Name(), texts[start:end], vectors); err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}
