package similarity

import (
	"context"
	"math"
	"sync"

	"github.com/nidhogg/stratamem/internal/embedding"
)

// Embedded is a comparator backed by an embedding provider. Vectors are
// cached per text so repeated scoring of the same stored content only pays
// for one embedding call.
type Embedded struct {
	provider embedding.Provider

	mu    sync.RWMutex
	cache map[string][]float32
}

// NewEmbedded wraps an embedding provider as a comparator.
func NewEmbedded(provider embedding.Provider) *Embedded {
	return &Embedded{provider: provider, cache: make(map[string][]float32)}
}

// Func exposes the comparator as an injectable similarity function.
func (e *Embedded) Func() Func {
	return e.Compare
}

// Compare embeds both texts (cache-aware) and returns cosine similarity
// rescaled from [-1,1] to [0,1].
func (e *Embedded) Compare(ctx context.Context, a, b string) (float64, error) {
	va, err := e.vector(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := e.vector(ctx, b)
	if err != nil {
		return 0, err
	}
	return (cosine(va, vb) + 1) / 2, nil
}

func (e *Embedded) vector(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	v, ok := e.cache[text]
	e.mu.RUnlock()
	if ok {
		return v, nil
	}

	vectors, err := e.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	e.cache[text] = vectors[0]
	e.mu.Unlock()
	return vectors[0], nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
