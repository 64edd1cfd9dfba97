package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/webfuse/webfuse/internal/errors"
)

// StaticEmbedder produces deterministic embeddings without a model server:
// each token is hashed into a bucket and the resulting bag-of-words vector
// is L2-normalized. Texts sharing tokens get correlated vectors, so ranking
// tests behave like they would against a real embedder.
type StaticEmbedder struct {
	dims int

	mu     sync.Mutex
	closed bool
	down   bool
}

// Verify interface implementation at compile time.
var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a static embedder with the given dimensionality.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &StaticEmbedder{dims: dims}
}

// SetDown toggles simulated unavailability.
func (s *StaticEmbedder) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Embed returns the deterministic vector for a single text.
func (s *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds each text independently. Blank texts are rejected for
// the whole batch, matching the remote embedder contract.
func (s *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	closed, down := s.closed, s.down
	s.mu.Unlock()

	if closed {
		return nil, errors.Internal("embedder is closed", nil)
	}
	if down {
		return nil, errors.TransientRemote("embedder unavailable", nil)
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, errors.Newf(errors.KindInvalidInput,
				"batch item %d is empty or whitespace-only", i)
		}
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = s.vector(text)
	}
	return vectors, nil
}

// Dimensions returns the configured vector size.
func (s *StaticEmbedder) Dimensions() int {
	return s.dims
}

// HealthCheck reports true unless closed or marked down.
func (s *StaticEmbedder) HealthCheck(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.down
}

// Close marks the embedder closed. Idempotent.
func (s *StaticEmbedder) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// vector hashes tokens into buckets and L2-normalizes the counts.
func (s *StaticEmbedder) vector(text string) []float32 {
	vec := make([]float32, s.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[h.Sum32()%uint32(s.dims)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1 // degenerate input still gets a unit vector
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
