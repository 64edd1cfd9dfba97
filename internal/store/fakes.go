package store

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/webfuse/webfuse/internal/errors"
)

var (
	errClosed = errors.Internal("vector index is closed", nil)
	errDown   = errors.TransientRemote("vector index unavailable", nil)
)

// MemoryVectorIndex is an in-memory VectorIndex with exact cosine search.
// It exists for tests and for running without a Qdrant instance.
type MemoryVectorIndex struct {
	mu     sync.RWMutex
	points map[string]Point
	closed bool
	down   bool
}

// Verify interface implementation at compile time.
var _ VectorIndex = (*MemoryVectorIndex)(nil)

// NewMemoryVectorIndex creates an empty in-memory vector index.
func NewMemoryVectorIndex() *MemoryVectorIndex {
	return &MemoryVectorIndex{points: make(map[string]Point)}
}

// SetDown toggles simulated unavailability: operations error and the health
// check fails while down.
func (m *MemoryVectorIndex) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// EnsureCollection is a no-op for the in-memory index.
func (m *MemoryVectorIndex) EnsureCollection(ctx context.Context) error {
	return m.check()
}

// Upsert inserts or replaces points by ID.
func (m *MemoryVectorIndex) Upsert(ctx context.Context, points []Point) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

// Search returns the top limit points by cosine similarity that satisfy
// filter.
func (m *MemoryVectorIndex) Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]Hit, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.points))
	for _, p := range m.points {
		if !filter.Matches(p.Payload.DocMeta) {
			continue
		}
		hits = append(hits, Hit{
			ID:      p.ID,
			Score:   cosine(vector, p.Vector),
			Payload: p.Payload,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count returns the number of stored points.
func (m *MemoryVectorIndex) Count(ctx context.Context) (uint64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.points)), nil
}

// HealthCheck reports true unless closed or marked down.
func (m *MemoryVectorIndex) HealthCheck(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed && !m.down
}

// Close marks the index closed. Idempotent.
func (m *MemoryVectorIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryVectorIndex) check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	if m.down {
		return errDown
	}
	return nil
}

// cosine computes cosine similarity, 0 for mismatched or zero vectors.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
