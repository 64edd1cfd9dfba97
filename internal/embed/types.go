// Package embed generates vector embeddings for text via a remote
// text-embeddings-inference (TEI) server.
package embed

import (
	"context"
	"time"
)

// Common embedding constants.
const (
	// DefaultBatchSize is the number of texts sent per remote call.
	DefaultBatchSize = 32

	// MaxBatchSize caps the batch size to prevent oversized requests.
	MaxBatchSize = 256

	// DefaultRequestTimeout bounds a single embedding HTTP request.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultHealthTimeout bounds the health probe.
	DefaultHealthTimeout = 5 * time.Second
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. The result has
	// exactly one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// HealthCheck reports whether the embedder is reachable. Never errors.
	HealthCheck(ctx context.Context) bool

	// Close releases resources.
	Close() error
}
