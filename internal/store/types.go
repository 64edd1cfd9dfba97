// Package store provides the two document indexes: a Qdrant-backed vector
// index and an in-process BM25 keyword index with file-locked persistence.
package store

import (
	"context"
)

// DocMeta is the document-level metadata carried by both indexes and
// returned with every search hit.
type DocMeta struct {
	URL          string `json:"url"`
	CanonicalURL string `json:"canonical_url"`
	Domain       string `json:"domain"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	Language     string `json:"language,omitempty"`
	Country      string `json:"country,omitempty"`
	IsMobile     bool   `json:"is_mobile"`
}

// Payload is the chunk-level record stored with each vector point.
type Payload struct {
	DocMeta
	Text       string `json:"text"`
	ChunkIndex int    `json:"chunk_index"`
	TokenCount int    `json:"token_count"`
}

// Point is a vector with its payload, ready for upsert.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is a single vector search result, ordered by descending score.
type Hit struct {
	ID      string
	Score   float32
	Payload Payload
}

// Filter is an AND of equality predicates over a fixed key set.
// Zero-valued fields do not constrain.
type Filter struct {
	Domain   string
	Language string
	Country  string
	IsMobile *bool
}

// Empty reports whether the filter constrains nothing.
func (f Filter) Empty() bool {
	return f.Domain == "" && f.Language == "" && f.Country == "" && f.IsMobile == nil
}

// Matches reports whether meta satisfies every set predicate.
func (f Filter) Matches(meta DocMeta) bool {
	if f.Domain != "" && f.Domain != meta.Domain {
		return false
	}
	if f.Language != "" && f.Language != meta.Language {
		return false
	}
	if f.Country != "" && f.Country != meta.Country {
		return false
	}
	if f.IsMobile != nil && *f.IsMobile != meta.IsMobile {
		return false
	}
	return true
}

// VectorIndex is the port to the vector database.
type VectorIndex interface {
	// EnsureCollection creates the collection if missing. Idempotent.
	EnsureCollection(ctx context.Context) error

	// Upsert writes points in a single call, all-or-nothing.
	Upsert(ctx context.Context, points []Point) error

	// Search returns up to limit hits ordered by descending score.
	Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]Hit, error)

	// Count returns the total number of points.
	Count(ctx context.Context) (uint64, error)

	// HealthCheck reports reachability. Never errors.
	HealthCheck(ctx context.Context) bool

	// Close releases resources. Idempotent.
	Close() error
}

// KeywordResult is a single BM25 search result. ID is the stable row
// identifier of the matched document.
type KeywordResult struct {
	ID    string
	Score float64
	Text  string
	Meta  DocMeta
}

// KeywordIndex is the port to the BM25 keyword index.
type KeywordIndex interface {
	// IndexDocument appends a full document and persists the index.
	IndexDocument(ctx context.Context, text string, meta DocMeta) error

	// Search scores all documents against query and returns the top limit
	// matches that satisfy filter.
	Search(ctx context.Context, query string, limit int, filter Filter) ([]KeywordResult, error)

	// Count returns the number of indexed documents.
	Count() int

	// Close releases resources. Idempotent.
	Close() error
}
