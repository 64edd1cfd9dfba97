// Package pipeline runs a scraped document through cleaning, chunking,
// embedding, and dual indexing into the vector and keyword stores.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/webfuse/webfuse/internal/chunk"
	"github.com/webfuse/webfuse/internal/doc"
	"github.com/webfuse/webfuse/internal/embed"
	"github.com/webfuse/webfuse/internal/store"
	"github.com/webfuse/webfuse/internal/urlnorm"
)

// Result reports the outcome of indexing one document.
type Result struct {
	Success       bool   `json:"success"`
	URL           string `json:"url"`
	ChunksIndexed int    `json:"chunks_indexed"`
	TotalTokens   int    `json:"total_tokens"`
	Error         string `json:"error,omitempty"`
}

// Pipeline ties the ingestion stages together. All collaborators are shared
// and safe for concurrent use, so one Pipeline serves every worker.
type Pipeline struct {
	chunker   *chunk.Chunker
	embedder  embed.Embedder
	vectors   store.VectorIndex
	keywords  store.KeywordIndex
	vectorDim int
	logger    *slog.Logger
}

// New creates a pipeline over the given collaborators.
func New(chunker *chunk.Chunker, embedder embed.Embedder, vectors store.VectorIndex, keywords store.KeywordIndex, vectorDim int) *Pipeline {
	return &Pipeline{
		chunker:   chunker,
		embedder:  embedder,
		vectors:   vectors,
		keywords:  keywords,
		vectorDim: vectorDim,
		logger:    slog.Default(),
	}
}

// Index processes one document. Failures before the vector upsert leave both
// indexes untouched and return success=false. A keyword index failure after
// the vector upsert is logged and the result is still success=true: keyword
// search degrading beats dropping the document.
func (p *Pipeline) Index(ctx context.Context, d doc.Document) Result {
	start := time.Now()

	cleaned := doc.Clean(d.Markdown)
	if cleaned == "" {
		return p.fail(d.URL, "no content after cleaning")
	}

	meta := p.buildMeta(d)

	chunkStart := time.Now()
	chunks := p.chunker.Chunk(cleaned)
	if len(chunks) == 0 {
		return p.fail(d.URL, "no chunks generated")
	}
	chunkDur := time.Since(chunkStart)

	texts := make([]string, len(chunks))
	totalTokens := 0
	for i, c := range chunks {
		texts[i] = c.Text
		totalTokens += c.TokenCount
	}

	embedStart := time.Now()
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return p.fail(d.URL, fmt.Sprintf("embedding failed: %v", err))
	}
	for _, v := range vectors {
		if len(v) != p.vectorDim {
			return p.fail(d.URL, "dimension mismatch")
		}
	}
	embedDur := time.Since(embedStart)

	points := make([]store.Point, len(chunks))
	for i, c := range chunks {
		points[i] = store.Point{
			ID:     uuid.New().String(),
			Vector: vectors[i],
			Payload: store.Payload{
				DocMeta:    meta,
				Text:       c.Text,
				ChunkIndex: c.Index,
				TokenCount: c.TokenCount,
			},
		}
	}

	upsertStart := time.Now()
	if err := p.vectors.Upsert(ctx, points); err != nil {
		return p.fail(d.URL, fmt.Sprintf("vector upsert failed: %v", err))
	}
	upsertDur := time.Since(upsertStart)

	// Past this point the document is indexed; the keyword write is
	// best-effort.
	bm25Start := time.Now()
	if err := p.keywords.IndexDocument(ctx, cleaned, meta); err != nil {
		p.logger.Warn("bm25_index_failed",
			slog.String("url", d.URL),
			slog.String("error", err.Error()))
	}
	bm25Dur := time.Since(bm25Start)

	p.logger.Info("document_indexed",
		slog.String("url", d.URL),
		slog.String("canonical_url", meta.CanonicalURL),
		slog.Int("chunks", len(chunks)),
		slog.Int("total_tokens", totalTokens),
		slog.Duration("chunk_duration", chunkDur),
		slog.Duration("embed_duration", embedDur),
		slog.Duration("upsert_duration", upsertDur),
		slog.Duration("bm25_duration", bm25Dur),
		slog.Duration("total_duration", time.Since(start)))

	return Result{
		Success:       true,
		URL:           d.URL,
		ChunksIndexed: len(chunks),
		TotalTokens:   totalTokens,
	}
}

// buildMeta derives the shared chunk metadata. An uncanonicalizable URL
// falls back to its raw form rather than failing ingestion.
func (p *Pipeline) buildMeta(d doc.Document) store.DocMeta {
	canonical, err := urlnorm.Canonicalize(d.URL)
	if err != nil {
		p.logger.Warn("url_canonicalize_failed",
			slog.String("url", d.URL),
			slog.String("error", err.Error()))
		canonical = d.URL
	}

	return store.DocMeta{
		URL:          d.URL,
		CanonicalURL: canonical,
		Domain:       urlnorm.Domain(d.URL),
		Title:        d.Title,
		Description:  d.Description,
		Language:     d.Language,
		Country:      d.Country,
		IsMobile:     d.IsMobile,
	}
}

func (p *Pipeline) fail(url, reason string) Result {
	p.logger.Warn("document_index_failed",
		slog.String("url", url),
		slog.String("error", reason))
	return Result{Success: false, URL: url, Error: reason}
}
