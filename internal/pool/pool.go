// Package pool holds the process-wide shared collaborators: tokenizer,
// embedder, index adapters, broker, metadata DB, and the pipeline and
// search orchestrator built on top of them.
package pool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/webfuse/webfuse/internal/chunk"
	"github.com/webfuse/webfuse/internal/config"
	"github.com/webfuse/webfuse/internal/embed"
	"github.com/webfuse/webfuse/internal/errors"
	"github.com/webfuse/webfuse/internal/jobs"
	"github.com/webfuse/webfuse/internal/metadb"
	"github.com/webfuse/webfuse/internal/pipeline"
	"github.com/webfuse/webfuse/internal/scrape"
	"github.com/webfuse/webfuse/internal/search"
	"github.com/webfuse/webfuse/internal/store"
)

// Pool owns one instance of every expensive shared collaborator. Instances
// outlive individual requests and jobs; all of them are safe for concurrent
// use.
type Pool struct {
	Config   *config.Config
	Chunker  *chunk.Chunker
	Embedder embed.Embedder
	Vectors  store.VectorIndex
	Keywords store.KeywordIndex
	Broker   jobs.Broker
	DB       metadb.MetadataDB
	Scraper  scrape.Scraper
	Pipeline *pipeline.Pipeline
	Search   *search.Orchestrator

	mu     sync.Mutex
	closed bool
}

var (
	sharedMu sync.Mutex
	shared   *Pool
)

// Get returns the process-wide pool, constructing it on first call.
// First-init is serialized; later callers observe the finished instance.
func Get(ctx context.Context, cfg *config.Config) (*Pool, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		return shared, nil
	}
	p, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	shared = p
	return shared, nil
}

// Reset drops the shared instance so the next Get reconstructs it. Test
// hook; closes the current instance if present.
func Reset() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		shared.Close()
		shared = nil
	}
}

// New constructs a pool with real adapters from config. Loading the
// tokenizer and connecting the adapters happens exactly once here; workers
// and handlers share the result.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	p := &Pool{Config: cfg}

	p.Chunker = chunk.NewChunker(chunk.NewTokenizer(), chunk.Options{
		MaxChunkTokens: cfg.MaxChunkTokens,
		OverlapTokens:  cfg.ChunkOverlapTokens,
	})

	p.Embedder = embed.NewTEIEmbedder(embed.TEIConfig{
		URL:        cfg.TEIURL,
		Dimensions: cfg.VectorDim,
	})

	vectors, err := store.NewQdrantIndex(store.QdrantConfig{
		Addr:       cfg.QdrantURL,
		Collection: cfg.QdrantCollection,
		VectorDim:  uint64(cfg.VectorDim),
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Vectors = vectors

	if err := vectors.EnsureCollection(ctx); err != nil {
		// Qdrant being down at startup is tolerable; the collection is
		// re-ensured lazily before the first upsert matters.
		slog.Warn("qdrant_ensure_collection_failed", slog.String("error", err.Error()))
	}

	keywords, err := store.NewBM25Index(ctx, store.BM25Config{
		K1:   cfg.BM25K1,
		B:    cfg.BM25B,
		Path: cfg.BM25IndexPath,
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Keywords = keywords

	broker, err := jobs.NewRedisBroker(cfg.RedisURL, cfg.QueueName)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Broker = broker

	if cfg.DatabaseURL != "" {
		db, err := metadb.NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			p.Close()
			return nil, errors.Wrap(errors.KindInternal, "connect metadata db", err)
		}
		p.DB = db
	} else {
		slog.Warn("metadata_db_in_memory", slog.String("reason", "DATABASE_URL not set"))
		p.DB = metadb.NewMemoryDB()
	}

	if cfg.ScraperURL != "" {
		p.Scraper = scrape.NewFirecrawlScraper(scrape.FirecrawlConfig{
			URL:    cfg.ScraperURL,
			APIKey: cfg.ScraperAPIKey,
		})
	} else {
		p.Scraper = scrape.NewStaticScraper()
	}

	p.wire()
	return p, nil
}

// Options carries replacement collaborators for tests. Nil fields keep no
// default; every field is required.
type Options struct {
	Config   *config.Config
	Chunker  *chunk.Chunker
	Embedder embed.Embedder
	Vectors  store.VectorIndex
	Keywords store.KeywordIndex
	Broker   jobs.Broker
	DB       metadb.MetadataDB
	Scraper  scrape.Scraper
}

// NewWithCollaborators builds a pool from pre-constructed collaborators so
// tests can substitute in-memory fakes.
func NewWithCollaborators(opts Options) *Pool {
	p := &Pool{
		Config:   opts.Config,
		Chunker:  opts.Chunker,
		Embedder: opts.Embedder,
		Vectors:  opts.Vectors,
		Keywords: opts.Keywords,
		Broker:   opts.Broker,
		DB:       opts.DB,
		Scraper:  opts.Scraper,
	}
	p.wire()
	return p
}

// wire builds the pipeline and orchestrator over the adapters.
func (p *Pool) wire() {
	vectorDim := 0
	rrfK := 0
	if p.Config != nil {
		vectorDim = p.Config.VectorDim
		rrfK = p.Config.RRFK
	}
	p.Pipeline = pipeline.New(p.Chunker, p.Embedder, p.Vectors, p.Keywords, vectorDim)
	p.Search = search.New(p.Embedder, p.Vectors, p.Keywords, rrfK)
}

// Close shuts down every adapter. Idempotent; safe on a partially
// constructed pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	if p.Embedder != nil {
		_ = p.Embedder.Close()
	}
	if p.Vectors != nil {
		_ = p.Vectors.Close()
	}
	if p.Keywords != nil {
		_ = p.Keywords.Close()
	}
	if p.Broker != nil {
		_ = p.Broker.Close()
	}
	if p.DB != nil {
		p.DB.Close()
	}
	if p.Scraper != nil {
		_ = p.Scraper.Close()
	}
}
