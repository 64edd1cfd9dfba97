package pool

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webfuse/webfuse/internal/chunk"
	"github.com/webfuse/webfuse/internal/config"
	"github.com/webfuse/webfuse/internal/doc"
	"github.com/webfuse/webfuse/internal/embed"
	"github.com/webfuse/webfuse/internal/jobs"
	"github.com/webfuse/webfuse/internal/metadb"
	"github.com/webfuse/webfuse/internal/scrape"
	"github.com/webfuse/webfuse/internal/search"
	"github.com/webfuse/webfuse/internal/store"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()

	cfg := config.Default()
	cfg.TestMode = true
	cfg.VectorDim = 32

	mr := miniredis.RunT(t)
	broker, err := jobs.NewRedisBroker("redis://"+mr.Addr(), cfg.QueueName)
	require.NoError(t, err)

	keywords, err := store.NewBM25Index(context.Background(), store.BM25Config{})
	require.NoError(t, err)

	p := NewWithCollaborators(Options{
		Config:   &cfg,
		Chunker:  chunk.NewChunker(chunk.NewTokenizer(), chunk.Options{}),
		Embedder: embed.NewStaticEmbedder(cfg.VectorDim),
		Vectors:  store.NewMemoryVectorIndex(),
		Keywords: keywords,
		Broker:   broker,
		DB:       metadb.NewMemoryDB(),
		Scraper:  scrape.NewStaticScraper(),
	})
	t.Cleanup(p.Close)
	return p
}

func TestPool_WiresPipelineAndSearch(t *testing.T) {
	p := newTestPool(t)
	require.NotNil(t, p.Pipeline)
	require.NotNil(t, p.Search)

	res := p.Pipeline.Index(context.Background(),
		doc.Document{URL: "https://example.com/a", Markdown: "wired pool content"})
	require.True(t, res.Success, res.Error)

	results := p.Search.Search(context.Background(), "wired pool",
		search.ModeHybrid, 10, store.Filter{})
	require.Len(t, results, 1)
}

func TestPool_CloseIdempotent(t *testing.T) {
	p := newTestPool(t)
	p.Close()
	p.Close()
}

func TestPool_GetReturnsSameInstance(t *testing.T) {
	// Avoid constructing real adapters: seed the shared slot directly.
	Reset()
	t.Cleanup(Reset)

	p := newTestPool(t)
	sharedMu.Lock()
	shared = p
	sharedMu.Unlock()

	got, err := Get(context.Background(), nil)
	require.NoError(t, err)
	assert.Same(t, p, got)

	again, err := Get(context.Background(), nil)
	require.NoError(t, err)
	assert.Same(t, got, again)
}
