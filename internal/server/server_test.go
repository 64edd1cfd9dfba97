package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webfuse/webfuse/internal/chunk"
	"github.com/webfuse/webfuse/internal/config"
	"github.com/webfuse/webfuse/internal/doc"
	"github.com/webfuse/webfuse/internal/embed"
	"github.com/webfuse/webfuse/internal/jobs"
	"github.com/webfuse/webfuse/internal/metadb"
	"github.com/webfuse/webfuse/internal/pool"
	"github.com/webfuse/webfuse/internal/scrape"
	"github.com/webfuse/webfuse/internal/store"
	"github.com/webfuse/webfuse/internal/webhook"
)

const (
	testAPISecret     = "api-secret-for-tests-0123456789abcdef"
	testWebhookSecret = "webhook-secret-for-tests-0123456789ab"
)

type fixture struct {
	server   *Server
	pool     *pool.Pool
	embedder *embed.StaticEmbedder
	vectors  *store.MemoryVectorIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.TestMode = true
	cfg.APISecret = testAPISecret
	cfg.WebhookSecret = testWebhookSecret
	cfg.VectorDim = 32

	mr := miniredis.RunT(t)
	broker, err := jobs.NewRedisBroker("redis://"+mr.Addr(), cfg.QueueName)
	require.NoError(t, err)

	keywords, err := store.NewBM25Index(context.Background(), store.BM25Config{})
	require.NoError(t, err)

	embedder := embed.NewStaticEmbedder(cfg.VectorDim)
	vectors := store.NewMemoryVectorIndex()

	p := pool.NewWithCollaborators(pool.Options{
		Config:   &cfg,
		Chunker:  chunk.NewChunker(chunk.NewTokenizer(), chunk.Options{}),
		Embedder: embedder,
		Vectors:  vectors,
		Keywords: keywords,
		Broker:   broker,
		DB:       metadb.NewMemoryDB(),
		Scraper:  scrape.NewStaticScraper(),
	})
	t.Cleanup(p.Close)

	return &fixture{
		server:   New(&cfg, p),
		pool:     p,
		embedder: embedder,
		vectors:  vectors,
	}
}

func (f *fixture) index(t *testing.T, url, markdown string) {
	t.Helper()
	res := f.pool.Pipeline.Index(context.Background(), doc.Document{URL: url, Markdown: markdown})
	require.True(t, res.Success, res.Error)
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func searchReq(t *testing.T, body map[string]any, token string) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestSearchEndpoint(t *testing.T) {
	f := newFixture(t)
	f.index(t, "https://example.com/redis", "redis caching strategies for production")

	rec := f.do(searchReq(t, map[string]any{
		"query": "redis caching",
		"mode":  "hybrid",
		"limit": 5,
	}, testAPISecret))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "hybrid", resp.Mode)
	assert.Equal(t, "redis caching", resp.Query)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "https://example.com/redis", resp.Results[0].URL)
	assert.Greater(t, resp.Results[0].RRFScore, 0.0)
}

func TestSearchEndpoint_AuthRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(searchReq(t, map[string]any{"query": "x"}, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(searchReq(t, map[string]any{"query": "x"}, "wrong-token"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSearchEndpoint_Validation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(searchReq(t, map[string]any{"mode": "hybrid"}, testAPISecret))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "missing query")

	rec = f.do(searchReq(t, map[string]any{"query": "x", "mode": "psychic"}, testAPISecret))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "unknown mode")

	rec = f.do(searchReq(t, map[string]any{"query": "x", "limit": 0}, testAPISecret))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "limit below range")

	rec = f.do(searchReq(t, map[string]any{"query": "x", "limit": 101}, testAPISecret))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "limit above range")
}

func TestSearchEndpoint_Filters(t *testing.T) {
	f := newFixture(t)
	res := f.pool.Pipeline.Index(context.Background(), doc.Document{
		URL: "https://a.com/d", Markdown: "filter target text", Language: "en",
	})
	require.True(t, res.Success)
	res = f.pool.Pipeline.Index(context.Background(), doc.Document{
		URL: "https://b.com/d", Markdown: "filter target text", Language: "de",
	})
	require.True(t, res.Success)

	rec := f.do(searchReq(t, map[string]any{
		"query":   "filter target",
		"filters": map[string]any{"language": "de"},
	}, testAPISecret))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "https://b.com/d", resp.Results[0].URL)
}

func TestSearchEndpoint_BothIndexesDownReturnsEmpty200(t *testing.T) {
	f := newFixture(t)
	f.index(t, "https://example.com/a", "content body")
	f.embedder.SetDown(true)
	require.NoError(t, f.pool.Keywords.Close())

	rec := f.do(searchReq(t, map[string]any{"query": "content"}, testAPISecret))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Total)
	assert.Empty(t, resp.Results)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.index(t, "https://example.com/a", "# Test\nHello world.")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.GreaterOrEqual(t, resp.BM25Documents, 1)
	assert.GreaterOrEqual(t, resp.QdrantPoints, uint64(1))
	assert.Equal(t, config.DefaultCollection, resp.CollectionName)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "up", resp.Services["embedder"])
	assert.Equal(t, "up", resp.Services["qdrant"])
	assert.Equal(t, "up", resp.Services["redis"])
	assert.Equal(t, "up", resp.Services["metadb"])
	assert.NotEmpty(t, resp.Timestamp)
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	f := newFixture(t)
	f.vectors.SetDown(true)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code, "health stays 200 while degraded")

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "down", resp.Services["qdrant"])
}

func TestWebhookRoutesMounted(t *testing.T) {
	f := newFixture(t)

	event := map[string]any{
		"type": webhook.EventCrawlPage,
		"id":   "evt-1",
		"data": []doc.Document{{URL: "https://example.com/a", Markdown: "hello"}},
	}
	body, err := json.Marshal(event)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/firecrawl", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.ComputeSignature(testWebhookSecret, body))

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	n, err := f.pool.Broker.QueueLen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEndToEnd_WebhookJobSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Webhook enqueues the indexing job.
	event := map[string]any{
		"type": webhook.EventCrawlPage,
		"id":   "evt-e2e",
		"data": []doc.Document{{URL: "https://example.com/a", Markdown: "# Test\nHello world."}},
	}
	body, err := json.Marshal(event)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/firecrawl", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.ComputeSignature(testWebhookSecret, body))
	require.Equal(t, http.StatusAccepted, f.do(req).Code)

	// A worker drains the queue.
	worker := jobs.NewWorker(f.pool.Broker, 1)
	jobs.NewHandlerSet(f.pool.Pipeline, f.pool.Scraper, f.pool.DB).Register(worker)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = worker.Run(workerCtx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return f.pool.Keywords.Count() >= 1
	}, 10*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	// Stats and search observe the indexed document.
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	var stats statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.GreaterOrEqual(t, stats.BM25Documents, 1)
	assert.GreaterOrEqual(t, stats.QdrantPoints, uint64(1))

	rec = f.do(searchReq(t, map[string]any{"query": "hello world"}, testAPISecret))
	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.GreaterOrEqual(t, resp.Total, 1)
	assert.Equal(t, "https://example.com/a", resp.Results[0].URL)
}
