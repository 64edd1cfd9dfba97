package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webfuse/webfuse/internal/chunk"
	"github.com/webfuse/webfuse/internal/doc"
	"github.com/webfuse/webfuse/internal/embed"
	"github.com/webfuse/webfuse/internal/errors"
	"github.com/webfuse/webfuse/internal/metadb"
	"github.com/webfuse/webfuse/internal/pipeline"
	"github.com/webfuse/webfuse/internal/scrape"
	"github.com/webfuse/webfuse/internal/store"
)

const testDims = 32

func newBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedisBroker("redis://"+mr.Addr(), "indexing")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type fixture struct {
	broker   *RedisBroker
	handlers *HandlerSet
	pipeline *pipeline.Pipeline
	vectors  *store.MemoryVectorIndex
	keywords *store.BM25Index
	scraper  *scrape.StaticScraper
	db       *metadb.MemoryDB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	chunker := chunk.NewChunker(chunk.NewTokenizer(), chunk.Options{MaxChunkTokens: 32, OverlapTokens: 4})
	embedder := embed.NewStaticEmbedder(testDims)
	vectors := store.NewMemoryVectorIndex()
	keywords, err := store.NewBM25Index(context.Background(), store.BM25Config{})
	require.NoError(t, err)

	p := pipeline.New(chunker, embedder, vectors, keywords, testDims)
	scraper := scrape.NewStaticScraper()
	db := metadb.NewMemoryDB()

	t.Cleanup(func() {
		_ = embedder.Close()
		_ = vectors.Close()
		_ = keywords.Close()
		db.Close()
	})

	return &fixture{
		broker:   newBroker(t),
		handlers: NewHandlerSet(p, scraper, db),
		pipeline: p,
		vectors:  vectors,
		keywords: keywords,
		scraper:  scraper,
		db:       db,
	}
}

// runWorker drives the worker until the job reaches a terminal state.
func runWorker(t *testing.T, f *fixture, jobID string) *JobState {
	t.Helper()

	worker := NewWorker(f.broker, 2)
	f.handlers.Register(worker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	var state *JobState
	require.Eventually(t, func() bool {
		s, err := f.broker.State(context.Background(), jobID)
		if err != nil {
			return false
		}
		if s.Status == StatusFinished || s.Status == StatusFailed {
			state = s
			return true
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	<-done
	return state
}

func TestBroker_EnqueueDequeue(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, FuncIndexDocument, map[string]string{"url": "https://e.com"}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	n, err := b.QueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	state, err := b.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, state.Status)
	assert.Equal(t, FuncIndexDocument, state.Func)

	job, err := b.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, FuncIndexDocument, job.Func)
	assert.Equal(t, DefaultJobTimeout, job.Timeout())

	var args map[string]string
	require.NoError(t, json.Unmarshal(job.Args, &args))
	assert.Equal(t, "https://e.com", args["url"])
}

func TestBroker_StateTransitions(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, FuncIndexDocument, nil, 0)
	require.NoError(t, err)

	require.NoError(t, b.SetStarted(ctx, id))
	state, err := b.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, state.Status)

	require.NoError(t, b.SetFinished(ctx, id, map[string]any{"success": true}))
	state, err = b.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, state.Status)
	assert.Contains(t, string(state.Result), `"success":true`)
}

func TestBroker_UnknownJob(t *testing.T) {
	b := newBroker(t)

	_, err := b.State(context.Background(), "no-such-job")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestWorker_IndexDocumentJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.broker.Enqueue(ctx, FuncIndexDocument,
		doc.Document{URL: "https://example.com/a", Markdown: "# Test\nHello world."}, 0)
	require.NoError(t, err)

	state := runWorker(t, f, id)
	assert.Equal(t, StatusFinished, state.Status)

	var result map[string]any
	require.NoError(t, json.Unmarshal(state.Result, &result))
	assert.Equal(t, true, result["success"])

	count, err := f.vectors.Count(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, uint64(1))
	assert.Equal(t, 1, f.keywords.Count())
}

func TestWorker_IndexDocumentFailureStillFinishes(t *testing.T) {
	f := newFixture(t)

	id, err := f.broker.Enqueue(context.Background(), FuncIndexDocument,
		doc.Document{URL: "https://example.com/a", Markdown: "   "}, 0)
	require.NoError(t, err)

	state := runWorker(t, f, id)
	assert.Equal(t, StatusFinished, state.Status, "pipeline failures are job results, not job failures")

	var result map[string]any
	require.NoError(t, json.Unmarshal(state.Result, &result))
	assert.Equal(t, false, result["success"])
	assert.Equal(t, "no content after cleaning", result["error"])
}

func TestWorker_UnknownFunctionFails(t *testing.T) {
	f := newFixture(t)

	id, err := f.broker.Enqueue(context.Background(), "no_such_function", nil, 0)
	require.NoError(t, err)

	state := runWorker(t, f, id)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Contains(t, state.ExcInfo, "no handler registered")
}

func TestWorker_RescrapeSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	eventID, err := f.db.InsertChangeEvent(ctx, &metadb.ChangeEvent{
		WatchID:    "w1",
		WatchURL:   "https://e.com/q",
		DetectedAt: time.Now(),
	})
	require.NoError(t, err)
	f.scraper.Add("https://e.com/q", doc.Document{
		URL:      "https://e.com/q",
		Markdown: "fresh page content after change",
	})

	id, err := f.broker.Enqueue(ctx, FuncRescrapeChangedURL, RescrapeArgs{ChangeEventID: eventID}, 0)
	require.NoError(t, err)

	state := runWorker(t, f, id)
	assert.Equal(t, StatusFinished, state.Status)

	ev, err := f.db.GetChangeEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, metadb.StatusCompleted, ev.RescrapeStatus)
	require.NotNil(t, ev.IndexedAt)
	assert.Equal(t, "https://e.com/q", ev.ExtraMetadata["document_url"])
	assert.Equal(t, 1, f.keywords.Count())
}

func TestWorker_RescrapeScrapeFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	eventID, err := f.db.InsertChangeEvent(ctx, &metadb.ChangeEvent{
		WatchID:    "w1",
		WatchURL:   "https://e.com/q",
		DetectedAt: time.Now(),
	})
	require.NoError(t, err)
	f.scraper.Fail(errors.TransientRemote("scraper down", nil))

	id, err := f.broker.Enqueue(ctx, FuncRescrapeChangedURL, RescrapeArgs{ChangeEventID: eventID}, 0)
	require.NoError(t, err)

	state := runWorker(t, f, id)
	assert.Equal(t, StatusFailed, state.Status, "rescrape errors re-raise so the job fails")
	assert.Contains(t, state.ExcInfo, "scraper down")

	ev, err := f.db.GetChangeEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Contains(t, ev.RescrapeStatus, "failed:")
	assert.Contains(t, ev.ExtraMetadata["error"], "scraper down")
	assert.Contains(t, ev.ExtraMetadata, "failed_at")
	assert.Nil(t, ev.IndexedAt)
}

func TestWorker_RescrapeMissingEventFails(t *testing.T) {
	f := newFixture(t)

	id, err := f.broker.Enqueue(context.Background(), FuncRescrapeChangedURL,
		RescrapeArgs{ChangeEventID: 9999}, 0)
	require.NoError(t, err)

	state := runWorker(t, f, id)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Contains(t, state.ExcInfo, "not found")
}

func TestWorker_RescrapeTwiceOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	eventID, err := f.db.InsertChangeEvent(ctx, &metadb.ChangeEvent{
		WatchID:    "w1",
		WatchURL:   "https://e.com/q",
		DetectedAt: time.Now(),
	})
	require.NoError(t, err)
	f.scraper.Add("https://e.com/q", doc.Document{URL: "https://e.com/q", Markdown: "page body"})

	_, err = f.handlers.RescrapeChangedURL(ctx, mustJSON(t, RescrapeArgs{ChangeEventID: eventID}))
	require.NoError(t, err)
	first, err := f.db.GetChangeEvent(ctx, eventID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = f.handlers.RescrapeChangedURL(ctx, mustJSON(t, RescrapeArgs{ChangeEventID: eventID}))
	require.NoError(t, err)
	second, err := f.db.GetChangeEvent(ctx, eventID)
	require.NoError(t, err)

	assert.Equal(t, metadb.StatusCompleted, second.RescrapeStatus)
	assert.True(t, second.IndexedAt.After(*first.IndexedAt))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
