package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webfuse/webfuse/internal/errors"
)

// fastRetry keeps retry delays out of test runtime.
func fastRetry() errors.RetryConfig {
	return errors.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// newTEIServer returns a test server that echoes dim-sized vectors.
func newTEIServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/embed":
			var req teiRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			out := make([][]float32, len(req.Inputs))
			for i := range out {
				vec := make([]float32, dims)
				vec[0] = float32(len(req.Inputs[i]))
				out[i] = vec
			}
			_ = json.NewEncoder(w).Encode(out)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestTEIEmbedder_EmbedBatch(t *testing.T) {
	srv := newTEIServer(t, 4)
	defer srv.Close()

	e := NewTEIEmbedder(TEIConfig{URL: srv.URL, Dimensions: 4, Retry: fastRetry()})
	defer func() { _ = e.Close() }()

	vectors, err := e.EmbedBatch(context.Background(), []string{"hello", "world wide"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Len(t, vectors[0], 4)
	assert.Equal(t, float32(5), vectors[0][0])
	assert.Equal(t, float32(10), vectors[1][0])
}

func TestTEIEmbedder_EmbedSingle(t *testing.T) {
	srv := newTEIServer(t, 3)
	defer srv.Close()

	e := NewTEIEmbedder(TEIConfig{URL: srv.URL, Dimensions: 3, Retry: fastRetry()})
	defer func() { _ = e.Close() }()

	vec, err := e.Embed(context.Background(), "abc")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func TestTEIEmbedder_EmptyInputFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	e := NewTEIEmbedder(TEIConfig{URL: srv.URL, Dimensions: 4, Retry: fastRetry()})
	defer func() { _ = e.Close() }()

	_, err := e.EmbedBatch(context.Background(), []string{"ok", "   "})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))
	assert.Zero(t, calls.Load(), "no remote call may happen for an invalid batch")
}

func TestTEIEmbedder_EmptyBatch(t *testing.T) {
	e := NewTEIEmbedder(TEIConfig{URL: "http://127.0.0.1:0", Dimensions: 4})
	defer func() { _ = e.Close() }()

	vectors, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestTEIEmbedder_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([][]float32{{1, 2}})
	}))
	defer srv.Close()

	e := NewTEIEmbedder(TEIConfig{URL: srv.URL, Dimensions: 2, Retry: fastRetry()})
	defer func() { _ = e.Close() }()

	vectors, err := e.EmbedBatch(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTEIEmbedder_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	e := NewTEIEmbedder(TEIConfig{URL: srv.URL, Dimensions: 2, Retry: fastRetry()})
	defer func() { _ = e.Close() }()

	_, err := e.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindPermanentRemote))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTEIEmbedder_DimensionMismatchRejected(t *testing.T) {
	srv := newTEIServer(t, 8)
	defer srv.Close()

	e := NewTEIEmbedder(TEIConfig{URL: srv.URL, Dimensions: 4, Retry: fastRetry()})
	defer func() { _ = e.Close() }()

	_, err := e.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindPermanentRemote))
}

func TestTEIEmbedder_HealthCheck(t *testing.T) {
	srv := newTEIServer(t, 4)
	e := NewTEIEmbedder(TEIConfig{URL: srv.URL, Dimensions: 4})
	assert.True(t, e.HealthCheck(context.Background()))

	srv.Close()
	assert.False(t, e.HealthCheck(context.Background()))

	require.NoError(t, e.Close())
	assert.False(t, e.HealthCheck(context.Background()))
}

func TestTEIEmbedder_CloseIdempotent(t *testing.T) {
	e := NewTEIEmbedder(TEIConfig{URL: "http://127.0.0.1:0", Dimensions: 4})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}
