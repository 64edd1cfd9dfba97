package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/webfuse/webfuse/internal/errors"
)

// TEIConfig configures the TEI embedder.
type TEIConfig struct {
	// URL is the base URL of the TEI server, e.g. http://localhost:8081.
	URL string

	// Dimensions is the expected embedding dimension. Responses with any
	// other dimension are rejected.
	Dimensions int

	// BatchSize is the number of texts per remote call (default: 32).
	BatchSize int

	// RequestTimeout bounds a single HTTP request (default: 60s).
	RequestTimeout time.Duration

	// Retry is the retry policy for transient failures.
	Retry errors.RetryConfig
}

// TEIEmbedder generates embeddings via a text-embeddings-inference server.
//
// The HTTP client is constructed lazily on first use so the embedder binds
// to whatever runtime the first caller runs on, not the constructor's.
type TEIEmbedder struct {
	config TEIConfig

	clientOnce sync.Once
	client     *http.Client
	transport  *http.Transport

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time.
var _ Embedder = (*TEIEmbedder)(nil)

// NewTEIEmbedder creates a TEI embedder. No connection is made until the
// first call.
func NewTEIEmbedder(cfg TEIConfig) *TEIEmbedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = errors.DefaultRetryConfig()
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &TEIEmbedder{config: cfg}
}

// httpClient builds the HTTP client on first use.
func (e *TEIEmbedder) httpClient() *http.Client {
	e.clientOnce.Do(func() {
		e.transport = &http.Transport{
			MaxIdleConns:        8,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     30 * time.Second,
		}
		// No client-level timeout: per-request contexts control deadlines.
		e.client = &http.Client{Transport: e.transport}
	})
	return e.client
}

// Dimensions returns the configured embedding dimension.
func (e *TEIEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// Embed generates an embedding for a single text.
func (e *TEIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for texts, one vector per input in input
// order. Any input that is empty after trimming fails the whole batch with
// an InvalidInput error: empty text reaching the embedder means cleaning was
// skipped upstream.
func (e *TEIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, errors.Internal("embedder is closed", nil)
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, errors.Newf(errors.KindInvalidInput, "empty text at batch index %d", i)
		}
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := errors.RetryWithResult(ctx, e.config.Retry, func() ([][]float32, error) {
			return e.doEmbed(ctx, texts[start:end])
		})
		if err != nil {
			return nil, err
		}
		results = append(results, vectors...)
	}

	return results, nil
}

// teiRequest is the /embed request body.
type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// doEmbed performs a single /embed call and validates the response shape.
func (e *TEIEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, errors.Internal("marshal embed request", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.config.URL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Internal("build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient().Do(req)
	if err != nil {
		return nil, errors.TransientRemote("embedding request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("embedding server returned %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, errors.TransientRemote(msg, nil)
		}
		return nil, errors.PermanentRemote(msg, nil)
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, errors.PermanentRemote("decode embedding response", err)
	}

	if len(vectors) != len(texts) {
		return nil, errors.Newf(errors.KindPermanentRemote,
			"embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != e.config.Dimensions {
			return nil, errors.Newf(errors.KindPermanentRemote,
				"dimension mismatch at index %d: expected %d, got %d", i, e.config.Dimensions, len(v))
		}
	}

	return vectors, nil
}

// HealthCheck reports whether the TEI server responds on /health.
func (e *TEIEmbedder) HealthCheck(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	reqCtx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, e.config.URL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.httpClient().Do(req)
	if err != nil {
		slog.Debug("embedder_health_check_failed", slog.String("error", err.Error()))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases HTTP resources. Idempotent.
func (e *TEIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if e.transport != nil {
		e.transport.CloseIdleConnections()
	}
	return nil
}
