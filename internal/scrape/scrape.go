// Package scrape fetches fresh page content from the scraper service.
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/webfuse/webfuse/internal/doc"
	"github.com/webfuse/webfuse/internal/errors"
)

// DefaultRequestTimeout bounds a single scrape call. Scrapes routinely take
// tens of seconds on heavy pages.
const DefaultRequestTimeout = 90 * time.Second

// Scraper is the port to the page scraper.
type Scraper interface {
	// Scrape fetches url and returns the extracted document.
	Scrape(ctx context.Context, url string) (doc.Document, error)

	// Close releases resources. Idempotent.
	Close() error
}

// FirecrawlConfig configures the Firecrawl scraper client.
type FirecrawlConfig struct {
	// URL is the Firecrawl API base, e.g. "https://api.firecrawl.dev".
	URL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// RequestTimeout bounds one scrape call (default: DefaultRequestTimeout).
	RequestTimeout time.Duration

	// Retry controls transient-failure retries.
	Retry errors.RetryConfig
}

// FirecrawlScraper calls the Firecrawl scrape endpoint and maps its response
// onto the ingestion document shape.
type FirecrawlScraper struct {
	config FirecrawlConfig
	client *http.Client

	mu     sync.Mutex
	closed bool
}

// Verify interface implementation at compile time.
var _ Scraper = (*FirecrawlScraper)(nil)

// NewFirecrawlScraper creates a scraper client.
func NewFirecrawlScraper(cfg FirecrawlConfig) *FirecrawlScraper {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = errors.DefaultRetryConfig()
	}
	return &FirecrawlScraper{
		config: cfg,
		client: &http.Client{},
	}
}

type scrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats"`
}

type scrapeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Markdown string `json:"markdown"`
		Metadata struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			SourceURL   string `json:"sourceURL"`
			Language    string `json:"language"`
			StatusCode  int    `json:"statusCode"`
		} `json:"metadata"`
	} `json:"data"`
	Error string `json:"error"`
}

// Scrape fetches url, retrying transient failures with backoff.
func (s *FirecrawlScraper) Scrape(ctx context.Context, url string) (doc.Document, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return doc.Document{}, errors.Internal("scraper is closed", nil)
	}
	if strings.TrimSpace(url) == "" {
		return doc.Document{}, errors.InvalidInput("scrape url is empty")
	}

	return errors.RetryWithResult(ctx, s.config.Retry, func() (doc.Document, error) {
		return s.doScrape(ctx, url)
	})
}

func (s *FirecrawlScraper) doScrape(ctx context.Context, url string) (doc.Document, error) {
	body, err := json.Marshal(scrapeRequest{URL: url, Formats: []string{"markdown"}})
	if err != nil {
		return doc.Document{}, errors.Wrap(errors.KindInternal, "marshal scrape request", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		s.config.URL+"/v1/scrape", bytes.NewReader(body))
	if err != nil {
		return doc.Document{}, errors.Wrap(errors.KindInternal, "build scrape request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return doc.Document{}, errors.TransientRemote("scrape request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return doc.Document{}, errors.Newf(errors.KindTransientRemote,
			"scraper returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return doc.Document{}, errors.Newf(errors.KindPermanentRemote,
			"scraper returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return doc.Document{}, errors.TransientRemote("read scrape response", err)
	}

	var parsed scrapeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return doc.Document{}, errors.Wrap(errors.KindPermanentRemote, "decode scrape response", err)
	}
	if !parsed.Success {
		return doc.Document{}, errors.Newf(errors.KindPermanentRemote,
			"scrape unsuccessful: %s", firstNonEmpty(parsed.Error, "no error detail"))
	}
	if strings.TrimSpace(parsed.Data.Markdown) == "" {
		return doc.Document{}, errors.New(errors.KindPermanentRemote, "scrape returned empty markdown")
	}

	return doc.Document{
		URL:         url,
		ResolvedURL: parsed.Data.Metadata.SourceURL,
		Title:       parsed.Data.Metadata.Title,
		Description: parsed.Data.Metadata.Description,
		Markdown:    parsed.Data.Markdown,
		StatusCode:  parsed.Data.Metadata.StatusCode,
		Language:    parsed.Data.Metadata.Language,
	}, nil
}

// Close marks the scraper closed. Idempotent.
func (s *FirecrawlScraper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.client.CloseIdleConnections()
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// StaticScraper returns canned documents by URL; used in tests and local
// runs without a scraper service.
type StaticScraper struct {
	mu   sync.Mutex
	docs map[string]doc.Document
	err  error
}

// Verify interface implementation at compile time.
var _ Scraper = (*StaticScraper)(nil)

// NewStaticScraper creates an empty static scraper.
func NewStaticScraper() *StaticScraper {
	return &StaticScraper{docs: make(map[string]doc.Document)}
}

// Add registers a canned document for url.
func (s *StaticScraper) Add(url string, d doc.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[url] = d
}

// Fail makes every subsequent Scrape return err.
func (s *StaticScraper) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticScraper) Scrape(ctx context.Context, url string) (doc.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return doc.Document{}, s.err
	}
	d, ok := s.docs[url]
	if !ok {
		return doc.Document{}, errors.Newf(errors.KindNotFound, "no canned document for %s", url)
	}
	return d, nil
}

func (s *StaticScraper) Close() error { return nil }

// String renders the config without the API key.
func (c FirecrawlConfig) String() string {
	return fmt.Sprintf("firecrawl{url=%s timeout=%s}", c.URL, c.RequestTimeout)
}
