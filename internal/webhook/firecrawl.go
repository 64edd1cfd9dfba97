package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/webfuse/webfuse/internal/doc"
	"github.com/webfuse/webfuse/internal/jobs"
)

// Firecrawl event types. Page events carry documents; lifecycle events are
// acknowledged without enqueueing anything.
const (
	EventCrawlPage      = "crawl.page"
	EventCrawlStarted   = "crawl.started"
	EventCrawlCompleted = "crawl.completed"
	EventCrawlFailed    = "crawl.failed"
)

// firecrawlEvent is the tagged union the scraper posts: the type field
// selects the shape, and unknown variants are rejected rather than coerced.
type firecrawlEvent struct {
	Type string         `json:"type"`
	ID   string         `json:"id"`
	Data []doc.Document `json:"data"`
	// Error accompanies crawl.failed events.
	Error string `json:"error,omitempty"`
}

// FirecrawlResponse is the acknowledgement body.
type FirecrawlResponse struct {
	EventType       string `json:"event_type"`
	EventID         string `json:"event_id"`
	QueuedJobs      int    `json:"queued_jobs"`
	FailedDocuments int    `json:"failed_documents"`
}

// FirecrawlHandler verifies and ingests scrape webhook events.
type FirecrawlHandler struct {
	secret string
	broker jobs.Broker
	logger *slog.Logger
}

// NewFirecrawlHandler creates the handler.
func NewFirecrawlHandler(secret string, broker jobs.Broker) *FirecrawlHandler {
	return &FirecrawlHandler{secret: secret, broker: broker, logger: slog.Default()}
}

func (h *FirecrawlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The raw body is needed before any parsing: the signature covers the
	// exact bytes on the wire.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, err)
		return
	}

	if err := VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("firecrawl_signature_rejected", slog.String("error", err.Error()))
		respondError(w, err)
		return
	}

	var event firecrawlEvent
	if err := json.Unmarshal(body, &event); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	switch event.Type {
	case EventCrawlPage:
		h.handlePage(r, w, &event)
	case EventCrawlStarted, EventCrawlCompleted, EventCrawlFailed:
		h.logger.Info("crawl_lifecycle_event",
			slog.String("event_type", event.Type),
			slog.String("event_id", event.ID),
			slog.String("error", event.Error))
		respond(w, http.StatusAccepted, FirecrawlResponse{
			EventType: event.Type,
			EventID:   event.ID,
		})
	default:
		respond(w, http.StatusUnprocessableEntity,
			map[string]string{"error": "unknown event type: " + event.Type})
	}
}

// handlePage enqueues one indexing job per document. A document that cannot
// be enqueued is counted, not fatal: the rest of the batch still proceeds.
func (h *FirecrawlHandler) handlePage(r *http.Request, w http.ResponseWriter, event *firecrawlEvent) {
	queued, failed := 0, 0
	for _, d := range event.Data {
		if _, err := h.broker.Enqueue(r.Context(), jobs.FuncIndexDocument, d, jobs.DefaultJobTimeout); err != nil {
			h.logger.Warn("index_job_enqueue_failed",
				slog.String("url", d.URL),
				slog.String("error", err.Error()))
			failed++
			continue
		}
		queued++
	}

	h.logger.Info("crawl_page_received",
		slog.String("event_id", event.ID),
		slog.Int("queued_jobs", queued),
		slog.Int("failed_documents", failed))

	respond(w, http.StatusAccepted, FirecrawlResponse{
		EventType:       event.Type,
		EventID:         event.ID,
		QueuedJobs:      queued,
		FailedDocuments: failed,
	})
}
