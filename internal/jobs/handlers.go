package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/webfuse/webfuse/internal/doc"
	"github.com/webfuse/webfuse/internal/errors"
	"github.com/webfuse/webfuse/internal/metadb"
	"github.com/webfuse/webfuse/internal/pipeline"
	"github.com/webfuse/webfuse/internal/scrape"
)

// RescrapeArgs is the payload of a rescrape_changed_url job.
type RescrapeArgs struct {
	ChangeEventID int64 `json:"change_event_id"`
}

// HandlerSet carries the collaborators the job handlers need.
type HandlerSet struct {
	pipeline *pipeline.Pipeline
	scraper  scrape.Scraper
	db       metadb.MetadataDB
	logger   *slog.Logger
}

// NewHandlerSet creates the handler set.
func NewHandlerSet(p *pipeline.Pipeline, scraper scrape.Scraper, db metadb.MetadataDB) *HandlerSet {
	return &HandlerSet{
		pipeline: p,
		scraper:  scraper,
		db:       db,
		logger:   slog.Default(),
	}
}

// Register binds both job types on the worker.
func (h *HandlerSet) Register(w *Worker) {
	w.Register(FuncIndexDocument, h.IndexDocument)
	w.Register(FuncRescrapeChangedURL, h.RescrapeChangedURL)
}

// IndexDocument runs the ingestion pipeline on one document. Failures are
// folded into the result map rather than returned, so the job always
// finishes "finished"; callers inspect success/error in the result.
func (h *HandlerSet) IndexDocument(ctx context.Context, args json.RawMessage) (any, error) {
	var d doc.Document
	if err := json.Unmarshal(args, &d); err != nil {
		return map[string]any{
			"success":    false,
			"error":      "invalid document payload: " + err.Error(),
			"error_type": string(errors.KindInvalidInput),
		}, nil
	}

	res := h.pipeline.Index(ctx, d)
	out := map[string]any{
		"success":        res.Success,
		"url":            res.URL,
		"chunks_indexed": res.ChunksIndexed,
		"total_tokens":   res.TotalTokens,
	}
	if !res.Success {
		out["error"] = res.Error
		out["error_type"] = string(errors.KindInternal)
	}
	return out, nil
}

// RescrapeChangedURL re-fetches and re-indexes a changed page. The DB work
// happens in three separate short transactions so no transaction spans the
// scrape. Errors are returned (not folded into the result) so the broker
// marks the job failed; the change-event row records the same failure.
func (h *HandlerSet) RescrapeChangedURL(ctx context.Context, args json.RawMessage) (any, error) {
	var req RescrapeArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errors.Wrap(errors.KindInvalidInput, "invalid rescrape payload", err)
	}

	// Tx 1: claim the event.
	ev, err := h.db.GetChangeEvent(ctx, req.ChangeEventID)
	if err != nil {
		return nil, err
	}
	if err := h.db.UpdateRescrapeStatus(ctx, ev.ID, metadb.StatusInProgress, nil, nil); err != nil {
		return nil, err
	}

	// Scrape and reindex, with no transaction held.
	d, err := h.scraper.Scrape(ctx, ev.WatchURL)
	if err != nil {
		return nil, h.markFailed(ctx, ev.ID, err)
	}

	res := h.pipeline.Index(ctx, d)
	if !res.Success {
		return nil, h.markFailed(ctx, ev.ID, errors.New(errors.KindInternal, res.Error))
	}

	// Tx 3: record completion.
	now := time.Now().UTC()
	merge := map[string]any{
		"document_url":   d.URL,
		"chunks_indexed": res.ChunksIndexed,
	}
	if err := h.db.UpdateRescrapeStatus(ctx, ev.ID, metadb.StatusCompleted, &now, merge); err != nil {
		return nil, err
	}

	return map[string]any{
		"success":         true,
		"change_event_id": ev.ID,
		"url":             d.URL,
		"chunks_indexed":  res.ChunksIndexed,
	}, nil
}

// markFailed writes the failure onto the change-event row in its own short
// transaction and hands the original error back for re-raising.
func (h *HandlerSet) markFailed(ctx context.Context, eventID int64, cause error) error {
	merge := map[string]any{
		"error":     cause.Error(),
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.db.UpdateRescrapeStatus(ctx, eventID, metadb.FailedStatus(cause.Error()), nil, merge); err != nil {
		h.logger.Error("change_event_mark_failed_failed",
			slog.Int64("change_event_id", eventID),
			slog.String("error", err.Error()))
	}
	return cause
}
