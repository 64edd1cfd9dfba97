package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/webfuse/webfuse/internal/jobs"
	"github.com/webfuse/webfuse/internal/metadb"
)

// ChangePayload is the change-detection callback body.
type ChangePayload struct {
	WatchID     string    `json:"watch_id" validate:"required"`
	WatchURL    string    `json:"watch_url" validate:"required,url"`
	DetectedAt  time.Time `json:"detected_at" validate:"required"`
	DiffSummary string    `json:"diff_summary"`
	SnapshotURL string    `json:"snapshot_url" validate:"omitempty,url"`
}

// ChangeResponse is the acknowledgement body.
type ChangeResponse struct {
	Status        string `json:"status"`
	JobID         string `json:"job_id"`
	ChangeEventID int64  `json:"change_event_id"`
	URL           string `json:"url"`
}

// ChangeDetectionHandler records a change event and queues its rescrape.
type ChangeDetectionHandler struct {
	secret   string
	broker   jobs.Broker
	db       metadb.MetadataDB
	validate *validator.Validate
	logger   *slog.Logger
}

// NewChangeDetectionHandler creates the handler.
func NewChangeDetectionHandler(secret string, broker jobs.Broker, db metadb.MetadataDB) *ChangeDetectionHandler {
	return &ChangeDetectionHandler{
		secret:   secret,
		broker:   broker,
		db:       db,
		validate: validator.New(),
		logger:   slog.Default(),
	}
}

func (h *ChangeDetectionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, err)
		return
	}

	if err := VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("changedetection_signature_rejected", slog.String("error", err.Error()))
		respondError(w, err)
		return
	}

	var payload ChangePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := h.validate.Struct(&payload); err != nil {
		respond(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	ctx := r.Context()
	eventID, err := h.db.InsertChangeEvent(ctx, &metadb.ChangeEvent{
		WatchID:     payload.WatchID,
		WatchURL:    payload.WatchURL,
		DetectedAt:  payload.DetectedAt,
		DiffSummary: payload.DiffSummary,
		SnapshotURL: payload.SnapshotURL,
	})
	if err != nil {
		h.logger.Error("change_event_insert_failed", slog.String("error", err.Error()))
		respondError(w, err)
		return
	}

	jobID, err := h.broker.Enqueue(ctx, jobs.FuncRescrapeChangedURL,
		jobs.RescrapeArgs{ChangeEventID: eventID}, jobs.DefaultJobTimeout)
	if err != nil {
		h.logger.Error("rescrape_enqueue_failed",
			slog.Int64("change_event_id", eventID),
			slog.String("error", err.Error()))
		respondError(w, err)
		return
	}

	if err := h.db.SetRescrapeJobID(ctx, eventID, jobID); err != nil {
		// The job is already queued; a missing job id on the row is an
		// observability gap, not a failure.
		h.logger.Warn("rescrape_job_id_write_failed",
			slog.Int64("change_event_id", eventID),
			slog.String("error", err.Error()))
	}

	h.logger.Info("change_event_queued",
		slog.Int64("change_event_id", eventID),
		slog.String("watch_id", payload.WatchID),
		slog.String("job_id", jobID))

	respond(w, http.StatusAccepted, ChangeResponse{
		Status:        metadb.StatusQueued,
		JobID:         jobID,
		ChangeEventID: eventID,
		URL:           payload.WatchURL,
	})
}
