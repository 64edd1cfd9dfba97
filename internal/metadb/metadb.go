// Package metadb persists change-detection events in Postgres and tracks
// their rescrape lifecycle.
package metadb

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Rescrape lifecycle states. A failed event carries its reason inline as
// "failed:<reason>". No state is ever skipped.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"

	// MaxFailReasonLen bounds the reason embedded in a failed status.
	MaxFailReasonLen = 200
)

// FailedStatus builds the failed status string with the reason truncated on
// a rune boundary, so the stored status stays valid UTF-8.
func FailedStatus(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) > MaxFailReasonLen {
		cut := MaxFailReasonLen
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	return "failed:" + reason
}

// ChangeEvent is one detected change on a watched URL.
type ChangeEvent struct {
	ID             int64          `json:"id"`
	WatchID        string         `json:"watch_id"`
	WatchURL       string         `json:"watch_url"`
	DetectedAt     time.Time      `json:"detected_at"`
	DiffSummary    string         `json:"diff_summary,omitempty"`
	SnapshotURL    string         `json:"snapshot_url,omitempty"`
	RescrapeJobID  string         `json:"rescrape_job_id,omitempty"`
	RescrapeStatus string         `json:"rescrape_status"`
	IndexedAt      *time.Time     `json:"indexed_at,omitempty"`
	ExtraMetadata  map[string]any `json:"extra_metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MetadataDB is the port to the change-event store. Every call is its own
// short transaction; callers never hold one across a remote operation.
type MetadataDB interface {
	// InsertChangeEvent stores a new event and returns its id.
	InsertChangeEvent(ctx context.Context, ev *ChangeEvent) (int64, error)

	// GetChangeEvent loads an event by id.
	GetChangeEvent(ctx context.Context, id int64) (*ChangeEvent, error)

	// SetRescrapeJobID records the broker job id on an event.
	SetRescrapeJobID(ctx context.Context, id int64, jobID string) error

	// UpdateRescrapeStatus transitions the lifecycle state. A non-nil
	// indexedAt is written, and mergeMeta keys are merged into
	// extra_metadata without replacing existing keys.
	UpdateRescrapeStatus(ctx context.Context, id int64, status string, indexedAt *time.Time, mergeMeta map[string]any) error

	// HealthCheck reports reachability. Never errors.
	HealthCheck(ctx context.Context) bool

	// Close releases the connection pool. Idempotent.
	Close()
}

// Describe renders a compact event summary for logs.
func Describe(ev *ChangeEvent) string {
	return fmt.Sprintf("change_event id=%d watch=%s status=%s", ev.ID, ev.WatchID, ev.RescrapeStatus)
}
