package metadb

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webfuse/webfuse/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS change_events (
    id              BIGSERIAL PRIMARY KEY,
    watch_id        TEXT NOT NULL,
    watch_url       TEXT NOT NULL,
    detected_at     TIMESTAMPTZ NOT NULL,
    diff_summary    TEXT NOT NULL DEFAULT '',
    snapshot_url    TEXT NOT NULL DEFAULT '',
    rescrape_job_id TEXT NOT NULL DEFAULT '',
    rescrape_status TEXT NOT NULL DEFAULT 'queued',
    indexed_at      TIMESTAMPTZ,
    extra_metadata  JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS change_events_watch_id_idx ON change_events (watch_id);
CREATE INDEX IF NOT EXISTS change_events_status_idx ON change_events (rescrape_status);
`

// PostgresDB implements MetadataDB on a pgx connection pool.
type PostgresDB struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	closed bool
}

// Verify interface implementation at compile time.
var _ MetadataDB = (*PostgresDB)(nil)

// NewPostgresDB connects to databaseURL and ensures the change_events
// schema exists.
func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "create postgres pool", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(errors.KindTransientRemote, "ensure change_events schema", err)
	}
	return &PostgresDB{pool: pool}, nil
}

func (p *PostgresDB) InsertChangeEvent(ctx context.Context, ev *ChangeEvent) (int64, error) {
	extra, err := json.Marshal(orEmpty(ev.ExtraMetadata))
	if err != nil {
		return 0, errors.Wrap(errors.KindInvalidInput, "marshal extra_metadata", err)
	}

	var id int64
	err = p.pool.QueryRow(ctx, `
		INSERT INTO change_events
			(watch_id, watch_url, detected_at, diff_summary, snapshot_url, rescrape_status, extra_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		ev.WatchID, ev.WatchURL, ev.DetectedAt, ev.DiffSummary, ev.SnapshotURL,
		StatusQueued, extra,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(errors.KindTransientRemote, "insert change_event", err)
	}
	return id, nil
}

func (p *PostgresDB) GetChangeEvent(ctx context.Context, id int64) (*ChangeEvent, error) {
	var ev ChangeEvent
	var extra []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, watch_id, watch_url, detected_at, diff_summary, snapshot_url,
		       rescrape_job_id, rescrape_status, indexed_at, extra_metadata, created_at
		FROM change_events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.WatchID, &ev.WatchURL, &ev.DetectedAt, &ev.DiffSummary,
		&ev.SnapshotURL, &ev.RescrapeJobID, &ev.RescrapeStatus, &ev.IndexedAt,
		&extra, &ev.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.Newf(errors.KindNotFound, "change event %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindTransientRemote, "load change_event", err)
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &ev.ExtraMetadata); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "decode extra_metadata", err)
		}
	}
	return &ev, nil
}

func (p *PostgresDB) SetRescrapeJobID(ctx context.Context, id int64, jobID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE change_events SET rescrape_job_id = $1 WHERE id = $2`, jobID, id)
	if err != nil {
		return errors.Wrap(errors.KindTransientRemote, "set rescrape_job_id", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.KindNotFound, "change event %d not found", id)
	}
	return nil
}

func (p *PostgresDB) UpdateRescrapeStatus(ctx context.Context, id int64, status string, indexedAt *time.Time, mergeMeta map[string]any) error {
	merge, err := json.Marshal(orEmpty(mergeMeta))
	if err != nil {
		return errors.Wrap(errors.KindInvalidInput, "marshal merge metadata", err)
	}

	// Single-statement update keeps the transaction short; the jsonb
	// concatenation merges without a read-modify-write round trip.
	tag, err := p.pool.Exec(ctx, `
		UPDATE change_events
		SET rescrape_status = $1,
		    indexed_at = COALESCE($2, indexed_at),
		    extra_metadata = extra_metadata || $3::jsonb
		WHERE id = $4`,
		status, indexedAt, merge, id)
	if err != nil {
		return errors.Wrap(errors.KindTransientRemote, "update rescrape_status", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.KindNotFound, "change event %d not found", id)
	}
	return nil
}

// HealthCheck pings the pool with a short deadline.
func (p *PostgresDB) HealthCheck(ctx context.Context) bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.pool.Ping(pingCtx) == nil
}

// Close shuts down the pool. Idempotent.
func (p *PostgresDB) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.pool.Close()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
