package metadb

import (
	"context"
	"sync"
	"time"

	"github.com/webfuse/webfuse/internal/errors"
)

// MemoryDB is an in-memory MetadataDB for tests and broker-less setups.
type MemoryDB struct {
	mu     sync.Mutex
	events map[int64]*ChangeEvent
	nextID int64
	closed bool
}

// Verify interface implementation at compile time.
var _ MetadataDB = (*MemoryDB)(nil)

// NewMemoryDB creates an empty in-memory metadata store.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{events: make(map[int64]*ChangeEvent), nextID: 1}
}

func (m *MemoryDB) InsertChangeEvent(ctx context.Context, ev *ChangeEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *ev
	stored.ID = m.nextID
	stored.RescrapeStatus = StatusQueued
	stored.CreatedAt = time.Now()
	if stored.ExtraMetadata == nil {
		stored.ExtraMetadata = map[string]any{}
	}
	m.events[stored.ID] = &stored
	m.nextID++
	return stored.ID, nil
}

func (m *MemoryDB) GetChangeEvent(ctx context.Context, id int64) (*ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "change event %d not found", id)
	}
	cp := *ev
	cp.ExtraMetadata = copyMeta(ev.ExtraMetadata)
	return &cp, nil
}

func (m *MemoryDB) SetRescrapeJobID(ctx context.Context, id int64, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return errors.Newf(errors.KindNotFound, "change event %d not found", id)
	}
	ev.RescrapeJobID = jobID
	return nil
}

func (m *MemoryDB) UpdateRescrapeStatus(ctx context.Context, id int64, status string, indexedAt *time.Time, mergeMeta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return errors.Newf(errors.KindNotFound, "change event %d not found", id)
	}
	ev.RescrapeStatus = status
	if indexedAt != nil {
		ev.IndexedAt = indexedAt
	}
	for k, v := range mergeMeta {
		ev.ExtraMetadata[k] = v
	}
	return nil
}

func (m *MemoryDB) HealthCheck(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *MemoryDB) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func copyMeta(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
