package store

import (
	"context"
	"encoding/gob"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/webfuse/webfuse/internal/errors"
)

// Okapi BM25 defaults.
const (
	DefaultBM25K1 = 1.5
	DefaultBM25B  = 0.75

	// DefaultLockTimeout bounds file lock acquisition.
	DefaultLockTimeout = 30 * time.Second

	// LockRetryInterval is the poll interval while waiting for the lock.
	LockRetryInterval = 100 * time.Millisecond
)

// BM25Config configures the BM25 index.
type BM25Config struct {
	// K1 is the term frequency saturation parameter (default: 1.5).
	K1 float64

	// B is the length normalization parameter (default: 0.75).
	B float64

	// Path is the persistence file. Empty means memory-only (tests).
	// The lock file sits alongside at Path + ".lock".
	Path string

	// LockTimeout bounds lock acquisition (default: 30s).
	LockTimeout time.Duration
}

// BM25Index is an in-memory Okapi BM25 index over full documents.
//
// State is three parallel arrays (raw text, tokens, metadata) persisted as a
// single gob file. Mutation across processes is serialized with an advisory
// file lock: writers take it exclusive, readers shared. Entries are
// append-only within a process lifetime.
//
// Tokenization is lowercase + whitespace split, with no stemming and no
// stop-word removal. Recall on morphological variants suffers, but scores
// stay explainable and the index never mangles identifiers or non-English
// text.
type BM25Index struct {
	config   BM25Config
	fileLock *flock.Flock

	mu        sync.RWMutex
	rawTexts  []string
	tokenized [][]string
	metas     []DocMeta

	// Scoring structure, rebuilt from tokenized on every mutation.
	docFreqs  map[string]int
	termFreqs []map[string]int
	docLens   []int
	avgDocLen float64

	loadedModTime time.Time
	closed        bool
}

// Verify interface implementation at compile time.
var _ KeywordIndex = (*BM25Index)(nil)

// bm25State is the persisted form: the three parallel arrays.
type bm25State struct {
	RawTexts  []string
	Tokenized [][]string
	Metas     []DocMeta
}

// NewBM25Index creates a BM25 index, loading existing state from cfg.Path if
// present. A missing or corrupt file starts the index empty; load failures
// never prevent startup.
func NewBM25Index(ctx context.Context, cfg BM25Config) (*BM25Index, error) {
	if cfg.K1 <= 0 {
		cfg.K1 = DefaultBM25K1
	}
	if cfg.B < 0 || cfg.B > 1 {
		cfg.B = DefaultBM25B
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	b := &BM25Index{
		config:   cfg,
		docFreqs: make(map[string]int),
	}

	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "create bm25 data directory", err)
		}
		b.fileLock = flock.New(cfg.Path + ".lock")

		if err := b.reload(ctx); err != nil {
			if errors.IsKind(err, errors.KindLockTimeout) {
				return nil, err
			}
			slog.Warn("bm25_load_failed",
				slog.String("path", cfg.Path),
				slog.String("error", err.Error()))
		}
	}

	return b, nil
}

// TokenizeQuery lowercases and splits text on whitespace runs, exactly as
// documents are tokenized at indexing time.
func TokenizeQuery(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// IndexDocument appends a document, rebuilds the scorer, and persists under
// an exclusive file lock. On-disk state from other processes is merged in
// before writing.
func (b *BM25Index) IndexDocument(ctx context.Context, text string, meta DocMeta) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.Internal("bm25 index is closed", nil)
	}

	if b.fileLock != nil {
		unlock, err := b.acquire(ctx, true)
		if err != nil {
			return err
		}
		defer unlock()

		// Another process may have appended since our last load.
		if err := b.reloadLocked(); err != nil {
			slog.Warn("bm25_reload_before_write_failed", slog.String("error", err.Error()))
		}
	}

	b.rawTexts = append(b.rawTexts, text)
	b.tokenized = append(b.tokenized, TokenizeQuery(text))
	b.metas = append(b.metas, meta)
	b.rebuild()

	if b.fileLock != nil {
		if err := b.persistLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Search scores all documents against the query, filters by equality
// predicates, and returns the top limit by score. Stale on-disk state is
// reloaded first under a shared lock.
func (b *BM25Index) Search(ctx context.Context, query string, limit int, filter Filter) ([]KeywordResult, error) {
	if err := b.refreshIfStale(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, errors.Internal("bm25 index is closed", nil)
	}

	queryTokens := TokenizeQuery(query)
	if len(queryTokens) == 0 || len(b.tokenized) == 0 {
		return []KeywordResult{}, nil
	}

	type scored struct {
		idx   int
		score float64
	}
	var matches []scored
	for i := range b.tokenized {
		if !filter.Matches(b.metas[i]) {
			continue
		}
		if s := b.score(queryTokens, i); s > 0 {
			matches = append(matches, scored{i, s})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].idx < matches[j].idx
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	results := make([]KeywordResult, len(matches))
	for i, m := range matches {
		results[i] = KeywordResult{
			ID:    strconv.Itoa(m.idx),
			Score: m.score,
			Text:  b.rawTexts[m.idx],
			Meta:  b.metas[m.idx],
		}
	}
	return results, nil
}

// Count returns the number of indexed documents.
func (b *BM25Index) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rawTexts)
}

// Close marks the index closed. Idempotent.
func (b *BM25Index) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// score computes the Okapi BM25 score of document idx for queryTokens.
func (b *BM25Index) score(queryTokens []string, idx int) float64 {
	n := float64(len(b.tokenized))
	dl := float64(b.docLens[idx])
	tf := b.termFreqs[idx]

	var total float64
	for _, term := range queryTokens {
		f := float64(tf[term])
		if f == 0 {
			continue
		}
		df := float64(b.docFreqs[term])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		total += idf * (f * (b.config.K1 + 1)) /
			(f + b.config.K1*(1-b.config.B+b.config.B*dl/b.avgDocLen))
	}
	return total
}

// rebuild recomputes the scoring structure from tokenized.
// Caller holds mu.
func (b *BM25Index) rebuild() {
	b.docFreqs = make(map[string]int)
	b.termFreqs = make([]map[string]int, len(b.tokenized))
	b.docLens = make([]int, len(b.tokenized))

	totalLen := 0
	for i, tokens := range b.tokenized {
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for t := range tf {
			b.docFreqs[t]++
		}
		b.termFreqs[i] = tf
		b.docLens[i] = len(tokens)
		totalLen += len(tokens)
	}

	if len(b.tokenized) > 0 {
		b.avgDocLen = float64(totalLen) / float64(len(b.tokenized))
	} else {
		b.avgDocLen = 0
	}
}

// acquire takes the file lock, exclusive or shared, polling every
// LockRetryInterval up to the configured deadline.
func (b *BM25Index) acquire(ctx context.Context, exclusive bool) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, b.config.LockTimeout)
	defer cancel()

	var ok bool
	var err error
	if exclusive {
		ok, err = b.fileLock.TryLockContext(lockCtx, LockRetryInterval)
	} else {
		ok, err = b.fileLock.TryRLockContext(lockCtx, LockRetryInterval)
	}
	if err != nil || !ok {
		mode := "shared"
		if exclusive {
			mode = "exclusive"
		}
		return nil, errors.Newf(errors.KindLockTimeout,
			"bm25 %s lock not acquired within %s", mode, b.config.LockTimeout)
	}
	return func() { _ = b.fileLock.Unlock() }, nil
}

// refreshIfStale reloads from disk when the persisted file changed since the
// last load. Readers take a shared lock for the duration of the read.
func (b *BM25Index) refreshIfStale(ctx context.Context) error {
	if b.fileLock == nil {
		return nil
	}

	info, err := os.Stat(b.config.Path)
	if err != nil {
		return nil // nothing persisted yet
	}

	b.mu.RLock()
	fresh := !info.ModTime().After(b.loadedModTime)
	b.mu.RUnlock()
	if fresh {
		return nil
	}

	return b.reload(ctx)
}

// reload re-reads the persisted state under a shared file lock.
func (b *BM25Index) reload(ctx context.Context) error {
	unlock, err := b.acquire(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reloadLocked()
}

// reloadLocked reads the persisted state. Caller holds both locks.
func (b *BM25Index) reloadLocked() error {
	info, err := os.Stat(b.config.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(errors.KindInternal, "stat bm25 file", err)
	}

	f, err := os.Open(b.config.Path)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "open bm25 file", err)
	}
	defer func() { _ = f.Close() }()

	var state bm25State
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return errors.Wrap(errors.KindInternal, "decode bm25 file", err)
	}

	b.rawTexts = state.RawTexts
	b.tokenized = state.Tokenized
	b.metas = state.Metas
	b.rebuild()
	b.loadedModTime = info.ModTime()
	return nil
}

// persistLocked writes the current state atomically (temp file + rename).
// Caller holds both locks, the file lock exclusively.
func (b *BM25Index) persistLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(b.config.Path), ".bm25-*")
	if err != nil {
		return errors.Wrap(errors.KindInternal, "create bm25 temp file", err)
	}
	tmpName := tmp.Name()

	state := bm25State{RawTexts: b.rawTexts, Tokenized: b.tokenized, Metas: b.metas}
	if err := gob.NewEncoder(tmp).Encode(&state); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(errors.KindInternal, "encode bm25 file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(errors.KindInternal, "close bm25 temp file", err)
	}

	if err := os.Rename(tmpName, b.config.Path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(errors.KindInternal, "replace bm25 file", err)
	}

	if info, err := os.Stat(b.config.Path); err == nil {
		b.loadedModTime = info.ModTime()
	}
	return nil
}
