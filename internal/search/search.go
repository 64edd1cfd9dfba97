// Package search runs semantic, keyword, and hybrid queries over the two
// indexes, fusing hybrid results with reciprocal rank fusion.
package search

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/webfuse/webfuse/internal/embed"
	"github.com/webfuse/webfuse/internal/errors"
	"github.com/webfuse/webfuse/internal/store"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeHybrid   Mode = "hybrid"
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
)

// DefaultRRFK is the reciprocal rank fusion constant.
const DefaultRRFK = 60

// ParseMode normalizes a request mode string. "bm25" is an accepted alias
// for keyword mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "hybrid", "":
		return ModeHybrid, nil
	case "semantic":
		return ModeSemantic, nil
	case "keyword", "bm25":
		return ModeKeyword, nil
	default:
		return "", errors.InvalidInput("unknown search mode: " + s)
	}
}

// Result is a single search hit. id is the backend row or point identifier,
// carried only as the last-resort merge key for fusion.
type Result struct {
	URL         string        `json:"url"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Text        string        `json:"text"`
	Score       float64       `json:"score"`
	RRFScore    float64       `json:"rrf_score,omitempty"`
	Metadata    store.DocMeta `json:"metadata"`

	id string
}

// Orchestrator dispatches queries to the vector and keyword indexes.
type Orchestrator struct {
	embedder embed.Embedder
	vectors  store.VectorIndex
	keywords store.KeywordIndex
	rrfK     int
	logger   *slog.Logger
}

// New creates an orchestrator. rrfK <= 0 selects the default constant.
func New(embedder embed.Embedder, vectors store.VectorIndex, keywords store.KeywordIndex, rrfK int) *Orchestrator {
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}
	return &Orchestrator{
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		rrfK:     rrfK,
		logger:   slog.Default(),
	}
}

// Search runs the query in the given mode. Backend failures degrade to
// fewer (or zero) results rather than erroring: a search surface that
// answers with [] beats one that 500s because one index is down.
func (o *Orchestrator) Search(ctx context.Context, query string, mode Mode, limit int, filter store.Filter) []Result {
	switch mode {
	case ModeSemantic:
		return o.semantic(ctx, query, limit, filter)
	case ModeKeyword:
		return o.keyword(ctx, query, limit, filter)
	default:
		return o.hybrid(ctx, query, limit, filter)
	}
}

// semantic embeds the query and searches the vector index. Any failure
// returns no results.
func (o *Orchestrator) semantic(ctx context.Context, query string, limit int, filter store.Filter) []Result {
	vector, err := o.embedder.Embed(ctx, query)
	if err != nil {
		o.logger.Warn("semantic_search_embed_failed", slog.String("error", err.Error()))
		return []Result{}
	}

	hits, err := o.vectors.Search(ctx, vector, limit, filter)
	if err != nil {
		o.logger.Warn("semantic_search_failed", slog.String("error", err.Error()))
		return []Result{}
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			URL:         h.Payload.URL,
			Title:       h.Payload.Title,
			Description: h.Payload.Description,
			Text:        h.Payload.Text,
			Score:       float64(h.Score),
			Metadata:    h.Payload.DocMeta,
			id:          h.ID,
		}
	}
	return results
}

// keyword scores the query against the BM25 index. Any failure, including a
// lock timeout, returns no results.
func (o *Orchestrator) keyword(ctx context.Context, query string, limit int, filter store.Filter) []Result {
	matches, err := o.keywords.Search(ctx, query, limit, filter)
	if err != nil {
		o.logger.Warn("keyword_search_failed", slog.String("error", err.Error()))
		return []Result{}
	}

	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = Result{
			URL:         m.Meta.URL,
			Title:       m.Meta.Title,
			Description: m.Meta.Description,
			Text:        m.Text,
			Score:       m.Score,
			Metadata:    m.Meta,
			id:          m.ID,
		}
	}
	return results
}

// hybrid runs both paths concurrently with widened sub-limits and fuses the
// ranked lists. One failed path degrades to the other's results alone.
func (o *Orchestrator) hybrid(ctx context.Context, query string, limit int, filter store.Filter) []Result {
	subLimit := 2 * limit

	var semanticResults, keywordResults []Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		semanticResults = o.semantic(gctx, query, subLimit, filter)
		return nil
	})
	g.Go(func() error {
		keywordResults = o.keyword(gctx, query, subLimit, filter)
		return nil
	})
	_ = g.Wait()

	fused := fuseRRF(o.rrfK, semanticResults, keywordResults)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused
}

// identity picks the merge key for a result: canonical URL when present,
// else the raw URL, else the backend id. Never rank position.
func identity(r Result) string {
	if r.Metadata.CanonicalURL != "" {
		return r.Metadata.CanonicalURL
	}
	if r.URL != "" {
		return r.URL
	}
	if r.id != "" {
		return r.id
	}
	return r.Text
}

// fuseRRF merges ranked lists by reciprocal rank fusion: each occurrence at
// 1-based rank r contributes 1/(k+r) to its document's score. The first
// occurrence's payload wins; output is sorted by summed score descending
// with a deterministic key tie-break.
func fuseRRF(k int, lists ...[]Result) []Result {
	scores := make(map[string]float64)
	first := make(map[string]Result)
	var order []string

	for _, list := range lists {
		for rank, r := range list {
			key := identity(r)
			scores[key] += 1.0 / float64(k+rank+1)
			if _, seen := first[key]; !seen {
				first[key] = r
				order = append(order, key)
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if scores[order[i]] != scores[order[j]] {
			return scores[order[i]] > scores[order[j]]
		}
		return order[i] < order[j]
	})

	fused := make([]Result, len(order))
	for i, key := range order {
		r := first[key]
		if r.Metadata.CanonicalURL != "" {
			r.URL = r.Metadata.CanonicalURL
		}
		r.Score = scores[key]
		r.RRFScore = scores[key]
		fused[i] = r
	}
	return fused
}
