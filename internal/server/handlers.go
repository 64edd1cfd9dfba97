package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/webfuse/webfuse/internal/search"
	"github.com/webfuse/webfuse/internal/store"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type searchFilters struct {
	Domain   string `json:"domain"`
	Language string `json:"language"`
	Country  string `json:"country"`
	IsMobile *bool  `json:"isMobile"`
}

type searchRequest struct {
	Query   string         `json:"query"`
	Mode    string         `json:"mode"`
	Limit   *int           `json:"limit"`
	Filters *searchFilters `json:"filters"`
}

type searchResponse struct {
	Results []search.Result `json:"results"`
	Total   int             `json:"total"`
	Query   string          `json:"query"`
	Mode    string          `json:"mode"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "query is required"})
		return
	}

	mode, err := search.ParseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	limit := defaultSearchLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	if limit < 1 || limit > maxSearchLimit {
		writeJSON(w, http.StatusUnprocessableEntity,
			map[string]string{"error": "limit must be between 1 and 100"})
		return
	}

	var filter store.Filter
	if req.Filters != nil {
		filter = store.Filter{
			Domain:   req.Filters.Domain,
			Language: req.Filters.Language,
			Country:  req.Filters.Country,
			IsMobile: req.Filters.IsMobile,
		}
	}

	results := s.pool.Search.Search(r.Context(), req.Query, mode, limit, filter)
	writeJSON(w, http.StatusOK, searchResponse{
		Results: results,
		Total:   len(results),
		Query:   req.Query,
		Mode:    string(mode),
	})
}

type statsResponse struct {
	TotalDocuments int    `json:"total_documents"`
	TotalChunks    uint64 `json:"total_chunks"`
	QdrantPoints   uint64 `json:"qdrant_points"`
	BM25Documents  int    `json:"bm25_documents"`
	CollectionName string `json:"collection_name"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	points, err := s.pool.Vectors.Count(r.Context())
	if err != nil {
		// A down vector store zeroes the counter rather than failing the
		// stats endpoint.
		points = 0
	}
	docs := s.pool.Keywords.Count()

	writeJSON(w, http.StatusOK, statsResponse{
		TotalDocuments: docs,
		TotalChunks:    points,
		QdrantPoints:   points,
		BM25Documents:  docs,
		CollectionName: s.cfg.QdrantCollection,
	})
}

type healthResponse struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services"`
	Timestamp string            `json:"timestamp"`
}

// handleHealth probes every collaborator concurrently and reports ok or
// degraded. Always 200: schedulers read the body, not the status code.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	probes := map[string]func() bool{
		"embedder": func() bool { return s.pool.Embedder.HealthCheck(ctx) },
		"qdrant":   func() bool { return s.pool.Vectors.HealthCheck(ctx) },
		"redis":    func() bool { return s.pool.Broker.HealthCheck(ctx) },
		"metadb":   func() bool { return s.pool.DB.HealthCheck(ctx) },
	}

	var mu sync.Mutex
	services := make(map[string]string, len(probes))
	var wg sync.WaitGroup
	for name, probe := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := "down"
			if probe() {
				state = "up"
			}
			mu.Lock()
			services[name] = state
			mu.Unlock()
		}()
	}
	wg.Wait()

	status := "ok"
	for _, state := range services {
		if state != "up" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Services:  services,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
