package store

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/webfuse/webfuse/internal/errors"
)

const (
	// DefaultQdrantPort is the Qdrant gRPC port.
	DefaultQdrantPort = 6334

	// DefaultHealthTimeout bounds the health probe.
	DefaultHealthTimeout = 5 * time.Second
)

// QdrantConfig configures the Qdrant vector index.
type QdrantConfig struct {
	// Addr is host:port of the Qdrant gRPC endpoint.
	Addr string

	// Collection is the collection name.
	Collection string

	// VectorDim is the embedding dimensionality.
	VectorDim uint64
}

// QdrantIndex stores chunk vectors in a Qdrant collection with cosine
// distance, one point per chunk, payload carrying the chunk text and
// document metadata.
type QdrantIndex struct {
	config QdrantConfig
	client *qdrant.Client

	mu     sync.Mutex
	closed bool
}

// Verify interface implementation at compile time.
var _ VectorIndex = (*QdrantIndex)(nil)

// NewQdrantIndex connects to Qdrant over gRPC. The connection is lazy; a
// down Qdrant surfaces on first call, not here.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	host, port, err := splitAddr(cfg.Addr)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "create qdrant client", err)
	}

	return &QdrantIndex{config: cfg, client: client}, nil
}

// splitAddr parses "host:port", defaulting the port to the gRPC default.
func splitAddr(addr string) (string, int, error) {
	if addr == "" {
		return "", 0, errors.InvalidInput("qdrant address is empty")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, DefaultQdrantPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.InvalidInput("qdrant address has invalid port: " + addr)
	}
	return host, port, nil
}

// EnsureCollection creates the collection with cosine distance if it does
// not exist yet. Safe to call on every startup.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.config.Collection)
	if err != nil {
		return mapQdrantErr("check collection", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.config.VectorDim,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return mapQdrantErr("create collection", err)
	}

	slog.Info("qdrant_collection_created",
		slog.String("collection", q.config.Collection),
		slog.Uint64("vector_dim", q.config.VectorDim))
	return nil
}

// Upsert writes all points in a single call with wait=true, so either the
// whole batch is durably applied or the call errors.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payloadMap(p.Payload)),
		}
	}

	waitUpsert := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.config.Collection,
		Points:         qdrantPoints,
		Wait:           &waitUpsert,
	})
	if err != nil {
		return mapQdrantErr("upsert points", err)
	}
	return nil
}

// Search runs a nearest-neighbor query and returns hits ordered by
// descending cosine similarity.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]Hit, error) {
	query := &qdrant.QueryPoints{
		CollectionName: q.config.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if conditions := filterConditions(filter); len(conditions) > 0 {
		query.Filter = &qdrant.Filter{Must: conditions}
	}

	scored, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, mapQdrantErr("query points", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		hits = append(hits, Hit{
			ID:      sp.GetId().GetUuid(),
			Score:   sp.GetScore(),
			Payload: payloadFromValues(sp.GetPayload()),
		})
	}
	return hits, nil
}

// Count returns the number of points in the collection.
func (q *QdrantIndex) Count(ctx context.Context) (uint64, error) {
	count, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.config.Collection,
	})
	if err != nil {
		return 0, mapQdrantErr("count points", err)
	}
	return count, nil
}

// HealthCheck reports whether Qdrant answers within the probe timeout.
func (q *QdrantIndex) HealthCheck(ctx context.Context) bool {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
	defer cancel()

	_, err := q.client.HealthCheck(probeCtx)
	return err == nil
}

// Close tears down the gRPC connection. Idempotent.
func (q *QdrantIndex) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.client.Close()
}

// filterConditions translates a Filter into Qdrant match conditions.
func filterConditions(f Filter) []*qdrant.Condition {
	var conditions []*qdrant.Condition
	if f.Domain != "" {
		conditions = append(conditions, qdrant.NewMatch("domain", f.Domain))
	}
	if f.Language != "" {
		conditions = append(conditions, qdrant.NewMatch("language", f.Language))
	}
	if f.Country != "" {
		conditions = append(conditions, qdrant.NewMatch("country", f.Country))
	}
	if f.IsMobile != nil {
		conditions = append(conditions, qdrant.NewMatchBool("is_mobile", *f.IsMobile))
	}
	return conditions
}

// payloadMap flattens a Payload into the map form NewValueMap accepts.
func payloadMap(p Payload) map[string]any {
	return map[string]any{
		"url":           p.URL,
		"canonical_url": p.CanonicalURL,
		"domain":        p.Domain,
		"title":         p.Title,
		"description":   p.Description,
		"language":      p.Language,
		"country":       p.Country,
		"is_mobile":     p.IsMobile,
		"text":          p.Text,
		"chunk_index":   int64(p.ChunkIndex),
		"token_count":   int64(p.TokenCount),
	}
}

// payloadFromValues reverses payloadMap for a returned point.
func payloadFromValues(values map[string]*qdrant.Value) Payload {
	str := func(key string) string { return values[key].GetStringValue() }
	return Payload{
		DocMeta: DocMeta{
			URL:          str("url"),
			CanonicalURL: str("canonical_url"),
			Domain:       str("domain"),
			Title:        str("title"),
			Description:  str("description"),
			Language:     str("language"),
			Country:      str("country"),
			IsMobile:     values["is_mobile"].GetBoolValue(),
		},
		Text:       str("text"),
		ChunkIndex: int(values["chunk_index"].GetIntegerValue()),
		TokenCount: int(values["token_count"].GetIntegerValue()),
	}
}

// mapQdrantErr classifies a Qdrant gRPC error by status code. Connectivity
// and overload failures are retryable, everything else is permanent.
func mapQdrantErr(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrap(errors.KindTransientRemote, "qdrant "+op, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return errors.Wrap(errors.KindTransientRemote, "qdrant "+op, err)
	case codes.NotFound:
		return errors.Wrap(errors.KindNotFound, "qdrant "+op, err)
	default:
		return errors.Wrap(errors.KindPermanentRemote, "qdrant "+op, err)
	}
}
