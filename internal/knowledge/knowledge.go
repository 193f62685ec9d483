// Package knowledge answers semantic searches against the knowledge-base
// vector index.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qdrant/go-client/qdrant"

	"github.com/nugget/triage-agent/internal/llm"
)

// DefaultLimit is the number of articles returned by Search when limit <= 0.
const DefaultLimit = 3

// maxContentRunes bounds the excerpt of each article returned to the model.
const maxContentRunes = 500

// Payload keys written by the ingestion job.
const (
	payloadDocID   = "doc_id"
	payloadDocType = "doc_type"
	payloadTitle   = "title"
	payloadContent = "content"
)

// Result is one matching knowledge-base chunk.
type Result struct {
	DocID   string  `json:"docId"`
	DocType string  `json:"docType"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Searcher is what the search_knowledge tool depends on.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// vectorIndex is the subset of *qdrant.Client used here.
type vectorIndex interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Close() error
}

// Config configures a [QdrantSearcher].
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	VectorSize uint64
}

// QdrantSearcher embeds queries and runs nearest-neighbour lookups in a
// Qdrant collection.
type QdrantSearcher struct {
	index      vectorIndex
	embedder   llm.Embedder
	collection string
	vectorSize uint64
	logger     *slog.Logger
}

// NewQdrantSearcher connects to Qdrant over gRPC. The connection is lazy:
// an unreachable server surfaces on first use, not here.
func NewQdrantSearcher(cfg Config, embedder llm.Embedder, logger *slog.Logger) (*QdrantSearcher, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}
	return newSearcher(client, embedder, cfg, logger), nil
}

func newSearcher(index vectorIndex, embedder llm.Embedder, cfg Config, logger *slog.Logger) *QdrantSearcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &QdrantSearcher{
		index:      index,
		embedder:   embedder,
		collection: cfg.Collection,
		vectorSize: cfg.VectorSize,
		logger:     logger,
	}
}

// EnsureCollection creates the collection (cosine distance) if it does
// not exist. An unreachable index is logged and tolerated: search then
// fails per call and the tool reports it to the model.
func (s *QdrantSearcher) EnsureCollection(ctx context.Context) {
	exists, err := s.index.CollectionExists(ctx, s.collection)
	if err != nil {
		s.logger.Warn("vector index unreachable, knowledge search will be unavailable",
			"collection", s.collection, "error", err)
		return
	}
	if exists {
		s.logger.Debug("collection present", "collection", s.collection)
		return
	}

	err = s.index.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		s.logger.Warn("failed to create collection", "collection", s.collection, "error", err)
		return
	}
	s.logger.Info("created collection", "collection", s.collection, "size", s.vectorSize)
}

// Ping reports whether the vector index answers.
func (s *QdrantSearcher) Ping(ctx context.Context) error {
	if _, err := s.index.CollectionExists(ctx, s.collection); err != nil {
		return fmt.Errorf("qdrant: %w", err)
	}
	return nil
}

// Search returns up to limit articles closest to query.
func (s *QdrantSearcher) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if query == "" {
		return nil, errors.New("empty query")
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	points, err := s.index.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.collection, err)
	}

	results := make([]Result, 0, len(points))
	for _, p := range points {
		results = append(results, resultFromPoint(p))
	}
	s.logger.Debug("knowledge search", "query_len", len(query), "results", len(results))
	return results, nil
}

// Close releases the gRPC connection.
func (s *QdrantSearcher) Close() error {
	return s.index.Close()
}

func resultFromPoint(p *qdrant.ScoredPoint) Result {
	str := func(key string) string {
		if v, ok := p.GetPayload()[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	return Result{
		DocID:   str(payloadDocID),
		DocType: str(payloadDocType),
		Title:   str(payloadTitle),
		Content: truncateRunes(str(payloadContent), maxContentRunes),
		Score:   float64(p.GetScore()),
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
