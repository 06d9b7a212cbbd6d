// Package storage indexes completed analysis results in a vector store so
// past runs can be searched semantically. Indexing is best-effort: a store
// failure degrades to a warning, never a failed run.
package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"videoNarrate/config"
)

// Entry is one indexed analysis result.
type Entry struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Kind      string  `json:"kind"`
	Text      string  `json:"text"`
	FramePath string  `json:"frame_path,omitempty"`
}

// Hit is a scored search result.
type Hit struct {
	Score float64 `json:"score"`
	Entry
}

// VectorStore abstracts the storage backend.
type VectorStore interface {
	Index(ctx context.Context, runID string, entries []Entry) (int, error)
	Search(ctx context.Context, runID, query string, topK int) ([]Hit, error)
	Close(ctx context.Context) error
}

// New selects the configured backend. Initialization failures fall back to
// the in-memory store so indexing never blocks a run.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) VectorStore {
	switch cfg.Store.Kind {
	case config.StorePgVector:
		s, err := NewPgVectorStore(ctx, cfg, logger)
		if err != nil {
			logger.Warn("pgvector store unavailable, falling back to memory", zap.Error(err))
			return NewMemoryStore()
		}
		return s
	case config.StoreMilvus:
		s, err := NewMilvusStore(ctx, cfg, logger)
		if err != nil {
			logger.Warn("milvus store unavailable, falling back to memory", zap.Error(err))
			return NewMemoryStore()
		}
		return s
	default:
		return NewMemoryStore()
	}
}

// embedder produces embeddings through the hosted API for the persistent
// stores.
type embedder struct {
	cli   *openai.Client
	model openai.EmbeddingModel
}

func newEmbedder(cfg *config.Config) *embedder {
	clientCfg := openai.DefaultConfig(cfg.Clients.OpenAIAPI.APIKey)
	if cfg.Clients.OpenAIAPI.APIURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.Clients.OpenAIAPI.APIURL, "/")
	}
	return &embedder{
		cli:   openai.NewClientWithConfig(clientCfg),
		model: openai.EmbeddingModel(cfg.Store.EmbeddingModel),
	}
}

func (e *embedder) embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.cli.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: e.model,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// MemoryStore is the zero-dependency fallback using term-frequency cosine
// similarity.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]memoryDoc
}

type memoryDoc struct {
	entry Entry
	terms map[string]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]memoryDoc)}
}

func (s *MemoryStore) Index(_ context.Context, runID string, entries []Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make([]memoryDoc, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, memoryDoc{entry: e, terms: termVector(e.Text)})
	}
	s.docs[runID] = docs
	return len(docs), nil
}

func (s *MemoryStore) Search(_ context.Context, runID, query string, topK int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.docs[runID]
	qv := termVector(query)

	hits := make([]Hit, 0, len(docs))
	for _, d := range docs {
		hits = append(hits, Hit{Score: cosine(qv, d.terms), Entry: d.entry})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK <= 0 || topK > len(hits) {
		topK = len(hits)
		if topK > 5 {
			topK = 5
		}
	}
	return hits[:topK], nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }

func termVector(text string) map[string]float64 {
	vec := make(map[string]float64)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		vec[strings.Trim(tok, ".,!?;:\"'()")]++
	}
	delete(vec, "")
	return vec
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for k, va := range a {
		na += va * va
		if vb, ok := b[k]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		nb += vb * vb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
