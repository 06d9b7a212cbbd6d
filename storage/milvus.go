package storage

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"videoNarrate/config"
)

// MilvusStore persists entries in a Milvus collection, mirroring the
// pgvector schema.
type MilvusStore struct {
	mc     client.Client
	coll   string
	emb    *embedder
	logger *zap.Logger
}

func NewMilvusStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*MilvusStore, error) {
	mc, err := client.NewClient(ctx, client.Config{Address: cfg.Store.MilvusAddr})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	s := &MilvusStore{
		mc:     mc,
		coll:   cfg.Store.MilvusCollection,
		emb:    newEmbedder(cfg),
		logger: logger,
	}
	if err := s.ensureCollection(ctx); err != nil {
		mc.Close()
		return nil, err
	}
	return s, nil
}

func (s *MilvusStore) ensureCollection(ctx context.Context) error {
	has, err := s.mc.HasCollection(ctx, s.coll)
	if err != nil {
		return err
	}
	if !has {
		schema := entity.NewSchema()
		schema.WithField(entity.NewField().WithName("id").WithIsAutoID(true).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("run_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64))
		schema.WithField(entity.NewField().WithName("start_sec").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("end_sec").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("kind").WithDataType(entity.FieldTypeVarChar).WithMaxLength(16))
		schema.WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192))
		schema.WithField(entity.NewField().WithName("frame_path").WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024))
		schema.WithField(entity.NewField().WithName("embedding").WithDataType(entity.FieldTypeFloatVector).WithDim(embeddingDim))

		if err := s.mc.CreateCollection(ctx, schema, 2); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, s.coll, "embedding", idx, false, client.WithIndexName("idx_embedding")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.mc.LoadCollection(ctx, s.coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (s *MilvusStore) Index(ctx context.Context, runID string, entries []Entry) (int, error) {
	expr := fmt.Sprintf(`run_id == "%s"`, runID)
	if err := s.mc.Delete(ctx, s.coll, "", expr); err != nil {
		s.logger.Warn("failed to clear previous run entries", zap.Error(err))
	}

	var (
		runIDs, kinds, texts, paths []string
		starts, ends                []float64
		vectors                     [][]float32
	)
	for _, e := range entries {
		vec, err := s.emb.embed(ctx, e.Text)
		if err != nil {
			s.logger.Warn("embedding failed, entry not indexed",
				zap.String("run_id", runID), zap.Error(err))
			continue
		}
		runIDs = append(runIDs, runID)
		starts = append(starts, e.Start)
		ends = append(ends, e.End)
		kinds = append(kinds, e.Kind)
		texts = append(texts, e.Text)
		paths = append(paths, e.FramePath)
		vectors = append(vectors, vec)
	}
	if len(vectors) == 0 {
		return 0, nil
	}

	_, err := s.mc.Insert(ctx, s.coll, "",
		entity.NewColumnVarChar("run_id", runIDs),
		entity.NewColumnDouble("start_sec", starts),
		entity.NewColumnDouble("end_sec", ends),
		entity.NewColumnVarChar("kind", kinds),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("frame_path", paths),
		entity.NewColumnFloatVector("embedding", embeddingDim, vectors))
	if err != nil {
		return 0, fmt.Errorf("insert entries: %w", err)
	}
	if err := s.mc.Flush(ctx, s.coll, false); err != nil {
		s.logger.Warn("flush failed", zap.Error(err))
	}
	return len(vectors), nil
}

func (s *MilvusStore) Search(ctx context.Context, runID, query string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	qv, err := s.emb.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, err
	}
	expr := fmt.Sprintf(`run_id == "%s"`, runID)
	results, err := s.mc.Search(ctx, s.coll, nil, expr,
		[]string{"start_sec", "end_sec", "kind", "text", "frame_path"},
		[]entity.Vector{entity.FloatVector(qv)},
		"embedding", entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var hits []Hit
	for _, rs := range results {
		starts := columnDoubles(rs.Fields.GetColumn("start_sec"))
		ends := columnDoubles(rs.Fields.GetColumn("end_sec"))
		kinds := columnStrings(rs.Fields.GetColumn("kind"))
		texts := columnStrings(rs.Fields.GetColumn("text"))
		paths := columnStrings(rs.Fields.GetColumn("frame_path"))
		for i := 0; i < rs.ResultCount; i++ {
			h := Hit{Score: float64(rs.Scores[i])}
			if i < len(starts) {
				h.Start = starts[i]
			}
			if i < len(ends) {
				h.End = ends[i]
			}
			if i < len(kinds) {
				h.Kind = kinds[i]
			}
			if i < len(texts) {
				h.Text = texts[i]
			}
			if i < len(paths) {
				h.FramePath = paths[i]
			}
			hits = append(hits, h)
		}
	}
	return hits, nil
}

func (s *MilvusStore) Close(context.Context) error {
	return s.mc.Close()
}

func columnDoubles(col entity.Column) []float64 {
	c, ok := col.(*entity.ColumnDouble)
	if !ok {
		return nil
	}
	return c.Data()
}

func columnStrings(col entity.Column) []string {
	c, ok := col.(*entity.ColumnVarChar)
	if !ok {
		return nil
	}
	return c.Data()
}
