package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"videoNarrate/config"
)

const embeddingDim = 1536

// PgVectorStore persists entries in Postgres with the pgvector extension.
type PgVectorStore struct {
	conn   *pgx.Conn
	emb    *embedder
	logger *zap.Logger
}

func NewPgVectorStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*PgVectorStore, error) {
	conn, err := pgx.Connect(ctx, cfg.Store.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PgVectorStore{conn: conn, emb: newEmbedder(cfg), logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *PgVectorStore) ensureSchema(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("enable pgvector: %w", err)
	}
	_, err := s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS narrative_entries (
			id         BIGSERIAL PRIMARY KEY,
			run_id     TEXT NOT NULL,
			start_sec  DOUBLE PRECISION NOT NULL,
			end_sec    DOUBLE PRECISION NOT NULL,
			kind       TEXT NOT NULL,
			text       TEXT NOT NULL,
			frame_path TEXT,
			embedding  vector(%d)
		)`, embeddingDim))
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, err = s.conn.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_narrative_entries_run ON narrative_entries (run_id)`)
	return err
}

func (s *PgVectorStore) Index(ctx context.Context, runID string, entries []Entry) (int, error) {
	// Re-indexing a run replaces its previous entries.
	if _, err := s.conn.Exec(ctx, `DELETE FROM narrative_entries WHERE run_id = $1`, runID); err != nil {
		return 0, err
	}

	count := 0
	for _, e := range entries {
		vec, err := s.emb.embed(ctx, e.Text)
		if err != nil {
			s.logger.Warn("embedding failed, entry not indexed",
				zap.String("run_id", runID), zap.Error(err))
			continue
		}
		_, err = s.conn.Exec(ctx, `
			INSERT INTO narrative_entries (run_id, start_sec, end_sec, kind, text, frame_path, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			runID, e.Start, e.End, e.Kind, e.Text, e.FramePath, pgvector.NewVector(vec))
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *PgVectorStore) Search(ctx context.Context, runID, query string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	vec, err := s.emb.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(ctx, `
		SELECT start_sec, end_sec, kind, text, COALESCE(frame_path, ''),
		       1 - (embedding <=> $2) AS score
		FROM narrative_entries
		WHERE run_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3`,
		runID, pgvector.NewVector(vec), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.Start, &h.End, &h.Kind, &h.Text, &h.FramePath, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PgVectorStore) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
