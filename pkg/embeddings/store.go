package embeddings

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store provides pgvector-backed storage and search over fact embeddings.
type Store struct {
	pool *pgxpool.Pool
}

// SearchResult is one recalled fact, most similar first.
type SearchResult struct {
	FactID   string // "<user_id>/<category>"
	UserID   string
	Text     string
	Distance float64 // cosine distance (lower = more similar)
}

// NewStore creates a new pgvector store and verifies the connection.
func NewStore(ctx context.Context, pgURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Init creates the pgvector extension, table, and index if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fact_embeddings (
			fact_id      TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			text         TEXT NOT NULL,
			embedding    vector(768) NOT NULL,
			content_hash TEXT NOT NULL,
			model_name   TEXT NOT NULL DEFAULT 'nomic-embed-text-v1.5',
			embedded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create fact_embeddings table: %w", err)
	}

	// HNSW index for cosine similarity search
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_fact_embeddings_hnsw
		ON fact_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("fact embedding store initialized")
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// UpsertBatch stores embeddings for a batch of fact statements in one
// transaction. A fact re-embedded after its value changed overwrites the
// previous row.
func (s *Store) UpsertBatch(ctx context.Context, facts []Fact, embeddings [][]float32) error {
	if len(facts) != len(embeddings) {
		return fmt.Errorf("mismatched batch sizes: facts=%d embeddings=%d", len(facts), len(embeddings))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, f := range facts {
		vec := pgvector.NewVector(embeddings[i])
		_, err := tx.Exec(ctx, `
			INSERT INTO fact_embeddings (fact_id, user_id, text, embedding, content_hash, embedded_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (fact_id) DO UPDATE
			SET user_id      = EXCLUDED.user_id,
				text         = EXCLUDED.text,
				embedding    = EXCLUDED.embedding,
				content_hash = EXCLUDED.content_hash,
				embedded_at  = now()
		`, f.ID, f.UserID, f.Text, vec, f.Hash)
		if err != nil {
			return fmt.Errorf("upsert embedding %s: %w", f.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// Search returns the top-K facts most similar to the query embedding.
// userID, when non-empty, restricts results to one user's facts.
func (s *Store) Search(ctx context.Context, queryEmbedding []float32, userID string, limit int) ([]SearchResult, error) {
	vec := pgvector.NewVector(queryEmbedding)

	query := `
		SELECT fact_id, user_id, text, embedding <=> $1 AS distance
		FROM fact_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2`
	args := []any{vec, limit}
	if userID != "" {
		query = `
			SELECT fact_id, user_id, text, embedding <=> $1 AS distance
			FROM fact_embeddings
			WHERE user_id = $3
			ORDER BY embedding <=> $1
			LIMIT $2`
		args = append(args, userID)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.FactID, &r.UserID, &r.Text, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Embedded returns every embedded fact id with its content hash, for
// staleness detection.
func (s *Store) Embedded(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT fact_id, content_hash FROM fact_embeddings")
	if err != nil {
		return nil, fmt.Errorf("get embedded: %w", err)
	}
	defer rows.Close()

	embedded := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan embedded: %w", err)
		}
		embedded[id] = hash
	}
	return embedded, rows.Err()
}

// DeleteMissing removes embeddings whose fact id is no longer live, e.g.
// after a merge deleted the secondary record.
func (s *Store) DeleteMissing(ctx context.Context, live map[string]bool) (int, error) {
	embedded, err := s.Embedded(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for id := range embedded {
		if live[id] {
			continue
		}
		if _, err := s.pool.Exec(ctx, "DELETE FROM fact_embeddings WHERE fact_id = $1", id); err != nil {
			return removed, fmt.Errorf("delete embedding %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

// Stats returns the embedded fact count.
func (s *Store) Stats(ctx context.Context) (count int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM fact_embeddings").Scan(&count)
	return
}
