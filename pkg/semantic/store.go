// Package semantic layers vector search over the exchange archive.
//
// Embeddings are generated by a Text Embeddings Inference (TEI) service
// and stored in PostgreSQL with pgvector. A background worker keeps the
// vectors in sync with the SQLite archive, and /search fuses vector and
// FTS5 keyword results with Reciprocal Rank Fusion. The whole layer is
// optional: without it the relay falls back to keyword-only search.
package semantic

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store is pgvector-backed embedding storage, scoped per sender.
type Store struct {
	pool *pgxpool.Pool
}

// SearchResult is one vector similarity hit.
type SearchResult struct {
	ExchangeID int64
	Distance   float64 // cosine distance, lower is more similar
}

// NewStore connects to PostgreSQL and verifies the connection.
func NewStore(ctx context.Context, pgURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
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

// Init creates the pgvector extension, table, and index.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS exchange_embeddings (
			exchange_id BIGINT PRIMARY KEY,
			sender_id   TEXT NOT NULL,
			embedding   vector(768) NOT NULL,
			embedded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create embeddings table: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_exchange_embeddings_hnsw
		ON exchange_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`); err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("semantic store initialized")
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// InsertBatch stores embeddings for a batch of exchanges in one
// transaction. Exchanges are append-only, so conflicts just refresh.
func (s *Store) InsertBatch(ctx context.Context, ids []int64, senderIDs []string, embeddings [][]float32) error {
	if len(ids) != len(embeddings) || len(ids) != len(senderIDs) {
		return fmt.Errorf("mismatched batch sizes: ids=%d senders=%d embeddings=%d",
			len(ids), len(senderIDs), len(embeddings))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range ids {
		if _, err := tx.Exec(ctx, `
			INSERT INTO exchange_embeddings (exchange_id, sender_id, embedding, embedded_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (exchange_id) DO UPDATE
			SET embedding = EXCLUDED.embedding, embedded_at = now()
		`, ids[i], senderIDs[i], pgvector.NewVector(embeddings[i])); err != nil {
			return fmt.Errorf("insert embedding %d: %w", ids[i], err)
		}
	}
	return tx.Commit(ctx)
}

// Search returns the sender's top-K exchanges by cosine distance.
func (s *Store) Search(ctx context.Context, senderID string, queryEmbedding []float32, limit int) ([]SearchResult, error) {
	vec := pgvector.NewVector(queryEmbedding)
	rows, err := s.pool.Query(ctx, `
		SELECT exchange_id, embedding <=> $1 AS distance
		FROM exchange_embeddings
		WHERE sender_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3
	`, vec, senderID, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ExchangeID, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// EmbeddedIDs returns the set of exchange ids already embedded.
func (s *Store) EmbeddedIDs(ctx context.Context) (map[int64]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT exchange_id FROM exchange_embeddings")
	if err != nil {
		return nil, fmt.Errorf("embedded ids: %w", err)
	}
	defer rows.Close()

	embedded := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan embedded id: %w", err)
		}
		embedded[id] = true
	}
	return embedded, rows.Err()
}

// Count returns the number of stored embeddings.
func (s *Store) Count(ctx context.Context) (count int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM exchange_embeddings").Scan(&count)
	return
}
