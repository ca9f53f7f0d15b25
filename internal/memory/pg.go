package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// VectorDimension is the width of stored embeddings. Must match the embedder
// configured for the deployment.
const VectorDimension = 768

// PgxConn is the subset of pgxpool.Pool the index needs.
// Defined here, by the consumer, so tests can substitute a fake.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgIndex is a pgvector-backed Index for self-hosted deployments that keep
// the similarity search next to their Postgres instance instead of the
// remote vector service.
type PgIndex struct {
	conn PgxConn
}

// NewPgIndex creates a pgvector index over an existing connection pool.
func NewPgIndex(conn PgxConn) *PgIndex {
	return &PgIndex{conn: conn}
}

// EnsureSchema creates the vector table and search index if absent.
// Idempotent; called once at startup.
func (p *PgIndex) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_vectors (
			id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, VectorDimension),
		`CREATE INDEX IF NOT EXISTS memory_vectors_embedding_idx
			ON memory_vectors USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS memory_vectors_metadata_idx
			ON memory_vectors USING gin (metadata)`,
	}
	for _, stmt := range stmts {
		if _, err := p.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert writes vectors, replacing entries with the same id.
func (p *PgIndex) Upsert(ctx context.Context, vectors []Vector) error {
	for _, v := range vectors {
		metadataJSON, err := json.Marshal(v.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %q: %w", v.ID, err)
		}
		embedding := pgvector.NewVector(v.Values)
		_, err = p.conn.Exec(ctx,
			`INSERT INTO memory_vectors (id, embedding, metadata)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE
			 SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`,
			v.ID, embedding, metadataJSON)
		if err != nil {
			return fmt.Errorf("upsert vector %q: %w", v.ID, err)
		}
	}
	return nil
}

// Query runs a cosine-similarity search constrained by a metadata filter.
//
// The filter is always passed through json.Marshal and bound as a parameter;
// never interpolate filter values into the SQL text.
func (p *PgIndex) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]Match, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("marshal filter: %w", err)
	}

	embedding := pgvector.NewVector(vector)
	rows, err := p.conn.Query(ctx,
		`SELECT metadata, 1 - (embedding <=> $1) AS similarity
		 FROM memory_vectors
		 WHERE metadata @> $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		embedding, filterJSON, topK)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			metadataJSON []byte
			similarity   float64
		)
		if err := rows.Scan(&metadataJSON, &similarity); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		var metadata map[string]string
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			metadata = map[string]string{}
		}
		matches = append(matches, Match{Score: similarity, Metadata: metadata})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return matches, nil
}
