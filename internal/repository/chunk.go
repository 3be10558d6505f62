package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// ChunkRepository reads the chunks and embeddings the indexing collaborator stored for an
// artifact.
type ChunkRepository struct {
	db dbtx
}

func NewChunkRepository(pool *pgxpool.Pool) *ChunkRepository {
	return &ChunkRepository{db: pool}
}

func NewChunkRepositoryWithTx(tx pgx.Tx) *ChunkRepository {
	return &ChunkRepository{db: tx}
}

// ReplaceChunks deletes existing chunks for an artifact and inserts new ones.
func (r *ChunkRepository) ReplaceChunks(ctx context.Context, artifactID string, chunks []domain.ChunkHandle) error {
	_, err := r.db.Exec(ctx, `DELETE FROM evidence_chunks WHERE artifact_id = $1`, artifactID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, c := range chunks {
		var embedding *pgvector.Vector
		if len(c.Embedding) > 0 {
			v := pgvector.NewVector(c.Embedding)
			embedding = &v
		}
		_, err := r.db.Exec(ctx,
			`INSERT INTO evidence_chunks (artifact_id, chunk_id, chunk_index, content, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			artifactID, c.ChunkID, c.ChunkIndex, c.Text, embedding, now,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// Chunks returns the chunks of an artifact in chunk order.
func (r *ChunkRepository) Chunks(ctx context.Context, artifactID string) ([]domain.ChunkHandle, error) {
	rows, err := r.db.Query(ctx,
		`SELECT chunk_id, chunk_index, content, embedding
		 FROM evidence_chunks WHERE artifact_id = $1
		 ORDER BY chunk_index, chunk_id`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ChunkHandle
	for rows.Next() {
		var c domain.ChunkHandle
		var embedding *pgvector.Vector
		if err := rows.Scan(&c.ChunkID, &c.ChunkIndex, &c.Text, &embedding); err != nil {
			return nil, err
		}
		if embedding != nil {
			c.Embedding = embedding.Slice()
		}
		results = append(results, c)
	}
	return results, rows.Err()
}
