package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// ArtifactRepository indexes canonicalized artifacts. The filesystem store stays the system
// of record; these rows answer cross-artifact lookups.
type ArtifactRepository struct {
	db dbtx
}

func NewArtifactRepository(pool *pgxpool.Pool) *ArtifactRepository {
	return &ArtifactRepository{db: pool}
}

func NewArtifactRepositoryWithTx(tx pgx.Tx) *ArtifactRepository {
	return &ArtifactRepository{db: tx}
}

const artifactColumns = `id, case_id, filename, ingest_sequence, canonical_sha256, mime_type, format,
	size_bytes, parent_artifact_id, depth, case_context, submitted_by, created_at`

// IndexArtifact inserts an artifact row. Indexing the same artifact twice is a no-op.
func (r *ArtifactRepository) IndexArtifact(ctx context.Context, a *domain.Artifact) error {
	if err := domain.ValidateArtifact(a); err != nil {
		return domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid artifact", err)
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.CaseID, a.Filename, a.IngestSequence, a.CanonicalSHA256, a.MimeType, string(a.Format),
		a.SizeBytes, nullableString(a.ParentArtifactID), a.Depth, a.CaseContext, nullableString(a.SubmittedBy), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to index artifact %s: %w", a.ID, err)
	}
	return nil
}

// GetByID returns an indexed artifact.
func (r *ArtifactRepository) GetByID(ctx context.Context, id string) (*domain.Artifact, error) {
	row := r.db.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrArtifactNotFound
		}
		return nil, err
	}
	return a, nil
}

// ArtifactsBySHA256 returns every artifact with the given canonical hash in ingest order.
func (r *ArtifactRepository) ArtifactsBySHA256(ctx context.Context, sha256 string) ([]*domain.Artifact, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE canonical_sha256 = $1 ORDER BY ingest_sequence`, sha256)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// ListByCase returns the artifacts of a case in ingest order.
func (r *ArtifactRepository) ListByCase(ctx context.Context, caseID string) ([]*domain.Artifact, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE case_id = $1 ORDER BY ingest_sequence`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

func collectArtifacts(rows pgx.Rows) ([]*domain.Artifact, error) {
	var results []*domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

func scanArtifact(row pgx.Row) (*domain.Artifact, error) {
	var a domain.Artifact
	var format string
	var parent, submittedBy *string
	err := row.Scan(&a.ID, &a.CaseID, &a.Filename, &a.IngestSequence, &a.CanonicalSHA256, &a.MimeType, &format,
		&a.SizeBytes, &parent, &a.Depth, &a.CaseContext, &submittedBy, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Format = domain.Format(format)
	if parent != nil {
		a.ParentArtifactID = *parent
	}
	if submittedBy != nil {
		a.SubmittedBy = *submittedBy
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}
