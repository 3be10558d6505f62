package repository

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// EvidenceIndex is the Postgres side of the pipeline: artifact and report indexing, duplicate
// lookups and the chunk source.
type EvidenceIndex struct {
	artifacts *ArtifactRepository
	reports   *ReportRepository
	chunks    *ChunkRepository
	tx        *TxRunner
}

func NewEvidenceIndex(pool *pgxpool.Pool) *EvidenceIndex {
	return &EvidenceIndex{
		artifacts: NewArtifactRepository(pool),
		reports:   NewReportRepository(pool),
		chunks:    NewChunkRepository(pool),
		tx:        NewTxRunner(pool),
	}
}

func (i *EvidenceIndex) IndexArtifact(ctx context.Context, a *domain.Artifact) error {
	return i.artifacts.IndexArtifact(ctx, a)
}

func (i *EvidenceIndex) ArtifactsBySHA256(ctx context.Context, sha256 string) ([]*domain.Artifact, error) {
	return i.artifacts.ArtifactsBySHA256(ctx, sha256)
}

func (i *EvidenceIndex) Chunks(ctx context.Context, artifactID string) ([]domain.ChunkHandle, error) {
	return i.chunks.Chunks(ctx, artifactID)
}

// IndexReport supersedes the previous current version and inserts the new one atomically.
// The artifact must already be indexed.
func (i *EvidenceIndex) IndexReport(ctx context.Context, report *domain.ForensicReport, version *domain.ReportVersion) error {
	err := i.tx.WithTx(ctx, func(repos Repositories) error {
		if _, err := repos.Artifacts().GetByID(ctx, version.ArtifactID); err != nil {
			return err
		}
		if version.Current {
			if err := repos.Reports().ClearCurrent(ctx, version.ArtifactID); err != nil {
				return err
			}
		}
		return repos.Reports().Insert(ctx, report, version)
	})
	if err != nil {
		return err
	}
	log.Printf("Indexed report version %s for artifact %s", version.GeneratedAt.Format("2006-01-02T15:04:05.000Z07:00"), version.ArtifactID)
	return nil
}

// StoreChunks replaces the chunks of an indexed artifact so inline submissions survive a
// restart and feed later reanalyses.
func (i *EvidenceIndex) StoreChunks(ctx context.Context, artifactID string, chunks []domain.ChunkHandle) error {
	return i.tx.WithTx(ctx, func(repos Repositories) error {
		if _, err := repos.Artifacts().GetByID(ctx, artifactID); err != nil {
			return err
		}
		return repos.Chunks().ReplaceChunks(ctx, artifactID, chunks)
	})
}

// CaseSummary lists the indexed artifacts of a case and counts degraded stages across their
// current reports.
func (i *EvidenceIndex) CaseSummary(ctx context.Context, caseID string) (*domain.CaseSummary, error) {
	artifacts, err := i.artifacts.ListByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	counts, err := i.reports.CaseFallbackCounts(ctx, caseID)
	if err != nil {
		return nil, err
	}
	summary := &domain.CaseSummary{
		CaseID:         caseID,
		ArtifactIDs:    make([]string, 0, len(artifacts)),
		FallbackCounts: counts,
	}
	for _, a := range artifacts {
		summary.ArtifactIDs = append(summary.ArtifactIDs, a.ID)
	}
	return summary, nil
}
