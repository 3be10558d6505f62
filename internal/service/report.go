package service

import (
	"context"
	"io"
	"time"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// DocumentView is the document query projection of a report.
type DocumentView struct {
	ArtifactID        string                 `json:"artifact_id"`
	HashBlock         domain.HashBlock       `json:"hash_block"`
	MetadataBlock     *domain.MetadataBlock  `json:"metadata_block"`
	StructureBlock    *domain.StructureBlock `json:"structure_block"`
	PipelineFallbacks []string               `json:"pipeline_fallbacks"`
}

// ReportService answers report queries from the artifact store and the ledger.
type ReportService struct {
	store  ArtifactStore
	ledger Ledger
}

func NewReportService(store ArtifactStore, ledger Ledger) *ReportService {
	return &ReportService{store: store, ledger: ledger}
}

// GetReport returns the current report of an artifact.
func (s *ReportService) GetReport(ctx context.Context, artifactID string) (*domain.ForensicReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.store.GetReport(artifactID)
}

// GetReportVersion returns one stored version of a report.
func (s *ReportService) GetReportVersion(ctx context.Context, artifactID string, generatedAt time.Time) (*domain.ForensicReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.store.GetReportVersion(artifactID, generatedAt)
}

// ListVersions returns every report version of an artifact with the ledger sequence recorded
// when it was committed, oldest first.
func (s *ReportService) ListVersions(ctx context.Context, artifactID string) ([]domain.ReportVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.store.ListVersions(artifactID)
}

// GetDocument returns the hash, metadata and structure sections.
func (s *ReportService) GetDocument(ctx context.Context, artifactID string) (*DocumentView, error) {
	report, err := s.GetReport(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	return &DocumentView{
		ArtifactID:        report.ArtifactID,
		HashBlock:         report.HashBlock,
		MetadataBlock:     report.MetadataBlock,
		StructureBlock:    report.StructureBlock,
		PipelineFallbacks: report.PipelineFallbacks,
	}, nil
}

// GetImage returns the authenticity section, or ErrBlockNotAvailable.
func (s *ReportService) GetImage(ctx context.Context, artifactID string) (*domain.AuthenticityBlock, error) {
	report, err := s.GetReport(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if report.AuthenticityBlock == nil {
		return nil, domain.ErrBlockNotAvailable
	}
	return report.AuthenticityBlock, nil
}

// GetFinancial returns the financial section, or ErrBlockNotAvailable.
func (s *ReportService) GetFinancial(ctx context.Context, artifactID string) (*domain.FinancialBlock, error) {
	report, err := s.GetReport(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if report.FinancialBlock == nil {
		return nil, domain.ErrBlockNotAvailable
	}
	return report.FinancialBlock, nil
}

// OpenHeatmap opens the ELA heat-map derived artifact.
func (s *ReportService) OpenHeatmap(ctx context.Context, artifactID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.store.OpenHeatmap(artifactID)
}

// Custody returns the ledger entries of an artifact in sequence order.
func (s *ReportService) Custody(ctx context.Context, artifactID string) ([]domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetArtifact(artifactID); err != nil {
		return nil, err
	}
	return s.ledger.Entries(artifactID)
}

// VerifyLedger walks the whole chain.
func (s *ReportService) VerifyLedger(ctx context.Context) (*domain.VerifyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.ledger.Verify()
}
