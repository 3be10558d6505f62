package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// ReportRepository keeps a queryable copy of every report version.
type ReportRepository struct {
	db dbtx
}

func NewReportRepository(pool *pgxpool.Pool) *ReportRepository {
	return &ReportRepository{db: pool}
}

func NewReportRepositoryWithTx(tx pgx.Tx) *ReportRepository {
	return &ReportRepository{db: tx}
}

// ClearCurrent marks every stored version of an artifact as superseded.
func (r *ReportRepository) ClearCurrent(ctx context.Context, artifactID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE report_versions SET is_current = FALSE WHERE artifact_id = $1 AND is_current`, artifactID)
	return err
}

// Insert stores one report version.
func (r *ReportRepository) Insert(ctx context.Context, report *domain.ForensicReport, version *domain.ReportVersion) error {
	fallbacks := report.PipelineFallbacks
	if fallbacks == nil {
		fallbacks = []string{}
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO report_versions
			(artifact_id, generated_at, report_hash, ledger_seq, is_current, fallbacks, anomaly_count, report)
		 VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (artifact_id, generated_at) DO UPDATE
			SET report_hash = EXCLUDED.report_hash, ledger_seq = EXCLUDED.ledger_seq,
			    is_current = EXCLUDED.is_current, report = EXCLUDED.report`,
		version.ArtifactID, version.GeneratedAt, version.ReportHash, version.LedgerSeq, version.Current,
		fallbacks, len(report.Anomalies), report,
	)
	if err != nil {
		return fmt.Errorf("failed to insert report version for %s: %w", version.ArtifactID, err)
	}
	return nil
}

// ListVersions returns the stored versions of an artifact, oldest first.
func (r *ReportRepository) ListVersions(ctx context.Context, artifactID string) ([]domain.ReportVersion, error) {
	rows, err := r.db.Query(ctx,
		`SELECT artifact_id, generated_at, report_hash, ledger_seq, is_current
		 FROM report_versions WHERE artifact_id = $1 ORDER BY generated_at`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ReportVersion
	for rows.Next() {
		var v domain.ReportVersion
		if err := rows.Scan(&v.ArtifactID, &v.GeneratedAt, &v.ReportHash, &v.LedgerSeq, &v.Current); err != nil {
			return nil, err
		}
		v.GeneratedAt = v.GeneratedAt.UTC()
		results = append(results, v)
	}
	return results, rows.Err()
}

// CaseFallbackCounts returns, per stage, how many current reports of a case list it as a
// fallback.
func (r *ReportRepository) CaseFallbackCounts(ctx context.Context, caseID string) (map[string]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT f, COUNT(*)
		 FROM report_versions rv
		 JOIN artifacts a ON a.id = rv.artifact_id
		 CROSS JOIN LATERAL unnest(rv.fallbacks) AS f
		 WHERE a.case_id = $1 AND rv.is_current
		 GROUP BY f`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		counts[stage] = n
	}
	return counts, rows.Err()
}
