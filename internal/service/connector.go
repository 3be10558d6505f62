package service

import (
	"context"
	"sort"

	"github.com/cloo-solutions/forensix/internal/directive"
	"github.com/cloo-solutions/forensix/internal/domain"
)

// Connector contributes findings from outside the artifact itself. Findings land in the
// report's connector_findings under the connector name.
type Connector interface {
	Name() string
	Applies(in *domain.AnalysisInput) bool
	Find(ctx context.Context, in *domain.AnalysisInput) (any, error)
}

// ArtifactFinder looks artifacts up by canonical digest.
type ArtifactFinder interface {
	ArtifactsBySHA256(ctx context.Context, sha256 string) ([]*domain.Artifact, error)
}

// StoreArtifactFinder scans the artifact store. It backs duplicate detection when no
// database index is configured.
type StoreArtifactFinder struct {
	store ArtifactStore
}

func NewStoreArtifactFinder(store ArtifactStore) *StoreArtifactFinder {
	return &StoreArtifactFinder{store: store}
}

func (f *StoreArtifactFinder) ArtifactsBySHA256(ctx context.Context, sha256 string) ([]*domain.Artifact, error) {
	all, err := f.store.ListArtifacts()
	if err != nil {
		return nil, err
	}
	var out []*domain.Artifact
	for _, a := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a.CanonicalSHA256 == sha256 {
			out = append(out, a)
		}
	}
	return out, nil
}

// DuplicateEvidence is another artifact with identical canonical bytes.
type DuplicateEvidence struct {
	ArtifactID       string `json:"artifact_id"`
	CaseID           string `json:"case_id"`
	Filename         string `json:"filename"`
	IngestSequence   int64  `json:"ingest_sequence"`
	ParentArtifactID string `json:"parent_artifact_id,omitempty"`
}

// DuplicateEvidenceConnector reports earlier or later submissions of the same bytes.
type DuplicateEvidenceConnector struct {
	finder ArtifactFinder
}

const DuplicateEvidenceName = "duplicate_evidence"

func NewDuplicateEvidenceConnector(finder ArtifactFinder) *DuplicateEvidenceConnector {
	return &DuplicateEvidenceConnector{finder: finder}
}

func (c *DuplicateEvidenceConnector) Name() string {
	return DuplicateEvidenceName
}

func (c *DuplicateEvidenceConnector) Applies(in *domain.AnalysisInput) bool {
	return in.HasDirective(directive.DFIR)
}

func (c *DuplicateEvidenceConnector) Find(ctx context.Context, in *domain.AnalysisInput) (any, error) {
	matches, err := c.finder.ArtifactsBySHA256(ctx, in.Artifact.CanonicalSHA256)
	if err != nil {
		return nil, err
	}

	dups := []DuplicateEvidence{}
	for _, a := range matches {
		if a.ID == in.Artifact.ID {
			continue
		}
		dups = append(dups, DuplicateEvidence{
			ArtifactID:       a.ID,
			CaseID:           a.CaseID,
			Filename:         a.Filename,
			IngestSequence:   a.IngestSequence,
			ParentArtifactID: a.ParentArtifactID,
		})
	}
	sort.Slice(dups, func(i, j int) bool { return dups[i].IngestSequence < dups[j].IngestSequence })
	return dups, nil
}
