package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cloo-solutions/forensix/internal/domain"
	"github.com/cloo-solutions/forensix/internal/format"
	"github.com/cloo-solutions/forensix/internal/storage"
	"github.com/cloo-solutions/forensix/internal/telemetry"
)

// ArtifactNamespace is the UUID namespace artifact ids are derived in.
var ArtifactNamespace = uuid.MustParse("6f1c9a52-3d0e-5b7a-9c41-8e2f4a6b0d17")

// UnknownSize marks a submission whose declared size is not known.
const UnknownSize int64 = -1

// ArtifactStore is the on-disk workspace the pipeline reads and writes.
type ArtifactStore interface {
	NextIngestSequence() (int64, error)
	CreateWorkspace(artifactID string) (string, error)
	RemoveWorkspace(artifactID string) error
	ArtifactDir(artifactID string) string
	CanonicalPath(artifactID string) string
	HeatmapPath(artifactID string) string
	SaveArtifact(a *domain.Artifact) error
	GetArtifact(artifactID string) (*domain.Artifact, error)
	ListArtifacts() ([]*domain.Artifact, error)
	ReadCanonical(artifactID string) ([]byte, error)
	OpenHeatmap(artifactID string) (io.ReadCloser, error)
	StageReport(report *domain.ForensicReport) (*storage.StagedReport, error)
	CommitReport(staged *storage.StagedReport, ledgerSeq int64) (*domain.ReportVersion, error)
	DiscardReport(staged *storage.StagedReport) error
	GetReport(artifactID string) (*domain.ForensicReport, error)
	GetReportVersion(artifactID string, generatedAt time.Time) (*domain.ForensicReport, error)
	ListVersions(artifactID string) ([]domain.ReportVersion, error)
}

// Ledger is the chain-of-custody log. It is the only shared mutable resource of the pipeline.
type Ledger interface {
	Append(ctx context.Context, artifactID, stage string, payload any) (*domain.LedgerEntry, error)
	Entries(artifactID string) ([]domain.LedgerEntry, error)
	Verify() (*domain.VerifyResult, error)
}

// ArtifactIndex records canonicalized artifacts in a queryable index. Optional.
type ArtifactIndex interface {
	IndexArtifact(ctx context.Context, a *domain.Artifact) error
}

// CanonicalizeInput is one submission from the ingestion collaborator.
type CanonicalizeInput struct {
	Body         io.Reader
	Filename     string
	DeclaredSize int64
	CaseContext  domain.CaseContext

	// SubmittedBy names the authenticated examiner, if any. The canonicalize entry commits to it.
	SubmittedBy string

	ParentArtifactID string
	Depth            int
}

// canonicalizePayload is what the canonicalize ledger entry commits to.
type canonicalizePayload struct {
	ArtifactID       string `json:"artifact_id"`
	CaseID           string `json:"case_id"`
	Filename         string `json:"filename"`
	IngestSequence   int64  `json:"ingest_sequence"`
	SHA256           string `json:"sha256"`
	SizeBytes        int64  `json:"size_bytes"`
	Format           string `json:"format"`
	ParentArtifactID string `json:"parent_artifact_id,omitempty"`
	SubmittedBy      string `json:"submitted_by,omitempty"`
}

// Canonicalizer turns a byte stream into an immutable, hashed artifact and records it.
type Canonicalizer struct {
	store  ArtifactStore
	ledger Ledger
	index  ArtifactIndex
	now    func() time.Time
}

// NewCanonicalizer creates a canonicalizer. index may be nil.
func NewCanonicalizer(store ArtifactStore, ledger Ledger, index ArtifactIndex) *Canonicalizer {
	return &Canonicalizer{
		store:  store,
		ledger: ledger,
		index:  index,
		now:    time.Now,
	}
}

// ArtifactID derives the artifact id from case, filename and ingest sequence.
func ArtifactID(caseID, filename string, sequence int64) string {
	name := caseID + "\x00" + filename + "\x00" + strconv.FormatInt(sequence, 10)
	return uuid.NewSHA1(ArtifactNamespace, []byte(name)).String()
}

// Canonicalize copies the stream into a new workspace while hashing it, then appends the
// canonicalize ledger entry. On any failure the workspace is removed and no entry exists.
func (c *Canonicalizer) Canonicalize(ctx context.Context, input CanonicalizeInput) (*domain.Artifact, error) {
	if err := input.CaseContext.Validate(); err != nil {
		return nil, err
	}
	if input.Filename == "" {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "filename is required", domain.ErrMissingRequiredField)
	}
	if input.Body == nil {
		return nil, domain.IntegrityError("no artifact body", domain.ErrEmptyArtifact)
	}

	ctx, span := telemetry.StartSpan(ctx, "forensics.canonicalize", telemetry.SpanAttributes{
		CaseID:    input.CaseContext.CaseID,
		Operation: "canonicalize",
	})
	defer span.End()

	seq, err := c.store.NextIngestSequence()
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	artifactID := ArtifactID(input.CaseContext.CaseID, input.Filename, seq)

	if _, err := c.store.CreateWorkspace(artifactID); err != nil {
		span.SetError(err)
		return nil, err
	}

	artifact, err := c.commit(ctx, artifactID, seq, input)
	if err != nil {
		if rmErr := c.store.RemoveWorkspace(artifactID); rmErr != nil {
			log.Printf("Failed to remove workspace %s after rejected ingest: %v", artifactID, rmErr)
		}
		if !domain.HasCode(err, domain.ErrCodeIntegrity) {
			span.SetError(err)
		}
		return nil, err
	}

	if c.index != nil {
		if err := c.index.IndexArtifact(ctx, artifact); err != nil {
			log.Printf("Failed to index artifact %s: %v", artifactID, err)
		}
	}

	return artifact, nil
}

func (c *Canonicalizer) commit(ctx context.Context, artifactID string, seq int64, input CanonicalizeInput) (*domain.Artifact, error) {
	path := c.store.CanonicalPath(artifactID)
	sum, n, err := copyHashed(path, input.Body)
	if err != nil {
		return nil, err
	}

	if n == 0 {
		return nil, domain.IntegrityError("artifact has no content", domain.ErrEmptyArtifact)
	}
	if input.DeclaredSize != UnknownSize && input.DeclaredSize != n {
		return nil, domain.IntegrityError(
			fmt.Sprintf("declared %d bytes, read %d", input.DeclaredSize, n), domain.ErrSizeMismatch)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read canonical bytes: %w", err)
	}
	detected := format.Detect(data)

	artifact := &domain.Artifact{
		ID:               artifactID,
		CaseID:           input.CaseContext.CaseID,
		Filename:         input.Filename,
		IngestSequence:   seq,
		CanonicalSHA256:  sum,
		MimeType:         detected.MIMEType(),
		Format:           detected,
		SizeBytes:        n,
		CreatedAt:        c.now().UTC(),
		ParentArtifactID: input.ParentArtifactID,
		Depth:            input.Depth,
		CaseContext:      input.CaseContext,
		SubmittedBy:      input.SubmittedBy,
	}
	if err := domain.ValidateArtifact(artifact); err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid artifact", err)
	}
	if err := c.store.SaveArtifact(artifact); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := c.ledger.Append(ctx, artifactID, domain.StageCanonicalize, canonicalizePayload{
		ArtifactID:       artifactID,
		CaseID:           artifact.CaseID,
		Filename:         artifact.Filename,
		IngestSequence:   seq,
		SHA256:           sum,
		SizeBytes:        n,
		Format:           string(detected),
		ParentArtifactID: artifact.ParentArtifactID,
		SubmittedBy:      artifact.SubmittedBy,
	}); err != nil {
		return nil, fmt.Errorf("failed to append canonicalize entry: %w", err)
	}

	return artifact, nil
}

// copyHashed streams r into a new read-only file at path and returns its sha256 and length.
func copyHashed(path string, r io.Reader) (string, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create canonical file: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		f.Close()
		return "", 0, fmt.Errorf("failed to copy artifact bytes: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("failed to sync canonical file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close canonical file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// VerifyCanonical re-hashes the stored bytes of an artifact. A mismatch is ErrCanonicalDrift.
func VerifyCanonical(store ArtifactStore, artifactID string) (*domain.Artifact, []byte, error) {
	artifact, err := store.GetArtifact(artifactID)
	if err != nil {
		return nil, nil, err
	}
	data, err := store.ReadCanonical(artifactID)
	if err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != artifact.CanonicalSHA256 {
		return nil, nil, domain.IntegrityError(
			fmt.Sprintf("artifact %s hashes to %s, recorded %s", artifactID, got, artifact.CanonicalSHA256),
			domain.ErrCanonicalDrift)
	}
	return artifact, data, nil
}

// isCancellation reports whether err came from a cancelled or expired context.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
