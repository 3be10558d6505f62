package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/cloo-solutions/forensix/internal/analyzer/chunkstat"
	"github.com/cloo-solutions/forensix/internal/domain"
	"github.com/cloo-solutions/forensix/internal/pagination"
)

// JobQueue schedules pipeline runs.
type JobQueue interface {
	Enqueue(job *domain.PipelineJob) error
	CancelCase(caseID string) int
}

// ChunkStore persists submitted chunks next to the artifact index.
type ChunkStore interface {
	StoreChunks(ctx context.Context, artifactID string, chunks []domain.ChunkHandle) error
}

// SubmitInput is an artifact submission plus any chunks the indexing collaborator sent along.
type SubmitInput struct {
	CanonicalizeInput
	Chunks []domain.ChunkHandle
}

// ForensicsService accepts artifacts and schedules their analysis.
type ForensicsService struct {
	canon  *Canonicalizer
	store  ArtifactStore
	queue  JobQueue
	inline *chunkstat.InlineChunkSource
	chunks ChunkStore
	now    func() time.Time
}

// NewForensicsService creates the submission service. inline may be nil when chunks are
// only read from the database.
func NewForensicsService(canon *Canonicalizer, store ArtifactStore, queue JobQueue, inline *chunkstat.InlineChunkSource) *ForensicsService {
	return &ForensicsService{
		canon:  canon,
		store:  store,
		queue:  queue,
		inline: inline,
		now:    time.Now,
	}
}

// WithChunkStore makes Submit persist inline chunks so reanalysis after a restart still has
// them.
func (s *ForensicsService) WithChunkStore(cs ChunkStore) *ForensicsService {
	s.chunks = cs
	return s
}

// Submit canonicalizes synchronously and queues the analysis.
func (s *ForensicsService) Submit(ctx context.Context, input SubmitInput) (*domain.Artifact, error) {
	artifact, err := s.canon.Canonicalize(ctx, input.CanonicalizeInput)
	if err != nil {
		return nil, err
	}

	if len(input.Chunks) > 0 {
		s.keepChunks(ctx, artifact.ID, input.Chunks)
	}

	if err := s.queue.Enqueue(domain.NewPipelineJob(artifact, s.now().UTC())); err != nil {
		return nil, fmt.Errorf("failed to queue analysis: %w", err)
	}
	return artifact, nil
}

func (s *ForensicsService) keepChunks(ctx context.Context, artifactID string, chunks []domain.ChunkHandle) {
	if s.chunks != nil {
		if err := s.chunks.StoreChunks(ctx, artifactID, chunks); err != nil {
			log.Printf("Failed to persist %d chunks for %s: %v", len(chunks), artifactID, err)
		}
	}
	if s.inline != nil {
		s.inline.Put(artifactID, chunks)
		return
	}
	if s.chunks == nil {
		log.Printf("Dropping %d inline chunks for %s: no chunk source", len(chunks), artifactID)
	}
}

// Reanalyze re-verifies the stored bytes and queues a new run. The prior report is kept as
// a version.
func (s *ForensicsService) Reanalyze(ctx context.Context, artifactID string) (*domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	artifact, _, err := VerifyCanonical(s.store, artifactID)
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(domain.NewPipelineJob(artifact, s.now().UTC())); err != nil {
		return nil, fmt.Errorf("failed to queue analysis: %w", err)
	}
	return artifact, nil
}

// CancelCase drops queued runs of a case and cancels the running ones.
func (s *ForensicsService) CancelCase(ctx context.Context, caseID string) (int, error) {
	if caseID == "" {
		return 0, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "case_id is required", domain.ErrMissingRequiredField)
	}
	n := s.queue.CancelCase(caseID)
	log.Printf("Cancelled %d pipeline runs for case %s", n, caseID)
	return n, nil
}

// ListCaseArtifacts pages through a case's artifacts in ingest order. Derived attachments
// are included.
func (s *ForensicsService) ListCaseArtifacts(ctx context.Context, caseID, cursor string, limit int) (*pagination.PageResult[*domain.Artifact], error) {
	if caseID == "" {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "case_id is required", domain.ErrMissingRequiredField)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all, err := s.store.ListArtifacts()
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	var matched []*domain.Artifact
	for _, a := range all {
		if a.CaseID == caseID {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].IngestSequence != matched[j].IngestSequence {
			return matched[i].IngestSequence < matched[j].IngestSequence
		}
		return matched[i].ID < matched[j].ID
	})

	page, err := pagination.Paginate(matched, cursor, limit, func(a *domain.Artifact) (int64, string) {
		return a.IngestSequence, a.ID
	})
	if err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid cursor", err)
	}
	return page, nil
}
