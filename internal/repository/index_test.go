//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/forensix/internal/domain"
	"github.com/cloo-solutions/forensix/internal/testutil"
)

func testArtifact(id, caseID, sha string, seq int64) *domain.Artifact {
	return &domain.Artifact{
		ID:              id,
		CaseID:          caseID,
		Filename:        id + ".jpg",
		IngestSequence:  seq,
		CanonicalSHA256: sha,
		MimeType:        "image/jpeg",
		Format:          domain.FormatJPEG,
		SizeBytes:       128,
		CreatedAt:       time.Now().UTC().Truncate(time.Microsecond),
		CaseContext:     domain.CaseContext{CaseID: caseID, Directives: []string{"dfir"}},
	}
}

func TestEvidenceIndex(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	index := NewEvidenceIndex(pool)
	sha := "ab12"

	t.Run("IndexArtifact", func(t *testing.T) {
		a := testArtifact("a1", "case-1", sha, 1)
		require.NoError(t, index.IndexArtifact(ctx, a))
		require.NoError(t, index.IndexArtifact(ctx, a))

		got, err := NewArtifactRepository(pool).GetByID(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, a.CanonicalSHA256, got.CanonicalSHA256)
		assert.Equal(t, domain.FormatJPEG, got.Format)
		assert.Equal(t, []string{"dfir"}, got.CaseContext.Directives)
		assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

		_, err = NewArtifactRepository(pool).GetByID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrArtifactNotFound)
	})

	t.Run("ArtifactsBySHA256", func(t *testing.T) {
		dup := testArtifact("a2", "case-2", sha, 2)
		dup.ParentArtifactID = "a1"
		dup.Depth = 1
		require.NoError(t, index.IndexArtifact(ctx, dup))
		require.NoError(t, index.IndexArtifact(ctx, testArtifact("a3", "case-1", "ffff", 3)))

		matches, err := index.ArtifactsBySHA256(ctx, sha)
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "a1", matches[0].ID)
		assert.Equal(t, "a1", matches[1].ParentArtifactID)
	})

	t.Run("IndexReport", func(t *testing.T) {
		first := time.Now().UTC().Truncate(time.Microsecond)
		seq := int64(2)
		report := &domain.ForensicReport{
			ArtifactID:        "a1",
			CaseID:            "case-1",
			GeneratedAt:       first,
			PipelineFallbacks: []string{domain.StagePRNU},
		}
		require.NoError(t, index.IndexReport(ctx, report, &domain.ReportVersion{
			ArtifactID: "a1", GeneratedAt: first, ReportHash: "h1", Current: true, LedgerSeq: &seq,
		}))

		second := first.Add(time.Second)
		report.GeneratedAt = second
		report.PipelineFallbacks = []string{domain.StagePRNU, domain.StageImageAuthenticity}
		require.NoError(t, index.IndexReport(ctx, report, &domain.ReportVersion{
			ArtifactID: "a1", GeneratedAt: second, ReportHash: "h2", Current: true,
		}))

		versions, err := NewReportRepository(pool).ListVersions(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.False(t, versions[0].Current)
		require.NotNil(t, versions[0].LedgerSeq)
		assert.Equal(t, int64(2), *versions[0].LedgerSeq)
		assert.True(t, versions[1].Current)
		assert.Nil(t, versions[1].LedgerSeq)
	})

	t.Run("CaseSummary", func(t *testing.T) {
		summary, err := index.CaseSummary(ctx, "case-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a1", "a3"}, summary.ArtifactIDs)
		assert.Equal(t, map[string]int{domain.StagePRNU: 1, domain.StageImageAuthenticity: 1}, summary.FallbackCounts)
	})

	t.Run("Chunks", func(t *testing.T) {
		repo := NewChunkRepository(pool)
		require.NoError(t, repo.ReplaceChunks(ctx, "a1", []domain.ChunkHandle{
			{ChunkID: "c2", ChunkIndex: 1, Text: "second"},
			{ChunkID: "c1", ChunkIndex: 0, Text: "first", Embedding: []float32{0.5, 1, -2}},
		}))

		chunks, err := index.Chunks(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, "c1", chunks[0].ChunkID)
		assert.Equal(t, []float32{0.5, 1, -2}, chunks[0].Embedding)
		assert.Nil(t, chunks[1].Embedding)

		require.NoError(t, repo.ReplaceChunks(ctx, "a1", nil))
		chunks, err = index.Chunks(ctx, "a1")
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("IndexReportRequiresArtifact", func(t *testing.T) {
		now := time.Now().UTC()
		err := index.IndexReport(ctx, &domain.ForensicReport{ArtifactID: "ghost", GeneratedAt: now}, &domain.ReportVersion{
			ArtifactID: "ghost", GeneratedAt: now, ReportHash: "h", Current: true,
		})
		assert.ErrorIs(t, err, domain.ErrArtifactNotFound)
	})

	t.Run("StoreChunks", func(t *testing.T) {
		require.NoError(t, index.StoreChunks(ctx, "a3", []domain.ChunkHandle{{ChunkID: "x", Text: "inline"}}))
		chunks, err := index.Chunks(ctx, "a3")
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "inline", chunks[0].Text)

		assert.ErrorIs(t, index.StoreChunks(ctx, "ghost", nil), domain.ErrArtifactNotFound)
	})

	require.NoError(t, testutil.TruncateAll(ctx, pool))
}
