package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/forensix/internal/analyzer/chunkstat"
	"github.com/cloo-solutions/forensix/internal/analyzer/financial"
	"github.com/cloo-solutions/forensix/internal/domain"
)

type MockJobQueue struct {
	mock.Mock
}

func (m *MockJobQueue) Enqueue(job *domain.PipelineJob) error {
	args := m.Called(job)
	return args.Error(0)
}

func (m *MockJobQueue) CancelCase(caseID string) int {
	args := m.Called(caseID)
	return args.Int(0)
}

type MockChunkStore struct {
	mock.Mock
}

func (m *MockChunkStore) StoreChunks(ctx context.Context, artifactID string, chunks []domain.ChunkHandle) error {
	args := m.Called(ctx, artifactID, chunks)
	return args.Error(0)
}

func TestForensicsService_Submit(t *testing.T) {
	h := newHarness(t)
	queue := new(MockJobQueue)
	inline := chunkstat.NewInlineChunkSource()
	svc := NewForensicsService(h.canon, h.store, queue, inline)

	queue.On("Enqueue", mock.MatchedBy(func(j *domain.PipelineJob) bool {
		return j.CaseID == "case-1" && j.Status == domain.PipelineJobStatusPending
	})).Return(nil)

	data := testJPEG()
	a, err := svc.Submit(context.Background(), SubmitInput{
		CanonicalizeInput: CanonicalizeInput{
			Body:         bytes.NewReader(data),
			Filename:     "photo.jpg",
			DeclaredSize: UnknownSize,
			CaseContext:  domain.CaseContext{CaseID: "case-1"},
		},
		Chunks: []domain.ChunkHandle{{ChunkID: "c1", Text: "caption"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), a.SizeBytes)
	queue.AssertExpectations(t)

	chunks, err := inline.Chunks(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestForensicsService_SubmitPersistsChunks(t *testing.T) {
	h := newHarness(t)
	queue := new(MockJobQueue)
	store := new(MockChunkStore)
	inline := chunkstat.NewInlineChunkSource()
	svc := NewForensicsService(h.canon, h.store, queue, inline).WithChunkStore(store)

	chunks := []domain.ChunkHandle{{ChunkID: "c1", Text: "caption"}, {ChunkID: "c2", ChunkIndex: 1, Text: "body"}}
	queue.On("Enqueue", mock.Anything).Return(nil)
	store.On("StoreChunks", mock.Anything, mock.Anything, chunks).Return(errors.New("index unavailable"))

	a, err := svc.Submit(context.Background(), SubmitInput{
		CanonicalizeInput: CanonicalizeInput{
			Body:         bytes.NewReader(testJPEG()),
			Filename:     "photo.jpg",
			DeclaredSize: UnknownSize,
			CaseContext:  domain.CaseContext{CaseID: "case-1"},
		},
		Chunks: chunks,
	})
	require.NoError(t, err)
	store.AssertCalled(t, "StoreChunks", mock.Anything, a.ID, chunks)

	got, err := inline.Chunks(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestForensicsService_SubmitIntegrityErrorQueuesNothing(t *testing.T) {
	h := newHarness(t)
	queue := new(MockJobQueue)
	svc := NewForensicsService(h.canon, h.store, queue, nil)

	_, err := svc.Submit(context.Background(), SubmitInput{
		CanonicalizeInput: CanonicalizeInput{
			Body:         bytes.NewReader([]byte("abc")),
			Filename:     "x.csv",
			DeclaredSize: 4,
			CaseContext:  domain.CaseContext{CaseID: "case-1"},
		},
	})
	assert.ErrorIs(t, err, domain.ErrSizeMismatch)
	queue.AssertNotCalled(t, "Enqueue", mock.Anything)
}

func TestForensicsService_SubmitQueueFailure(t *testing.T) {
	h := newHarness(t)
	queue := new(MockJobQueue)
	svc := NewForensicsService(h.canon, h.store, queue, nil)
	queue.On("Enqueue", mock.Anything).Return(errors.New("queue closed"))

	_, err := svc.Submit(context.Background(), SubmitInput{
		CanonicalizeInput: CanonicalizeInput{
			Body:         bytes.NewReader(testJPEG()),
			Filename:     "photo.jpg",
			DeclaredSize: UnknownSize,
			CaseContext:  domain.CaseContext{CaseID: "case-1"},
		},
	})
	assert.ErrorContains(t, err, "failed to queue analysis")
}

func TestForensicsService_Reanalyze(t *testing.T) {
	h := newHarness(t)
	queue := new(MockJobQueue)
	svc := NewForensicsService(h.canon, h.store, queue, nil)
	a := h.ingest(t, "photo.jpg", testJPEG(), domain.CaseContext{CaseID: "case-1"})

	queue.On("Enqueue", mock.MatchedBy(func(j *domain.PipelineJob) bool { return j.ArtifactID == a.ID })).Return(nil).Once()
	_, err := svc.Reanalyze(context.Background(), a.ID)
	require.NoError(t, err)

	_, err = svc.Reanalyze(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrArtifactNotFound)

	path := h.store.CanonicalPath(a.ID)
	require.NoError(t, os.Chmod(path, 0o644))
	require.NoError(t, os.WriteFile(path, []byte("edited after ingest"), 0o644))
	_, err = svc.Reanalyze(context.Background(), a.ID)
	assert.ErrorIs(t, err, domain.ErrCanonicalDrift)

	queue.AssertNumberOfCalls(t, "Enqueue", 1)
}

func TestForensicsService_CancelCase(t *testing.T) {
	queue := new(MockJobQueue)
	svc := NewForensicsService(nil, nil, queue, nil)
	queue.On("CancelCase", "case-7").Return(3)

	n, err := svc.CancelCase(context.Background(), "case-7")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = svc.CancelCase(context.Background(), "")
	assert.True(t, domain.HasCode(err, domain.ErrCodeValidation))
}

func TestForensicsService_ListCaseArtifacts(t *testing.T) {
	h := newHarness(t)
	svc := NewForensicsService(h.canon, h.store, new(MockJobQueue), nil)

	var want []string
	for i := 0; i < 5; i++ {
		a := h.ingest(t, fmt.Sprintf("ledger-%d.csv", i), []byte(fmt.Sprintf("amount\n%d\n", i)), domain.CaseContext{CaseID: "case-1"})
		want = append(want, a.ID)
	}
	h.ingest(t, "other.csv", []byte("amount\n9\n"), domain.CaseContext{CaseID: "case-2"})

	var got []string
	cursor := ""
	for {
		page, err := svc.ListCaseArtifacts(context.Background(), "case-1", cursor, 2)
		require.NoError(t, err)
		for _, a := range page.Items {
			assert.Equal(t, "case-1", a.CaseID)
			got = append(got, a.ID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}
	assert.Equal(t, want, got)

	_, err := svc.ListCaseArtifacts(context.Background(), "case-1", "%%%", 2)
	assert.True(t, domain.HasCode(err, domain.ErrCodeValidation))

	_, err = svc.ListCaseArtifacts(context.Background(), "", "", 2)
	assert.True(t, domain.HasCode(err, domain.ErrCodeValidation))
}

func TestReportService_Blocks(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(PipelineConfig{}, financial.New(financial.DefaultConfig()))
	a := h.ingest(t, "ledger.csv", []byte("Date,Payee,Amount\n2024-01-01,Acme,10.00\n2024-01-02,Bolt,5.00\n,Total,15.05\n"),
		domain.CaseContext{CaseID: "case-1", Directives: []string{"financial"}})
	_, err := p.Run(context.Background(), a.ID)
	require.NoError(t, err)

	svc := NewReportService(h.store, h.ledger)
	ctx := context.Background()

	doc, err := svc.GetDocument(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.CanonicalSHA256, doc.HashBlock.SHA256)
	require.NotNil(t, doc.MetadataBlock)
	assert.Equal(t, domain.FormatCSV, doc.MetadataBlock.Format)

	fin, err := svc.GetFinancial(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, domain.CountKind(fin.Anomalies, domain.AnomalyTotalsMismatch))

	_, err = svc.GetImage(ctx, a.ID)
	assert.ErrorIs(t, err, domain.ErrBlockNotAvailable)

	_, err = svc.GetReport(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrReportNotFound)

	_, err = svc.OpenHeatmap(ctx, a.ID)
	assert.ErrorIs(t, err, domain.ErrDerivedNotFound)

	custody, err := svc.Custody(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, custody, 2)
	assert.Equal(t, domain.StageCanonicalize, custody[0].StageName)
	assert.Equal(t, domain.StageReport, custody[1].StageName)

	res, err := svc.VerifyLedger(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(2), res.Entries)
}
