package chunkstat

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/forensix/internal/directive"
	"github.com/cloo-solutions/forensix/internal/domain"
)

func chunkInput(chunks []domain.ChunkHandle) *domain.AnalysisInput {
	in := domain.NewAnalysisInput(&domain.Artifact{ID: "a1", Format: domain.FormatPDF}, []byte("%PDF-1.4"), "")
	in.Directives = []string{directive.Embedding}
	in.Chunks = chunks
	return in
}

func run(t *testing.T, cfg Config, chunks []domain.ChunkHandle) (domain.StageResult, *domain.ChunkBlock) {
	t.Helper()
	res := New(cfg).Analyze(context.Background(), chunkInput(chunks))
	require.NotEqual(t, domain.StageStatusFailed, res.Status, res.Warnings)
	return res, res.Data.(*domain.ChunkBlock)
}

func TestShannonEntropy(t *testing.T) {
	assert.Equal(t, 0.0, ShannonEntropy(""))
	assert.Equal(t, 0.0, ShannonEntropy("aaaa"))
	assert.InDelta(t, 1.0, ShannonEntropy("abab"), 1e-9)

	var all strings.Builder
	for i := 0; i < 256; i++ {
		all.WriteByte(byte(i))
	}
	assert.InDelta(t, 8.0, ShannonEntropy(all.String()), 1e-9)
}

func TestCosine(t *testing.T) {
	c, ok := Cosine([]float32{1, 0}, []float32{2, 0})
	require.True(t, ok)
	assert.InDelta(t, 1.0, c, 1e-9)

	_, ok = Cosine([]float32{1, 0}, []float32{1, 0, 0})
	assert.False(t, ok)
	_, ok = Cosine([]float32{0, 0}, []float32{1, 0})
	assert.False(t, ok)
}

func TestDuplicates(t *testing.T) {
	half := float32(math.Sqrt(0.75))

	t.Run("identical embedding is flagged", func(t *testing.T) {
		_, block := run(t, DefaultConfig(), []domain.ChunkHandle{
			{ChunkID: "c1", ChunkIndex: 0, Text: "first paragraph", Embedding: []float32{0.3, 0.4}},
			{ChunkID: "c2", ChunkIndex: 1, Text: "another paragraph", Embedding: []float32{0.3, 0.4}},
		})
		require.Equal(t, 1, domain.CountKind(block.Anomalies, domain.AnomalyDuplicateChunk))
		assert.Equal(t, []string{"chunk:c1", "chunk:c2"}, block.Anomalies[0].EvidenceRefs)
		assert.InDelta(t, 1.0, block.Anomalies[0].Score, 1e-6)
	})

	t.Run("cosine one half is never flagged", func(t *testing.T) {
		_, block := run(t, DefaultConfig(), []domain.ChunkHandle{
			{ChunkID: "c1", Text: "alpha", Embedding: []float32{1, 0}},
			{ChunkID: "c2", Text: "beta", Embedding: []float32{0.5, half}},
		})
		assert.Zero(t, domain.CountKind(block.Anomalies, domain.AnomalyDuplicateChunk))
	})

	t.Run("identical normalized text without embeddings", func(t *testing.T) {
		_, block := run(t, DefaultConfig(), []domain.ChunkHandle{
			{ChunkID: "c1", Text: "Payment  approved by J. Doe"},
			{ChunkID: "c2", Text: "payment approved by j. doe"},
		})
		assert.Equal(t, 1, domain.CountKind(block.Anomalies, domain.AnomalyDuplicateChunk))
	})
}

func TestHighEntropy(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	raw := make([]byte, 384)
	rng.Read(raw)
	blob := base64.StdEncoding.EncodeToString(raw)
	prose := strings.Repeat("the quarterly ledger was reviewed and signed by the controller. ", 4)
	short := blob[:32]

	_, block := run(t, DefaultConfig(), []domain.ChunkHandle{
		{ChunkID: "blob", ChunkIndex: 0, Text: blob},
		{ChunkID: "prose", ChunkIndex: 1, Text: prose},
		{ChunkID: "short", ChunkIndex: 2, Text: short},
	})

	require.Equal(t, 1, domain.CountKind(block.Anomalies, domain.AnomalyHighEntropySegment))
	for _, f := range block.Anomalies {
		if f.Kind == domain.AnomalyHighEntropySegment {
			assert.Equal(t, []string{"chunk:blob"}, f.EvidenceRefs)
		}
	}
	require.Len(t, block.Statistics, 3)
	assert.Greater(t, block.Statistics[0].Entropy, 5.0)
	assert.Less(t, block.Statistics[1].Entropy, 5.0)
}

func TestEmbeddingOutlier(t *testing.T) {
	var chunks []domain.ChunkHandle
	for i := 0; i < 20; i++ {
		chunks = append(chunks, domain.ChunkHandle{
			ChunkID:    fmt.Sprintf("c%d", i),
			ChunkIndex: i,
			Text:       fmt.Sprintf("chunk %d", i),
			Embedding:  []float32{1, float32(i) * 0.01, float32(i%3) * 0.01},
		})
	}
	chunks = append(chunks, domain.ChunkHandle{ChunkID: "odd", ChunkIndex: 20, Text: "odd", Embedding: []float32{10, 10, 10}})

	_, block := run(t, DefaultConfig(), chunks)
	outliers := 0
	for _, f := range block.Anomalies {
		if f.Kind == domain.AnomalyEmbeddingOutlier {
			outliers++
			assert.Equal(t, []string{"chunk:odd"}, f.EvidenceRefs)
			assert.Greater(t, f.Score, 3.0)
		}
	}
	assert.Equal(t, 1, outliers)
	assert.InDelta(t, math.Sqrt(300), block.Statistics[20].EmbeddingNorm, 1e-4)
}

func TestOutliersNeedPopulation(t *testing.T) {
	_, block := run(t, DefaultConfig(), []domain.ChunkHandle{
		{ChunkID: "a", Embedding: []float32{1, 0}},
		{ChunkID: "b", Embedding: []float32{0, 1}},
		{ChunkID: "c", Embedding: []float32{100, -40}},
	})
	assert.Zero(t, domain.CountKind(block.Anomalies, domain.AnomalyEmbeddingOutlier))
}

func TestEmbeddingOutlier_SmallestScorablePopulation(t *testing.T) {
	chunks := func(n int) []domain.ChunkHandle {
		var out []domain.ChunkHandle
		for i := 0; i < n-1; i++ {
			out = append(out, domain.ChunkHandle{ChunkID: fmt.Sprintf("c%d", i), ChunkIndex: i, Embedding: []float32{1, 0}})
		}
		return append(out, domain.ChunkHandle{ChunkID: "odd", ChunkIndex: n - 1, Embedding: []float32{5, 0}})
	}

	_, block := run(t, DefaultConfig(), chunks(11))
	assert.Equal(t, 1, domain.CountKind(block.Anomalies, domain.AnomalyEmbeddingOutlier))

	_, block = run(t, DefaultConfig(), chunks(10))
	assert.Zero(t, domain.CountKind(block.Anomalies, domain.AnomalyEmbeddingOutlier))

	assert.Equal(t, 11, New(Config{MinPopulation: 3}).cfg.MinPopulation)
}

func TestTruncation(t *testing.T) {
	chunks := make([]domain.ChunkHandle, 600)
	for i := range chunks {
		chunks[i] = domain.ChunkHandle{ChunkID: fmt.Sprintf("c%d", i), ChunkIndex: 599 - i, Text: fmt.Sprintf("text %d", i)}
	}

	res, block := run(t, DefaultConfig(), chunks)
	assert.Equal(t, domain.StageStatusDegraded, res.Status)
	assert.True(t, block.Truncated)
	assert.Equal(t, 512, block.ChunkCount)
	assert.Len(t, block.Statistics, 512)
	assert.Equal(t, "c599", block.Statistics[0].ChunkID)
}

func TestApplies(t *testing.T) {
	a := New(DefaultConfig())
	assert.False(t, a.Applies(chunkInput(nil)))

	in := chunkInput([]domain.ChunkHandle{{ChunkID: "c1"}})
	assert.True(t, a.Applies(in))

	in.Directives = []string{directive.DFIR}
	assert.False(t, a.Applies(in))
}

func TestInlineChunkSource(t *testing.T) {
	src := NewInlineChunkSource()
	src.Put("a1", []domain.ChunkHandle{{ChunkID: "second", ChunkIndex: 1}, {ChunkID: "first", ChunkIndex: 0}})

	got, err := src.Chunks(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].ChunkID)

	missing, err := src.Chunks(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, missing)

	multi := MultiSource{nil, NewInlineChunkSource(), src}
	got, err = multi.Chunks(context.Background(), "a1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	src.Delete("a1")
	got, _ = src.Chunks(context.Background(), "a1")
	assert.Empty(t, got)
}
