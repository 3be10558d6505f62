// Package chunkstat inspects the text chunks and embeddings produced for an artifact by the
// indexing collaborator: duplicated content, embedding outliers and high-entropy segments.
package chunkstat

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cloo-solutions/forensix/internal/directive"
	"github.com/cloo-solutions/forensix/internal/domain"
)

// Config tunes the chunk stage.
type Config struct {
	MaxChunks        int
	DuplicateCosine  float64
	OutlierZ         float64
	EntropyThreshold float64
	// MinEntropyLength is the shortest chunk, in bytes, eligible for the entropy flag.
	MinEntropyLength int
	// MinPopulation is the fewest embedded chunks needed before outliers are scored. It is
	// never below the count at which OutlierZ becomes reachable.
	MinPopulation int
}

// DefaultConfig returns the stage defaults.
func DefaultConfig() Config {
	return Config{
		MaxChunks:        512,
		DuplicateCosine:  0.985,
		OutlierZ:         3,
		EntropyThreshold: 5.0,
		MinEntropyLength: 64,
		MinPopulation:    11,
	}
}

// Analyzer is the chunk_forensics stage.
type Analyzer struct {
	cfg Config
}

// New creates the chunk analyzer. Zero fields fall back to defaults.
func New(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = def.MaxChunks
	}
	if cfg.DuplicateCosine <= 0 || cfg.DuplicateCosine > 1 {
		cfg.DuplicateCosine = def.DuplicateCosine
	}
	if cfg.OutlierZ <= 0 {
		cfg.OutlierZ = def.OutlierZ
	}
	if cfg.EntropyThreshold <= 0 {
		cfg.EntropyThreshold = def.EntropyThreshold
	}
	if cfg.MinEntropyLength <= 0 {
		cfg.MinEntropyLength = def.MinEntropyLength
	}
	if cfg.MinPopulation <= 1 {
		cfg.MinPopulation = def.MinPopulation
	}
	cfg.MinPopulation = max(cfg.MinPopulation, scorablePopulation(cfg.OutlierZ))
	return &Analyzer{cfg: cfg}
}

func (a *Analyzer) Name() string {
	return domain.StageChunkForensics
}

func (a *Analyzer) Applies(in *domain.AnalysisInput) bool {
	return len(in.Chunks) > 0 && in.HasDirective(directive.Embedding)
}

func (a *Analyzer) Analyze(ctx context.Context, in *domain.AnalysisInput) domain.StageResult {
	start := time.Now()
	result := domain.StageResult{StageName: domain.StageChunkForensics, Status: domain.StageStatusOK}

	chunks := make([]domain.ChunkHandle, len(in.Chunks))
	copy(chunks, in.Chunks)
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })

	block := &domain.ChunkBlock{Statistics: []domain.ChunkStatistic{}, Anomalies: []domain.AnomalyFlag{}}
	if len(chunks) > a.cfg.MaxChunks {
		result.Warn(fmt.Sprintf("%d chunks exceed the limit of %d; remainder not analysed", len(chunks), a.cfg.MaxChunks))
		chunks = chunks[:a.cfg.MaxChunks]
		block.Truncated = true
	}
	block.ChunkCount = len(chunks)

	for _, c := range chunks {
		st := domain.ChunkStatistic{
			ChunkID:   c.ChunkID,
			Length:    len(c.Text),
			Entropy:   ShannonEntropy(c.Text),
			Embedding: c.Embedding,
		}
		if len(c.Embedding) > 0 {
			st.EmbeddingNorm = Norm(c.Embedding)
		}
		block.Statistics = append(block.Statistics, st)

		if st.Length >= a.cfg.MinEntropyLength && st.Entropy > a.cfg.EntropyThreshold {
			block.Anomalies = append(block.Anomalies, domain.AnomalyFlag{
				Kind:         domain.AnomalyHighEntropySegment,
				Severity:     domain.SeverityWarning,
				EvidenceRefs: []string{"chunk:" + c.ChunkID},
				Score:        st.Entropy,
				Detail:       fmt.Sprintf("%.2f bits/byte over %d bytes", st.Entropy, st.Length),
			})
		}
	}

	if err := ctx.Err(); err != nil {
		return domain.FailedStage(domain.StageChunkForensics, "timeout", time.Since(start))
	}
	block.Anomalies = append(block.Anomalies, a.duplicates(chunks)...)

	if err := ctx.Err(); err != nil {
		return domain.FailedStage(domain.StageChunkForensics, "timeout", time.Since(start))
	}
	block.Anomalies = append(block.Anomalies, a.outliers(chunks)...)

	domain.SortFlags(block.Anomalies)
	result.Data = block
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

// duplicates compares every pair once.
func (a *Analyzer) duplicates(chunks []domain.ChunkHandle) []domain.AnomalyFlag {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = normalizeText(c.Text)
	}

	var flags []domain.AnomalyFlag
	for i := 0; i < len(chunks); i++ {
		for j := i + 1; j < len(chunks); j++ {
			cos, ok := Cosine(chunks[i].Embedding, chunks[j].Embedding)
			sameText := texts[i] != "" && texts[i] == texts[j]
			if !(ok && cos >= a.cfg.DuplicateCosine) && !sameText {
				continue
			}
			detail := fmt.Sprintf("cosine similarity %.4f", cos)
			score := cos
			if sameText {
				detail = "identical normalized text"
				score = 1
			}
			flags = append(flags, domain.AnomalyFlag{
				Kind:         domain.AnomalyDuplicateChunk,
				Severity:     domain.SeverityWarning,
				EvidenceRefs: []string{"chunk:" + chunks[i].ChunkID, "chunk:" + chunks[j].ChunkID},
				Score:        score,
				Detail:       detail,
			})
		}
	}
	return flags
}

// outliers scores embedding norms and distances to the centroid. Only chunks whose
// dimension matches the first embedded chunk take part.
func (a *Analyzer) outliers(chunks []domain.ChunkHandle) []domain.AnomalyFlag {
	var embedded []domain.ChunkHandle
	dim := 0
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		if dim == 0 {
			dim = len(c.Embedding)
		}
		if len(c.Embedding) == dim {
			embedded = append(embedded, c)
		}
	}
	if len(embedded) < a.cfg.MinPopulation {
		return nil
	}

	centroid := make([]float64, dim)
	for _, c := range embedded {
		for i, x := range c.Embedding {
			centroid[i] += float64(x)
		}
	}
	for i := range centroid {
		centroid[i] /= float64(len(embedded))
	}

	norms := make([]float64, len(embedded))
	dists := make([]float64, len(embedded))
	for k, c := range embedded {
		norms[k] = Norm(c.Embedding)
		var d float64
		for i, x := range c.Embedding {
			diff := float64(x) - centroid[i]
			d += diff * diff
		}
		dists[k] = math.Sqrt(d)
	}

	zn, zd := zScores(norms), zScores(dists)
	var flags []domain.AnomalyFlag
	for k, c := range embedded {
		var normZ, distZ float64
		if zn != nil {
			normZ = zn[k]
		}
		if zd != nil {
			distZ = zd[k]
		}
		if math.Abs(normZ) <= a.cfg.OutlierZ && math.Abs(distZ) <= a.cfg.OutlierZ {
			continue
		}
		flags = append(flags, domain.AnomalyFlag{
			Kind:         domain.AnomalyEmbeddingOutlier,
			Severity:     domain.SeverityWarning,
			EvidenceRefs: []string{"chunk:" + c.ChunkID},
			Score:        math.Max(math.Abs(normZ), math.Abs(distZ)),
			Detail:       fmt.Sprintf("norm z=%.2f, centroid distance z=%.2f", normZ, distZ),
		})
	}
	return flags
}
