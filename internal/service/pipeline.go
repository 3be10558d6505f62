package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloo-solutions/forensix/internal/analyzer/chunkstat"
	"github.com/cloo-solutions/forensix/internal/directive"
	"github.com/cloo-solutions/forensix/internal/domain"
	"github.com/cloo-solutions/forensix/internal/ledger"
	"github.com/cloo-solutions/forensix/internal/telemetry"
)

// PipelineConfig bounds one pipeline run.
type PipelineConfig struct {
	AnalyzerTimeout    time.Duration
	MaxAttachmentDepth int
}

// DefaultPipelineConfig returns the default bounds.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		AnalyzerTimeout:    30 * time.Second,
		MaxAttachmentDepth: 3,
	}
}

// ReportIndex records committed report versions in a queryable index. Optional.
type ReportIndex interface {
	IndexReport(ctx context.Context, report *domain.ForensicReport, version *domain.ReportVersion) error
}

// EvidenceMirror copies reports and derived artifacts to object storage. Optional.
type EvidenceMirror interface {
	MirrorReport(ctx context.Context, report *domain.ForensicReport, data []byte) error
	MirrorHeatmap(ctx context.Context, caseID, artifactID string, png []byte) error
}

// ChildHandler is told about every child artifact a run canonicalized.
type ChildHandler func(ctx context.Context, child *domain.Artifact)

// PipelineDeps are the collaborators of a Pipeline. Index, Mirror, Chunks, Connectors and
// Metrics may be left empty.
type PipelineDeps struct {
	Store         ArtifactStore
	Ledger        Ledger
	Canonicalizer *Canonicalizer
	Router        *directive.Router
	Metadata      domain.Analyzer
	Analyzers     []domain.Analyzer
	Connectors    []Connector
	Chunks        chunkstat.ChunkSource
	Index         ReportIndex
	Mirror        EvidenceMirror
	Metrics       *telemetry.Metrics
}

// Pipeline runs the analyzers over one canonicalized artifact, assembles the report and
// commits it to the ledger.
type Pipeline struct {
	store      ArtifactStore
	ledger     Ledger
	canon      *Canonicalizer
	router     *directive.Router
	metadata   domain.Analyzer
	analyzers  []domain.Analyzer
	connectors []Connector
	chunks     chunkstat.ChunkSource
	index      ReportIndex
	mirror     EvidenceMirror
	metrics    *telemetry.Metrics
	onChild    ChildHandler
	cfg        PipelineConfig
	now        func() time.Time
}

// NewPipeline creates a pipeline. Zero config fields take the defaults.
func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.AnalyzerTimeout <= 0 {
		cfg.AnalyzerTimeout = def.AnalyzerTimeout
	}
	if cfg.MaxAttachmentDepth < 0 {
		cfg.MaxAttachmentDepth = 0
	}
	router := deps.Router
	if router == nil {
		router = directive.NewRouter(nil)
	}
	return &Pipeline{
		store:      deps.Store,
		ledger:     deps.Ledger,
		canon:      deps.Canonicalizer,
		router:     router,
		metadata:   deps.Metadata,
		analyzers:  deps.Analyzers,
		connectors: deps.Connectors,
		chunks:     deps.Chunks,
		index:      deps.Index,
		mirror:     deps.Mirror,
		metrics:    deps.Metrics,
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetChildHandler registers the callback for child artifacts.
func (p *Pipeline) SetChildHandler(h ChildHandler) {
	p.onChild = h
}

// Run analyzes an artifact and commits a new report version. A run whose context is
// cancelled before the commit point returns the context error and writes nothing.
func (p *Pipeline) Run(ctx context.Context, artifactID string) (*domain.ForensicReport, error) {
	start := time.Now()

	artifact, data, err := VerifyCanonical(p.store, artifactID)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "forensics.pipeline", telemetry.SpanAttributes{
		CaseID:     artifact.CaseID,
		ArtifactID: artifact.ID,
		Operation:  "analyze",
	})
	defer span.End()

	in := domain.NewAnalysisInput(artifact, data, p.store.ArtifactDir(artifactID))
	var results []domain.StageResult

	if p.metadata != nil {
		meta := p.runStage(ctx, p.metadata, in)
		if block, ok := meta.Data.(*domain.MetadataBlock); ok {
			in.Metadata = block
		}
		results = append(results, meta)
	}

	set, err := p.router.Resolve(artifact.CaseContext, artifact.Format)
	if err != nil {
		log.Printf("Directive resolution for %s fell back to the minimal set: %v", artifact.ID, err)
		results = append(results, domain.StageResult{
			StageName: domain.StageDirectives,
			Status:    domain.StageStatusDegraded,
			Warnings:  []string{err.Error()},
		})
	}
	in.Directives = []string(set)

	if in.HasDirective(directive.Embedding) && p.chunks != nil {
		chunks, err := p.chunks.Chunks(ctx, artifact.ID)
		if err != nil && !isCancellation(err) {
			results = append(results, domain.FailedStage(domain.StageChunkForensics, "chunk source: "+err.Error(), 0))
		}
		in.Chunks = chunks
	}

	results = append(results, p.fanOut(ctx, in)...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := p.assemble(artifact, in.Directives, results)
	p.canonicalizeChildren(ctx, artifact, results, report)
	p.runConnectors(ctx, in, report)

	if err := ctx.Err(); err != nil {
		log.Printf("Pipeline for %s cancelled before commit", artifact.ID)
		return nil, err
	}

	if err := p.commit(ctx, report); err != nil {
		span.SetError(err)
		return nil, err
	}

	p.metrics.RecordPipeline(ctx, time.Since(start), report.PipelineFallbacks)
	return report, nil
}

// fanOut runs every applicable analyzer concurrently and joins on all of them.
func (p *Pipeline) fanOut(ctx context.Context, in *domain.AnalysisInput) []domain.StageResult {
	var selected []domain.Analyzer
	for _, a := range p.analyzers {
		if a.Applies(in) {
			selected = append(selected, a)
		}
	}

	results := make([]domain.StageResult, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range selected {
		g.Go(func() error {
			results[i] = p.runStage(gctx, a, in)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runStage invokes one analyzer under its time budget. Panics and overruns become failed
// results; an analyzer that ignores its context is abandoned.
func (p *Pipeline) runStage(ctx context.Context, a domain.Analyzer, in *domain.AnalysisInput) domain.StageResult {
	name := a.Name()
	start := time.Now()

	sctx, span := telemetry.StartSpan(ctx, "forensics.stage."+name, telemetry.SpanAttributes{
		CaseID:     in.Artifact.CaseID,
		ArtifactID: in.Artifact.ID,
		Stage:      name,
	})
	defer span.End()

	sctx, cancel := context.WithTimeout(sctx, p.cfg.AnalyzerTimeout)
	defer cancel()

	done := make(chan domain.StageResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Analyzer %s panicked on %s: %v", name, in.Artifact.ID, r)
				done <- domain.FailedStage(name, fmt.Sprintf("panic: %v", r), time.Since(start))
			}
		}()
		done <- a.Analyze(sctx, in)
	}()

	var res domain.StageResult
	select {
	case res = <-done:
	case <-sctx.Done():
		reason := "cancelled"
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		res = domain.FailedStage(name, reason, time.Since(start))
	}

	if res.StageName == "" {
		res.StageName = name
	}
	if res.Status == "" {
		res.Status = domain.StageStatusOK
	}
	res.DurationMS = time.Since(start).Milliseconds()

	timedOut := res.Status == domain.StageStatusFailed && errors.Is(sctx.Err(), context.DeadlineExceeded)
	if timedOut {
		log.Printf("Analyzer %s exceeded %v on %s", name, p.cfg.AnalyzerTimeout, in.Artifact.ID)
	}
	span.SetStageStatus(res.Status, timedOut)
	p.metrics.RecordStage(ctx, name, res.Status, time.Since(start))
	return res
}

// assemble merges stage results into a report. Failed stages leave their block null.
func (p *Pipeline) assemble(artifact *domain.Artifact, directives []string, results []domain.StageResult) *domain.ForensicReport {
	if directives == nil {
		directives = []string{}
	}
	report := &domain.ForensicReport{
		ArtifactID: artifact.ID,
		CaseID:     artifact.CaseID,
		HashBlock: domain.HashBlock{
			SHA256:    artifact.CanonicalSHA256,
			Size:      artifact.SizeBytes,
			CreatedAt: artifact.CreatedAt,
		},
		ConnectorFindings: map[string]any{},
		Directives:        directives,
		Anomalies:         []domain.AnomalyFlag{},
		Stages:            []domain.StageSummary{},
		GeneratedAt:       p.now().UTC(),
		PipelineFallbacks: []string{},
	}

	var prnu *domain.PRNUResult
	for _, r := range results {
		summary := domain.StageSummary{
			StageName:  r.StageName,
			Status:     r.Status,
			DurationMS: r.DurationMS,
			Warnings:   r.Warnings,
		}
		if r.Status != domain.StageStatusFailed && r.Data != nil {
			if sum, err := ledger.HashPayload(r.Data); err == nil {
				summary.PayloadSHA256 = sum
			}
		}
		report.Stages = append(report.Stages, summary)

		if r.Fallback() {
			report.PipelineFallbacks = append(report.PipelineFallbacks, r.StageName)
		}
		if r.Status == domain.StageStatusFailed {
			continue
		}

		switch d := r.Data.(type) {
		case *domain.MetadataBlock:
			report.MetadataBlock = d
		case *domain.StructureBlock:
			report.StructureBlock = d
			report.Anomalies = append(report.Anomalies, d.Anomalies...)
		case *domain.AuthenticityBlock:
			report.AuthenticityBlock = d
			report.Anomalies = append(report.Anomalies, d.Anomalies...)
		case *domain.PRNUResult:
			prnu = d
		case *domain.FinancialBlock:
			report.FinancialBlock = d
			report.Anomalies = append(report.Anomalies, d.Anomalies...)
		case *domain.ChunkBlock:
			report.ChunkBlock = d
			report.Anomalies = append(report.Anomalies, d.Anomalies...)
		}
	}

	if report.AuthenticityBlock != nil {
		report.AuthenticityBlock.PRNUResult = prnu
	}
	domain.SortFlags(report.Anomalies)
	return report
}

// canonicalizeChildren submits attachments back through the canonicalizer, one level deeper
// than their parent, until the depth limit. An attachment already canonicalized under this
// parent (same filename and SHA-256) is reused, so retries and reanalysis never fork it.
func (p *Pipeline) canonicalizeChildren(ctx context.Context, parent *domain.Artifact, results []domain.StageResult, report *domain.ForensicReport) {
	var known map[childKey]*domain.Artifact
	for _, r := range results {
		for _, child := range r.Children {
			att := attachmentFor(report, child.Ref)

			if parent.Depth >= p.cfg.MaxAttachmentDepth {
				if att != nil {
					att.Skipped = domain.ErrAttachmentDepth.Message
				}
				continue
			}
			if p.canon == nil {
				if att != nil {
					att.Skipped = "no canonicalizer configured"
				}
				continue
			}

			if known == nil {
				known = p.childrenOf(parent.ID)
			}
			key := childKeyOf(child.Filename, child.Content)
			a, reused := known[key]
			if !reused {
				var err error
				a, err = p.canon.Canonicalize(ctx, CanonicalizeInput{
					Body:             bytes.NewReader(child.Content),
					Filename:         child.Filename,
					DeclaredSize:     int64(len(child.Content)),
					CaseContext:      parent.CaseContext,
					ParentArtifactID: parent.ID,
					Depth:            parent.Depth + 1,
				})
				if err != nil {
					log.Printf("Failed to canonicalize %s of %s: %v", child.Ref, parent.ID, err)
					if att != nil {
						att.Skipped = err.Error()
					}
					continue
				}
				known[key] = a
			}

			if att != nil {
				att.ChildArtifactID = a.ID
			}
			if !slices.Contains(report.Children, a.ID) {
				report.Children = append(report.Children, a.ID)
			}
			if !reused && p.onChild != nil {
				p.onChild(ctx, a)
			}
		}
	}
}

type childKey struct {
	filename string
	sha256   string
}

func childKeyOf(filename string, content []byte) childKey {
	sum := sha256.Sum256(content)
	return childKey{filename: filename, sha256: hex.EncodeToString(sum[:])}
}

// childrenOf indexes the artifacts already canonicalized from parentID.
func (p *Pipeline) childrenOf(parentID string) map[childKey]*domain.Artifact {
	known := make(map[childKey]*domain.Artifact)
	artifacts, err := p.store.ListArtifacts()
	if err != nil {
		log.Printf("Failed to list existing children of %s: %v", parentID, err)
		return known
	}
	for _, a := range artifacts {
		if a.ParentArtifactID != parentID {
			continue
		}
		key := childKey{filename: a.Filename, sha256: a.CanonicalSHA256}
		if prev, ok := known[key]; !ok || a.IngestSequence < prev.IngestSequence {
			known[key] = a
		}
	}
	return known
}

// attachmentFor resolves an "attachment:N" reference into the structure block.
func attachmentFor(report *domain.ForensicReport, ref string) *domain.Attachment {
	if report.StructureBlock == nil {
		return nil
	}
	idx, ok := strings.CutPrefix(ref, "attachment:")
	if !ok {
		return nil
	}
	i, err := strconv.Atoi(idx)
	if err != nil || i < 0 || i >= len(report.StructureBlock.Attachments) {
		return nil
	}
	return &report.StructureBlock.Attachments[i]
}

func (p *Pipeline) runConnectors(ctx context.Context, in *domain.AnalysisInput, report *domain.ForensicReport) {
	var applicable []Connector
	for _, c := range p.connectors {
		if c.Applies(in) {
			applicable = append(applicable, c)
		}
	}
	if len(applicable) == 0 {
		return
	}

	start := time.Now()
	result := domain.StageResult{StageName: domain.StageConnectors, Status: domain.StageStatusOK}
	for _, c := range applicable {
		found, err := c.Find(ctx, in)
		if err != nil {
			result.Warn(fmt.Sprintf("%s: %v", c.Name(), err))
			continue
		}
		report.ConnectorFindings[c.Name()] = found
	}

	report.Stages = append(report.Stages, domain.StageSummary{
		StageName:  result.StageName,
		Status:     result.Status,
		DurationMS: time.Since(start).Milliseconds(),
		Warnings:   result.Warnings,
	})
	if result.Fallback() {
		report.PipelineFallbacks = append(report.PipelineFallbacks, domain.StageConnectors)
	}
}

// commit stages the report, chains its exact bytes in the ledger, and only then makes it
// current. A failed append discards the staged report so no version exists without an entry.
// Past staging the run is no longer cancellable.
func (p *Pipeline) commit(ctx context.Context, report *domain.ForensicReport) error {
	staged, err := p.store.StageReport(report)
	if err != nil {
		return fmt.Errorf("failed to stage report: %w", err)
	}

	ctx = context.WithoutCancel(ctx)
	entry, err := p.ledger.Append(ctx, report.ArtifactID, domain.StageReport, staged.Data)
	if err != nil {
		if derr := p.store.DiscardReport(staged); derr != nil {
			log.Printf("Failed to discard staged report %s: %v", report.ArtifactID, derr)
		}
		telemetry.CaptureError(ctx, err)
		return fmt.Errorf("failed to append report entry: %w", err)
	}

	version, err := p.store.CommitReport(staged, entry.SequenceNo)
	if err != nil {
		telemetry.CaptureError(ctx, err)
		return fmt.Errorf("failed to commit report chained at ledger sequence %d: %w", entry.SequenceNo, err)
	}
	log.Printf("Report for %s committed at ledger sequence %d (%d fallbacks)", report.ArtifactID, entry.SequenceNo, len(report.PipelineFallbacks))

	if p.index != nil {
		if err := p.index.IndexReport(ctx, report, version); err != nil {
			log.Printf("Failed to index report %s: %v", report.ArtifactID, err)
		}
	}
	if p.mirror != nil {
		p.mirrorReport(ctx, report, staged.Data)
	}
	return nil
}

func (p *Pipeline) mirrorReport(ctx context.Context, report *domain.ForensicReport, data []byte) {
	if err := p.mirror.MirrorReport(ctx, report, data); err != nil {
		log.Printf("Failed to mirror report %s: %v", report.ArtifactID, err)
	}

	if report.AuthenticityBlock == nil || report.AuthenticityBlock.ELAHeatmapRef == "" {
		return
	}
	png, err := os.ReadFile(p.store.HeatmapPath(report.ArtifactID))
	if err != nil {
		log.Printf("Failed to read heatmap of %s: %v", report.ArtifactID, err)
		return
	}
	if err := p.mirror.MirrorHeatmap(ctx, report.CaseID, report.ArtifactID, png); err != nil {
		log.Printf("Failed to mirror heatmap of %s: %v", report.ArtifactID, err)
	}
}
