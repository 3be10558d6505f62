// Package structure validates the internal structure of documents, emails and image
// containers: PDF cross-reference tables, email header chains, JPEG segments and PNG chunks.
package structure

import (
	"context"
	"time"

	"github.com/cloo-solutions/forensix/internal/directive"
	"github.com/cloo-solutions/forensix/internal/domain"
)

// Config tunes the structure stage.
type Config struct {
	// ReceivedSkew is the clock skew tolerated between Received hops.
	ReceivedSkew time.Duration
}

// DefaultConfig returns the stage defaults.
func DefaultConfig() Config {
	return Config{ReceivedSkew: 5 * time.Minute}
}

// Analyzer is the document_structure stage.
type Analyzer struct {
	cfg Config
}

// New creates the structure analyzer.
func New(cfg Config) *Analyzer {
	if cfg.ReceivedSkew < 0 {
		cfg.ReceivedSkew = 0
	}
	return &Analyzer{cfg: cfg}
}

func (a *Analyzer) Name() string {
	return domain.StageDocumentStructure
}

func (a *Analyzer) Applies(in *domain.AnalysisInput) bool {
	switch in.Artifact.Format {
	case domain.FormatPDF, domain.FormatEmail, domain.FormatMSG, domain.FormatJPEG, domain.FormatPNG:
		return in.HasDirective(directive.DFIR)
	}
	return false
}

func (a *Analyzer) Analyze(ctx context.Context, in *domain.AnalysisInput) domain.StageResult {
	start := time.Now()
	result := domain.StageResult{StageName: domain.StageDocumentStructure, Status: domain.StageStatusOK}

	block := &domain.StructureBlock{Format: in.Artifact.Format, Checks: []domain.StructureCheck{}}
	var err error
	switch in.Artifact.Format {
	case domain.FormatPDF:
		analyzePDF(block, &result, in.Bytes())
	case domain.FormatJPEG:
		analyzeJPEG(block, in.Bytes())
	case domain.FormatPNG:
		analyzePNG(block, in.Bytes())
	case domain.FormatEmail, domain.FormatMSG:
		err = analyzeEmail(block, &result, in.Bytes(), a.cfg.ReceivedSkew)
	default:
		return domain.FailedStage(domain.StageDocumentStructure, domain.ErrUnsupportedFormat.Error(), time.Since(start))
	}
	if err != nil {
		return domain.FailedStage(domain.StageDocumentStructure, domain.FormatError(in.Artifact.Format, err).Error(), time.Since(start))
	}

	block.Valid = true
	for _, c := range block.Checks {
		if !c.Passed {
			block.Valid = false
			break
		}
	}
	domain.SortFlags(block.Anomalies)

	result.Data = block
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

func addCheck(block *domain.StructureBlock, name string, passed bool, detail string) {
	block.Checks = append(block.Checks, domain.StructureCheck{Name: name, Passed: passed, Detail: detail})
}

func addFlag(block *domain.StructureBlock, kind string, sev domain.Severity, detail string, refs ...string) {
	block.Anomalies = append(block.Anomalies, domain.AnomalyFlag{
		Kind:         kind,
		Severity:     sev,
		EvidenceRefs: refs,
		Score:        1,
		Detail:       detail,
	})
}
