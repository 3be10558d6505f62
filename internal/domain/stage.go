package domain

import (
	"context"
	"time"
)

// StageStatus is the outcome of one analyzer invocation.
type StageStatus string

const (
	StageStatusOK       StageStatus = "ok"
	StageStatusDegraded StageStatus = "degraded"
	StageStatusFailed   StageStatus = "failed"
)

// Analyzer stage names.
const (
	StageMetadata          = "metadata"
	StageImageAuthenticity = "image_authenticity"
	StagePRNU              = "prnu"
	StageDocumentStructure = "document_structure"
	StageFinancial         = "financial"
	StageChunkForensics    = "chunk_forensics"
	StageConnectors        = "connectors"
	StageDirectives        = "directives"
)

// StageResult is produced by exactly one analyzer invocation.
type StageResult struct {
	StageName  string      `json:"stage_name"`
	Status     StageStatus `json:"status"`
	Data       any         `json:"data,omitempty"`
	Warnings   []string    `json:"warnings,omitempty"`
	DurationMS int64       `json:"duration_ms"`

	// Children are attachments found by the stage that must be canonicalized as child artifacts.
	Children []ChildArtifact `json:"-"`
}

// Warn appends a warning and downgrades an ok result to degraded.
func (r *StageResult) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
	if r.Status == StageStatusOK || r.Status == "" {
		r.Status = StageStatusDegraded
	}
}

// Note appends a warning without changing the status.
func (r *StageResult) Note(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Fallback reports whether the stage belongs in pipeline_fallbacks.
func (r StageResult) Fallback() bool {
	return r.Status == StageStatusDegraded || r.Status == StageStatusFailed
}

// FailedStage builds a failed result carrying the reason as its only warning.
func FailedStage(stage, reason string, elapsed time.Duration) StageResult {
	return StageResult{
		StageName:  stage,
		Status:     StageStatusFailed,
		Warnings:   []string{reason},
		DurationMS: elapsed.Milliseconds(),
	}
}

// ChildArtifact is an embedded file (for example an email attachment) awaiting canonicalization.
type ChildArtifact struct {
	Filename string
	Content  []byte
	Ref      string
}

// AnalysisInput is the read-only view every analyzer receives.
type AnalysisInput struct {
	Artifact   *Artifact
	Directives []string
	Metadata   *MetadataBlock
	// Chunks are supplied by the indexing collaborator, when any exist for the artifact.
	Chunks []ChunkHandle
	// WorkDir is the artifact's workspace, where analyzers may write derived artifacts.
	WorkDir string

	data []byte
}

// NewAnalysisInput builds an input over canonical bytes already in memory.
func NewAnalysisInput(artifact *Artifact, data []byte, workDir string) *AnalysisInput {
	return &AnalysisInput{Artifact: artifact, data: data, WorkDir: workDir}
}

// Bytes returns the canonical bytes. Callers must not modify the returned slice.
func (in *AnalysisInput) Bytes() []byte {
	return in.data
}

// HasDirective reports whether d was resolved for this artifact.
func (in *AnalysisInput) HasDirective(d string) bool {
	for _, have := range in.Directives {
		if have == d {
			return true
		}
	}
	return false
}

// Analyzer is one modality stage of the pipeline.
type Analyzer interface {
	Name() string
	// Applies reports whether the analyzer should run for this input.
	Applies(in *AnalysisInput) bool
	Analyze(ctx context.Context, in *AnalysisInput) StageResult
}
