package domain

import (
	"fmt"
	"time"
)

// PipelineJobStatus represents the status of a queued analysis run
type PipelineJobStatus string

const (
	PipelineJobStatusPending    PipelineJobStatus = "pending"
	PipelineJobStatusProcessing PipelineJobStatus = "processing"
	PipelineJobStatusCompleted  PipelineJobStatus = "completed"
	PipelineJobStatusFailed     PipelineJobStatus = "failed"
	PipelineJobStatusCancelled  PipelineJobStatus = "cancelled"
)

// PipelineJob is one queued analysis of a canonicalized artifact
type PipelineJob struct {
	ArtifactID string
	CaseID     string
	Status     PipelineJobStatus
	Attempts   int
	Error      string
	CreatedAt  time.Time
}

// NewPipelineJob creates a pending job for an artifact
func NewPipelineJob(artifact *Artifact, createdAt time.Time) *PipelineJob {
	return &PipelineJob{
		ArtifactID: artifact.ID,
		CaseID:     artifact.CaseID,
		Status:     PipelineJobStatusPending,
		CreatedAt:  createdAt,
	}
}

// ValidatePipelineJob validates a PipelineJob instance
func ValidatePipelineJob(j *PipelineJob) error {
	if j == nil {
		return fmt.Errorf("pipeline job cannot be nil")
	}

	if j.ArtifactID == "" {
		return fmt.Errorf("pipeline job ArtifactID is required")
	}

	if j.CaseID == "" {
		return fmt.Errorf("pipeline job CaseID is required")
	}

	if !isValidPipelineJobStatus(j.Status) {
		return fmt.Errorf("pipeline job Status is invalid: %s", j.Status)
	}

	if j.Attempts < 0 {
		return fmt.Errorf("pipeline job Attempts cannot be negative")
	}

	return nil
}

func isValidPipelineJobStatus(s PipelineJobStatus) bool {
	switch s {
	case PipelineJobStatusPending, PipelineJobStatusProcessing, PipelineJobStatusCompleted,
		PipelineJobStatusFailed, PipelineJobStatusCancelled:
		return true
	}
	return false
}
