package domain

import (
	"fmt"
	"time"
)

// CaptureWindow is the case-declared interval in which evidence images were taken.
type CaptureWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window. A zero bound is open.
func (w CaptureWindow) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

// IsZero reports whether neither bound is set.
func (w CaptureWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// CaseContext is what the ingestion collaborator tells us about the case an artifact belongs to.
type CaseContext struct {
	CaseID        string         `json:"case_id"`
	Question      string         `json:"question,omitempty"`
	Directives    []string       `json:"directives,omitempty"`
	CaptureWindow *CaptureWindow `json:"capture_window,omitempty"`
	DeviceModel   string         `json:"device_model,omitempty"`
	ExpectGPS     *bool          `json:"expect_gps,omitempty"`
}

// Validate checks the minimal fields a case context needs.
func (c CaseContext) Validate() error {
	if c.CaseID == "" {
		return NewDomainErrorWithCause(ErrCodeValidation, "case_id is required", ErrInvalidCaseContext)
	}
	if w := c.CaptureWindow; w != nil && !w.Start.IsZero() && !w.End.IsZero() && w.End.Before(w.Start) {
		return NewDomainErrorWithCause(ErrCodeValidation, "capture window ends before it starts", ErrInvalidCaseContext)
	}
	return nil
}

// Artifact is the immutable identity of a canonicalized evidence file.
type Artifact struct {
	ID               string      `json:"artifact_id"`
	CaseID           string      `json:"case_id"`
	Filename         string      `json:"filename"`
	IngestSequence   int64       `json:"ingest_sequence"`
	CanonicalSHA256  string      `json:"canonical_sha256"`
	MimeType         string      `json:"mime_type"`
	Format           Format      `json:"format"`
	SizeBytes        int64       `json:"size_bytes"`
	CreatedAt        time.Time   `json:"created_at"`
	ParentArtifactID string      `json:"parent_artifact_id,omitempty"`
	Depth            int         `json:"depth"`
	CaseContext      CaseContext `json:"case_context"`
	SubmittedBy      string      `json:"submitted_by,omitempty"`
}

// ValidateArtifact validates an Artifact instance
func ValidateArtifact(a *Artifact) error {
	if a == nil {
		return fmt.Errorf("artifact cannot be nil")
	}

	if a.ID == "" {
		return fmt.Errorf("artifact ID is required")
	}

	if a.CaseID == "" {
		return fmt.Errorf("artifact CaseID is required")
	}

	if a.Filename == "" {
		return fmt.Errorf("artifact Filename is required")
	}

	if len(a.CanonicalSHA256) != 64 {
		return fmt.Errorf("artifact CanonicalSHA256 must be a hex sha256 digest")
	}

	if a.SizeBytes <= 0 {
		return fmt.Errorf("artifact SizeBytes must be positive")
	}

	if !a.Format.IsValid() {
		return fmt.Errorf("artifact Format is invalid: %s", a.Format)
	}

	return nil
}
