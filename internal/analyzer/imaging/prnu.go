package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/cloo-solutions/forensix/internal/directive"
	"github.com/cloo-solutions/forensix/internal/domain"
)

// SensorMatcher correlates an image's sensor noise with a reference pattern for the expected
// device. Implementations own the reference library.
type SensorMatcher interface {
	Match(ctx context.Context, img image.Image, deviceModel string) (*domain.PRNUResult, error)
}

// PRNUAnalyzer is the prnu stage. Without a matcher it reports degraded and does nothing.
type PRNUAnalyzer struct {
	matcher   SensorMatcher
	maxPixels int64
}

// NewPRNU creates the stage. matcher may be nil.
func NewPRNU(matcher SensorMatcher) *PRNUAnalyzer {
	return &PRNUAnalyzer{matcher: matcher, maxPixels: DefaultMaxPixels}
}

// WithMaxPixels sets the largest image handed to the matcher. Non-positive values keep the
// default.
func (p *PRNUAnalyzer) WithMaxPixels(n int64) *PRNUAnalyzer {
	if n > 0 {
		p.maxPixels = n
	}
	return p
}

func (p *PRNUAnalyzer) Name() string {
	return domain.StagePRNU
}

func (p *PRNUAnalyzer) Applies(in *domain.AnalysisInput) bool {
	return in.Artifact.Format.Family() == domain.FamilyImage && in.HasDirective(directive.DFIR)
}

func (p *PRNUAnalyzer) Analyze(ctx context.Context, in *domain.AnalysisInput) domain.StageResult {
	start := time.Now()
	result := domain.StageResult{StageName: domain.StagePRNU, Status: domain.StageStatusOK}

	if p.matcher == nil {
		result.Warn("no sensor reference configured")
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	bounds, _, err := image.DecodeConfig(bytes.NewReader(in.Bytes()))
	if err != nil {
		return domain.FailedStage(domain.StagePRNU, domain.FormatError(in.Artifact.Format, err).Error(), time.Since(start))
	}
	if err := checkPixels(bounds, p.maxPixels); err != nil {
		result.Warn(fmt.Sprintf("%v; sensor matching skipped", err))
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	img, _, err := image.Decode(bytes.NewReader(in.Bytes()))
	if err != nil {
		return domain.FailedStage(domain.StagePRNU, domain.FormatError(in.Artifact.Format, err).Error(), time.Since(start))
	}

	match, err := p.matcher.Match(ctx, img, in.Artifact.CaseContext.DeviceModel)
	if err != nil {
		result.Warn(fmt.Sprintf("sensor matching failed: %v", err))
	} else {
		result.Data = match
	}

	result.DurationMS = time.Since(start).Milliseconds()
	return result
}
