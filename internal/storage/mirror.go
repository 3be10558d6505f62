package storage

import (
	"context"
	"path"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// ObjectPutter is the subset of S3Client the mirror needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

// Mirror copies committed reports and heat-maps to object storage. Every report version gets
// its own key, and the current report is overwritten in place.
type Mirror struct {
	objects ObjectPutter
}

func NewMirror(objects ObjectPutter) *Mirror {
	return &Mirror{objects: objects}
}

// VersionKey is the object key of one report version.
func VersionKey(caseID, artifactID string, version string) string {
	return path.Join(caseID, artifactID, versionsDir, version+".json")
}

func (m *Mirror) MirrorReport(ctx context.Context, report *domain.ForensicReport, data []byte) error {
	version := report.GeneratedAt.UTC().Format(versionLayout)
	if err := m.objects.PutObject(ctx, VersionKey(report.CaseID, report.ArtifactID, version), data, "application/json"); err != nil {
		return err
	}
	return m.objects.PutObject(ctx, ReportKey(report.CaseID, report.ArtifactID), data, "application/json")
}

func (m *Mirror) MirrorHeatmap(ctx context.Context, caseID, artifactID string, png []byte) error {
	return m.objects.PutObject(ctx, HeatmapKey(caseID, artifactID), png, "image/png")
}
