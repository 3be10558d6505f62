// Package imaging implements the image authenticity stages: EXIF consistency, error level
// analysis, copy-move detection and the pluggable PRNU matcher.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/cloo-solutions/forensix/internal/analyzer/metadata"
	"github.com/cloo-solutions/forensix/internal/directive"
	"github.com/cloo-solutions/forensix/internal/domain"
	"github.com/cloo-solutions/forensix/internal/storage"
)

// DefaultMaxPixels is the largest image, in pixels, decoded for pixel-level analysis.
const DefaultMaxPixels int64 = 50_000_000

// Config tunes the authenticity stage.
type Config struct {
	ELAQuality   int
	ELAScale     float64
	ELAThreshold float64
	// MaxPixels bounds width*height. Larger images keep their EXIF checks but skip ELA and
	// copy-move detection, and the stage is degraded.
	MaxPixels int64
	Clone     CloneConfig
}

// DefaultConfig returns the stage defaults.
func DefaultConfig() Config {
	return Config{
		ELAQuality:   90,
		ELAScale:     15,
		ELAThreshold: 25,
		MaxPixels:    DefaultMaxPixels,
		Clone:        DefaultCloneConfig(),
	}
}

// Analyzer is the image_authenticity stage.
type Analyzer struct {
	cfg Config
}

// New creates the authenticity analyzer. Zero fields in cfg fall back to defaults.
func New(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.ELAQuality <= 0 || cfg.ELAQuality > 100 {
		cfg.ELAQuality = def.ELAQuality
	}
	if cfg.ELAScale <= 0 {
		cfg.ELAScale = def.ELAScale
	}
	if cfg.ELAThreshold <= 0 {
		cfg.ELAThreshold = def.ELAThreshold
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = def.MaxPixels
	}
	if cfg.Clone == (CloneConfig{}) {
		cfg.Clone = def.Clone
	}
	if cfg.Clone.BlockSize <= 0 {
		cfg.Clone.BlockSize = def.Clone.BlockSize
	}
	if cfg.Clone.Stride <= 0 {
		cfg.Clone.Stride = max(cfg.Clone.BlockSize/2, 1)
	}
	if cfg.Clone.Quantize <= 0 {
		cfg.Clone.Quantize = 1
	}
	return &Analyzer{cfg: cfg}
}

func (a *Analyzer) Name() string {
	return domain.StageImageAuthenticity
}

func (a *Analyzer) Applies(in *domain.AnalysisInput) bool {
	return in.Artifact.Format.Family() == domain.FamilyImage && in.HasDirective(directive.DFIR)
}

func (a *Analyzer) Analyze(ctx context.Context, in *domain.AnalysisInput) domain.StageResult {
	start := time.Now()
	result := domain.StageResult{StageName: domain.StageImageAuthenticity, Status: domain.StageStatusOK}
	finish := func() domain.StageResult {
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	bounds, _, err := image.DecodeConfig(bytes.NewReader(in.Bytes()))
	if err != nil {
		return domain.FailedStage(domain.StageImageAuthenticity, domain.FormatError(in.Artifact.Format, err).Error(), time.Since(start))
	}

	block := &domain.AuthenticityBlock{
		CloneHits: []domain.CloneHit{},
		ExifFlags: []domain.AnomalyFlag{},
	}

	if in.Artifact.Format == domain.FormatJPEG {
		x, err := metadata.ReadEXIF(in.Bytes())
		if err != nil {
			x = nil
		}
		block.ExifFlags = append(block.ExifFlags, CheckEXIF(x, in.Artifact.CaseContext)...)
	}

	if err := checkPixels(bounds, a.cfg.MaxPixels); err != nil {
		result.Warn(fmt.Sprintf("%v; error level and copy-move analysis skipped", err))
		block.Anomalies = append(block.Anomalies, block.ExifFlags...)
		domain.SortFlags(block.Anomalies)
		result.Data = block
		return finish()
	}

	img, _, err := image.Decode(bytes.NewReader(in.Bytes()))
	if err != nil {
		return domain.FailedStage(domain.StageImageAuthenticity, domain.FormatError(in.Artifact.Format, err).Error(), time.Since(start))
	}

	if err := ctx.Err(); err != nil {
		return domain.FailedStage(domain.StageImageAuthenticity, "timeout", time.Since(start))
	}

	ela, err := ELA(img, a.cfg.ELAQuality, a.cfg.ELAScale)
	if err != nil {
		result.Warn(fmt.Sprintf("error level analysis unavailable: %v", err))
	} else {
		block.ELAScore = ela.Score
		block.ELALowErrorRate = ela.LowErrorRatio
		if ela.Score > a.cfg.ELAThreshold {
			block.Anomalies = append(block.Anomalies, domain.AnomalyFlag{
				Kind:         domain.AnomalyELAHigh,
				Severity:     domain.SeverityWarning,
				EvidenceRefs: []string{storage.HeatmapFile},
				Score:        ela.Score,
				Detail:       fmt.Sprintf("ela score %.2f exceeds threshold %.2f", ela.Score, a.cfg.ELAThreshold),
			})
		}
		if in.WorkDir != "" {
			if err := writeHeatmap(filepath.Join(in.WorkDir, storage.HeatmapFile), ela); err != nil {
				result.Warn(fmt.Sprintf("failed to persist heat-map: %v", err))
			} else {
				block.ELAHeatmapRef = storage.HeatmapFile
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return domain.FailedStage(domain.StageImageAuthenticity, "timeout", time.Since(start))
	}

	block.CloneHits = append(block.CloneHits, DetectClones(img, a.cfg.Clone)...)
	for _, hit := range block.CloneHits {
		block.Anomalies = append(block.Anomalies, domain.AnomalyFlag{
			Kind:     domain.AnomalyCloneRegion,
			Severity: domain.SeverityWarning,
			EvidenceRefs: []string{
				fmt.Sprintf("region:%d,%d", hit.SourceX, hit.SourceY),
				fmt.Sprintf("region:%d,%d", hit.TargetX, hit.TargetY),
			},
			Score:  hit.Score,
			Detail: fmt.Sprintf("%d matching blocks displaced by (%d,%d)", hit.Blocks, hit.OffsetX, hit.OffsetY),
		})
	}

	block.Anomalies = append(block.Anomalies, block.ExifFlags...)
	domain.SortFlags(block.Anomalies)

	result.Data = block
	return finish()
}

// checkPixels rejects images whose decoded bitmap would exceed maxPixels.
func checkPixels(cfg image.Config, maxPixels int64) error {
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
		return fmt.Errorf("image is %dx%d (%d pixels), above the %d pixel analysis limit", cfg.Width, cfg.Height, pixels, maxPixels)
	}
	return nil
}

func writeHeatmap(path string, ela *ELAResult) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := ela.WriteHeatmap(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
