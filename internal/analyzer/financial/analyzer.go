// Package financial reconciles ledger spreadsheets: declared totals against recomputed sums,
// per-account amount outliers, and normalized payee and account entities.
package financial

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cloo-solutions/forensix/internal/directive"
	"github.com/cloo-solutions/forensix/internal/domain"
)

// Config tunes the financial stage.
type Config struct {
	AmountZ        float64
	MinPopulation  int
	ToleranceCents int64
}

// DefaultConfig returns the stage defaults.
func DefaultConfig() Config {
	return Config{AmountZ: 3, MinPopulation: 11, ToleranceCents: 1}
}

// Analyzer is the financial stage.
type Analyzer struct {
	cfg Config
}

// New creates the financial analyzer.
func New(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.AmountZ <= 0 {
		cfg.AmountZ = def.AmountZ
	}
	if cfg.MinPopulation <= 0 {
		cfg.MinPopulation = def.MinPopulation
	}
	cfg.MinPopulation = max(cfg.MinPopulation, ScorablePopulation(cfg.AmountZ))
	if cfg.ToleranceCents < 0 {
		cfg.ToleranceCents = def.ToleranceCents
	}
	return &Analyzer{cfg: cfg}
}

func (a *Analyzer) Name() string {
	return domain.StageFinancial
}

func (a *Analyzer) Applies(in *domain.AnalysisInput) bool {
	return in.Artifact.Format.Family() == domain.FamilySpreadsheet && in.HasDirective(directive.Financial)
}

func (a *Analyzer) Analyze(ctx context.Context, in *domain.AnalysisInput) domain.StageResult {
	start := time.Now()
	result := domain.StageResult{StageName: domain.StageFinancial, Status: domain.StageStatusOK}

	rows, sheet, err := loadRows(in.Artifact.Format, in.Bytes())
	if err != nil {
		return domain.FailedStage(domain.StageFinancial, domain.FormatError(in.Artifact.Format, err).Error(), time.Since(start))
	}

	block := &domain.FinancialBlock{
		Totals:    domain.FinancialTotals{PerAccount: map[string]float64{}, Declared: []domain.DeclaredTotal{}},
		Anomalies: []domain.AnomalyFlag{},
		Entities:  []domain.Entity{},
	}

	ledger, err := ParseRows(rows)
	if err != nil {
		result.Warn(err.Error())
		result.Data = block
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}
	if sheet != "" {
		result.Note(fmt.Sprintf("analysed sheet %q", sheet))
	}
	if ledger.Skipped > 0 {
		result.Note(fmt.Sprintf("%d rows with unparseable amounts skipped", ledger.Skipped))
	}

	if err := ctx.Err(); err != nil {
		return domain.FailedStage(domain.StageFinancial, "timeout", time.Since(start))
	}

	totals, mismatches := Reconcile(ledger, a.cfg.ToleranceCents)
	block.Totals = totals
	block.Anomalies = append(block.Anomalies, mismatches...)
	block.Anomalies = append(block.Anomalies, Outliers(ledger, a.cfg.AmountZ, a.cfg.MinPopulation)...)
	block.Entities = Entities(ledger)
	domain.SortFlags(block.Anomalies)

	result.Data = block
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

// loadRows returns the cell grid. For workbooks it picks the first sheet with a recognizable
// header and returns its name.
func loadRows(format domain.Format, data []byte) ([][]string, string, error) {
	switch format {
	case domain.FormatCSV:
		r := csv.NewReader(bytes.NewReader(data))
		r.FieldsPerRecord = -1
		r.LazyQuotes = true
		var rows [][]string
		for {
			rec, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, "", fmt.Errorf("failed to read CSV: %w", err)
			}
			rows = append(rows, rec)
		}
		return rows, "", nil

	case domain.FormatXLSX:
		f, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("failed to open workbook: %w", err)
		}
		defer f.Close()

		var first [][]string
		var firstName string
		for i, name := range f.GetSheetList() {
			rows, err := f.GetRows(name)
			if err != nil {
				return nil, "", fmt.Errorf("failed to read sheet %q: %w", name, err)
			}
			if i == 0 {
				first, firstName = rows, name
			}
			if _, header := detectColumns(rows); header >= 0 {
				return rows, name, nil
			}
		}
		return first, firstName, nil
	}
	return nil, "", domain.ErrUnsupportedFormat
}
