package directive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/forensix/internal/domain"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		cc       domain.CaseContext
		format   domain.Format
		expected Set
	}{
		{
			name:     "image defaults to dfir",
			cc:       domain.CaseContext{CaseID: "c"},
			format:   domain.FormatJPEG,
			expected: Set{DFIR},
		},
		{
			name:     "spreadsheet needs a financial hint",
			cc:       domain.CaseContext{CaseID: "c"},
			format:   domain.FormatCSV,
			expected: Set{Embedding},
		},
		{
			name:     "explicit hint is normalized",
			cc:       domain.CaseContext{CaseID: "c", Directives: []string{" Financial "}},
			format:   domain.FormatXLSX,
			expected: Set{Embedding, Financial},
		},
		{
			name:     "question keywords add directives",
			cc:       domain.CaseContext{CaseID: "c", Question: "Were these invoices reconciled?"},
			format:   domain.FormatCSV,
			expected: Set{Embedding, Financial},
		},
		{
			name:     "unknown format with no hints is minimal",
			cc:       domain.CaseContext{CaseID: "c"},
			format:   domain.FormatUnknown,
			expected: Set{},
		},
		{
			name:     "question about tampering on a pdf",
			cc:       domain.CaseContext{CaseID: "c", Question: "Has this contract been tampered with?"},
			format:   domain.FormatPDF,
			expected: Set{DFIR, Embedding},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.cc, tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestResolve_UnknownHintFallsBackToMinimal(t *testing.T) {
	cc := domain.CaseContext{CaseID: "c", Directives: []string{"dfir", "astrology"}, Question: "photo tampering"}

	got, err := Resolve(cc, domain.FormatJPEG)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownDirective)
	assert.True(t, domain.HasCode(err, domain.ErrCodeDirectiveResolution))
	assert.Contains(t, err.Error(), "astrology")
	assert.True(t, got.Minimal())
}

func TestResolve_IsPure(t *testing.T) {
	cc := domain.CaseContext{CaseID: "c", Directives: []string{"financial"}, Question: "fraud in the ledger"}

	first, err := Resolve(cc, domain.FormatXLSX)
	require.NoError(t, err)
	second, err := Resolve(cc, domain.FormatXLSX)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"financial"}, cc.Directives)
}

func TestSet_Has(t *testing.T) {
	s := Set{DFIR, Financial}
	assert.True(t, s.Has(DFIR))
	assert.True(t, s.Has(Financial))
	assert.False(t, s.Has(Embedding))
	assert.False(t, s.Minimal())
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
known: [dfir, financial]
keywords:
  financial: [vendor]
formats:
  png: [dfir]
`), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)

	router := NewRouter(rules)
	got, err := router.Resolve(domain.CaseContext{CaseID: "c", Question: "Vendor payouts"}, domain.FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, Set{Financial}, got)

	_, err = router.Resolve(domain.CaseContext{CaseID: "c", Directives: []string{"embedding"}}, domain.FormatPDF)
	assert.ErrorIs(t, err, domain.ErrUnknownDirective)
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no known directives", yaml: "keywords: {}"},
		{name: "keyword for unknown directive", yaml: "known: [dfir]\nkeywords:\n  financial: [x]"},
		{name: "unknown format", yaml: "known: [dfir]\nformats:\n  docx: [dfir]"},
		{name: "format maps to unknown directive", yaml: "known: [dfir]\nformats:\n  png: [financial]"},
		{name: "malformed yaml", yaml: "known: [dfir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
