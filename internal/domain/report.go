package domain

import "time"

// HashBlock is the identity section of a report.
type HashBlock struct {
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// MetadataBlock holds format-agnostic properties plus a format-specific bag.
type MetadataBlock struct {
	Format       Format         `json:"format"`
	MimeType     string         `json:"mime_type"`
	CreatedAt    *time.Time     `json:"created_at,omitempty"`
	ModifiedAt   *time.Time     `json:"modified_at,omitempty"`
	ProducerTool string         `json:"producer_tool,omitempty"`
	Author       string         `json:"author,omitempty"`
	Specific     map[string]any `json:"specific"`
}

// StructureBlock is the output of the document/email structure stage.
type StructureBlock struct {
	Format      Format           `json:"format"`
	Valid       bool             `json:"valid"`
	Checks      []StructureCheck `json:"checks"`
	PDF         *PDFStructure    `json:"pdf,omitempty"`
	Email       *EmailStructure  `json:"email,omitempty"`
	Container   *ContainerInfo   `json:"container,omitempty"`
	Anomalies   []AnomalyFlag    `json:"anomalies,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
}

// StructureCheck is one named validity check.
type StructureCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// PDFStructure summarizes the object graph of a PDF.
type PDFStructure struct {
	Version             string `json:"version"`
	XrefSections        int    `json:"xref_sections"`
	XrefEntries         int    `json:"xref_entries"`
	DefinedObjects      int    `json:"defined_objects"`
	OrphanObjects       []int  `json:"orphan_objects,omitempty"`
	UnreferencedObjects []int  `json:"unreferenced_objects,omitempty"`
	MismatchedOffsets   []int  `json:"mismatched_offsets,omitempty"`
	EOFMarkers          int    `json:"eof_markers"`
	XrefStream          bool   `json:"xref_stream"`
}

// EmailStructure summarizes header validation of an email.
type EmailStructure struct {
	MessageID      string     `json:"message_id,omitempty"`
	Date           *time.Time `json:"date,omitempty"`
	ReceivedHops   []Received `json:"received_hops,omitempty"`
	ReceivedSorted bool       `json:"received_sorted"`
}

// Received is one parsed Received header, in header order (most recent hop first).
type Received struct {
	Raw       string     `json:"raw"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ContainerInfo describes JPEG/PNG container validation.
type ContainerInfo struct {
	Markers      []string `json:"markers,omitempty"`
	TrailingData int      `json:"trailing_bytes"`
	BadChecksums []string `json:"bad_checksums,omitempty"`
}

// Attachment is an embedded file found inside a container artifact.
type Attachment struct {
	Filename        string `json:"filename"`
	ContentType     string `json:"content_type,omitempty"`
	SHA256          string `json:"sha256"`
	SizeBytes       int64  `json:"size_bytes"`
	ChildArtifactID string `json:"child_artifact_id,omitempty"`
	Skipped         string `json:"skipped,omitempty"`
}

// AuthenticityBlock is the image authenticity section.
type AuthenticityBlock struct {
	ELAScore        float64       `json:"ela_score"`
	ELAHeatmapRef   string        `json:"ela_heatmap_ref,omitempty"`
	ELALowErrorRate float64       `json:"ela_low_error_block_ratio"`
	CloneHits       []CloneHit    `json:"clone_hits"`
	ExifFlags       []AnomalyFlag `json:"exif_flags"`
	PRNUResult      *PRNUResult   `json:"prnu_result"`
	Anomalies       []AnomalyFlag `json:"anomalies,omitempty"`
}

// CloneHit is a group of matching blocks sharing one displacement vector.
type CloneHit struct {
	SourceX int     `json:"source_x"`
	SourceY int     `json:"source_y"`
	TargetX int     `json:"target_x"`
	TargetY int     `json:"target_y"`
	OffsetX int     `json:"offset_x"`
	OffsetY int     `json:"offset_y"`
	Blocks  int     `json:"blocks"`
	Score   float64 `json:"score"`
}

// PRNUResult is the output of a sensor-noise matcher.
type PRNUResult struct {
	ReferenceID string  `json:"reference_id"`
	Correlation float64 `json:"correlation"`
	Match       bool    `json:"match"`
}

// FinancialBlock is the financial anomaly section.
type FinancialBlock struct {
	Totals    FinancialTotals `json:"totals"`
	Anomalies []AnomalyFlag   `json:"anomalies"`
	Entities  []Entity        `json:"entities"`
}

// FinancialTotals holds recomputed sums and declared totals, in currency units.
type FinancialTotals struct {
	TransactionCount int                `json:"transaction_count"`
	ComputedTotal    float64            `json:"computed_total"`
	PerAccount       map[string]float64 `json:"per_account"`
	Declared         []DeclaredTotal    `json:"declared"`
}

// DeclaredTotal is a subtotal or grand total row found in the ledger.
type DeclaredTotal struct {
	Label    string  `json:"label"`
	Line     int     `json:"line"`
	Account  string  `json:"account,omitempty"`
	Declared float64 `json:"declared"`
	Computed float64 `json:"computed"`
	Matches  bool    `json:"matches"`
}

// Entity is a normalized payee or account.
type Entity struct {
	Kind        string   `json:"kind"`
	Name        string   `json:"name"`
	Variants    []string `json:"variants"`
	Occurrences int      `json:"occurrences"`
	Total       float64  `json:"total"`
}

// ChunkBlock is the chunk/embedding forensics section.
type ChunkBlock struct {
	ChunkCount int              `json:"chunk_count"`
	Truncated  bool             `json:"truncated"`
	Statistics []ChunkStatistic `json:"statistics"`
	Anomalies  []AnomalyFlag    `json:"anomalies"`
}

// StageSummary is the per-stage trace kept in the report.
type StageSummary struct {
	StageName     string      `json:"stage_name"`
	Status        StageStatus `json:"status"`
	DurationMS    int64       `json:"duration_ms"`
	Warnings      []string    `json:"warnings,omitempty"`
	PayloadSHA256 string      `json:"payload_sha256,omitempty"`
}

// ForensicReport is the merged output of one pipeline run over an artifact.
type ForensicReport struct {
	ArtifactID        string             `json:"artifact_id"`
	CaseID            string             `json:"case_id"`
	HashBlock         HashBlock          `json:"hash_block"`
	MetadataBlock     *MetadataBlock     `json:"metadata_block"`
	StructureBlock    *StructureBlock    `json:"structure_block"`
	AuthenticityBlock *AuthenticityBlock `json:"authenticity_block"`
	FinancialBlock    *FinancialBlock    `json:"financial_block"`
	ChunkBlock        *ChunkBlock        `json:"chunk_block"`
	ConnectorFindings map[string]any     `json:"connector_findings"`
	Directives        []string           `json:"directives"`
	Anomalies         []AnomalyFlag      `json:"anomalies"`
	Stages            []StageSummary     `json:"stages"`
	Children          []string           `json:"children,omitempty"`
	GeneratedAt       time.Time          `json:"generated_at"`
	PipelineFallbacks []string           `json:"pipeline_fallbacks"`
}

// HasFallback reports whether stage is listed in the report's fallbacks.
func (r *ForensicReport) HasFallback(stage string) bool {
	for _, s := range r.PipelineFallbacks {
		if s == stage {
			return true
		}
	}
	return false
}

// ReportVersion describes one stored version of a report.
type ReportVersion struct {
	ArtifactID  string    `json:"artifact_id"`
	GeneratedAt time.Time `json:"generated_at"`
	ReportHash  string    `json:"report_hash"`
	Current     bool      `json:"current"`
	LedgerSeq   *int64    `json:"ledger_sequence,omitempty"`
}

// CaseSummary is the indexed view of a case: its artifacts and, per stage, how many current
// reports list that stage as a fallback.
type CaseSummary struct {
	CaseID         string         `json:"case_id"`
	ArtifactIDs    []string       `json:"artifact_ids"`
	FallbackCounts map[string]int `json:"fallback_counts"`
}
