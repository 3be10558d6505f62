package domain

import "sort"

// Severity of an anomaly flag.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Anomaly kinds raised by the analyzers.
const (
	AnomalyDuplicateChunk      = "duplicate_chunk"
	AnomalyEmbeddingOutlier    = "embedding_outlier"
	AnomalyHighEntropySegment  = "high_entropy_segment"
	AnomalyTotalsMismatch      = "totals_mismatch"
	AnomalyAmountOutlier       = "amount_outlier"
	AnomalyExifInconsistent    = "exif_inconsistent"
	AnomalyExifMissing         = "exif_missing"
	AnomalyELAHigh             = "ela_high"
	AnomalyCloneRegion         = "clone_region"
	AnomalyXrefMismatch        = "xref_mismatch"
	AnomalyOrphanObject        = "orphan_object"
	AnomalyUnreferencedObject  = "unreferenced_object"
	AnomalyIncrementalUpdate   = "incremental_update"
	AnomalyContainerCorrupt    = "container_corrupt"
	AnomalyTrailingData        = "trailing_data"
	AnomalyReceivedOutOfOrder  = "received_out_of_order"
	AnomalyHeaderMissing       = "header_missing"
	AnomalyDateAfterDelivery   = "date_after_delivery"
	AnomalyDuplicateSubmission = "duplicate_submission"
)

// AnomalyFlag is a single finding with references back into the evidence.
type AnomalyFlag struct {
	Kind         string   `json:"kind"`
	Severity     Severity `json:"severity"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
	Score        float64  `json:"score"`
	Detail       string   `json:"detail,omitempty"`
}

// CountKind returns how many flags have the given kind.
func CountKind(flags []AnomalyFlag, kind string) int {
	n := 0
	for _, f := range flags {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// SortFlags orders flags by severity (critical first), then kind, then score.
func SortFlags(flags []AnomalyFlag) {
	rank := map[Severity]int{SeverityCritical: 0, SeverityWarning: 1, SeverityInfo: 2}
	sort.SliceStable(flags, func(i, j int) bool {
		a, b := flags[i], flags[j]
		if rank[a.Severity] != rank[b.Severity] {
			return rank[a.Severity] < rank[b.Severity]
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Score > b.Score
	})
}
