package domain

// LedgerEntry is one line of the chain-of-custody ledger. Field order is fixed so the
// JSON encoding of an entry is deterministic.
type LedgerEntry struct {
	SequenceNo    int64  `json:"sequence_no"`
	ArtifactID    string `json:"artifact_id"`
	StageName     string `json:"stage_name"`
	PayloadHash   string `json:"payload_hash"`
	PrevEntryHash string `json:"prev_entry_hash"`
	EntryHash     string `json:"entry_hash"`
	Timestamp     string `json:"timestamp"`
	Signature     string `json:"signature,omitempty"`
}

// VerifyResult is the outcome of walking a ledger.
type VerifyResult struct {
	OK                  bool   `json:"ok"`
	Entries             int64  `json:"entries"`
	FirstBrokenSequence *int64 `json:"first_broken_sequence"`
	Reason              string `json:"reason,omitempty"`
	HeadHash            string `json:"head_hash,omitempty"`
}

// Ledger stage names recorded by the pipeline.
const (
	StageCanonicalize = "canonicalize"
	StageReport       = "report"
	StageCorrection   = "correction"
)

// Correction is the payload of a correction entry. The original entry is never touched.
type Correction struct {
	CorrectsSequence int64  `json:"corrects_sequence"`
	Reason           string `json:"reason"`
}
