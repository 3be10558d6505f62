package ledger

import (
	"bufio"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// VerifyFile verifies the ledger at path. A missing file is an empty, valid ledger.
func VerifyFile(path string, signingKey []byte) (*domain.VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &domain.VerifyResult{OK: true, HeadHash: GenesisHash}, nil
		}
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()
	return VerifyReader(f, signingKey)
}

// VerifyReader recomputes every entry hash in order and stops at the first entry that does
// not check out. When signingKey is set, signatures are checked too.
func VerifyReader(r io.Reader, signingKey []byte) (*domain.VerifyResult, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	expectedPrev := GenesisHash
	var seq int64

	broken := func(reason string) *domain.VerifyResult {
		at := seq
		return &domain.VerifyResult{
			OK:                  false,
			Entries:             seq,
			FirstBrokenSequence: &at,
			Reason:              reason,
			HeadHash:            expectedPrev,
		}
	}

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			return broken("blank line"), nil
		}

		var entry domain.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return broken(fmt.Sprintf("malformed entry: %v", err)), nil
		}
		if entry.SequenceNo != seq {
			return broken(fmt.Sprintf("sequence_no %d where %d was expected", entry.SequenceNo, seq)), nil
		}
		if entry.PrevEntryHash != expectedPrev {
			return broken("prev_entry_hash does not match the preceding entry"), nil
		}
		if ComputeEntryHash(&entry) != entry.EntryHash {
			return broken("entry_hash does not match the recomputed hash"), nil
		}
		if len(signingKey) > 0 {
			if !hmac.Equal([]byte(Sign(signingKey, entry.EntryHash)), []byte(entry.Signature)) {
				return broken("signature does not verify"), nil
			}
		}

		expectedPrev = entry.EntryHash
		seq++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	return &domain.VerifyResult{
		OK:       true,
		Entries:  seq,
		HeadHash: expectedPrev,
	}, nil
}
