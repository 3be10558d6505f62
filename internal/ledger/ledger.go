// Package ledger implements the append-only, hash-linked chain-of-custody log.
//
// The ledger is a single JSONL file. Each line is a domain.LedgerEntry whose entry_hash covers
// the previous entry's hash, so altering, removing or reordering any line is detectable by
// Verify. Appends are serialized by a mutex within the process and by an advisory file lock
// across processes.
package ledger

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// GenesisHash is the prev_entry_hash of entry 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxConflictRetries bounds how often an append re-reads the tail after another writer
// extended the file.
const maxConflictRetries = 3

// maxLineBytes bounds a single ledger line when reading.
const maxLineBytes = 1 << 20

// FileLedger is a file-backed ledger with a single logical writer.
type FileLedger struct {
	path       string
	signingKey []byte
	now        func() time.Time

	mu       sync.Mutex
	f        *os.File
	nextSeq  int64
	lastHash string
	offset   int64
}

// Option configures a FileLedger.
type Option func(*FileLedger)

// WithSigningKey makes every appended entry carry an HMAC-SHA256 signature over its entry hash.
func WithSigningKey(key []byte) Option {
	return func(l *FileLedger) {
		l.signingKey = key
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *FileLedger) {
		l.now = now
	}
}

// Open opens or creates the ledger at path and positions the writer after the last entry.
func Open(path string, opts ...Option) (*FileLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	l := &FileLedger{
		path: path,
		now:  time.Now,
		f:    f,
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.reloadTail(); err != nil {
		f.Close()
		return nil, err
	}

	return l, nil
}

// Path returns the ledger file path.
func (l *FileLedger) Path() string {
	return l.path
}

// Close releases the ledger file.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Len returns the number of committed entries.
func (l *FileLedger) Len() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Append commits one entry for the given stage. payload is hashed (raw bytes as-is, anything
// else as its JSON encoding); the payload itself is not stored in the ledger.
//
// Append either commits the entry fully or not at all. A cancelled context is honoured only
// before the write starts.
func (l *FileLedger) Append(ctx context.Context, artifactID, stage string, payload any) (*domain.LedgerEntry, error) {
	payloadHash, err := HashPayload(payload)
	if err != nil {
		return nil, err
	}
	return l.AppendHash(ctx, artifactID, stage, payloadHash)
}

// AppendHash commits an entry for a payload whose hash the caller already computed.
func (l *FileLedger) AppendHash(ctx context.Context, artifactID, stage, payloadHash string) (*domain.LedgerEntry, error) {
	if artifactID == "" || stage == "" {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "artifact_id and stage_name are required", domain.ErrMissingRequiredField)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		entry, err := l.appendLocked(artifactID, stage, payloadHash)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, domain.ErrLedgerWriteConflict) {
			return nil, err
		}
		lastErr = err
		if err := l.reloadTail(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("ledger append gave up after %d conflicts: %w", maxConflictRetries, lastErr)
}

// Correct appends a correction entry referencing an earlier sequence number.
func (l *FileLedger) Correct(ctx context.Context, artifactID string, sequence int64, reason string) (*domain.LedgerEntry, error) {
	if sequence < 0 || sequence >= l.Len() {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, fmt.Sprintf("no ledger entry with sequence %d", sequence))
	}
	return l.Append(ctx, artifactID, domain.StageCorrection, domain.Correction{
		CorrectsSequence: sequence,
		Reason:           reason,
	})
}

func (l *FileLedger) appendLocked(artifactID, stage, payloadHash string) (*domain.LedgerEntry, error) {
	unlock, err := lockFile(l.f)
	if err != nil {
		return nil, fmt.Errorf("failed to lock ledger: %w", err)
	}
	defer unlock()

	info, err := l.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat ledger: %w", err)
	}
	if info.Size() != l.offset {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeLedgerWriteConflict,
			fmt.Sprintf("ledger size %d, expected %d", info.Size(), l.offset), domain.ErrLedgerWriteConflict)
	}

	entry := &domain.LedgerEntry{
		SequenceNo:    l.nextSeq,
		ArtifactID:    artifactID,
		StageName:     stage,
		PayloadHash:   payloadHash,
		PrevEntryHash: l.lastHash,
		Timestamp:     l.now().UTC().Format(time.RFC3339Nano),
	}
	entry.EntryHash = ComputeEntryHash(entry)
	if len(l.signingKey) > 0 {
		entry.Signature = Sign(l.signingKey, entry.EntryHash)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ledger entry: %w", err)
	}
	line = append(line, '\n')

	n, err := l.f.Write(line)
	if err != nil {
		if n > 0 {
			// Roll back a torn line so the chain stays parseable.
			_ = l.f.Truncate(l.offset)
		}
		return nil, fmt.Errorf("failed to write ledger entry: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync ledger: %w", err)
	}

	l.offset += int64(n)
	l.nextSeq++
	l.lastHash = entry.EntryHash
	return entry, nil
}

// reloadTail re-reads the file to find the last committed entry.
func (l *FileLedger) reloadTail() error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind ledger: %w", err)
	}

	l.nextSeq = 0
	l.lastHash = GenesisHash
	var offset int64

	reader := bufio.NewReaderSize(l.f, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				return fmt.Errorf("ledger %s ends with a partial line at offset %d", l.path, offset)
			}
			var entry domain.LedgerEntry
			if jerr := json.Unmarshal(line, &entry); jerr != nil {
				return fmt.Errorf("ledger %s has a malformed line at offset %d: %w", l.path, offset, jerr)
			}
			l.nextSeq = entry.SequenceNo + 1
			l.lastHash = entry.EntryHash
			offset += int64(len(line))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}
	}

	l.offset = offset
	return nil
}

// Entries returns the committed entries for artifactID, or every entry when artifactID is empty.
func (l *FileLedger) Entries(artifactID string) ([]domain.LedgerEntry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	var entries []domain.LedgerEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		var entry domain.LedgerEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("malformed ledger line: %w", err)
		}
		if artifactID == "" || entry.ArtifactID == artifactID {
			entries = append(entries, entry)
		}
	}
	return entries, sc.Err()
}

// Verify walks the whole ledger file.
func (l *FileLedger) Verify() (*domain.VerifyResult, error) {
	return VerifyFile(l.path, l.signingKey)
}

// ComputeEntryHash derives entry_hash from the stored fields. Fields are NUL-separated so
// adjacent fields cannot be shifted into each other.
func ComputeEntryHash(e *domain.LedgerEntry) string {
	h := sha256.New()
	for _, field := range []string{e.PrevEntryHash, e.ArtifactID, e.StageName, e.PayloadHash, e.Timestamp} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashPayload returns the hex sha256 of a stage payload.
func HashPayload(payload any) (string, error) {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to encode ledger payload: %w", err)
		}
		data = encoded
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Sign returns the hex HMAC-SHA256 of an entry hash.
func Sign(key []byte, entryHash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(entryHash))
	return hex.EncodeToString(mac.Sum(nil))
}
