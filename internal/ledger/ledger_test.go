package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloo-solutions/forensix/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T, opts ...Option) *FileLedger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "custody", "ledger.jsonl"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func fixedClock() func() time.Time {
	base := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	var n int64
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func rewriteLine(t *testing.T, path string, seq int, mutate func(*domain.LedgerEntry)) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	var entry domain.LedgerEntry
	require.NoError(t, json.Unmarshal([]byte(lines[seq]), &entry))
	mutate(&entry)
	encoded, err := json.Marshal(entry)
	require.NoError(t, err)
	lines[seq] = string(encoded)

	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestAppend_ChainsEntries(t *testing.T) {
	l := openTestLedger(t, WithClock(fixedClock()))
	ctx := context.Background()

	first, err := l.Append(ctx, "art-1", domain.StageCanonicalize, map[string]string{"sha256": "abc"})
	require.NoError(t, err)
	second, err := l.Append(ctx, "art-1", domain.StageReport, []byte("report body"))
	require.NoError(t, err)

	assert.Equal(t, int64(0), first.SequenceNo)
	assert.Equal(t, GenesisHash, first.PrevEntryHash)
	assert.Equal(t, int64(1), second.SequenceNo)
	assert.Equal(t, first.EntryHash, second.PrevEntryHash)
	assert.Equal(t, ComputeEntryHash(second), second.EntryHash)
	assert.Empty(t, second.Signature)

	payloadHash, err := HashPayload([]byte("report body"))
	require.NoError(t, err)
	assert.Equal(t, payloadHash, second.PayloadHash)

	result, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(2), result.Entries)
	assert.Equal(t, second.EntryHash, result.HeadHash)
	assert.Nil(t, result.FirstBrokenSequence)
}

func TestAppend_RequiresArtifactAndStage(t *testing.T) {
	l := openTestLedger(t)

	_, err := l.Append(context.Background(), "", domain.StageReport, "x")
	assert.ErrorIs(t, err, domain.ErrMissingRequiredField)

	_, err = l.Append(context.Background(), "art-1", "", "x")
	assert.ErrorIs(t, err, domain.ErrMissingRequiredField)
	assert.Equal(t, int64(0), l.Len())
}

func TestAppend_CancelledContextWritesNothing(t *testing.T) {
	l := openTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Append(ctx, "art-1", domain.StageReport, "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), l.Len())

	info, err := os.Stat(l.Path())
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestVerify_DetectsMutationAtSequence(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.LedgerEntry)
	}{
		{
			name:   "payload hash altered",
			mutate: func(e *domain.LedgerEntry) { e.PayloadHash = strings.Repeat("f", 64) },
		},
		{
			name:   "stage renamed",
			mutate: func(e *domain.LedgerEntry) { e.StageName = "metadata" },
		},
		{
			name:   "timestamp moved",
			mutate: func(e *domain.LedgerEntry) { e.Timestamp = "2020-01-01T00:00:00Z" },
		},
		{
			name:   "artifact swapped",
			mutate: func(e *domain.LedgerEntry) { e.ArtifactID = "art-other" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := openTestLedger(t, WithClock(fixedClock()))
			for i := 0; i < 6; i++ {
				_, err := l.Append(context.Background(), "art-1", domain.StageReport, fmt.Sprintf("payload-%d", i))
				require.NoError(t, err)
			}

			rewriteLine(t, l.Path(), 3, tt.mutate)

			result, err := VerifyFile(l.Path(), nil)
			require.NoError(t, err)
			assert.False(t, result.OK)
			require.NotNil(t, result.FirstBrokenSequence)
			assert.Equal(t, int64(3), *result.FirstBrokenSequence)
			assert.Equal(t, int64(3), result.Entries)
		})
	}
}

func TestVerify_DetectsRemovedEntry(t *testing.T) {
	l := openTestLedger(t, WithClock(fixedClock()))
	for i := 0; i < 4; i++ {
		_, err := l.Append(context.Background(), "art-1", domain.StageReport, i)
		require.NoError(t, err)
	}

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	without := strings.Join(append(lines[:2:2], lines[3:]...), "")

	result, err := VerifyReader(strings.NewReader(without), nil)
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotNil(t, result.FirstBrokenSequence)
	assert.Equal(t, int64(2), *result.FirstBrokenSequence)
	assert.Contains(t, result.Reason, "sequence_no")
}

func TestVerify_RelinkedForgeryStillBreaksChain(t *testing.T) {
	l := openTestLedger(t, WithClock(fixedClock()))
	for i := 0; i < 3; i++ {
		_, err := l.Append(context.Background(), "art-1", domain.StageReport, i)
		require.NoError(t, err)
	}

	// Recomputing the forged entry's own hash is not enough: its successor still points at the
	// original hash.
	rewriteLine(t, l.Path(), 1, func(e *domain.LedgerEntry) {
		e.PayloadHash = strings.Repeat("a", 64)
		e.EntryHash = ComputeEntryHash(e)
	})

	result, err := VerifyFile(l.Path(), nil)
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotNil(t, result.FirstBrokenSequence)
	assert.Equal(t, int64(2), *result.FirstBrokenSequence)
	assert.Contains(t, result.Reason, "prev_entry_hash")
}

func TestVerify_EmptyAndMissing(t *testing.T) {
	result, err := VerifyFile(filepath.Join(t.TempDir(), "absent.jsonl"), nil)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(0), result.Entries)
	assert.Equal(t, GenesisHash, result.HeadHash)

	result, err = VerifyReader(bytes.NewReader(nil), nil)
	require.NoError(t, err)
	assert.True(t, result.OK)
}

func TestVerify_MalformedLine(t *testing.T) {
	result, err := VerifyReader(strings.NewReader("{not json\n"), nil)
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotNil(t, result.FirstBrokenSequence)
	assert.Equal(t, int64(0), *result.FirstBrokenSequence)
}

func TestSignatures(t *testing.T) {
	key := []byte("custody-signing-key")
	l := openTestLedger(t, WithSigningKey(key))

	entry, err := l.Append(context.Background(), "art-1", domain.StageCanonicalize, "x")
	require.NoError(t, err)
	assert.Equal(t, Sign(key, entry.EntryHash), entry.Signature)

	result, err := VerifyFile(l.Path(), key)
	require.NoError(t, err)
	assert.True(t, result.OK)

	result, err = VerifyFile(l.Path(), []byte("wrong-key"))
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Contains(t, result.Reason, "signature")
}

func TestAppend_ConcurrentAppendsFormOneChain(t *testing.T) {
	l := openTestLedger(t)
	const writers = 100

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(context.Background(), fmt.Sprintf("art-%d", i), domain.StageReport, i)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := l.Entries("")
	require.NoError(t, err)
	require.Len(t, entries, writers)
	for i, e := range entries {
		assert.Equal(t, int64(i), e.SequenceNo)
	}

	result, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(writers), result.Entries)
}

func TestOpen_ResumesAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	l, err := Open(path)
	require.NoError(t, err)
	last, err := l.Append(context.Background(), "art-1", domain.StageCanonicalize, "a")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, int64(1), reopened.Len())
	next, err := reopened.Append(context.Background(), "art-1", domain.StageReport, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.SequenceNo)
	assert.Equal(t, last.EntryHash, next.PrevEntryHash)

	result, err := reopened.Verify()
	require.NoError(t, err)
	assert.True(t, result.OK)
}

func TestAppend_SecondWriterOnSameFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Append(context.Background(), "art-1", domain.StageReport, "from-a")
	require.NoError(t, err)

	// b's cached tail is stale; the append must re-read and continue the chain.
	entry, err := b.Append(context.Background(), "art-2", domain.StageReport, "from-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.SequenceNo)

	result, err := VerifyFile(path, nil)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(2), result.Entries)
}

func TestOpen_RejectsPartialTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"sequence_no":0`), 0o644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestCorrect(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "art-1", domain.StageReport, "x")
	require.NoError(t, err)

	entry, err := l.Correct(ctx, "art-1", 0, "wrong case assignment")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCorrection, entry.StageName)

	expected, err := HashPayload(domain.Correction{CorrectsSequence: 0, Reason: "wrong case assignment"})
	require.NoError(t, err)
	assert.Equal(t, expected, entry.PayloadHash)

	_, err = l.Correct(ctx, "art-1", 9, "no such entry")
	assert.True(t, domain.HasCode(err, domain.ErrCodeValidation))
}

func TestEntries_FiltersByArtifact(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "a"} {
		_, err := l.Append(ctx, id, domain.StageReport, id)
		require.NoError(t, err)
	}

	entries, err := l.Entries("a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(0), entries[0].SequenceNo)
	assert.Equal(t, int64(2), entries[1].SequenceNo)
}
