package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// File names inside an artifact workspace.
const (
	CanonicalFile = "artifact.bin"
	ArtifactFile  = "artifact.json"
	ReportFile    = "report.json"
	HeatmapFile   = "ela_heatmap.png"
	versionsDir      = "versions"
	versionIndexFile = "versions.json"
	sequenceFile     = "ingest.seq"
	pendingPrefix    = ".report.pending-"

	versionExt    = ".json.zst"
	versionLayout = "20060102T150405.000000000Z"
)

// FSStore is the on-disk artifact store. Each artifact gets its own workspace directory under
// the root; canonical bytes are read-only once written.
type FSStore struct {
	root string

	seqMu sync.Mutex
	seq   int64

	// reportMu serializes report writes so version archiving never races.
	reportMu sync.Mutex
}

// NewFSStore opens (creating if needed) a store rooted at root.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	s := &FSStore{root: root}

	data, err := os.ReadFile(filepath.Join(root, sequenceFile))
	switch {
	case err == nil:
		seq, perr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("corrupt ingest sequence file: %w", perr)
		}
		s.seq = seq
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read ingest sequence: %w", err)
	}

	return s, nil
}

// Root returns the store root directory.
func (s *FSStore) Root() string {
	return s.root
}

// NextIngestSequence returns a store-wide monotonically increasing sequence, persisted so
// that artifact ids never repeat across restarts.
func (s *FSStore) NextIngestSequence() (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	next := s.seq + 1
	if err := writeFileAtomic(filepath.Join(s.root, sequenceFile), []byte(strconv.FormatInt(next, 10)), 0o644); err != nil {
		return 0, fmt.Errorf("failed to persist ingest sequence: %w", err)
	}
	s.seq = next
	return next, nil
}

// ArtifactDir returns the workspace directory of an artifact.
func (s *FSStore) ArtifactDir(artifactID string) string {
	return filepath.Join(s.root, artifactID)
}

// CanonicalPath returns the path of the canonical bytes.
func (s *FSStore) CanonicalPath(artifactID string) string {
	return filepath.Join(s.ArtifactDir(artifactID), CanonicalFile)
}

// HeatmapPath returns the path of the ELA heat-map derived artifact.
func (s *FSStore) HeatmapPath(artifactID string) string {
	return filepath.Join(s.ArtifactDir(artifactID), HeatmapFile)
}

// CreateWorkspace creates the workspace for a new artifact. It fails if the workspace exists.
func (s *FSStore) CreateWorkspace(artifactID string) (string, error) {
	if err := validateID(artifactID); err != nil {
		return "", err
	}
	dir := s.ArtifactDir(artifactID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return "", domain.NewDomainError(domain.ErrCodeInvalidOperation, fmt.Sprintf("workspace for %s already exists", artifactID))
		}
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return dir, nil
}

// RemoveWorkspace deletes an artifact workspace. Canonical bytes are read-only files, which
// os.RemoveAll still removes because the directory itself is writable.
func (s *FSStore) RemoveWorkspace(artifactID string) error {
	if err := validateID(artifactID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.ArtifactDir(artifactID)); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

// SaveArtifact persists the artifact descriptor.
func (s *FSStore) SaveArtifact(a *domain.Artifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.ArtifactDir(a.ID), ArtifactFile), data, 0o644)
}

// GetArtifact loads the artifact descriptor.
func (s *FSStore) GetArtifact(artifactID string) (*domain.Artifact, error) {
	if err := validateID(artifactID); err != nil {
		return nil, domain.ErrArtifactNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.ArtifactDir(artifactID), ArtifactFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	var a domain.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &a, nil
}

// ListArtifacts returns every artifact descriptor in the store.
func (s *FSStore) ListArtifacts() ([]*domain.Artifact, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list store: %w", err)
	}

	var artifacts []*domain.Artifact
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		a, err := s.GetArtifact(d.Name())
		if errors.Is(err, domain.ErrArtifactNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// ReadCanonical returns the canonical bytes of an artifact.
func (s *FSStore) ReadCanonical(artifactID string) ([]byte, error) {
	if err := validateID(artifactID); err != nil {
		return nil, domain.ErrArtifactNotFound
	}
	data, err := os.ReadFile(s.CanonicalPath(artifactID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to read canonical bytes: %w", err)
	}
	return data, nil
}

// OpenHeatmap opens the ELA heat-map of an artifact.
func (s *FSStore) OpenHeatmap(artifactID string) (io.ReadCloser, error) {
	if err := validateID(artifactID); err != nil {
		return nil, domain.ErrDerivedNotFound
	}
	f, err := os.Open(s.HeatmapPath(artifactID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrDerivedNotFound
		}
		return nil, fmt.Errorf("failed to open heatmap: %w", err)
	}
	return f, nil
}

// StagedReport is an encoded report written to its workspace but not yet current. Data is
// exactly what CommitReport makes current, so its hash is the one chained in the ledger.
type StagedReport struct {
	ArtifactID  string
	GeneratedAt time.Time
	Data        []byte
	Hash        string

	path string
}

// versionRecord ties a stored report version to the ledger entry that chained it.
type versionRecord struct {
	GeneratedAt time.Time `json:"generated_at"`
	ReportHash  string    `json:"report_hash"`
	LedgerSeq   int64     `json:"ledger_sequence"`
}

// StageReport encodes report into a pending file beside the current one. Readers keep seeing
// the previous report until CommitReport.
func (s *FSStore) StageReport(report *domain.ForensicReport) (*StagedReport, error) {
	if err := validateID(report.ArtifactID); err != nil {
		return nil, err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}

	name := pendingPrefix + report.GeneratedAt.UTC().Format(versionLayout) + ".json"
	path := filepath.Join(s.ArtifactDir(report.ArtifactID), name)
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to stage report: %w", err)
	}

	return &StagedReport{
		ArtifactID:  report.ArtifactID,
		GeneratedAt: report.GeneratedAt,
		Data:        data,
		Hash:        hashBytes(data),
		path:        path,
	}, nil
}

// CommitReport makes a staged report current once its ledger entry exists. The previous
// current report is archived, zstd-compressed, under versions/, and the ledger sequence is
// recorded next to the version.
func (s *FSStore) CommitReport(staged *StagedReport, ledgerSeq int64) (*domain.ReportVersion, error) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()

	dir := s.ArtifactDir(staged.ArtifactID)
	current := filepath.Join(dir, ReportFile)

	previous, err := os.ReadFile(current)
	switch {
	case err == nil:
		if err := s.archive(staged.ArtifactID, previous); err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read current report: %w", err)
	}

	records, err := s.versionRecords(staged.ArtifactID)
	if err != nil {
		return nil, err
	}
	records = append(records, versionRecord{
		GeneratedAt: staged.GeneratedAt.UTC(),
		ReportHash:  staged.Hash,
		LedgerSeq:   ledgerSeq,
	})
	index, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode version index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, versionIndexFile), index, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write version index: %w", err)
	}

	if err := os.Rename(staged.path, current); err != nil {
		return nil, fmt.Errorf("failed to promote report: %w", err)
	}

	return &domain.ReportVersion{
		ArtifactID:  staged.ArtifactID,
		GeneratedAt: staged.GeneratedAt,
		ReportHash:  staged.Hash,
		Current:     true,
		LedgerSeq:   &ledgerSeq,
	}, nil
}

// DiscardReport removes a staged report that never got its ledger entry.
func (s *FSStore) DiscardReport(staged *StagedReport) error {
	if err := os.Remove(staged.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to discard staged report: %w", err)
	}
	return nil
}

func (s *FSStore) versionRecords(artifactID string) ([]versionRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.ArtifactDir(artifactID), versionIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read version index: %w", err)
	}
	var records []versionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode version index: %w", err)
	}
	return records, nil
}

// ledgerSeqOf returns the recorded ledger sequence of the version generated at ts, provided
// its stored bytes still hash to what was chained.
func ledgerSeqOf(records []versionRecord, ts time.Time, hash string) *int64 {
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.GeneratedAt.Equal(ts) && r.ReportHash == hash {
			seq := r.LedgerSeq
			return &seq
		}
	}
	return nil
}

func (s *FSStore) archive(artifactID string, data []byte) error {
	var prev domain.ForensicReport
	if err := json.Unmarshal(data, &prev); err != nil {
		return fmt.Errorf("failed to decode previous report: %w", err)
	}

	dir := filepath.Join(s.ArtifactDir(artifactID), versionsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create versions directory: %w", err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return fmt.Errorf("failed to compress report version: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to compress report version: %w", err)
	}

	name := prev.GeneratedAt.UTC().Format(versionLayout) + versionExt
	return writeFileAtomic(filepath.Join(dir, name), buf.Bytes(), 0o444)
}

// GetReport loads the current report.
func (s *FSStore) GetReport(artifactID string) (*domain.ForensicReport, error) {
	if err := validateID(artifactID); err != nil {
		return nil, domain.ErrReportNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.ArtifactDir(artifactID), ReportFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	return decodeReport(data)
}

// GetReportVersion loads an archived report by its generated_at timestamp. The current
// report is returned when generatedAt matches it.
func (s *FSStore) GetReportVersion(artifactID string, generatedAt time.Time) (*domain.ForensicReport, error) {
	current, err := s.GetReport(artifactID)
	if err != nil {
		return nil, err
	}
	if current.GeneratedAt.Equal(generatedAt) {
		return current, nil
	}

	name := generatedAt.UTC().Format(versionLayout) + versionExt
	compressed, err := os.ReadFile(filepath.Join(s.ArtifactDir(artifactID), versionsDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to read report version: %w", err)
	}

	data, err := decompress(compressed)
	if err != nil {
		return nil, err
	}
	return decodeReport(data)
}

// ListVersions returns every stored version of a report, oldest first. The last element is
// the current report. A version carries its ledger sequence only while its bytes still match
// the hash recorded at commit.
func (s *FSStore) ListVersions(artifactID string) ([]domain.ReportVersion, error) {
	if err := validateID(artifactID); err != nil {
		return nil, domain.ErrReportNotFound
	}
	currentData, err := os.ReadFile(filepath.Join(s.ArtifactDir(artifactID), ReportFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	current, err := decodeReport(currentData)
	if err != nil {
		return nil, err
	}

	records, err := s.versionRecords(artifactID)
	if err != nil {
		return nil, err
	}

	var versions []domain.ReportVersion

	dirents, err := os.ReadDir(filepath.Join(s.ArtifactDir(artifactID), versionsDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to list report versions: %w", err)
	}
	for _, d := range dirents {
		name := d.Name()
		if !strings.HasSuffix(name, versionExt) {
			continue
		}
		ts, err := time.Parse(versionLayout, strings.TrimSuffix(name, versionExt))
		if err != nil {
			continue
		}
		compressed, err := os.ReadFile(filepath.Join(s.ArtifactDir(artifactID), versionsDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read report version: %w", err)
		}
		data, err := decompress(compressed)
		if err != nil {
			return nil, err
		}
		hash := hashBytes(data)
		versions = append(versions, domain.ReportVersion{
			ArtifactID:  artifactID,
			GeneratedAt: ts,
			ReportHash:  hash,
			LedgerSeq:   ledgerSeqOf(records, ts, hash),
		})
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].GeneratedAt.Before(versions[j].GeneratedAt)
	})

	currentHash := hashBytes(currentData)
	versions = append(versions, domain.ReportVersion{
		ArtifactID:  artifactID,
		GeneratedAt: current.GeneratedAt,
		ReportHash:  currentHash,
		Current:     true,
		LedgerSeq:   ledgerSeqOf(records, current.GeneratedAt, currentHash),
	})
	return versions, nil
}

func decodeReport(data []byte) (*domain.ForensicReport, error) {
	var r domain.ForensicReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &r, nil
}

func decompress(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress report version: %w", err)
	}
	return data, nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// validateID rejects ids that would escape the store root.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return domain.NewDomainError(domain.ErrCodeValidation, fmt.Sprintf("invalid artifact id %q", id))
	}
	return nil
}

// writeFileAtomic writes via a temp file and rename so readers never see partial content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
