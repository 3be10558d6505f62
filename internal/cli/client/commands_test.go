package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/forensix/internal/cli"
)

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func TestRunSubmit_SendsFormAndWaits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	content := "Date,Payee,Amount\n2024-01-01,Acme,10.00\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var statusCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /forensics/artifacts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-alice", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "case-1", r.FormValue("case_id"))
		assert.Equal(t, strconv.Itoa(len(content)), r.FormValue("declared_size"))
		assert.Equal(t, []string{"financial", "dfir"}, r.MultipartForm.Value["directives"])
		assert.Equal(t, "who paid Acme?", r.FormValue("question"))
		assert.Empty(t, r.MultipartForm.Value["device_model"])

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		assert.Equal(t, "ledger.csv", header.Filename)

		writeData(w, http.StatusAccepted, Submission{
			ArtifactID: "art-1", SHA256: "abc", SizeBytes: header.Size, Format: "csv", Status: "pending",
		})
	})
	mux.HandleFunc("GET /forensics/artifacts/art-1/status", func(w http.ResponseWriter, r *http.Request) {
		status := "processing"
		if statusCalls.Add(1) > 1 {
			status = "completed"
		}
		writeData(w, http.StatusOK, JobStatus{ArtifactID: "art-1", Status: status, Attempts: 1})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var out bytes.Buffer
	err := runSubmit(&out, NewAPIClientWithConfig("tok-alice", srv.URL), path, submitOptions{
		caseID:       "case-1",
		directives:   []string{"financial", "dfir"},
		question:     "who paid Acme?",
		wait:         true,
		pollInterval: time.Millisecond,
		timeout:      5 * time.Second,
	}, false)
	require.NoError(t, err)

	assert.Equal(t, int32(2), statusCalls.Load())
	assert.Contains(t, out.String(), "Artifact: art-1")
	assert.Contains(t, out.String(), fmt.Sprintf("Size: %d bytes", len(content)))
	assert.Contains(t, out.String(), "Status: completed")
}

func TestRunSubmit_RejectedByServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusBadRequest, "[INTEGRITY_ERROR] size mismatch")
	}))
	defer srv.Close()

	err := runSubmit(&bytes.Buffer{}, NewAPIClientWithConfig("", srv.URL), path, submitOptions{caseID: "case-1"}, false)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "INTEGRITY_ERROR")
}

func TestRunSubmit_FailedAnalysis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /forensics/artifacts", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusAccepted, Submission{ArtifactID: "art-2", Status: "pending"})
	})
	mux.HandleFunc("GET /forensics/artifacts/art-2/status", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, JobStatus{ArtifactID: "art-2", Status: "failed", Error: "disk full"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	err := runSubmit(&bytes.Buffer{}, NewAPIClientWithConfig("", srv.URL), path, submitOptions{
		caseID: "case-1", wait: true, pollInterval: time.Millisecond, timeout: time.Second,
	}, false)
	assert.ErrorContains(t, err, "disk full")
}

func TestSubmitOptions_Chunks(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "chunks.json")
	require.NoError(t, os.WriteFile(good, []byte(`[{"chunk_id":"c1","text":"hi"}]`), 0o644))
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{`), 0o644))

	fields, err := submitOptions{caseID: "c", chunksFile: good}.fields(10)
	require.NoError(t, err)
	assert.Contains(t, fields, FormField{Name: "chunks", Value: `[{"chunk_id":"c1","text":"hi"}]`})

	_, err = submitOptions{caseID: "c", chunksFile: bad}.fields(10)
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestRunVerify(t *testing.T) {
	tests := []struct {
		name     string
		result   VerifyResult
		wantCode int
		wantOut  string
	}{
		{
			name:     "intact chain",
			result:   VerifyResult{OK: true, Entries: 4, HeadHash: "deadbeef"},
			wantCode: 0,
			wantOut:  "OK: 4 entries, head deadbeef",
		},
		{
			name:     "broken chain",
			result:   VerifyResult{OK: false, Entries: 2, FirstBrokenSequence: ptr(int64(2)), Reason: "entry_hash mismatch"},
			wantCode: ExitChainBroken,
			wantOut:  "BROKEN at sequence 2: entry_hash mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/forensics/ledger/verify", r.URL.Path)
				writeData(w, http.StatusOK, tt.result)
			}))
			defer srv.Close()

			var out bytes.Buffer
			err := runVerify(&out, NewAPIClientWithConfig("", srv.URL), false)
			assert.Equal(t, tt.wantCode, cli.ExitCode(err))
			assert.Contains(t, out.String(), tt.wantOut)
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestRunReport_Versions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/forensics/reports/art-1/versions", r.URL.Path)
		writeData(w, http.StatusOK, []ReportVersion{
			{GeneratedAt: "2024-01-01T00:00:00Z", ReportHash: "h1"},
			{GeneratedAt: "2024-01-02T00:00:00Z", ReportHash: "h2", Current: true},
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, runReport(&out, NewAPIClientWithConfig("", srv.URL), "art-1", reportOptions{versions: true}, false))
	assert.Equal(t, "  2024-01-01T00:00:00Z  h1\n* 2024-01-02T00:00:00Z  h2\n", out.String())
}

func TestRunReport_Download(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("GET /forensics/reports/art-1/download", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"download_url": srv.URL + "/presigned/report.json"})
	})
	mux.HandleFunc("GET /presigned/report.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"artifact_id":"art-1"}`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	outPath := filepath.Join(t.TempDir(), "report.json")
	var out bytes.Buffer
	err := runReport(&out, NewAPIClientWithConfig("tok", srv.URL), "art-1", reportOptions{download: outPath}, false)
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"artifact_id":"art-1"}`, string(data))
}

func TestRunBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/forensics/financial", r.URL.Path)
		assert.Equal(t, "art-1", r.URL.Query().Get("id"))
		writeData(w, http.StatusOK, map[string]interface{}{"anomalies": []string{}})
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, runBlock(&out, NewAPIClientWithConfig("", srv.URL), "financial", "art-1"))
	assert.JSONEq(t, `{"anomalies":[]}`, out.String())
}

func TestGetToFile(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") == "missing" {
			writeErr(w, http.StatusNotFound, "heat-map not found")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	defer srv.Close()
	api := NewAPIClientWithConfig("", srv.URL)

	outPath := filepath.Join(t.TempDir(), "ela.png")
	require.NoError(t, api.GetToFile("/forensics/heatmap?id=art-1", outPath))
	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, png, data)

	err = api.GetToFile("/forensics/heatmap?id=missing", outPath)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "heat-map not found", apiErr.Message)
}

func TestRunCaseSummaryAndCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /forensics/cases/case-1/summary", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, CaseSummary{
			CaseID:         "case-1",
			ArtifactIDs:    []string{"a1", "a2"},
			FallbackCounts: map[string]int{"structure": 1, "image_authenticity": 2},
		})
	})
	mux.HandleFunc("DELETE /forensics/cases/case-1", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]interface{}{"case_id": "case-1", "cancelled": 3})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	api := NewAPIClientWithConfig("", srv.URL)

	var out bytes.Buffer
	require.NoError(t, runCaseSummary(&out, api, "case-1", false))
	assert.Contains(t, out.String(), "Artifacts: 2")
	assert.Contains(t, out.String(), "Fallbacks:\n  image_authenticity: 2\n  structure: 1\n")

	out.Reset()
	require.NoError(t, runCaseCancel(&out, api, "case-1"))
	assert.Equal(t, "Cancelled 3 analyses in case case-1\n", out.String())
}

func TestRunCaseArtifacts_FollowsCursor(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/forensics/cases/case-1/artifacts", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		if r.URL.Query().Get("cursor") == "" {
			writeData(w, http.StatusOK, map[string]interface{}{
				"items":    []map[string]interface{}{{"artifact_id": "a1", "filename": "x.csv", "ingest_sequence": 0, "format": "csv", "size_bytes": 10}},
				"cursor":   "c1",
				"has_more": true,
			})
			return
		}
		assert.Equal(t, "c1", r.URL.Query().Get("cursor"))
		writeData(w, http.StatusOK, map[string]interface{}{
			"items":    []map[string]interface{}{{"artifact_id": "a2", "filename": "y.pdf", "ingest_sequence": 1, "format": "pdf", "size_bytes": 20, "parent_artifact_id": "a1"}},
			"has_more": false,
		})
	}))
	defer srv.Close()
	api := NewAPIClientWithConfig("", srv.URL)

	var out bytes.Buffer
	require.NoError(t, runCaseArtifacts(&out, api, "case-1", listOptions{limit: 1, all: true}, false))
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, out.String(), "a1")
	assert.Contains(t, out.String(), "(from a1)")
	assert.NotContains(t, out.String(), "More results")

	out.Reset()
	require.NoError(t, runCaseArtifacts(&out, api, "case-1", listOptions{limit: 1}, false))
	assert.Contains(t, out.String(), "More results: --cursor c1")
}

func TestRunCustody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, []CustodyEntry{
			{SequenceNo: 0, Timestamp: "2024-01-01T00:00:00Z", StageName: "canonicalize", PayloadHash: "p0"},
			{SequenceNo: 1, Timestamp: "2024-01-01T00:00:01Z", StageName: "report", PayloadHash: "p1"},
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, runCustody(&out, NewAPIClientWithConfig("", srv.URL), "art-1", false))
	assert.Contains(t, out.String(), "canonicalize")
	assert.Contains(t, out.String(), "report")
}

func TestNewAPIClientWithCmd_Cascade(t *testing.T) {
	useConfigDir(t)
	t.Setenv(envAPIToken, "env-token")
	t.Setenv(envAPIURL, "")

	api, err := NewAPIClientWithCmd(nil)
	require.NoError(t, err)
	assert.Equal(t, "env-token", api.token)
	assert.Equal(t, defaultAPIURL, api.baseURL)

	require.NoError(t, SaveGlobalConfig(&GlobalConfig{APIToken: "global", APIURL: "http://global:9000"}))
	api, err = NewAPIClientWithCmd(nil)
	require.NoError(t, err)
	assert.Equal(t, "env-token", api.token)
	assert.Equal(t, "http://global:9000", api.baseURL)
}
