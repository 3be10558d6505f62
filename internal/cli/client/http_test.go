package client

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostFile_StreamsMultipartUpload(t *testing.T) {
	evidence := bytes.Repeat([]byte("ledger,row\n"), 512)
	path := filepath.Join(t.TempDir(), "ledger.csv")
	require.NoError(t, os.WriteFile(path, evidence, 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-a", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}

		assert.Equal(t, "case-7", r.FormValue("case_id"))
		assert.Equal(t, []string{"financial", "chunks"}, r.MultipartForm.Value["directive"])

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		assert.Equal(t, "ledger.csv", header.Filename)
		got, _ := io.ReadAll(file)
		assert.Equal(t, evidence, got)

		writeData(w, http.StatusAccepted, map[string]string{"artifact_id": "art-1"})
	}))
	defer srv.Close()

	var last atomic.Int64
	fields := []FormField{{"case_id", "case-7"}, {"directive", "financial"}, {"directive", "chunks"}}
	resp, err := NewAPIClientWithConfig("tok-a", srv.URL).PostFile("/forensics/artifacts", fields, path, func(current, total int64) {
		assert.Equal(t, int64(len(evidence)), total)
		last.Store(current)
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"artifact_id":"art-1"}`, string(resp.Data))
	assert.Equal(t, int64(len(evidence)), last.Load())
}

func TestPostFile_MissingFile(t *testing.T) {
	_, err := NewAPIClientWithConfig("", "http://unused").PostFile("/forensics/artifacts", nil, filepath.Join(t.TempDir(), "nope"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open file")
}

func TestAPIClient_AnonymousRequestsCarryNoAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeData(w, http.StatusOK, nil)
	}))
	defer srv.Close()

	_, err := NewAPIClientWithConfig("", srv.URL).Get("/forensics/ledger/verify")
	require.NoError(t, err)
}

func TestAPIClient_ErrorEnvelopeCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotImplemented)
		_, _ = w.Write([]byte(`{"error":"case index is not configured","code":"NOT_CONFIGURED"}`))
	}))
	defer srv.Close()

	_, err := NewAPIClientWithConfig("", srv.URL).Get("/forensics/cases/c/summary")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotImplemented, apiErr.StatusCode)
	assert.Equal(t, "NOT_CONFIGURED", apiErr.Code)
	assert.Equal(t, "case index is not configured", apiErr.Message)
}

func TestAPIClient_NonJSONErrorKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewAPIClientWithConfig("", srv.URL).Get("/forensics/report?id=x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "upstream unavailable")
	assert.Empty(t, apiErr.Code)
}

func TestDownloadFile_PresignedURLGetsNoToken(t *testing.T) {
	report := []byte(`{"artifact_id":"art-1"}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write(report)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "report.json")
	var calls int
	err := NewAPIClientWithConfig("tok-a", "http://unused").DownloadFile(srv.URL+"/reports/art-1.json", dest, func(current, total int64) {
		calls++
	})
	require.NoError(t, err)
	assert.Positive(t, calls)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, report, got)
}

func TestDownloadFile_FailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewAPIClientWithConfig("", "http://unused").DownloadFile(srv.URL, filepath.Join(t.TempDir(), "x"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestProgressReader_MonotonicOnSmallReads(t *testing.T) {
	data := []byte("canonical bytes")

	var seen []int64
	pr := &progressReader{
		reader: bytes.NewReader(data),
		total:  int64(len(data)),
		onProgress: func(current, total int64) {
			seen = append(seen, current)
		},
	}

	buf := make([]byte, 4)
	for {
		_, err := pr.Read(buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.Equal(t, int64(len(data)), seen[len(seen)-1])
}

func TestResolveConnection_Sources(t *testing.T) {
	stored := &GlobalConfig{APIToken: "stored-tok", APIURL: "https://stored.example/", Examiner: "bob"}

	tests := []struct {
		name   string
		flags  credentials
		env    credentials
		stored *GlobalConfig
		want   connection
	}{
		{
			name:   "flag token, env url",
			flags:  credentials{token: "flag-tok"},
			env:    credentials{baseURL: "https://env.example"},
			stored: stored,
			want:   connection{token: "flag-tok", tokenSource: SourceFlag, baseURL: "https://env.example", urlSource: SourceEnv},
		},
		{
			name:   "env token, stored url",
			env:    credentials{token: "env-tok"},
			stored: stored,
			want:   connection{token: "env-tok", tokenSource: SourceEnv, baseURL: "https://stored.example", urlSource: SourceGlobalConfig},
		},
		{
			name:   "stored login names the examiner",
			stored: stored,
			want: connection{
				token: "stored-tok", tokenSource: SourceGlobalConfig,
				baseURL: "https://stored.example", urlSource: SourceGlobalConfig,
				examiner: "bob",
			},
		},
		{
			name: "nothing configured",
			want: connection{tokenSource: SourceNone, baseURL: defaultAPIURL, urlSource: SourceDefault},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := resolveConnection(tt.flags, tt.env, func() (*GlobalConfig, error) { return tt.stored, nil })
			require.NoError(t, err)
			assert.Equal(t, tt.want, conn)
		})
	}
}

func TestResolveConnection_StoredLoginOnlyWhenNeeded(t *testing.T) {
	insecure := func() (*GlobalConfig, error) { return nil, ErrInsecureConfig }

	conn, err := resolveConnection(credentials{token: "t", baseURL: "http://h"}, credentials{}, insecure)
	require.NoError(t, err)
	assert.Equal(t, "http://h", conn.baseURL)

	_, err = resolveConnection(credentials{}, credentials{}, insecure)
	assert.ErrorIs(t, err, ErrInsecureConfig)
}

func TestDownloadFile_TruncatedBodyLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "report.json")
	err := NewAPIClientWithConfig("", "http://unused").DownloadFile(srv.URL, dest, nil)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetToFile_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"derived artifact not found","code":"NOT_FOUND"}`))
	}))
	defer srv.Close()

	err := NewAPIClientWithConfig("", srv.URL).GetToFile("/forensics/heatmap?id=a1", filepath.Join(t.TempDir(), "h.png"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
