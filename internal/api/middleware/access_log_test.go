package middleware

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessLog_RecordsExaminerAndArtifact(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	flags := log.Flags()
	log.SetFlags(0)
	defer func() {
		log.SetOutput(os.Stderr)
		log.SetFlags(flags)
	}()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})
	chain := RequestID(AccessLog(BearerAuth(StaticTokens{"alice": "tok"})(handler)))

	req := httptest.NewRequest(http.MethodGet, "/forensics/image?id=art-1", nil)
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	chain.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))

	var entry accessLogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "alice", entry.Examiner)
	assert.Equal(t, "art-1", entry.ArtifactID)
	assert.Equal(t, http.StatusAccepted, entry.Status)
	assert.Equal(t, 2, entry.Bytes)
	assert.Equal(t, "req-1", entry.RequestID)
}

func TestEvidenceRefs(t *testing.T) {
	tests := []struct {
		target   string
		artifact string
		caseID   string
	}{
		{"/forensics/image?id=art-1", "art-1", ""},
		{"/forensics/artifacts/art-2/status", "art-2", ""},
		{"/forensics/reports/art-3/versions", "art-3", ""},
		{"/forensics/cases/case-1/summary", "", "case-1"},
		{"/forensics/ledger/verify", "", ""},
		{"/metrics", "", ""},
	}
	for _, tt := range tests {
		artifact, caseID := evidenceRefs(httptest.NewRequest(http.MethodGet, tt.target, nil))
		assert.Equal(t, tt.artifact, artifact, tt.target)
		assert.Equal(t, tt.caseID, caseID, tt.target)
	}
}

func TestRequestID_ReplacesUnsafeIDs(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	for _, header := range []string{"", "has space", strings.Repeat("a", maxRequestIDLen+1)} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", header)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		_, err := uuid.Parse(seen)
		assert.NoError(t, err, header)
		assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	}
}

func TestBodyLimits(t *testing.T) {
	reached := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	})
	limited := BodyLimits(16, 4)(handler)

	t.Run("query body over its cap", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
		w := httptest.NewRecorder()
		limited.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Contains(t, w.Body.String(), "exceeds 4 bytes")
		assert.False(t, reached)
	})

	t.Run("upload gets the larger cap", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
		w := httptest.NewRecorder()
		limited.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, reached)
	})

	t.Run("upload over its cap", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 17)))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
		w := httptest.NewRecorder()
		limited.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.False(t, reached)
	})

	t.Run("bodyless request passes", func(t *testing.T) {
		reached = false
		w := httptest.NewRecorder()
		limited.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, reached)
	})
}
