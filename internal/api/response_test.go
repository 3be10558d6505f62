package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/forensix/internal/domain"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()

	JSON(w, http.StatusOK, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var result map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &result)
	require.NoError(t, err)
	assert.Equal(t, "value", result["key"])
}

func TestJSON_NilData(t *testing.T) {
	w := httptest.NewRecorder()

	JSON(w, http.StatusNoContent, nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Body.String())
}

func TestSuccess(t *testing.T) {
	w := httptest.NewRecorder()

	Success(w, http.StatusCreated, map[string]string{"id": "123"})

	assert.Equal(t, http.StatusCreated, w.Code)

	var result SuccessResponse
	err := json.Unmarshal(w.Body.Bytes(), &result)
	require.NoError(t, err)

	data, ok := result.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "123", data["id"])
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()

	Error(w, http.StatusBadRequest, "invalid input")

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var result ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &result)
	require.NoError(t, err)
	assert.Equal(t, "invalid input", result.Error)
	assert.Empty(t, result.Code)
}

func TestDomainErrorToHTTP(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil error", nil, http.StatusOK},
		{"validation error", domain.NewDomainError(domain.ErrCodeValidation, "invalid"), http.StatusBadRequest},
		{"integrity error", domain.ErrSizeMismatch, http.StatusBadRequest},
		{"wrapped integrity error", fmt.Errorf("ingest: %w", domain.IntegrityError("empty", domain.ErrEmptyArtifact)), http.StatusBadRequest},
		{"format error", domain.FormatError(domain.FormatPDF, assert.AnError), http.StatusBadRequest},
		{"directive error", domain.ErrUnknownDirective, http.StatusBadRequest},
		{"not found error", domain.ErrArtifactNotFound, http.StatusNotFound},
		{"block not available", domain.ErrBlockNotAvailable, http.StatusNotFound},
		{"ledger conflict", domain.ErrLedgerWriteConflict, http.StatusConflict},
		{"analyzer timeout", domain.ErrAnalyzerTimeout, http.StatusGatewayTimeout},
		{"body too large", &http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{"invalid operation", domain.ErrAttachmentDepth, http.StatusBadRequest},
		{"internal error", domain.NewDomainError(domain.ErrCodeInternalError, "internal"), http.StatusInternalServerError},
		{"unknown domain error", domain.NewDomainError("UNKNOWN", "unknown"), http.StatusInternalServerError},
		{"non-domain error", assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DomainErrorToHTTP(tt.err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestHandleError_CarriesDomainCode(t *testing.T) {
	w := httptest.NewRecorder()

	HandleError(w, fmt.Errorf("report: %w", domain.ErrCanonicalDrift))

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var result ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, domain.ErrCodeIntegrity, result.Code)
	assert.Contains(t, result.Error, "canonical sha256")
}

func TestHandleError_HidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()

	HandleError(w, fmt.Errorf("open /var/lib/forensix/case-1/raw: permission denied"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var result ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "internal error", result.Error)
	assert.Empty(t, result.Code)
}

func TestHandleError_BodyTooLarge(t *testing.T) {
	w := httptest.NewRecorder()

	HandleError(w, fmt.Errorf("read upload: %w", &http.MaxBytesError{Limit: 10}))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestNotConfigured(t *testing.T) {
	w := httptest.NewRecorder()

	NotConfigured(w, "report mirror")

	assert.Equal(t, http.StatusNotImplemented, w.Code)

	var result ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "report mirror is not configured", result.Error)
	assert.Equal(t, CodeNotConfigured, result.Code)
}
