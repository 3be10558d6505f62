package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// CodeNotConfigured marks endpoints whose optional backend (Postgres, S3, job tracker) is off.
const CodeNotConfigured = "NOT_CONFIGURED"

// SuccessResponse wraps successful API responses
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse is the error envelope. Code carries the domain error code when there is one,
// so clients can tell an integrity failure from a malformed request without parsing Error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON writes a JSON response with the given status code
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("Failed to encode response: %v", err)
		}
	}
}

// Success writes a successful JSON response
func Success(w http.ResponseWriter, status int, data interface{}) {
	JSON(w, status, SuccessResponse{Data: data})
}

// Error writes an error JSON response
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// NotConfigured answers 501 for a feature whose backing store was not configured.
func NotConfigured(w http.ResponseWriter, feature string) {
	JSON(w, http.StatusNotImplemented, ErrorResponse{
		Error: feature + " is not configured",
		Code:  CodeNotConfigured,
	})
}

// DomainErrorToHTTP maps domain errors to HTTP status codes
func DomainErrorToHTTP(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}

	var domainErr *domain.DomainError
	if !errors.As(err, &domainErr) {
		return http.StatusInternalServerError
	}

	switch domainErr.Code {
	case domain.ErrCodeValidation,
		domain.ErrCodeIntegrity,
		domain.ErrCodeFormat,
		domain.ErrCodeDirectiveResolution,
		domain.ErrCodeInvalidOperation:
		return http.StatusBadRequest
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeLedgerWriteConflict:
		return http.StatusConflict
	case domain.ErrCodeAnalyzerTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes the envelope for err. Errors that are not domain errors are logged and
// reported as "internal error" so storage paths and driver messages stay server-side.
func HandleError(w http.ResponseWriter, err error) {
	status := DomainErrorToHTTP(err)

	var domainErr *domain.DomainError
	if !errors.As(err, &domainErr) {
		if status == http.StatusInternalServerError {
			log.Printf("Internal error: %v", err)
			Error(w, status, "internal error")
			return
		}
		Error(w, status, err.Error())
		return
	}

	JSON(w, status, ErrorResponse{Error: err.Error(), Code: domainErr.Code})
}
