package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
)

func TestRouteName(t *testing.T) {
	tests := map[string]string{
		"/forensics/artifacts/3f2a/status":                      "GET /forensics/artifacts/{id}/status",
		"/forensics/reports/3f2a/versions/2024-05-01T12:00:00Z": "GET /forensics/reports/{id}/versions/{generated_at}",
		"/forensics/cases/case-9/summary":                       "GET /forensics/cases/{case_id}/summary",
		"/forensics/image":                                      "GET /forensics/image",
		"/health":                                               "GET /health",
	}
	for path, want := range tests {
		assert.Equal(t, want, routeName(httptest.NewRequest(http.MethodGet, path, nil)), path)
	}
}

func TestHTTPStatusToSpanStatus(t *testing.T) {
	assert.Equal(t, sentry.SpanStatusOK, httpStatusToSpanStatus(http.StatusAccepted))
	assert.Equal(t, sentry.SpanStatusUnauthenticated, httpStatusToSpanStatus(http.StatusUnauthorized))
	assert.Equal(t, sentry.SpanStatusResourceExhausted, httpStatusToSpanStatus(http.StatusRequestEntityTooLarge))
	assert.Equal(t, sentry.SpanStatusInvalidArgument, httpStatusToSpanStatus(http.StatusUnprocessableEntity))
	assert.Equal(t, sentry.SpanStatusUnimplemented, httpStatusToSpanStatus(http.StatusNotImplemented))
	assert.Equal(t, sentry.SpanStatusInternalError, httpStatusToSpanStatus(http.StatusInternalServerError))
}

func TestSentryMiddleware_PassesThroughWithoutClient(t *testing.T) {
	handler := RequestID(SentryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, sentry.GetHubFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/forensics/cases/case-1/summary", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
