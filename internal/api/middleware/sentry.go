package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
)

// SentryMiddleware opens a transaction per request, tags it with the evidence it touched and
// reports panics and server errors. Without an initialized client it only forwards.
func SentryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub := sentry.GetHubFromContext(r.Context())
		if hub == nil {
			hub = sentry.CurrentHub().Clone()
		}

		options := []sentry.SpanOption{
			sentry.WithOpName("http.server"),
			sentry.WithTransactionSource(sentry.SourceRoute),
		}
		if sentryTrace := r.Header.Get("sentry-trace"); sentryTrace != "" {
			options = append(options, sentry.ContinueFromHeaders(sentryTrace, r.Header.Get("baggage")))
		}

		transaction := sentry.StartTransaction(r.Context(), routeName(r), options...)
		defer transaction.Finish()

		r = r.WithContext(sentry.SetHubOnContext(transaction.Context(), hub))

		scope := hub.Scope()
		scope.SetContext("request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": clientIP(r),
		})
		if requestID := GetRequestID(r.Context()); requestID != "" {
			scope.SetTag("request_id", requestID)
			transaction.SetTag("request_id", requestID)
		}
		artifactID, caseID := evidenceRefs(r)
		if artifactID != "" {
			scope.SetTag("artifact_id", artifactID)
			transaction.SetTag("artifact_id", artifactID)
		}
		if caseID != "" {
			scope.SetTag("case_id", caseID)
			transaction.SetTag("case_id", caseID)
		}

		defer func() {
			if err := recover(); err != nil {
				transaction.Status = sentry.SpanStatusInternalError
				hub.RecoverWithContext(r.Context(), err)
				panic(err)
			}
		}()

		ww := recordResponse(w, r)
		next.ServeHTTP(ww, r)

		status := writtenStatus(ww)
		transaction.Status = httpStatusToSpanStatus(status)
		transaction.SetData("http.response.status_code", status)

		// Auth runs inside this middleware, so the examiner is only known here.
		if examiner := GetExaminer(r.Context()); examiner != "" {
			scope.SetTag("examiner", examiner)
			transaction.SetTag("examiner", examiner)
		}

		// 501 means an optional collaborator is not configured.
		if status >= 500 && status != http.StatusNotImplemented {
			hub.CaptureMessage(fmt.Sprintf("HTTP %d: %s", status, routeName(r)))
		}
	})
}

// routeName replaces artifact and case IDs in the path so transactions group per route.
func routeName(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "forensics" {
		switch parts[1] {
		case "artifacts", "reports":
			parts[2] = "{id}"
			if len(parts) == 5 && parts[3] == "versions" {
				parts[4] = "{generated_at}"
			}
		case "cases":
			parts[2] = "{case_id}"
		}
	}
	return r.Method + " /" + strings.Join(parts, "/")
}

func httpStatusToSpanStatus(status int) sentry.SpanStatus {
	switch {
	case status < 400:
		return sentry.SpanStatusOK
	case status == http.StatusUnauthorized:
		return sentry.SpanStatusUnauthenticated
	case status == http.StatusForbidden:
		return sentry.SpanStatusPermissionDenied
	case status == http.StatusNotFound:
		return sentry.SpanStatusNotFound
	case status == http.StatusConflict:
		return sentry.SpanStatusAborted
	case status == http.StatusRequestEntityTooLarge:
		return sentry.SpanStatusResourceExhausted
	case status < 500:
		return sentry.SpanStatusInvalidArgument
	case status == http.StatusNotImplemented:
		return sentry.SpanStatusUnimplemented
	case status == http.StatusServiceUnavailable:
		return sentry.SpanStatusUnavailable
	case status == http.StatusGatewayTimeout:
		return sentry.SpanStatusDeadlineExceeded
	default:
		return sentry.SpanStatusInternalError
	}
}
