package middleware

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type accessLogEntry struct {
	Timestamp  string `json:"ts"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Status     int    `json:"status"`
	Bytes      int    `json:"bytes"`
	DurationMS int64  `json:"duration_ms"`
	RequestID  string `json:"request_id,omitempty"`
	Examiner   string `json:"examiner,omitempty"`
	ArtifactID string `json:"artifact_id,omitempty"`
	CaseID     string `json:"case_id,omitempty"`
	Uploaded   int64  `json:"uploaded_bytes,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// recordResponse wraps w so status and size can be read after the handler ran. The wrapper
// keeps Flusher and Hijacker available to handlers.
func recordResponse(w http.ResponseWriter, r *http.Request) chimw.WrapResponseWriter {
	return chimw.NewWrapResponseWriter(w, r.ProtoMajor)
}

// writtenStatus is the status a handler produced; one that wrote nothing answered 200.
func writtenStatus(ww chimw.WrapResponseWriter) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	return http.StatusOK
}

// AccessLog emits one JSON line per request, tagged with the artifact or case it touched.
// Health checks are not logged.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := recordResponse(w, r)
		next.ServeHTTP(ww, r)

		entry := accessLogEntry{
			Timestamp:  start.UTC().Format(time.RFC3339Nano),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     writtenStatus(ww),
			Bytes:      ww.BytesWritten(),
			DurationMS: time.Since(start).Milliseconds(),
			RequestID:  GetRequestID(r.Context()),
			Examiner:   GetExaminer(r.Context()),
			RemoteAddr: clientIP(r),
			UserAgent:  r.UserAgent(),
		}

		entry.ArtifactID, entry.CaseID = evidenceRefs(r)
		if isUpload(r) && r.ContentLength > 0 {
			entry.Uploaded = r.ContentLength
		}

		payload, err := json.Marshal(entry)
		if err != nil {
			log.Printf("access_log_marshal_error: %v", err)
			return
		}
		log.Println(string(payload))
	})
}

// evidenceRefs pulls the artifact or case ID out of a /forensics request. Routing has not run
// yet, so the path is split by hand.
func evidenceRefs(r *http.Request) (artifactID, caseID string) {
	if id := r.URL.Query().Get("id"); id != "" {
		return id, ""
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "forensics" {
		return "", ""
	}
	switch parts[1] {
	case "artifacts", "reports":
		return parts[2], ""
	case "cases":
		return "", parts[2]
	}
	return "", ""
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
