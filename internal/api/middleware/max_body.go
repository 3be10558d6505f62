package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cloo-solutions/forensix/internal/api"
)

// DefaultQueryBodyLimit caps the body of every request that is not an evidence upload.
const DefaultQueryBodyLimit = 1 << 20

// BodyLimits caps request bodies. Multipart evidence uploads get uploadLimit and every other
// request gets queryLimit. A non-positive limit disables that cap.
func BodyLimits(uploadLimit, queryLimit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit := queryLimit
			if isUpload(r) {
				limit = uploadLimit
			}
			if limit <= 0 || r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			// Unknown lengths (-1) are enforced while reading.
			if r.ContentLength > limit {
				api.Error(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit))
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

func isUpload(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}
