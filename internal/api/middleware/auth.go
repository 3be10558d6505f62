package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/cloo-solutions/forensix/internal/api"
)

type contextKey string

const ExaminerKey contextKey = "examiner"

var ErrUnknownToken = errors.New("unknown token")

// TokenValidator resolves a bearer token to the examiner it was issued to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// StaticTokens validates against a fixed examiner -> token table.
type StaticTokens map[string]string

func (s StaticTokens) ValidateToken(ctx context.Context, token string) (string, error) {
	for examiner, want := range s {
		if want == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1 {
			return examiner, nil
		}
	}
	return "", ErrUnknownToken
}

// bearerToken extracts the credential from an Authorization header. The scheme name is
// matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="forensix"`)
	api.Error(w, http.StatusUnauthorized, message)
}

// BearerAuth rejects requests without a token the validator accepts, and records the
// examiner for handlers and for the outer logging middleware.
func BearerAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "missing authorization header")
				return
			}
			token, ok := bearerToken(header)
			if !ok {
				unauthorized(w, "invalid authorization format")
				return
			}

			examiner, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}

			if info, ok := r.Context().Value(requestInfoKey).(*requestInfo); ok {
				info.examiner = examiner
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ExaminerKey, examiner)))
		})
	}
}

// GetExaminer returns the authenticated examiner. Middleware outside the auth layer sees it
// once the request has been handled.
func GetExaminer(ctx context.Context) string {
	if examiner, ok := ctx.Value(ExaminerKey).(string); ok {
		return examiner
	}
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		return info.examiner
	}
	return ""
}
