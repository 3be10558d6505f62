package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cloo-solutions/forensix/internal/api"
	"github.com/cloo-solutions/forensix/internal/api/handlers"
	"github.com/cloo-solutions/forensix/internal/api/middleware"
	"github.com/cloo-solutions/forensix/internal/telemetry"
)

// MetricsSnapshotter exposes the daemon's metric points.
type MetricsSnapshotter interface {
	Snapshot(ctx context.Context) ([]telemetry.Point, error)
}

type RouterConfig struct {
	ForensicsHandler *handlers.ForensicsHandler
	// TokenValidator guards /forensics when set.
	TokenValidator middleware.TokenValidator
	MaxUploadBytes int64
	Metrics        MetricsSnapshotter
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog)
	r.Use(middleware.BodyLimits(cfg.MaxUploadBytes, middleware.DefaultQueryBodyLimit))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.Metrics != nil {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			points, err := cfg.Metrics.Snapshot(r.Context())
			if err != nil {
				api.HandleError(w, err)
				return
			}
			api.Success(w, http.StatusOK, points)
		})
	}

	h := cfg.ForensicsHandler
	r.Route("/forensics", func(r chi.Router) {
		if cfg.TokenValidator != nil {
			r.Use(middleware.BearerAuth(cfg.TokenValidator))
		}

		r.Post("/artifacts", h.Submit)
		r.Post("/artifacts/{id}/reanalyze", h.Reanalyze)
		r.Get("/artifacts/{id}/status", h.JobStatus)
		r.Get("/artifacts/{id}/custody", h.Custody)

		r.Get("/document", h.Document)
		r.Get("/image", h.Image)
		r.Get("/financial", h.Financial)
		r.Get("/heatmap", h.Heatmap)

		r.Get("/reports/{id}", h.Report)
		r.Get("/reports/{id}/versions", h.ReportVersions)
		r.Get("/reports/{id}/versions/{generated_at}", h.ReportVersion)
		r.Get("/reports/{id}/download", h.ReportDownload)

		r.Get("/ledger/verify", h.VerifyLedger)

		r.Get("/cases/{case_id}/summary", h.CaseSummary)
		r.Get("/cases/{case_id}/artifacts", h.ListCaseArtifacts)
		r.Delete("/cases/{case_id}", h.CancelCase)
	})

	return r
}
