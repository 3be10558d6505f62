package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloo-solutions/forensix/internal/api"
	"github.com/cloo-solutions/forensix/internal/api/middleware"
	"github.com/cloo-solutions/forensix/internal/domain"
	"github.com/cloo-solutions/forensix/internal/pagination"
	"github.com/cloo-solutions/forensix/internal/service"
	"github.com/cloo-solutions/forensix/internal/storage"
)

// multipartMemory is how much of an upload is buffered in memory before spilling to disk.
const multipartMemory = 32 << 20

type SubmissionService interface {
	Submit(ctx context.Context, input service.SubmitInput) (*domain.Artifact, error)
	Reanalyze(ctx context.Context, artifactID string) (*domain.Artifact, error)
	CancelCase(ctx context.Context, caseID string) (int, error)
	ListCaseArtifacts(ctx context.Context, caseID, cursor string, limit int) (*pagination.PageResult[*domain.Artifact], error)
}

type ReportQueryService interface {
	GetReport(ctx context.Context, artifactID string) (*domain.ForensicReport, error)
	GetReportVersion(ctx context.Context, artifactID string, generatedAt time.Time) (*domain.ForensicReport, error)
	ListVersions(ctx context.Context, artifactID string) ([]domain.ReportVersion, error)
	GetDocument(ctx context.Context, artifactID string) (*service.DocumentView, error)
	GetImage(ctx context.Context, artifactID string) (*domain.AuthenticityBlock, error)
	GetFinancial(ctx context.Context, artifactID string) (*domain.FinancialBlock, error)
	OpenHeatmap(ctx context.Context, artifactID string) (io.ReadCloser, error)
	Custody(ctx context.Context, artifactID string) ([]domain.LedgerEntry, error)
	VerifyLedger(ctx context.Context) (*domain.VerifyResult, error)
}

type JobStatusReader interface {
	Status(artifactID string) (domain.PipelineJob, bool)
}

type CaseSummarizer interface {
	CaseSummary(ctx context.Context, caseID string) (*domain.CaseSummary, error)
}

// ReportLinker presigns downloads of mirrored reports.
type ReportLinker interface {
	HeadObject(ctx context.Context, key string) (*storage.ObjectMetadata, error)
	GenerateDownloadURL(ctx context.Context, key string) (string, error)
}

// ForensicsOptions holds the optional collaborators. Routes backed by a nil collaborator
// answer 501.
type ForensicsOptions struct {
	Jobs   JobStatusReader
	Cases  CaseSummarizer
	Linker ReportLinker
}

type ForensicsHandler struct {
	submissions SubmissionService
	reports     ReportQueryService
	opts        ForensicsOptions
}

func NewForensicsHandler(submissions SubmissionService, reports ReportQueryService, opts ForensicsOptions) *ForensicsHandler {
	return &ForensicsHandler{submissions: submissions, reports: reports, opts: opts}
}

type SubmitResponse struct {
	ArtifactID string `json:"artifact_id"`
	SHA256     string `json:"sha256"`
	SizeBytes  int64  `json:"size_bytes"`
	Format     string `json:"format"`
	Status     string `json:"status"`
}

type JobStatusResponse struct {
	ArtifactID string `json:"artifact_id"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

type CancelCaseResponse struct {
	CaseID    string `json:"case_id"`
	Cancelled int    `json:"cancelled"`
}

type DownloadURLResponse struct {
	DownloadURL string `json:"download_url"`
}

func (h *ForensicsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if status := api.DomainErrorToHTTP(err); status == http.StatusRequestEntityTooLarge {
			api.Error(w, status, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			log.Printf("Failed to remove multipart temp files: %v", err)
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		api.Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	input, msg := parseSubmission(r.MultipartForm, header)
	if msg != "" {
		api.Error(w, http.StatusBadRequest, msg)
		return
	}
	input.Body = file
	input.SubmittedBy = middleware.GetExaminer(r.Context())

	artifact, err := h.submissions.Submit(r.Context(), input)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusAccepted, SubmitResponse{
		ArtifactID: artifact.ID,
		SHA256:     artifact.CanonicalSHA256,
		SizeBytes:  artifact.SizeBytes,
		Format:     string(artifact.Format),
		Status:     string(domain.PipelineJobStatusPending),
	})
}

// parseSubmission reads the form fields of a submission. A non-empty message is a client error.
func parseSubmission(form *multipart.Form, header *multipart.FileHeader) (service.SubmitInput, string) {
	value := func(key string) string {
		if v := form.Value[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	input := service.SubmitInput{
		CanonicalizeInput: service.CanonicalizeInput{
			Filename:     value("filename"),
			DeclaredSize: service.UnknownSize,
			CaseContext: domain.CaseContext{
				CaseID:      value("case_id"),
				Question:    value("question"),
				DeviceModel: value("device_model"),
			},
		},
	}
	if input.CaseContext.CaseID == "" {
		return input, "case_id is required"
	}
	if input.Filename == "" {
		input.Filename = header.Filename
	}
	if input.Filename == "" {
		return input, "filename is required"
	}

	if v := value("declared_size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return input, "declared_size must be a non-negative integer"
		}
		input.DeclaredSize = n
	}

	for _, raw := range form.Value["directives"] {
		for _, d := range strings.Split(raw, ",") {
			if d = strings.TrimSpace(d); d != "" {
				input.CaseContext.Directives = append(input.CaseContext.Directives, d)
			}
		}
	}

	start, end := value("capture_start"), value("capture_end")
	if start != "" || end != "" {
		var window domain.CaptureWindow
		var err error
		if start != "" {
			if window.Start, err = time.Parse(time.RFC3339, start); err != nil {
				return input, "capture_start must be RFC 3339"
			}
		}
		if end != "" {
			if window.End, err = time.Parse(time.RFC3339, end); err != nil {
				return input, "capture_end must be RFC 3339"
			}
		}
		input.CaseContext.CaptureWindow = &window
	}

	if v := value("expect_gps"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return input, "expect_gps must be a boolean"
		}
		input.CaseContext.ExpectGPS = &b
	}

	if v := value("chunks"); v != "" {
		if err := json.Unmarshal([]byte(v), &input.Chunks); err != nil {
			return input, "chunks must be a JSON array of chunk handles"
		}
	}

	return input, ""
}

func (h *ForensicsHandler) Reanalyze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	artifact, err := h.submissions.Reanalyze(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusAccepted, SubmitResponse{
		ArtifactID: artifact.ID,
		SHA256:     artifact.CanonicalSHA256,
		SizeBytes:  artifact.SizeBytes,
		Format:     string(artifact.Format),
		Status:     string(domain.PipelineJobStatusPending),
	})
}

func (h *ForensicsHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	if h.opts.Jobs == nil {
		api.NotConfigured(w, "job tracker")
		return
	}
	id := chi.URLParam(r, "id")

	job, ok := h.opts.Jobs.Status(id)
	if !ok {
		api.Error(w, http.StatusNotFound, "no pipeline job for artifact")
		return
	}

	api.Success(w, http.StatusOK, JobStatusResponse{
		ArtifactID: job.ArtifactID,
		Status:     string(job.Status),
		Attempts:   job.Attempts,
		Error:      job.Error,
	})
}

func (h *ForensicsHandler) Custody(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reports.Custody(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, entries)
}

func (h *ForensicsHandler) Document(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	doc, err := h.reports.GetDocument(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, doc)
}

func (h *ForensicsHandler) Image(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	block, err := h.reports.GetImage(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, block)
}

func (h *ForensicsHandler) Financial(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	block, err := h.reports.GetFinancial(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, block)
}

func (h *ForensicsHandler) Heatmap(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	rc, err := h.reports.OpenHeatmap(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("Failed to stream heat-map for %s: %v", id, err)
	}
}

func (h *ForensicsHandler) Report(w http.ResponseWriter, r *http.Request) {
	report, err := h.reports.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, report)
}

func (h *ForensicsHandler) ReportVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.reports.ListVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, versions)
}

func (h *ForensicsHandler) ReportVersion(w http.ResponseWriter, r *http.Request) {
	generatedAt, err := time.Parse(time.RFC3339Nano, chi.URLParam(r, "generated_at"))
	if err != nil {
		api.Error(w, http.StatusBadRequest, "generated_at must be RFC 3339")
		return
	}
	report, err := h.reports.GetReportVersion(r.Context(), chi.URLParam(r, "id"), generatedAt)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, report)
}

func (h *ForensicsHandler) ReportDownload(w http.ResponseWriter, r *http.Request) {
	if h.opts.Linker == nil {
		api.NotConfigured(w, "report mirror")
		return
	}
	id := chi.URLParam(r, "id")
	report, err := h.reports.GetReport(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	key := storage.ReportKey(report.CaseID, report.ArtifactID)
	if _, err := h.opts.Linker.HeadObject(r.Context(), key); err != nil {
		api.HandleError(w, err)
		return
	}
	url, err := h.opts.Linker.GenerateDownloadURL(r.Context(), key)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, DownloadURLResponse{DownloadURL: url})
}

func (h *ForensicsHandler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	result, err := h.reports.VerifyLedger(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, result)
}

func (h *ForensicsHandler) CancelCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "case_id")
	n, err := h.submissions.CancelCase(r.Context(), caseID)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, CancelCaseResponse{CaseID: caseID, Cancelled: n})
}

func (h *ForensicsHandler) CaseSummary(w http.ResponseWriter, r *http.Request) {
	if h.opts.Cases == nil {
		api.NotConfigured(w, "case index")
		return
	}
	summary, err := h.opts.Cases.CaseSummary(r.Context(), chi.URLParam(r, "case_id"))
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, summary)
}

func (h *ForensicsHandler) ListCaseArtifacts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			api.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	page, err := h.submissions.ListCaseArtifacts(r.Context(), chi.URLParam(r, "case_id"), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, page)
}

func queryID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return "", false
	}
	return id, true
}
