package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloo-solutions/forensix/internal/domain"
)

const (
	// MaxRetries is the maximum number of attempts for a run that hit a ledger write conflict
	MaxRetries = 3
)

// PipelineRunner runs the analysis of one artifact.
type PipelineRunner interface {
	Run(ctx context.Context, artifactID string) (*domain.ForensicReport, error)
}

// PipelineWorker is an in-memory queue of pipeline runs. Runs for distinct artifacts execute
// concurrently up to the configured parallelism.
type PipelineWorker struct {
	runner      PipelineRunner
	parallelism int
	notify      func()

	mu      sync.Mutex
	pending []*domain.PipelineJob
	running map[string]map[*domain.PipelineJob]context.CancelFunc
	latest  map[string]*domain.PipelineJob
}

// NewPipelineWorker creates a new PipelineWorker instance
func NewPipelineWorker(runner PipelineRunner, parallelism int) *PipelineWorker {
	if parallelism < 1 {
		parallelism = 1
	}
	return &PipelineWorker{
		runner:      runner,
		parallelism: parallelism,
		running:     make(map[string]map[*domain.PipelineJob]context.CancelFunc),
		latest:      make(map[string]*domain.PipelineJob),
	}
}

// SetNotify registers a callback invoked after every enqueue, typically Worker.Notify.
func (w *PipelineWorker) SetNotify(fn func()) {
	w.notify = fn
}

// Enqueue adds a job to the queue.
func (w *PipelineWorker) Enqueue(job *domain.PipelineJob) error {
	if err := domain.ValidatePipelineJob(job); err != nil {
		return domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid pipeline job", err)
	}

	w.mu.Lock()
	job.Status = domain.PipelineJobStatusPending
	w.pending = append(w.pending, job)
	w.latest[job.ArtifactID] = job
	w.mu.Unlock()

	if w.notify != nil {
		w.notify()
	}
	return nil
}

// EnqueueChild queues the analysis of a child artifact found during a run.
func (w *PipelineWorker) EnqueueChild(ctx context.Context, child *domain.Artifact) {
	if ctx.Err() != nil {
		return
	}
	if err := w.Enqueue(domain.NewPipelineJob(child, time.Now().UTC())); err != nil {
		log.Printf("Failed to queue child artifact %s: %v", child.ID, err)
	}
}

// CancelCase drops the queued jobs of a case and cancels its running ones. It returns how
// many jobs were affected.
func (w *PipelineWorker) CancelCase(caseID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	kept := w.pending[:0]
	for _, job := range w.pending {
		if job.CaseID == caseID {
			job.Status = domain.PipelineJobStatusCancelled
			n++
			continue
		}
		kept = append(kept, job)
	}
	w.pending = kept

	for _, cancel := range w.running[caseID] {
		cancel()
		n++
	}
	return n
}

// Pending returns the number of queued jobs.
func (w *PipelineWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Status returns a snapshot of the most recent job for an artifact.
func (w *PipelineWorker) Status(artifactID string) (domain.PipelineJob, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	job, ok := w.latest[artifactID]
	if !ok {
		return domain.PipelineJob{}, false
	}
	return *job, true
}

type pipelineRun struct {
	job    *domain.PipelineJob
	ctx    context.Context
	cancel context.CancelFunc
}

// ProcessJobs implements the JobProcessor interface
func (w *PipelineWorker) ProcessJobs(ctx context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	runs := make([]pipelineRun, 0, len(batch))
	for _, job := range batch {
		runCtx, cancel := context.WithCancel(ctx)
		job.Status = domain.PipelineJobStatusProcessing
		if w.running[job.CaseID] == nil {
			w.running[job.CaseID] = make(map[*domain.PipelineJob]context.CancelFunc)
		}
		w.running[job.CaseID][job] = cancel
		runs = append(runs, pipelineRun{job: job, ctx: runCtx, cancel: cancel})
	}
	w.mu.Unlock()

	if len(runs) == 0 {
		return nil
	}

	log.Printf("Processing %d pending pipeline jobs", len(runs))

	var g errgroup.Group
	g.SetLimit(w.parallelism)
	for _, run := range runs {
		g.Go(func() error {
			w.processJob(ctx, run)
			return nil
		})
	}
	return g.Wait()
}

func (w *PipelineWorker) processJob(ctx context.Context, run pipelineRun) {
	defer w.untrack(run)
	job := run.job

	if run.ctx.Err() != nil {
		w.finish(job, domain.PipelineJobStatusCancelled, "cancelled before start")
		return
	}

	w.mu.Lock()
	job.Attempts++
	attempt := job.Attempts
	w.mu.Unlock()

	log.Printf("Processing pipeline job for artifact %s (attempt %d/%d)", job.ArtifactID, attempt, MaxRetries)
	report, err := w.runner.Run(run.ctx, job.ArtifactID)

	switch {
	case err == nil:
		w.finish(job, domain.PipelineJobStatusCompleted, "")
		log.Printf("Pipeline job for artifact %s completed with %d fallbacks", job.ArtifactID, len(report.PipelineFallbacks))
	case run.ctx.Err() != nil:
		w.finish(job, domain.PipelineJobStatusCancelled, err.Error())
		log.Printf("Pipeline job for artifact %s cancelled", job.ArtifactID)
	case errors.Is(err, domain.ErrLedgerWriteConflict) && attempt < MaxRetries:
		log.Printf("Pipeline job for artifact %s will be retried (attempt %d/%d): %v", job.ArtifactID, attempt, MaxRetries, err)
		w.mu.Lock()
		job.Status = domain.PipelineJobStatusPending
		job.Error = fmt.Sprintf("retry %d: %v", attempt, err)
		w.pending = append(w.pending, job)
		w.mu.Unlock()
	default:
		log.Printf("Pipeline job for artifact %s failed: %v", job.ArtifactID, err)
		w.finish(job, domain.PipelineJobStatusFailed, err.Error())
	}
}

func (w *PipelineWorker) finish(job *domain.PipelineJob, status domain.PipelineJobStatus, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	job.Status = status
	job.Error = msg
}

func (w *PipelineWorker) untrack(run pipelineRun) {
	run.cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	byCase := w.running[run.job.CaseID]
	delete(byCase, run.job)
	if len(byCase) == 0 {
		delete(w.running, run.job.CaseID)
	}
}
