package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// maxBackoffFactor caps how far consecutive failures stretch the poll interval.
const maxBackoffFactor = 32

// JobProcessor defines the interface for processing jobs
type JobProcessor interface {
	ProcessJobs(ctx context.Context) error
}

// Worker drives a JobProcessor from a poll timer. Notify wakes it early; repeated processor
// errors back the interval off exponentially until a cycle succeeds.
type Worker struct {
	processor    JobProcessor
	pollInterval time.Duration
	wake         chan struct{}
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}

	mu       sync.Mutex
	cancel   context.CancelFunc
	failures int
}

// NewWorker creates a new Worker instance
func NewWorker(processor JobProcessor, pollInterval time.Duration) *Worker {
	return &Worker{
		processor:    processor,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Notify asks the worker to process jobs now. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start runs the polling loop until ctx ends or Shutdown is called.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()
	defer close(w.done)

	log.Printf("Worker started with poll interval: %v", w.pollInterval)

	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-runCtx.Done():
			log.Println("Worker stopped: context cancelled")
			return
		case <-w.stop:
			log.Println("Worker stopped: stop signal received")
			return
		case <-timer.C:
		case <-w.wake:
		}

		timer.Reset(w.cycle(runCtx))
	}
}

// cycle runs the processor once and returns the wait before the next poll.
func (w *Worker) cycle(ctx context.Context) time.Duration {
	err := w.processor.ProcessJobs(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.failures = 0
		return w.pollInterval
	}

	w.failures++
	delay := w.backoff()
	log.Printf("Error processing jobs (%d consecutive, next poll in %v): %v", w.failures, delay, err)
	return delay
}

func (w *Worker) backoff() time.Duration {
	factor := 1
	for i := 1; i < w.failures && factor < maxBackoffFactor; i++ {
		factor *= 2
	}
	return w.pollInterval * time.Duration(factor)
}

// Shutdown stops polling and waits for the running cycle. If ctx ends first the in-flight
// analyses are cancelled, recorded as cancelled jobs, and ctx's error is returned.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}

	select {
	case <-w.done:
		log.Println("Worker shutdown complete")
		return nil
	case <-ctx.Done():
		cancel()
		<-w.done
		log.Println("Worker shutdown: in-flight analyses cancelled")
		return ctx.Err()
	}
}
