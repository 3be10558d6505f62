package admin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cloo-solutions/forensix/internal/api/handlers"
	"github.com/cloo-solutions/forensix/internal/api/middleware"
	"github.com/cloo-solutions/forensix/internal/config"
	"github.com/cloo-solutions/forensix/internal/jobs"
	"github.com/cloo-solutions/forensix/internal/server"
	"github.com/cloo-solutions/forensix/internal/service"
	"github.com/cloo-solutions/forensix/internal/telemetry"
)

const defaultShutdownTimeout = 30 * time.Second

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the forensix API server and the background pipeline worker.

On SIGINT or SIGTERM the server stops accepting requests and the worker finishes the
analyses it is running. Analyses still running when the shutdown timeout expires are
cancelled and recorded as cancelled jobs.`,
		RunE: runServe,
	}

	cmd.Flags().StringP("port", "p", "8080", "Port to listen on (overrides FORENSIX_PORT)")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")
	cmd.Flags().Duration("shutdown-timeout", defaultShutdownTimeout, "How long to wait for in-flight requests and analyses")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetString("port")
	}
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	flushTelemetry, err := telemetry.Init(telemetry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Debug:       cfg.Debug,
	})
	if err != nil {
		log.Printf("Sentry init failed, continuing without tracing: %v", err)
	}
	defer flushTelemetry()

	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	st, err := buildStack(ctx, cfg, stackOptions{noMigrate: noMigrate})
	if err != nil {
		return err
	}
	defer st.Close()

	pipelineWorker := jobs.NewWorker(st.worker, cfg.WorkerPollInterval)
	st.worker.SetNotify(pipelineWorker.Notify)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.NewRouter(routerConfig(cfg, st)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Signals must not reach running analyses; Shutdown drains them.
		pipelineWorker.Start(context.WithoutCancel(gctx))
		return nil
	})
	g.Go(func() error {
		log.Printf("starting server on port %s (pipeline parallelism %d)", cfg.Port, cfg.WorkerParallelism)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		serverErr := srv.Shutdown(shutdownCtx)
		if err := pipelineWorker.Shutdown(shutdownCtx); err != nil {
			log.Printf("pipeline worker did not drain in time: %v", err)
		}
		if pending := st.worker.Pending(); pending > 0 {
			log.Printf("%d pipeline jobs left queued; resubmit with reanalyze", pending)
		}
		if serverErr != nil {
			return fmt.Errorf("server forced to shutdown: %w", serverErr)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Println("server exited")
	return nil
}

// routerConfig wires the handlers to whichever optional backends the stack brought up.
func routerConfig(cfg *config.Config, st *stack) server.RouterConfig {
	opts := handlers.ForensicsOptions{Jobs: st.worker}
	if st.index != nil {
		opts.Cases = st.index
	}
	if st.s3 != nil {
		opts.Linker = st.s3
	}

	submissions := service.NewForensicsService(st.canon, st.store, st.worker, st.inline)
	if st.index != nil {
		submissions.WithChunkStore(st.index)
	}

	rc := server.RouterConfig{
		ForensicsHandler: handlers.NewForensicsHandler(submissions, service.NewReportService(st.store, st.ledger), opts),
		MaxUploadBytes:   cfg.MaxUploadBytes,
		Metrics:          st.registry,
	}
	if cfg.HasAuth() {
		rc.TokenValidator = middleware.StaticTokens(cfg.APITokens)
		log.Printf("bearer auth enabled for %d examiners", len(cfg.APITokens))
	}
	return rc
}
