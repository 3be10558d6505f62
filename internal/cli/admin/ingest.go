package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/forensix/internal/config"
	"github.com/cloo-solutions/forensix/internal/domain"
	"github.com/cloo-solutions/forensix/internal/service"
)

// IngestCmd returns the ingest command
func IngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Analyze a file locally and print its report",
		Long: `Canonicalize a file into the local store, run the analysis pipeline over it and
any attachments it carries, and print the forensic report as JSON.

The artifact and its ledger entries are written to the configured data root and
ledger, exactly as if it had been submitted to the server.`,
		Args: cobra.ExactArgs(1),
		RunE: runIngest,
	}

	cmd.Flags().String("case", "", "Case ID (required)")
	cmd.Flags().StringSlice("directive", nil, "Analysis directive (repeatable)")
	cmd.Flags().String("question", "", "Investigative question")
	cmd.Flags().String("device-model", "", "Expected capture device model")
	cmd.Flags().String("examiner", "", "Examiner recorded on the canonicalize entry")
	cmd.Flags().Bool("offline", false, "Ignore the configured database and S3 mirror")
	_ = cmd.MarkFlagRequired("case")

	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	caseID, _ := cmd.Flags().GetString("case")
	directives, _ := cmd.Flags().GetStringSlice("directive")
	question, _ := cmd.Flags().GetString("question")
	deviceModel, _ := cmd.Flags().GetString("device-model")
	examiner, _ := cmd.Flags().GetString("examiner")
	offline, _ := cmd.Flags().GetBool("offline")

	st, err := buildStack(ctx, cfg, stackOptions{offline: offline})
	if err != nil {
		return err
	}
	defer st.Close()

	cmd.SilenceUsage = true
	report, err := ingestFile(ctx, st, args[0], service.CanonicalizeInput{
		CaseContext: domain.CaseContext{
			CaseID:      caseID,
			Question:    question,
			Directives:  directives,
			DeviceModel: deviceModel,
		},
		SubmittedBy: examiner,
	})
	if err != nil {
		return err
	}
	return writeReport(cmd.OutOrStdout(), report)
}

// ingestFile submits path and drains the queue, children included, before returning the
// root artifact's report.
func ingestFile(ctx context.Context, st *stack, path string, input service.CanonicalizeInput) (*domain.ForensicReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	input.Body = f
	input.Filename = filepath.Base(path)
	input.DeclaredSize = info.Size()

	svc := service.NewForensicsService(st.canon, st.store, st.worker, st.inline)
	artifact, err := svc.Submit(ctx, service.SubmitInput{CanonicalizeInput: input})
	if err != nil {
		return nil, err
	}

	for st.worker.Pending() > 0 {
		if err := st.worker.ProcessJobs(ctx); err != nil {
			return nil, err
		}
	}

	job, ok := st.worker.Status(artifact.ID)
	if !ok || job.Status != domain.PipelineJobStatusCompleted {
		return nil, fmt.Errorf("analysis of %s did not complete: %s", artifact.ID, job.Error)
	}
	return service.NewReportService(st.store, st.ledger).GetReport(ctx, artifact.ID)
}

func writeReport(w io.Writer, report *domain.ForensicReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
