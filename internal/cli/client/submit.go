package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Submission is the server's answer to an accepted upload.
type Submission struct {
	ArtifactID string `json:"artifact_id"`
	SHA256     string `json:"sha256"`
	SizeBytes  int64  `json:"size_bytes"`
	Format     string `json:"format"`
	Status     string `json:"status"`
}

type submitOptions struct {
	caseID       string
	directives   []string
	question     string
	deviceModel  string
	captureStart string
	captureEnd   string
	expectGPS    string
	chunksFile   string
	wait         bool
	pollInterval time.Duration
	timeout      time.Duration
}

// SubmitCmd creates the submit command.
func SubmitCmd() *cobra.Command {
	var opts submitOptions

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit an evidence file for analysis",
		Long: `Uploads a file with its case context. The server canonicalizes it immediately
and queues the analysis; with --wait the command polls until the run finishes.

The declared size is always sent so the server can detect a truncated upload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return runSubmit(cmd.OutOrStdout(), api, args[0], opts, outputJSON)
		},
	}

	cmd.Flags().StringVar(&opts.caseID, "case", "", "Case ID (required)")
	cmd.Flags().StringSliceVar(&opts.directives, "directive", nil, "Analysis directive (repeatable, e.g. financial, image_authenticity)")
	cmd.Flags().StringVar(&opts.question, "question", "", "Investigative question")
	cmd.Flags().StringVar(&opts.deviceModel, "device-model", "", "Expected capture device model")
	cmd.Flags().StringVar(&opts.captureStart, "capture-start", "", "Start of the expected capture window (RFC 3339)")
	cmd.Flags().StringVar(&opts.captureEnd, "capture-end", "", "End of the expected capture window (RFC 3339)")
	cmd.Flags().StringVar(&opts.expectGPS, "expect-gps", "", "Whether the capture should carry GPS (true/false)")
	cmd.Flags().StringVar(&opts.chunksFile, "chunks", "", "JSON file of chunk handles from the indexing pipeline")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "Wait for the analysis to finish")
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", time.Second, "Status poll interval with --wait")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Give up waiting after this long")
	_ = cmd.MarkFlagRequired("case")

	return cmd
}

func (o submitOptions) fields(size int64) ([]FormField, error) {
	fields := []FormField{
		{Name: "case_id", Value: o.caseID},
		{Name: "declared_size", Value: strconv.FormatInt(size, 10)},
	}
	add := func(name, value string) {
		if value != "" {
			fields = append(fields, FormField{Name: name, Value: value})
		}
	}
	for _, d := range o.directives {
		add("directives", d)
	}
	add("question", o.question)
	add("device_model", o.deviceModel)
	add("capture_start", o.captureStart)
	add("capture_end", o.captureEnd)
	add("expect_gps", o.expectGPS)

	if o.chunksFile != "" {
		data, err := os.ReadFile(o.chunksFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read chunks file: %w", err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("chunks file is not valid JSON")
		}
		add("chunks", string(data))
	}
	return fields, nil
}

func runSubmit(out io.Writer, api *APIClient, path string, opts submitOptions, outputJSON bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	fields, err := opts.fields(info.Size())
	if err != nil {
		return err
	}

	resp, err := api.PostFile("/forensics/artifacts", fields, path, nil)
	if err != nil {
		return fmt.Errorf("failed to submit: %w", err)
	}

	var sub Submission
	if err := json.Unmarshal(resp.Data, &sub); err != nil {
		return fmt.Errorf("failed to parse submission: %w", err)
	}

	if opts.wait {
		status, err := waitForJob(api, sub.ArtifactID, opts.pollInterval, opts.timeout)
		if err != nil {
			return err
		}
		sub.Status = status.Status
		if status.Status != "completed" {
			return fmt.Errorf("analysis of %s %s: %s", sub.ArtifactID, status.Status, status.Error)
		}
	}

	if outputJSON {
		return printJSON(out, sub)
	}

	fmt.Fprintf(out, "Artifact: %s\n", sub.ArtifactID)
	fmt.Fprintf(out, "SHA-256: %s\n", sub.SHA256)
	fmt.Fprintf(out, "Size: %d bytes\n", sub.SizeBytes)
	fmt.Fprintf(out, "Format: %s\n", sub.Format)
	fmt.Fprintf(out, "Status: %s\n", sub.Status)
	return nil
}

// JobStatus is the analysis state of an artifact.
type JobStatus struct {
	ArtifactID string `json:"artifact_id"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

func (s JobStatus) finished() bool {
	switch s.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

func getJobStatus(api *APIClient, artifactID string) (*JobStatus, error) {
	resp, err := api.Get(fmt.Sprintf("/forensics/artifacts/%s/status", artifactID))
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	var status JobStatus
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status: %w", err)
	}
	return &status, nil
}

func waitForJob(api *APIClient, artifactID string, interval, timeout time.Duration) (*JobStatus, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := getJobStatus(api, artifactID)
		if err != nil {
			return nil, err
		}
		if status.finished() {
			return status, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for %s (last status %s)", artifactID, status.Status)
		}
		time.Sleep(interval)
	}
}

func printJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

// printRaw re-indents a JSON payload from the API.
func printRaw(out io.Writer, data json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return printJSON(out, v)
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}
