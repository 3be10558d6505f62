package client

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// CustodyEntry is one ledger entry of an artifact's chain of custody.
type CustodyEntry struct {
	SequenceNo  int64  `json:"sequence_no"`
	Timestamp   string `json:"timestamp"`
	StageName   string `json:"stage_name"`
	PayloadHash string `json:"payload_hash"`
	EntryHash   string `json:"entry_hash"`
}

// StatusCmd creates the status command.
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <artifact_id>",
		Short: "Show the analysis status of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			status, err := getJobStatus(api, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func printStatus(out io.Writer, s *JobStatus) {
	fmt.Fprintf(out, "%s: %s\n", s.ArtifactID, joinNonEmpty(s.Status, attemptsLabel(s.Attempts), s.Error))
}

func attemptsLabel(n int) string {
	switch n {
	case 0:
		return ""
	case 1:
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}

// ReanalyzeCmd creates the reanalyze command.
func ReanalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reanalyze <artifact_id>",
		Short: "Queue a new analysis of a stored artifact",
		Long:  "Re-verifies the stored bytes against the canonical hash and queues a new run. The current report is kept as a prior version.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			resp, err := api.Post(fmt.Sprintf("/forensics/artifacts/%s/reanalyze", args[0]), nil)
			if err != nil {
				return fmt.Errorf("failed to reanalyze: %w", err)
			}
			var sub Submission
			if err := json.Unmarshal(resp.Data, &sub); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (%s)\n", sub.ArtifactID, sub.Status)
			return nil
		},
	}
}

// CustodyCmd creates the custody command.
func CustodyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "custody <artifact_id>",
		Short: "Show the chain of custody of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return runCustody(cmd.OutOrStdout(), api, args[0], outputJSON)
		},
	}
}

func runCustody(out io.Writer, api *APIClient, artifactID string, outputJSON bool) error {
	resp, err := api.Get(fmt.Sprintf("/forensics/artifacts/%s/custody", artifactID))
	if err != nil {
		return fmt.Errorf("failed to get custody: %w", err)
	}
	if outputJSON {
		return printRaw(out, resp.Data)
	}

	var entries []CustodyEntry
	if err := json.Unmarshal(resp.Data, &entries); err != nil {
		return fmt.Errorf("failed to parse custody: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No ledger entries")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%6d  %s  %-20s %s\n", e.SequenceNo, e.Timestamp, e.StageName, e.PayloadHash)
	}
	return nil
}
