package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

// CaseSummary is the indexed view of a case.
type CaseSummary struct {
	CaseID         string         `json:"case_id"`
	ArtifactIDs    []string       `json:"artifact_ids"`
	FallbackCounts map[string]int `json:"fallback_counts"`
}

// CaseCmd creates the case command with subcommands.
func CaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case",
		Short: "Case-level commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "summary <case_id>",
		Short: "List a case's artifacts and fallback counts (requires the server's database)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return runCaseSummary(cmd.OutOrStdout(), api, args[0], outputJSON)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <case_id>",
		Short: "Cancel queued and running analyses of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return runCaseCancel(cmd.OutOrStdout(), api, args[0])
		},
	})

	var limit int
	var cursor string
	var all bool
	artifacts := &cobra.Command{
		Use:   "artifacts <case_id>",
		Short: "List a case's artifacts in ingest order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return runCaseArtifacts(cmd.OutOrStdout(), api, args[0], listOptions{limit: limit, cursor: cursor, all: all}, outputJSON)
		},
	}
	artifacts.Flags().IntVar(&limit, "limit", 0, "Page size (server default when 0)")
	artifacts.Flags().StringVar(&cursor, "cursor", "", "Cursor returned by a previous page")
	artifacts.Flags().BoolVar(&all, "all", false, "Follow cursors until the last page")
	cmd.AddCommand(artifacts)

	return cmd
}

// ArtifactPage is one page of a case listing.
type ArtifactPage struct {
	Items []struct {
		ArtifactID       string `json:"artifact_id"`
		Filename         string `json:"filename"`
		IngestSequence   int64  `json:"ingest_sequence"`
		Format           string `json:"format"`
		SizeBytes        int64  `json:"size_bytes"`
		ParentArtifactID string `json:"parent_artifact_id,omitempty"`
	} `json:"items"`
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"has_more"`
}

type listOptions struct {
	limit  int
	cursor string
	all    bool
}

func runCaseArtifacts(out io.Writer, api *APIClient, caseID string, opts listOptions, outputJSON bool) error {
	cursor := opts.cursor
	var pages []ArtifactPage
	for {
		query := url.Values{}
		if opts.limit > 0 {
			query.Set("limit", strconv.Itoa(opts.limit))
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		path := fmt.Sprintf("/forensics/cases/%s/artifacts", url.PathEscape(caseID))
		if len(query) > 0 {
			path += "?" + query.Encode()
		}

		resp, err := api.Get(path)
		if err != nil {
			return fmt.Errorf("failed to list artifacts: %w", err)
		}
		var page ArtifactPage
		if err := json.Unmarshal(resp.Data, &page); err != nil {
			return fmt.Errorf("failed to parse artifact page: %w", err)
		}
		pages = append(pages, page)

		if !opts.all || !page.HasMore {
			break
		}
		cursor = page.Cursor
	}

	if outputJSON {
		if len(pages) == 1 {
			return printJSON(out, pages[0])
		}
		merged := ArtifactPage{}
		for _, p := range pages {
			merged.Items = append(merged.Items, p.Items...)
		}
		return printJSON(out, merged)
	}

	for _, p := range pages {
		for _, a := range p.Items {
			line := fmt.Sprintf("%6d  %s  %-6s %10d  %s", a.IngestSequence, a.ArtifactID, a.Format, a.SizeBytes, a.Filename)
			if a.ParentArtifactID != "" {
				line += "  (from " + a.ParentArtifactID + ")"
			}
			fmt.Fprintln(out, line)
		}
	}
	if last := pages[len(pages)-1]; last.HasMore {
		fmt.Fprintf(out, "More results: --cursor %s\n", last.Cursor)
	}
	return nil
}

func runCaseSummary(out io.Writer, api *APIClient, caseID string, outputJSON bool) error {
	resp, err := api.Get(fmt.Sprintf("/forensics/cases/%s/summary", url.PathEscape(caseID)))
	if err != nil {
		return fmt.Errorf("failed to get case summary: %w", err)
	}
	if outputJSON {
		return printRaw(out, resp.Data)
	}

	var summary CaseSummary
	if err := json.Unmarshal(resp.Data, &summary); err != nil {
		return fmt.Errorf("failed to parse case summary: %w", err)
	}
	fmt.Fprintf(out, "Case: %s\n", summary.CaseID)
	fmt.Fprintf(out, "Artifacts: %d\n", len(summary.ArtifactIDs))
	for _, id := range summary.ArtifactIDs {
		fmt.Fprintf(out, "  %s\n", id)
	}
	if len(summary.FallbackCounts) > 0 {
		stages := make([]string, 0, len(summary.FallbackCounts))
		for stage := range summary.FallbackCounts {
			stages = append(stages, stage)
		}
		sort.Strings(stages)
		fmt.Fprintln(out, "Fallbacks:")
		for _, stage := range stages {
			fmt.Fprintf(out, "  %s: %d\n", stage, summary.FallbackCounts[stage])
		}
	}
	return nil
}

func runCaseCancel(out io.Writer, api *APIClient, caseID string) error {
	resp, err := api.Delete("/forensics/cases/" + url.PathEscape(caseID))
	if err != nil {
		return fmt.Errorf("failed to cancel case: %w", err)
	}
	var result struct {
		CaseID    string `json:"case_id"`
		Cancelled int    `json:"cancelled"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	fmt.Fprintf(out, "Cancelled %d analyses in case %s\n", result.Cancelled, result.CaseID)
	return nil
}
