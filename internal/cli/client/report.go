package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"
)

// ReportVersion is one retained version of an artifact's report.
type ReportVersion struct {
	GeneratedAt string `json:"generated_at"`
	ReportHash  string `json:"report_hash"`
	Current     bool   `json:"current"`
}

type reportOptions struct {
	versions bool
	version  string
	download string
}

// ReportCmd creates the report command.
func ReportCmd() *cobra.Command {
	var opts reportOptions

	cmd := &cobra.Command{
		Use:   "report <artifact_id>",
		Short: "Show the forensic report of an artifact",
		Long: `Prints the current report as JSON. --versions lists every retained version,
--version prints one of them, and --download fetches the mirrored report through
a presigned URL when the server mirrors to object storage.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return runReport(cmd.OutOrStdout(), api, args[0], opts, outputJSON)
		},
	}

	cmd.Flags().BoolVar(&opts.versions, "versions", false, "List report versions")
	cmd.Flags().StringVar(&opts.version, "version", "", "Print the version generated at this RFC 3339 timestamp")
	cmd.Flags().StringVar(&opts.download, "download", "", "Download the mirrored report to this path")
	cmd.MarkFlagsMutuallyExclusive("versions", "version", "download")

	return cmd
}

func runReport(out io.Writer, api *APIClient, artifactID string, opts reportOptions, outputJSON bool) error {
	base := "/forensics/reports/" + url.PathEscape(artifactID)

	switch {
	case opts.versions:
		resp, err := api.Get(base + "/versions")
		if err != nil {
			return fmt.Errorf("failed to list versions: %w", err)
		}
		if outputJSON {
			return printRaw(out, resp.Data)
		}
		var versions []ReportVersion
		if err := json.Unmarshal(resp.Data, &versions); err != nil {
			return fmt.Errorf("failed to parse versions: %w", err)
		}
		for _, v := range versions {
			marker := " "
			if v.Current {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s  %s\n", marker, v.GeneratedAt, v.ReportHash)
		}
		return nil

	case opts.version != "":
		resp, err := api.Get(base + "/versions/" + url.PathEscape(opts.version))
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		return printRaw(out, resp.Data)

	case opts.download != "":
		resp, err := api.Get(base + "/download")
		if err != nil {
			return fmt.Errorf("failed to get download URL: %w", err)
		}
		var link struct {
			DownloadURL string `json:"download_url"`
		}
		if err := json.Unmarshal(resp.Data, &link); err != nil {
			return fmt.Errorf("failed to parse download URL: %w", err)
		}
		if err := api.DownloadFile(link.DownloadURL, opts.download, nil); err != nil {
			return err
		}
		fmt.Fprintf(out, "Saved %s\n", opts.download)
		return nil
	}

	resp, err := api.Get(base)
	if err != nil {
		return fmt.Errorf("failed to get report: %w", err)
	}
	return printRaw(out, resp.Data)
}
