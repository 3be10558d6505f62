package main

import (
	"github.com/spf13/cobra"

	"github.com/cloo-solutions/forensix/internal/cli"
	"github.com/cloo-solutions/forensix/internal/cli/client"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "forensix",
		Short: "Forensix CLI - submit evidence and read forensic reports",
		Long: `Forensix CLI submits evidence files to a forensix server and reads back
hash, metadata, authenticity and financial findings.

Environment variables:
  FORENSIX_API_TOKEN   Examiner bearer token (when the server requires one)
  FORENSIX_API_URL     API base URL (default: http://localhost:8080)`,
		Version:       version,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("output", false, "Output as JSON")
	rootCmd.PersistentFlags().String("api-token", "", "Examiner token (overrides env and config)")
	rootCmd.PersistentFlags().String("api-url", "", "API base URL (overrides env and config)")
	cli.AddHelpJSONFlag(rootCmd)

	rootCmd.AddCommand(client.SubmitCmd())
	rootCmd.AddCommand(client.StatusCmd())
	rootCmd.AddCommand(client.ReanalyzeCmd())
	rootCmd.AddCommand(client.CustodyCmd())
	rootCmd.AddCommand(client.DocumentCmd())
	rootCmd.AddCommand(client.ImageCmd())
	rootCmd.AddCommand(client.FinancialCmd())
	rootCmd.AddCommand(client.HeatmapCmd())
	rootCmd.AddCommand(client.ReportCmd())
	rootCmd.AddCommand(client.VerifyCmd())
	rootCmd.AddCommand(client.CaseCmd())
	rootCmd.AddCommand(client.AuthCmd())

	cli.CheckHelpJSON(rootCmd)
	cli.Exit(rootCmd.Execute())
}
