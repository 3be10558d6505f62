package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/forensix/internal/cli"
	"github.com/cloo-solutions/forensix/internal/cli/admin"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "forensixd",
		Short:         "Forensix daemon and CLI",
		Long:          "Forensix daemon for running the analysis API, ingesting files locally and verifying the custody ledger",
		SilenceErrors: true,
	}

	cli.AddHelpJSONFlag(rootCmd)
	rootCmd.AddCommand(admin.ServeCmd())
	rootCmd.AddCommand(admin.IngestCmd())
	rootCmd.AddCommand(admin.VerifyCmd())

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	cli.CheckHelpJSON(rootCmd)
	cli.Exit(rootCmd.Execute())
}
