package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/forensix/internal/cli"
)

// ExitChainBroken is the exit code of verify when the server's ledger is broken.
const ExitChainBroken = 3

var errChainBroken = errors.New("ledger chain is broken")

// VerifyResult is the outcome of a server-side ledger walk.
type VerifyResult struct {
	OK                  bool   `json:"ok"`
	Entries             int64  `json:"entries"`
	FirstBrokenSequence *int64 `json:"first_broken_sequence"`
	Reason              string `json:"reason,omitempty"`
	HeadHash            string `json:"head_hash,omitempty"`
}

// VerifyCmd creates the verify command.
func VerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the server's custody ledger",
		Long:  "Asks the server to walk its custody ledger. Exits 3 when the chain is broken.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return runVerify(cmd.OutOrStdout(), api, outputJSON)
		},
	}
	cli.DocumentExitCodes(cmd, map[int]string{
		0:               "the server's chain verifies",
		1:               "the request failed",
		ExitChainBroken: "the chain is broken",
	})
	return cmd
}

func runVerify(out io.Writer, api *APIClient, outputJSON bool) error {
	resp, err := api.Get("/forensics/ledger/verify")
	if err != nil {
		return fmt.Errorf("failed to verify ledger: %w", err)
	}

	var result VerifyResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return fmt.Errorf("failed to parse verify result: %w", err)
	}

	if outputJSON {
		if err := printJSON(out, result); err != nil {
			return err
		}
	} else if result.OK {
		fmt.Fprintf(out, "OK: %d entries, head %s\n", result.Entries, result.HeadHash)
	}

	if result.OK {
		return nil
	}
	seq := int64(-1)
	if result.FirstBrokenSequence != nil {
		seq = *result.FirstBrokenSequence
	}
	if !outputJSON {
		fmt.Fprintf(out, "BROKEN at sequence %d: %s\n", seq, result.Reason)
	}
	return cli.NewExitError(ExitChainBroken, fmt.Errorf("%w at sequence %d", errChainBroken, seq))
}
