package client

import (
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"
)

// blockCmd builds a command that prints one report block as JSON.
func blockCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <artifact_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return runBlock(cmd.OutOrStdout(), api, name, args[0])
		},
	}
}

func runBlock(out io.Writer, api *APIClient, block, artifactID string) error {
	resp, err := api.Get(fmt.Sprintf("/forensics/%s?id=%s", block, url.QueryEscape(artifactID)))
	if err != nil {
		return fmt.Errorf("failed to get %s block: %w", block, err)
	}
	return printRaw(out, resp.Data)
}

// DocumentCmd creates the document command.
func DocumentCmd() *cobra.Command {
	return blockCmd("document", "Show the hash, metadata and structure blocks of an artifact")
}

// ImageCmd creates the image command.
func ImageCmd() *cobra.Command {
	return blockCmd("image", "Show the image authenticity block of an artifact")
}

// FinancialCmd creates the financial command.
func FinancialCmd() *cobra.Command {
	return blockCmd("financial", "Show the financial reconciliation block of an artifact")
}

// HeatmapCmd creates the heatmap command.
func HeatmapCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "heatmap <artifact_id>",
		Short: "Download the error level analysis heat-map of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = args[0] + "_ela.png"
			}
			if err := api.GetToFile("/forensics/heatmap?id="+url.QueryEscape(args[0]), outPath); err != nil {
				return fmt.Errorf("failed to download heat-map: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output path (default <artifact_id>_ela.png)")

	return cmd
}
