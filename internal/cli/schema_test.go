package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTree() (*cobra.Command, *cobra.Command) {
	root := &cobra.Command{Use: "forensixd"}
	root.PersistentFlags().Bool("output", false, "Output as JSON")
	AddHelpJSONFlag(root)

	ingest := &cobra.Command{Use: "ingest <file>", Short: "Analyze a file locally", Run: func(*cobra.Command, []string) {}}
	ingest.Flags().String("case", "", "Case ID")
	_ = ingest.MarkFlagRequired("case")
	DocumentExitCodes(ingest, map[int]string{3: "chain broken", 0: "ok"})
	root.AddCommand(ingest)

	return root, ingest
}

func TestGenerateSchema(t *testing.T) {
	root, _ := testTree()

	schema := GenerateSchema(root)
	assert.Equal(t, "forensixd", schema.Name)
	require.Len(t, schema.Subcommands, 1)

	sub := schema.Subcommands[0]
	assert.Equal(t, "ingest", sub.Name)
	assert.Equal(t, "<file>", sub.Args)
	assert.Equal(t, "Analyze a file locally", sub.Description)
	assert.Equal(t, []ExitCodeSchema{{0, "ok"}, {3, "chain broken"}}, sub.ExitCodes)

	require.Len(t, sub.Flags, 2)
	assert.Equal(t, FlagSchema{Name: "case", Type: "string", Description: "Case ID", Required: true}, sub.Flags[0])
	assert.Equal(t, "output", sub.Flags[1].Name)
	assert.True(t, sub.Flags[1].Inherited)
	assert.False(t, sub.Flags[1].Required)
}

func TestHelpJSONTarget(t *testing.T) {
	root, ingest := testTree()

	target, ok := HelpJSONTarget(root, []string{"ingest", "evidence.pdf", "--case", "c1", "--help-json"})
	assert.True(t, ok)
	assert.Equal(t, ingest, target)

	target, ok = HelpJSONTarget(root, []string{"--help-json"})
	assert.True(t, ok)
	assert.Equal(t, root, target)

	target, ok = HelpJSONTarget(root, []string{"unknown", "--help-json"})
	assert.True(t, ok)
	assert.Equal(t, root, target)

	_, ok = HelpJSONTarget(root, []string{"ingest", "evidence.pdf"})
	assert.False(t, ok)
}

func TestWriteSchema(t *testing.T) {
	_, ingest := testTree()

	var buf bytes.Buffer
	require.NoError(t, WriteSchema(&buf, ingest))

	var decoded CommandSchema
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "ingest", decoded.Name)
	assert.Len(t, decoded.ExitCodes, 2)
}
