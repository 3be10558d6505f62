// Package cli provides shared CLI utilities for forensix and forensixd.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const exitCodeAnnotation = "forensix.exit_code."

// FlagSchema represents the JSON schema for a command flag.
type FlagSchema struct {
	Name        string `json:"name"`
	Shorthand   string `json:"shorthand,omitempty"`
	Type        string `json:"type"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Inherited   bool   `json:"inherited,omitempty"`
}

// ExitCodeSchema documents one process exit status of a command.
type ExitCodeSchema struct {
	Code    int    `json:"code"`
	Meaning string `json:"meaning"`
}

// CommandSchema is the machine-readable description of a command, printed by --help-json so
// scripts driving an examination can discover arguments and exit statuses.
type CommandSchema struct {
	Name        string           `json:"name"`
	Use         string           `json:"use,omitempty"`
	Args        string           `json:"args,omitempty"`
	Description string           `json:"description,omitempty"`
	Long        string           `json:"long,omitempty"`
	Flags       []FlagSchema     `json:"flags,omitempty"`
	ExitCodes   []ExitCodeSchema `json:"exit_codes,omitempty"`
	Subcommands []CommandSchema  `json:"subcommands,omitempty"`
}

// DocumentExitCodes records the exit statuses a command can end with.
func DocumentExitCodes(cmd *cobra.Command, codes map[int]string) {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	for code, meaning := range codes {
		cmd.Annotations[exitCodeAnnotation+strconv.Itoa(code)] = meaning
	}
}

// GenerateSchema generates a JSON schema for a cobra command.
func GenerateSchema(cmd *cobra.Command) CommandSchema {
	schema := CommandSchema{
		Name:        cmd.Name(),
		Use:         cmd.Use,
		Args:        strings.TrimSpace(strings.TrimPrefix(cmd.Use, cmd.Name())),
		Description: cmd.Short,
		Long:        cmd.Long,
		Flags:       extractFlags(cmd),
		ExitCodes:   exitCodes(cmd),
	}

	for _, sub := range cmd.Commands() {
		if sub.Name() == "help" || sub.Name() == "completion" || sub.Hidden {
			continue
		}
		schema.Subcommands = append(schema.Subcommands, GenerateSchema(sub))
	}

	return schema
}

func extractFlags(cmd *cobra.Command) []FlagSchema {
	var flags []FlagSchema

	visit := func(inherited bool) func(*pflag.Flag) {
		return func(f *pflag.Flag) {
			if f.Name == "help-json" || f.Name == "help" || f.Hidden {
				return
			}
			s := flagToSchema(f)
			s.Inherited = inherited
			flags = append(flags, s)
		}
	}
	cmd.LocalFlags().VisitAll(visit(false))
	cmd.InheritedFlags().VisitAll(visit(true))

	return flags
}

func flagToSchema(f *pflag.Flag) FlagSchema {
	_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
	return FlagSchema{
		Name:        f.Name,
		Shorthand:   f.Shorthand,
		Type:        f.Value.Type(),
		Default:     f.DefValue,
		Description: f.Usage,
		Required:    required,
	}
}

func exitCodes(cmd *cobra.Command) []ExitCodeSchema {
	var codes []ExitCodeSchema
	for key, meaning := range cmd.Annotations {
		raw, ok := strings.CutPrefix(key, exitCodeAnnotation)
		if !ok {
			continue
		}
		code, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		codes = append(codes, ExitCodeSchema{Code: code, Meaning: meaning})
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].Code < codes[j].Code })
	return codes
}

// WriteSchema writes the indented schema of cmd to w.
func WriteSchema(w io.Writer, cmd *cobra.Command) error {
	output, err := json.MarshalIndent(GenerateSchema(cmd), "", "  ")
	if err != nil {
		return fmt.Errorf("generating schema: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}

// AddHelpJSONFlag adds the --help-json flag to a command.
func AddHelpJSONFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().Bool("help-json", false, "Output command schema as JSON")
}

// HelpJSONTarget returns the command named by the words before --help-json in args, and
// whether the flag was present at all.
func HelpJSONTarget(root *cobra.Command, args []string) (*cobra.Command, bool) {
	for i, arg := range args {
		if arg == "--help-json" {
			return findTargetCommand(root, args[:i]), true
		}
	}
	return nil, false
}

// CheckHelpJSON handles --help-json before cobra validates positional arguments, printing the
// schema and exiting.
func CheckHelpJSON(rootCmd *cobra.Command) {
	target, ok := HelpJSONTarget(rootCmd, os.Args[1:])
	if !ok {
		return
	}
	if err := WriteSchema(os.Stdout, target); err != nil {
		Exit(err)
	}
	os.Exit(0)
}

func findTargetCommand(cmd *cobra.Command, args []string) *cobra.Command {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return cmd
	}

	for _, sub := range cmd.Commands() {
		if sub.Name() == args[0] || sub.HasAlias(args[0]) {
			return findTargetCommand(sub, args[1:])
		}
	}

	return cmd
}
