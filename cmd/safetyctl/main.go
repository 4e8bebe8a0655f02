// Package main is safetyctl, the operator CLI: watermark forensics on captured
// screenshots, reputation lookups and test tokens.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

var output string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "safetyctl",
		Short:         "Operate the session safety service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch output {
			case outputTable, outputJSON, outputYAML:
				return nil
			}
			return fmt.Errorf("unknown output format %q (table, json, yaml)", output)
		},
	}
	root.PersistentFlags().StringVarP(&output, "output", "o", outputTable, "output format: table, json or yaml")
	root.AddCommand(watermarkCmd())
	root.AddCommand(tiersCmd())
	root.AddCommand(scoreCmd())
	root.AddCommand(tokenCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// render writes v as JSON or YAML, or calls tableFn for the table format.
func render(w io.Writer, v interface{}, tableFn func(table.Writer)) error {
	switch output {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tableFn(tw)
	tw.Render()
	return nil
}
