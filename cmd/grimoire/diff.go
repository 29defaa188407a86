package main

import (
	"fmt"
	"os"

	"github.com/casualjim/grimoire/internal/opfmt"
	"github.com/casualjim/grimoire/pkg/ot"
	json "github.com/goccy/go-json"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
)

func newDiffCmd() *cobra.Command {
	var raw, wire bool
	cmd := &cobra.Command{
		Use:   "diff OLD NEW",
		Short: "Print the json0 diff between two spell files",
		Args:  cobra.ExactArgs(2),
		// diff works on local files and needs no configuration
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := readDocument(args[0])
			if err != nil {
				return err
			}
			b, err := readDocument(args[1])
			if err != nil {
				return err
			}

			ops := ot.Diff(a, b)
			out := cmd.OutOrStdout()
			switch {
			case wire:
				enc := json.NewEncoder(out)
				return enc.Encode(ops)
			case raw:
				printer := pp.New()
				printer.SetOutput(out)
				_, err := printer.Println(ops)
				return err
			default:
				return opfmt.Ops(out, ops)
			}
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "pretty print the components as Go values")
	cmd.Flags().BoolVar(&wire, "json", false, "print the diff in the json0 wire format")
	return cmd
}

func readDocument(path string) (any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}
