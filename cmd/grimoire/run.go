package main

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		inputs  []string
		rawJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run NAME",
		Short: "Run a spell on the server",
		Example: `  grimoire run greeter --input who=world
  grimoire run scorer --input 'data={"score":3}' --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			outputs, err := c.RunSpell(cmd.Context(), args[0], in)
			if err != nil {
				return err
			}
			if rawJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(outputs)
			}
			printer := pp.New()
			printer.SetOutput(cmd.OutOrStdout())
			_, err = printer.Println(outputs)
			return err
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "spell input as key=value, values that parse as JSON are decoded")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "print outputs as JSON")
	return cmd
}

// parseInputs turns key=value pairs into run inputs. A value that is valid
// JSON is decoded, anything else is kept as a string.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			inputs[key] = decoded
			continue
		}
		inputs[key] = value
	}
	return inputs, nil
}
