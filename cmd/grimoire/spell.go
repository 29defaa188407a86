package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/casualjim/grimoire"
	"github.com/casualjim/grimoire/client"
	"github.com/casualjim/grimoire/internal/opfmt"
	"github.com/casualjim/grimoire/spells"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func (a *app) client() (*client.Client, error) {
	return client.New(a.cfg.APIRootURL, a.projectID)
}

func newSpellCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spell",
		Short: "Manage spells on the server",
	}
	cmd.AddCommand(
		newSpellListCmd(a),
		newSpellGetCmd(a),
		newSpellShowCmd(a),
		newSpellExportCmd(a),
		newSpellImportCmd(a),
		newSpellDeleteCmd(a),
	)
	return cmd
}

func newSpellListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the spells of the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			list, err := c.ListSpells(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tNODES\tHASH\tUPDATED")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.Name, len(s.Graph.Nodes), s.Hash, s.UpdatedAt)
			}
			return tw.Flush()
		},
	}
}

func newSpellGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Print a spell as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			spell, err := c.GetSpell(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return client.Export(cmd.OutOrStdout(), spell)
		},
	}
}

func newSpellShowCmd(a *app) *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Summarize a spell and its nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			spell, err := c.GetSpell(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			md := opfmt.Markdown(spell)
			if !plain {
				if md, err = opfmt.Render(md); err != nil {
					return err
				}
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), md)
			return err
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print markdown without terminal styling")
	return cmd
}

func newSpellExportCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export NAME",
		Short: "Write a spell to NAME.spell.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			spell, err := c.GetSpell(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			path := filepath.Join(dir, client.ExportFileName(spell))
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("create export file: %w", err)
			}
			if err := client.Export(f, spell); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory to write the export to")
	return cmd
}

func readSpellFile(path string) (grimoire.Spell, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return grimoire.Spell{}, err
	}
	var spell grimoire.Spell
	if err := json.Unmarshal(b, &spell); err != nil {
		return grimoire.Spell{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return spell, nil
}

func newSpellImportCmd(a *app) *cobra.Command {
	var (
		name      string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Create a spell from an exported file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spell, err := readSpellFile(args[0])
			if err != nil {
				return err
			}
			if name != "" {
				spell.Name = name
			}
			spell.ID = ""

			c, err := a.client()
			if err != nil {
				return err
			}
			saved, err := c.CreateSpell(cmd.Context(), spell)
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.Code == spells.CodeConflict && overwrite {
				saved, err = c.SaveSpell(cmd.Context(), spell)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", saved.Name, saved.Hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "store the spell under a different name")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace the spell when it already exists")
	return cmd
}

func newSpellDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a spell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			return c.DeleteSpell(cmd.Context(), args[0])
		},
	}
}
