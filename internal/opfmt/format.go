// Package opfmt renders spells, json0 diffs and spell events for the console.
package opfmt

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/casualjim/grimoire"
	"github.com/casualjim/grimoire/internal/broker"
	"github.com/casualjim/grimoire/pkg/ot"
	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	json "github.com/goccy/go-json"
)

// Ops writes one line per component. Inserts are green, deletes red,
// replaces yellow and everything else cyan.
func Ops(w io.Writer, ops ot.Ops) error {
	for _, op := range ops {
		if _, err := fmt.Fprintln(w, formatOp(op)); err != nil {
			return err
		}
	}
	return nil
}

func formatOp(op ot.Op) string {
	path := op.Path.String()
	switch op.Actions {
	case ot.ObjectInsert:
		return color.GreenString("+ %s", path) + " " + value(op.OI)
	case ot.ListInsert:
		return color.GreenString("+ %s", path) + " " + value(op.LI)
	case ot.ObjectDelete:
		return color.RedString("- %s", path) + " " + value(op.OD)
	case ot.ListDelete:
		return color.RedString("- %s", path) + " " + value(op.LD)
	case ot.ObjectInsert | ot.ObjectDelete:
		return color.YellowString("~ %s", path) + " " + value(op.OD) + " => " + value(op.OI)
	case ot.ListInsert | ot.ListDelete:
		return color.YellowString("~ %s", path) + " " + value(op.LD) + " => " + value(op.LI)
	case ot.StringInsert:
		return color.GreenString("+ %s", path) + " " + value(op.SI)
	case ot.StringDelete:
		return color.RedString("- %s", path) + " " + value(op.SD)
	default:
		return color.CyanString("* %s", op.String())
	}
}

func value(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// Events prints spell events as they arrive until the channel closes or ctx
// is done.
func Events(ctx context.Context, w io.Writer, events <-chan broker.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := Event(w, event); err != nil {
				return err
			}
		}
	}
}

// Event prints a single spell event.
func Event(w io.Writer, event broker.Event) error {
	switch e := event.(type) {
	case broker.SpellUpdated:
		fmt.Fprintf(w, "%s %s/%s %s\n", color.MagentaString("updated"), e.ProjectID, e.Name, e.Hash)
		return Ops(w, e.Diff)
	case broker.SpellDeleted:
		_, err := fmt.Fprintf(w, "%s %s/%s\n", color.RedString("deleted"), e.ProjectID, e.Name)
		return err
	default:
		return fmt.Errorf("unknown event %T", event)
	}
}

// Markdown summarizes a spell as a markdown document: a heading, its hash
// and a table of the graph's nodes with their incoming connections.
func Markdown(spell grimoire.Spell) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", spell.Name)
	fmt.Fprintf(&b, "Project `%s`, hash `%s`, %d nodes.\n\n", spell.ProjectID, spell.Hash, len(spell.Graph.Nodes))
	if len(spell.Graph.Nodes) == 0 {
		return b.String()
	}

	nodes := make([]grimoire.Node, 0, len(spell.Graph.Nodes))
	for _, n := range spell.Graph.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	b.WriteString("| id | component | inputs |\n")
	b.WriteString("|---:|---|---|\n")
	for _, n := range nodes {
		fmt.Fprintf(&b, "| %d | %s | %s |\n", n.ID, n.Name, connections(n))
	}
	return b.String()
}

func connections(n grimoire.Node) string {
	names := make([]string, 0, len(n.Inputs))
	for name := range n.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		for _, c := range n.Inputs[name].Connections {
			parts = append(parts, fmt.Sprintf("%s ← %d.%s", name, c.Node, c.Output))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

// Render renders markdown for the terminal.
func Render(markdown string) (string, error) {
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return "", fmt.Errorf("create renderer: %w", err)
	}
	return renderer.Render(markdown)
}
