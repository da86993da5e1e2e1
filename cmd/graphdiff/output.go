package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/server/graph"
)

const (
	outputJSON    = "json"
	outputYAML    = "yaml"
	outputSummary = "summary"
)

func checkFormat(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return fmt.Errorf("unknown output format %q (want %s)", format, strings.Join(allowed, ", "))
}

// render writes v as JSON or YAML. JSON is indented when w is a terminal.
func render(w io.Writer, format string, v interface{}) error {
	switch format {
	case outputYAML:
		return writeYAML(w, v)
	default:
		enc := json.NewEncoder(w)
		if isTerminal(w) {
			enc.SetIndent("", "  ")
		}
		return enc.Encode(v)
	}
}

// writeYAML goes through JSON so that json tags and custom marshalers, the
// ordered element maps among them, shape the YAML document too.
func writeYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("converting output to yaml: %w", err)
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle drops the flow and quoting styles the JSON source left on n.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type styles struct {
	title   lipgloss.Style
	dim     lipgloss.Style
	actions map[diff.Action]lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title: r.NewStyle().Bold(true),
		dim:   r.NewStyle().Foreground(lipgloss.Color("241")),
		actions: map[diff.Action]lipgloss.Style{
			diff.ActionAdded:     r.NewStyle().Foreground(lipgloss.Color("42")),
			diff.ActionRemoved:   r.NewStyle().Foreground(lipgloss.Color("196")),
			diff.ActionUpdated:   r.NewStyle().Foreground(lipgloss.Color("214")),
			diff.ActionUnchanged: r.NewStyle().Foreground(lipgloss.Color("241")),
		},
	}
}

func (s styles) action(a diff.Action) string {
	return s.actions[a].Render(string(a))
}

// printSummary writes one line per entry and one per element.
func printSummary(w io.Writer, p *diff.Payload) error {
	st := newStyles(w)
	if len(p.Diffs) == 0 {
		_, err := fmt.Fprintln(w, st.dim.Render("No changes"))
		return err
	}

	for _, e := range p.Diffs {
		branches := make([]string, 0, len(e.Action))
		for _, ba := range e.Action {
			branches = append(branches, ba.Branch+" "+st.action(ba.Action))
		}
		label := ""
		if len(e.DisplayLabel) > 0 {
			label = " " + strconv.Quote(e.DisplayLabel[0].DisplayLabel)
		}
		fmt.Fprintf(w, "%s %s%s  [%s]\n", st.title.Render(e.Kind), e.ID, label, strings.Join(branches, ", "))

		for _, name := range e.Elements.Keys() {
			el, _ := e.Elements.Get(name)
			fmt.Fprintf(w, "    %-24s %-17s %s\n", name, el.Type, st.counts(el.Summary()))
		}
	}
	_, err := fmt.Fprintln(w, st.dim.Render(fmt.Sprintf("%d entries", len(p.Diffs))))
	return err
}

func (s styles) counts(sum diff.Summary) string {
	var parts []string
	if sum.Added > 0 {
		parts = append(parts, s.actions[diff.ActionAdded].Render(fmt.Sprintf("+%d", sum.Added)))
	}
	if sum.Removed > 0 {
		parts = append(parts, s.actions[diff.ActionRemoved].Render(fmt.Sprintf("-%d", sum.Removed)))
	}
	if sum.Updated > 0 {
		parts = append(parts, s.actions[diff.ActionUpdated].Render(fmt.Sprintf("~%d", sum.Updated)))
	}
	return strings.Join(parts, " ")
}

func printBranches(w io.Writer, branches []graph.Branch) error {
	st := newStyles(w)
	for _, b := range branches {
		name := b.Name
		if b.IsDefault {
			name = st.title.Render(name) + st.dim.Render(" (default)")
		}
		if _, err := fmt.Fprintf(w, "%s  %s\n", name, st.dim.Render(b.CreatedAt.Format(time.RFC3339))); err != nil {
			return err
		}
	}
	return nil
}
