package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/arthur-debert/layerpatch/pkg/history"
	"github.com/arthur-debert/layerpatch/pkg/installation"
	"github.com/arthur-debert/layerpatch/pkg/ui/styles"
	"github.com/xlab/treeprint"
)

// textRenderer prints human readable output. Styles are applied only when
// styled is set, so plain text output never carries escape sequences.
type textRenderer struct {
	out    io.Writer
	styled bool
}

func (r *textRenderer) style(name, s string) string {
	if !r.styled {
		return s
	}
	return styles.GetStyle(name).Render(s)
}

func (r *textRenderer) RenderResult(result interface{}) error {
	switch v := result.(type) {
	case *OperationSummary:
		return r.renderSummary(newSummaryView(v))
	case []*history.Entry:
		return r.renderHistory(newHistoryView(v))
	case *installation.Installation:
		return r.renderInstallation(newInstallationView(v))
	default:
		return fmt.Errorf("unsupported result type: %T", result)
	}
}

func (r *textRenderer) renderSummary(v summaryView) error {
	verb := "Applied"
	if v.Operation == "rollback" {
		verb = "Rolled back"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", r.style("Success", verb), r.style("PatchID", strings.Join(v.Patches, ", ")))
	if v.Version != "" {
		fmt.Fprintf(&b, "%s\n", r.style("Muted", "installation version "+v.Version))
	}
	_, err := io.WriteString(r.out, b.String())
	return err
}

func (r *textRenderer) renderHistory(v historyView) error {
	if len(v.Patches) == 0 {
		return r.RenderMessage("No patches applied")
	}

	tree := treeprint.NewWithRoot(r.style("Header", "History"))
	for _, p := range v.Patches {
		label := fmt.Sprintf("%s (%s)", r.style("PatchID", p.ID), p.Type)
		if !p.Active {
			label = r.style("Inactive", fmt.Sprintf("%s (%s, inactive)", p.ID, p.Type))
		}
		branch := tree.AddBranch(label)
		if p.Description != "" {
			branch.AddNode(r.style("Muted", p.Description))
		}
		for _, e := range p.Elements {
			branch.AddNode(fmt.Sprintf("%s %s", e.Target, r.style("Muted", e.Element)))
		}
	}
	_, err := io.WriteString(r.out, tree.String())
	return err
}

func (r *textRenderer) renderInstallation(v installationView) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", r.style("Header", v.Name), v.Version)

	tree := treeprint.NewWithRoot(r.style("Header", "Targets"))
	tree.AddMetaNode("identity", describeTarget(v.Identity))
	for _, l := range v.Layers {
		tree.AddMetaNode("layer", l.Name+": "+describeTarget(l))
	}
	for _, a := range v.AddOns {
		tree.AddMetaNode("add-on", a.Name+": "+describeTarget(a))
	}
	b.WriteString(tree.String())

	if len(v.Installed) > 0 {
		fmt.Fprintf(&b, "%s %s\n", r.style("Muted", "installed patches:"), strings.Join(v.Installed, ", "))
	}
	_, err := io.WriteString(r.out, b.String())
	return err
}

func describeTarget(t targetView) string {
	s := "cumulative " + t.Cumulative
	if len(t.Patches) > 0 {
		s += ", one-offs " + strings.Join(t.Patches, ", ")
	}
	return s
}

func (r *textRenderer) RenderError(err error) error {
	v := newErrorView(err)
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", r.style("Error", "Error:"), v.Message)

	if items, ok := v.Details["items"].([]string); ok {
		fmt.Fprintf(&b, "%s\n", r.style("Warning", "Conflicting items:"))
		for _, item := range items {
			fmt.Fprintf(&b, "  - %s\n", r.style("Item", item))
		}
	}

	keys := make([]string, 0, len(v.Details))
	for k := range v.Details {
		if k != "items" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s\n", r.style("Muted", fmt.Sprintf("  %s: %v", k, v.Details[k])))
	}

	_, werr := io.WriteString(r.out, b.String())
	return werr
}

func (r *textRenderer) RenderMessage(msg string) error {
	_, err := fmt.Fprintln(r.out, msg)
	return err
}
