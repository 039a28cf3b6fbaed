package ui

import (
	"sort"

	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/history"
	"github.com/arthur-debert/layerpatch/pkg/installation"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
)

// The view types are the stable, serializable shape of what the renderers
// print. Text output walks the same views so both formats agree.

type summaryView struct {
	Operation string   `yaml:"operation"`
	Patches   []string `yaml:"patches"`
	Version   string   `yaml:"version,omitempty"`
}

type elementView struct {
	Target  string `yaml:"target"`
	Element string `yaml:"element"`
}

type patchView struct {
	ID          string        `yaml:"id"`
	Type        string        `yaml:"type"`
	Active      bool          `yaml:"active"`
	Description string        `yaml:"description,omitempty"`
	Elements    []elementView `yaml:"elements,omitempty"`
}

type historyView struct {
	Patches []patchView `yaml:"patches"`
}

type targetView struct {
	Name       string   `yaml:"name,omitempty"`
	Cumulative string   `yaml:"cumulative"`
	Patches    []string `yaml:"patches,omitempty"`
}

type installationView struct {
	Name      string       `yaml:"name"`
	Version   string       `yaml:"version"`
	Installed []string     `yaml:"installed-patches"`
	Identity  targetView   `yaml:"identity"`
	Layers    []targetView `yaml:"layers,omitempty"`
	AddOns    []targetView `yaml:"add-ons,omitempty"`
}

type errorView struct {
	Code    string                 `yaml:"code"`
	Message string                 `yaml:"message"`
	Details map[string]interface{} `yaml:"details,omitempty"`
}

func newSummaryView(s *OperationSummary) summaryView {
	return summaryView{Operation: s.Operation, Patches: s.PatchIDs, Version: s.Version}
}

func newHistoryView(chain []*history.Entry) historyView {
	view := historyView{Patches: make([]patchView, 0, len(chain))}
	for _, e := range chain {
		p := patchView{ID: e.PatchID, Type: string(e.Type), Active: e.Active}
		if e.Patch != nil {
			p.Description = e.Patch.Description
		}
		p.Elements = append(p.Elements, elementViews(metadata.Layer, e.Layers)...)
		p.Elements = append(p.Elements, elementViews(metadata.AddOn, e.AddOns)...)
		view.Patches = append(view.Patches, p)
	}
	return view
}

// elementViews sorts by target name; map order would make output unstable.
func elementViews(kind metadata.LayerType, ids map[string]string) []elementView {
	names := make([]string, 0, len(ids))
	for name := range ids {
		names = append(names, name)
	}
	sort.Strings(names)

	views := make([]elementView, 0, len(names))
	for _, name := range names {
		target := metadata.Target{Name: name, Type: kind}
		views = append(views, elementView{Target: target.String(), Element: ids[name]})
	}
	return views
}

func newInstallationView(inst *installation.Installation) installationView {
	view := installationView{
		Name:      inst.Name,
		Version:   inst.Version,
		Installed: inst.InstalledPatches,
		Identity:  newTargetView("", inst.Identity),
	}
	if view.Installed == nil {
		view.Installed = []string{}
	}
	for _, l := range inst.Layers {
		view.Layers = append(view.Layers, newTargetView(l.Name, l.TargetState))
	}
	for _, a := range inst.AddOns {
		view.AddOns = append(view.AddOns, newTargetView(a.Name, a.TargetState))
	}
	return view
}

func newTargetView(name string, s metadata.TargetState) targetView {
	return targetView{Name: name, Cumulative: s.CumulativePatchID, Patches: s.PatchIDs}
}

func newErrorView(err error) errorView {
	return errorView{
		Code:    string(errors.GetErrorCode(err)),
		Message: err.Error(),
		Details: errors.GetErrorDetails(err),
	}
}
