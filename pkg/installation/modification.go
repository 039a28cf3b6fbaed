package installation

import (
	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/logging"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/mitchellh/copystructure"
)

// MutableTarget is the changeable state of the identity, a layer or an
// add-on while a Modification is open.
type MutableTarget struct {
	name      string
	kind      metadata.LayerType
	state     TargetInfo
	structure DirectoryStructure
}

// Name is the target name; the identity reports the installation name.
func (t *MutableTarget) Name() string {
	return t.name
}

// Kind is empty for the identity.
func (t *MutableTarget) Kind() metadata.LayerType {
	return t.kind
}

// Target identifies a layer or add-on. It is the zero Target for the identity.
func (t *MutableTarget) Target() metadata.Target {
	if t.kind == "" {
		return metadata.Target{}
	}
	return metadata.Target{Name: t.name, Type: t.kind}
}

// Structure returns where the target keeps its modules and bundles.
func (t *MutableTarget) Structure() DirectoryStructure {
	return t.structure
}

// Info returns a copy of the current state.
func (t *MutableTarget) Info() TargetInfo {
	return TargetInfo{
		CumulativePatchID: t.state.CumulativePatchID,
		PatchIDs:          append([]string(nil), t.state.PatchIDs...),
	}
}

// Apply records id as applied. A cumulative id replaces the previous
// cumulative patch and drops every one-off.
func (t *MutableTarget) Apply(id string, patchType metadata.PatchType) {
	if patchType == metadata.Cumulative {
		t.state.CumulativePatchID = id
		t.state.PatchIDs = nil
		return
	}
	t.state.PatchIDs = append([]string{id}, t.state.PatchIDs...)
}

// Rollback removes id from the applied one-offs, or resets the cumulative
// patch to base when id is the cumulative patch.
func (t *MutableTarget) Rollback(id string) {
	if t.state.CumulativePatchID == id {
		t.state.CumulativePatchID = metadata.Base
		return
	}
	t.state.PatchIDs = remove(t.state.PatchIDs, id)
}

// Restore replaces the state with a recorded one.
func (t *MutableTarget) Restore(info TargetInfo) {
	t.state = TargetInfo{
		CumulativePatchID: orBase(info.CumulativePatchID),
		PatchIDs:          append([]string(nil), info.PatchIDs...),
	}
}

// Modification is the single writer of an installation's state. Changes are
// only persisted by Commit; Cancel drops them.
type Modification struct {
	manager   *Manager
	callback  Callback
	original  *Installation
	version   string
	installed []string
	identity  *MutableTarget
	layers    []*MutableTarget
	addOns    []*MutableTarget
	done      bool
}

func newModification(m *Manager, inst *Installation, cb Callback) (*Modification, error) {
	snapshot, err := copystructure.Copy(inst)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "failed to snapshot installation state")
	}
	mod := &Modification{
		manager:   m,
		callback:  cb,
		original:  snapshot.(*Installation),
		version:   inst.Version,
		installed: append([]string(nil), inst.InstalledPatches...),
		identity:  &MutableTarget{name: inst.Name},
	}
	mod.identity.Restore(inst.Identity)
	for _, layer := range inst.Layers {
		mod.layers = append(mod.layers, newMutableTarget(m.image, layer, metadata.Layer))
	}
	for _, addOn := range inst.AddOns {
		mod.addOns = append(mod.addOns, newMutableTarget(m.image, addOn, metadata.AddOn))
	}
	return mod, nil
}

func newMutableTarget(image InstalledImage, named metadata.NamedState, kind metadata.LayerType) *MutableTarget {
	target := &MutableTarget{
		name:      named.Name,
		kind:      kind,
		structure: image.Structure(metadata.Target{Name: named.Name, Type: kind}),
	}
	target.Restore(named.TargetState)
	return target
}

// Image returns the layout of the installation being modified.
func (m *Modification) Image() InstalledImage {
	return m.manager.image
}

// Name is the identity name.
func (m *Modification) Name() string {
	return m.identity.name
}

// IsApplied reports whether patchID was active when the Modification was opened.
func (m *Modification) IsApplied(patchID string) bool {
	return m.original.IsApplied(patchID)
}

// Version is the identity version, including changes made by this Modification.
func (m *Modification) Version() string {
	return m.version
}

func (m *Modification) SetVersion(version string) {
	m.version = version
}

// PatchIDs returns the one-off patch ids of the identity, most recent first.
func (m *Modification) PatchIDs() []string {
	return m.identity.Info().PatchIDs
}

// CumulativePatchID returns the cumulative patch id of the identity.
func (m *Modification) CumulativePatchID() string {
	return m.identity.state.CumulativePatchID
}

// InstalledPatches returns the ids that will be active after Commit.
func (m *Modification) InstalledPatches() []string {
	return append([]string(nil), m.installed...)
}

func (m *Modification) AddInstalledPatch(patchID string) {
	if !contains(m.installed, patchID) {
		m.installed = append(m.installed, patchID)
	}
}

func (m *Modification) RemoveInstalledPatch(patchID string) {
	m.installed = remove(m.installed, patchID)
}

// Identity returns the identity target.
func (m *Modification) Identity() *MutableTarget {
	return m.identity
}

// Layers returns the layers in registration order.
func (m *Modification) Layers() []*MutableTarget {
	return m.layers
}

// AddOns returns the add-ons in registration order.
func (m *Modification) AddOns() []*MutableTarget {
	return m.addOns
}

// Layer returns the named layer.
func (m *Modification) Layer(name string) (*MutableTarget, bool) {
	return find(m.layers, name)
}

// AddOn returns the named add-on.
func (m *Modification) AddOn(name string) (*MutableTarget, bool) {
	return find(m.addOns, name)
}

// Target returns the layer or add-on identified by target.
func (m *Modification) Target(target metadata.Target) (*MutableTarget, bool) {
	if target.Type == metadata.AddOn {
		return m.AddOn(target.Name)
	}
	return m.Layer(target.Name)
}

// UnmodifiedState returns the installation state as it was when the
// Modification was opened.
func (m *Modification) UnmodifiedState() metadata.InstallationState {
	snapshot, err := copystructure.Copy(m.original.InstallationState)
	if err != nil {
		// a struct of strings and string slices always copies
		panic(err)
	}
	return snapshot.(metadata.InstallationState)
}

// State returns the modified installation state.
func (m *Modification) State() *Installation {
	inst := &Installation{
		InstallationState: metadata.InstallationState{
			Name:     m.identity.name,
			Version:  m.version,
			Identity: m.identity.Info(),
		},
		InstalledPatches: m.InstalledPatches(),
	}
	for _, layer := range m.layers {
		inst.Layers = append(inst.Layers, metadata.NamedState{Name: layer.name, TargetState: layer.Info()})
	}
	for _, addOn := range m.addOns {
		inst.AddOns = append(inst.AddOns, metadata.NamedState{Name: addOn.name, TargetState: addOn.Info()})
	}
	return inst
}

// Commit persists the modified state and releases the installation.
func (m *Modification) Commit() error {
	if m.done {
		return errors.New(errors.ErrInvalidInput, "modification already completed")
	}
	if err := writeState(m.manager.fs, m.manager.image, m.State()); err != nil {
		return err
	}
	m.finish()
	logger := logging.GetLogger("installation")
	logger.Debug().
		Str("version", m.version).
		Strs("installed", m.installed).
		Msg("Installation state committed")
	if m.callback != nil {
		m.callback.Completed()
	}
	return nil
}

// Cancel drops all changes and releases the installation. Canceling a
// completed Modification does nothing.
func (m *Modification) Cancel() {
	if m.done {
		return
	}
	m.finish()
	logger := logging.GetLogger("installation")
	logger.Debug().Msg("Installation modification canceled")
	if m.callback != nil {
		m.callback.Canceled()
	}
}

func (m *Modification) finish() {
	m.done = true
	m.manager.release()
}

func find(targets []*MutableTarget, name string) (*MutableTarget, bool) {
	for _, t := range targets {
		if t.name == name {
			return t, true
		}
	}
	return nil, false
}

func remove(ids []string, id string) []string {
	var out []string
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
