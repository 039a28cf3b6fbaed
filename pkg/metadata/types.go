package metadata

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Base is the cumulative patch id of an unpatched target.
const Base = "base"

// PatchType distinguishes incremental patches from cumulative ones.
type PatchType string

const (
	OneOff     PatchType = "one-off"
	Cumulative PatchType = "cumulative"
)

// LayerType is the kind of patchable target an element addresses.
type LayerType string

const (
	Layer LayerType = "layer"
	AddOn LayerType = "add-on"
)

// ModificationType is the action a modification performs on its location.
type ModificationType string

const (
	Add    ModificationType = "ADD"
	Modify ModificationType = "MODIFY"
	Remove ModificationType = "REMOVE"
)

// ContentType is the kind of content item.
type ContentType string

const (
	// Misc items are files or directories relative to the installation root.
	Misc ContentType = "misc"
	// Module items are module directories of a layer or add-on.
	Module ContentType = "module"
	// Bundle items are bundle directories of a layer or add-on.
	Bundle ContentType = "bundle"
)

// ContentItem identifies a single file, module or bundle.
type ContentItem struct {
	Type ContentType
	// Name is the slash separated path for misc items and the dotted module
	// name for modules and bundles.
	Name string
	// Slot is only used by modules and bundles.
	Slot string
	// Directory marks misc items that are directories.
	Directory bool
}

// MiscItem returns a misc content item for a path relative to the installation root.
func MiscItem(path string, directory bool) ContentItem {
	return ContentItem{Type: Misc, Name: path, Directory: directory}
}

// ModuleItem returns a module content item.
func ModuleItem(name, slot string) ContentItem {
	if slot == "" {
		slot = "main"
	}
	return ContentItem{Type: Module, Name: name, Slot: slot}
}

// BundleItem returns a bundle content item.
func BundleItem(name, slot string) ContentItem {
	if slot == "" {
		slot = "main"
	}
	return ContentItem{Type: Bundle, Name: name, Slot: slot}
}

// RelativePath is the slash separated path of the item below its content root.
func (c ContentItem) RelativePath() string {
	if c.Type == Misc {
		return c.Name
	}
	return strings.ReplaceAll(c.Name, ".", "/") + "/" + c.Slot
}

// String names the item the way users see it in conflict reports.
func (c ContentItem) String() string {
	if c.Type == Misc {
		return c.Name
	}
	return c.Name + ":" + c.Slot
}

// Key is unique per location within one target.
func (c ContentItem) Key() string {
	return string(c.Type) + ":" + c.String()
}

// ContentModification is one change to one content item.
type ContentModification struct {
	Item ContentItem
	Type ModificationType
	// Hash is the digest of the item after the change.
	Hash digest.Digest
	// ExistingHash is the digest expected at the location before the change.
	ExistingHash digest.Digest
}

// NewModification returns the modification taking item from existing to
// hash. The action is derived from which side is absent. ok is false when
// both digests are equal and there is nothing to do.
func NewModification(item ContentItem, existing, hash digest.Digest) (ContentModification, bool) {
	if existing == hash {
		return ContentModification{}, false
	}
	mod := ContentModification{Item: item, Hash: hash, ExistingHash: existing}
	switch {
	case existing == "":
		mod.Type = Add
	case hash == "":
		mod.Type = Remove
	default:
		mod.Type = Modify
	}
	return mod, true
}

// Inverse returns the modification undoing m: the action is reversed and
// the two digests swap places.
func (m ContentModification) Inverse() ContentModification {
	inv, _ := NewModification(m.Item, m.Hash, m.ExistingHash)
	return inv
}

func (m ContentModification) String() string {
	return fmt.Sprintf("%s %s", m.Type, m.Item)
}

// UpgradeCondition lists the patches that must, or must not, be applied.
type UpgradeCondition struct {
	Requires         []string
	IncompatibleWith []string
}

// Identity is the identity section of a patch.
type Identity struct {
	Name string
	// Version is the version the patch applies to.
	Version   string
	PatchType PatchType
	// ResultingVersion is set for cumulative patches.
	ResultingVersion string
	UpgradeCondition
}

// Target names the layer or add-on an element patches.
type Target struct {
	Name string
	Type LayerType
}

func (t Target) String() string {
	return string(t.Type) + ":" + t.Name
}

// PatchElement is the part of a patch addressing one layer or add-on.
type PatchElement struct {
	ID          string
	Description string
	Target      Target
	PatchType   PatchType
	UpgradeCondition
	Modifications []ContentModification
}

// Patch is the parsed content of a patch descriptor.
type Patch struct {
	ID          string
	Description string
	Identity    Identity
	Elements    []PatchElement
	// Modifications are the identity level (misc) modifications.
	Modifications []ContentModification
}

// Element returns the element addressing target, if any.
func (p *Patch) Element(target Target) (PatchElement, bool) {
	for _, e := range p.Elements {
		if e.Target == target {
			return e, true
		}
	}
	return PatchElement{}, false
}

// TargetState is the recorded patch state of one target.
type TargetState struct {
	CumulativePatchID string
	// PatchIDs are the applied one-off ids, most recent first.
	PatchIDs []string
}

// IsBase reports whether nothing has ever been applied to the target.
func (s TargetState) IsBase() bool {
	return s.CumulativePatchID == Base && len(s.PatchIDs) == 0
}

// Latest returns the most recently applied patch id and its type.
func (s TargetState) Latest() (string, PatchType, bool) {
	if len(s.PatchIDs) > 0 {
		return s.PatchIDs[0], OneOff, true
	}
	if s.CumulativePatchID != "" && s.CumulativePatchID != Base {
		return s.CumulativePatchID, Cumulative, true
	}
	return "", "", false
}

// NamedState is the state of a named layer or add-on.
type NamedState struct {
	Name string
	TargetState
}

// InstallationState is a snapshot of the installed identity and all of its targets.
type InstallationState struct {
	Name     string
	Version  string
	Identity TargetState
	Layers   []NamedState
	AddOns   []NamedState
}

// Target returns the recorded state of a layer or add-on.
func (s *InstallationState) Target(target Target) (TargetState, bool) {
	list := s.Layers
	if target.Type == AddOn {
		list = s.AddOns
	}
	for _, named := range list {
		if named.Name == target.Name {
			return named.TargetState, true
		}
	}
	return TargetState{}, false
}

// RollbackPatch is the generated inverse of an applied patch. Its
// modifications are already inverted and State is the installation as it
// was before the patch was applied.
type RollbackPatch struct {
	Patch
	State InstallationState
}

// Equal compares two states, treating nil and empty id lists alike.
func (s TargetState) Equal(o TargetState) bool {
	if s.CumulativePatchID != o.CumulativePatchID || len(s.PatchIDs) != len(o.PatchIDs) {
		return false
	}
	for i := range s.PatchIDs {
		if s.PatchIDs[i] != o.PatchIDs[i] {
			return false
		}
	}
	return true
}
