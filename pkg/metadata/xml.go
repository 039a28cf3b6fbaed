package metadata

import (
	"strconv"

	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/types"
	"github.com/beevik/etree"
	"github.com/opencontainers/go-digest"
)

// Descriptor file names
const (
	// PatchXML is the descriptor at the root of a patch archive and in every history entry.
	PatchXML = "patch.xml"
	// RollbackXML is the generated inverse descriptor stored next to patch.xml.
	RollbackXML = "rollback.xml"
	// BundleXML marks a multi patch bundle archive.
	BundleXML = "patches.xml"
)

// Namespace is the XML namespace of both descriptors.
const Namespace = "urn:layerpatch:patch:1.0"

const (
	elemPatch            = "patch"
	elemRollback         = "rollback-patch"
	elemDescription      = "description"
	elemIdentity         = "identity"
	elemElement          = "element"
	elemRequires         = "requires"
	elemIncompatibleWith = "incompatible-with"
	elemPatchRef         = "patch"
	elemMisc             = "misc-files"
	elemModules          = "modules"
	elemBundles          = "bundles"
	elemAdded            = "added"
	elemUpdated          = "updated"
	elemRemoved          = "removed"
	elemInstallation     = "installation"
)

var contentSections = []struct {
	tag  string
	kind ContentType
}{
	{elemMisc, Misc},
	{elemModules, Module},
	{elemBundles, Bundle},
}

var modificationTags = map[string]ModificationType{
	elemAdded:   Add,
	elemUpdated: Modify,
	elemRemoved: Remove,
}

// Parse reads a patch descriptor and validates it.
func Parse(data []byte) (*Patch, error) {
	root, err := readRoot(data, elemPatch)
	if err != nil {
		return nil, err
	}
	patch, err := readPatch(root)
	if err != nil {
		return nil, err
	}
	if err := Validate(patch); err != nil {
		return nil, err
	}
	return patch, nil
}

// ParseFile reads and validates the patch descriptor at path.
func ParseFile(fsys types.FS, path string) (*Patch, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrParse, "failed to read %s", path).
			WithDetail("path", path)
	}
	return Parse(data)
}

// ParseRollback reads a rollback descriptor.
func ParseRollback(data []byte) (*RollbackPatch, error) {
	root, err := readRoot(data, elemRollback)
	if err != nil {
		return nil, err
	}
	patch, err := readPatch(root)
	if err != nil {
		return nil, err
	}
	rollback := &RollbackPatch{Patch: *patch}
	installation := root.SelectElement(elemInstallation)
	if installation == nil {
		return nil, errors.Newf(errors.ErrParse, "rollback descriptor for %s has no installation state", patch.ID)
	}
	rollback.State = readInstallation(installation)
	return rollback, nil
}

// ParseRollbackFile reads the rollback descriptor at path.
func ParseRollbackFile(fsys types.FS, path string) (*RollbackPatch, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrParse, "failed to read %s", path).
			WithDetail("path", path)
	}
	return ParseRollback(data)
}

func readRoot(data []byte, tag string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, errors.Wrap(err, errors.ErrParse, "malformed descriptor")
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New(errors.ErrParse, "empty descriptor")
	}
	if root.Tag != tag {
		return nil, errors.Newf(errors.ErrParse, "unexpected root element <%s>, want <%s>", root.Tag, tag)
	}
	return root, nil
}

func readPatch(root *etree.Element) (*Patch, error) {
	patch := &Patch{
		ID:          root.SelectAttrValue("id", ""),
		Description: readDescription(root),
	}

	identity := root.SelectElement(elemIdentity)
	if identity == nil {
		return nil, errors.Newf(errors.ErrParse, "patch %q has no identity", patch.ID)
	}
	patch.Identity = Identity{
		Name:             identity.SelectAttrValue("name", ""),
		Version:          identity.SelectAttrValue("version", ""),
		PatchType:        PatchType(identity.SelectAttrValue("type", "")),
		ResultingVersion: identity.SelectAttrValue("resulting-version", ""),
		UpgradeCondition: readCondition(identity),
	}

	for _, el := range root.SelectElements(elemElement) {
		element, err := readElement(el)
		if err != nil {
			return nil, err
		}
		patch.Elements = append(patch.Elements, element)
	}

	mods, err := readModifications(root)
	if err != nil {
		return nil, err
	}
	patch.Modifications = mods
	return patch, nil
}

func readElement(el *etree.Element) (PatchElement, error) {
	element := PatchElement{
		ID:          el.SelectAttrValue("id", ""),
		Description: readDescription(el),
	}
	layer, addOn := el.SelectElement(string(Layer)), el.SelectElement(string(AddOn))
	var provider *etree.Element
	switch {
	case layer != nil && addOn != nil:
		return PatchElement{}, errors.Newf(errors.ErrParse, "element %q names both a layer and an add-on", element.ID)
	case layer != nil:
		provider, element.Target.Type = layer, Layer
	case addOn != nil:
		provider, element.Target.Type = addOn, AddOn
	default:
		return PatchElement{}, errors.Newf(errors.ErrParse, "element %q has no layer or add-on", element.ID)
	}
	element.Target.Name = provider.SelectAttrValue("name", "")
	element.PatchType = PatchType(provider.SelectAttrValue("type", string(OneOff)))
	element.UpgradeCondition = readCondition(provider)

	mods, err := readModifications(el)
	if err != nil {
		return PatchElement{}, err
	}
	element.Modifications = mods
	return element, nil
}

func readDescription(el *etree.Element) string {
	if d := el.SelectElement(elemDescription); d != nil {
		return d.Text()
	}
	return ""
}

func readCondition(el *etree.Element) UpgradeCondition {
	return UpgradeCondition{
		Requires:         readPatchRefs(el.SelectElement(elemRequires)),
		IncompatibleWith: readPatchRefs(el.SelectElement(elemIncompatibleWith)),
	}
}

func readPatchRefs(el *etree.Element) []string {
	if el == nil {
		return nil
	}
	var ids []string
	for _, ref := range el.SelectElements(elemPatchRef) {
		ids = append(ids, ref.SelectAttrValue("id", ""))
	}
	return ids
}

func readModifications(parent *etree.Element) ([]ContentModification, error) {
	var mods []ContentModification
	for _, section := range contentSections {
		sectionEl := parent.SelectElement(section.tag)
		if sectionEl == nil {
			continue
		}
		for _, child := range sectionEl.ChildElements() {
			modType, ok := modificationTags[child.Tag]
			if !ok {
				return nil, errors.Newf(errors.ErrParse, "unknown modification <%s> in <%s>", child.Tag, section.tag)
			}
			mod, err := readModification(section.kind, modType, child)
			if err != nil {
				return nil, err
			}
			mods = append(mods, mod)
		}
	}
	return mods, nil
}

func readModification(kind ContentType, modType ModificationType, el *etree.Element) (ContentModification, error) {
	var item ContentItem
	switch kind {
	case Misc:
		directory, _ := strconv.ParseBool(el.SelectAttrValue("directory", "false"))
		item = MiscItem(el.SelectAttrValue("path", ""), directory)
	case Module:
		item = ModuleItem(el.SelectAttrValue("name", ""), el.SelectAttrValue("slot", ""))
	case Bundle:
		item = BundleItem(el.SelectAttrValue("name", ""), el.SelectAttrValue("slot", ""))
	}
	mod := ContentModification{Item: item, Type: modType}
	var err error
	if mod.Hash, err = readDigest(el, "hash"); err != nil {
		return mod, err
	}
	if mod.ExistingHash, err = readDigest(el, "existing-hash"); err != nil {
		return mod, err
	}
	return mod, nil
}

func readDigest(el *etree.Element, attr string) (digest.Digest, error) {
	value := el.SelectAttrValue(attr, "")
	if value == "" {
		return "", nil
	}
	d, err := digest.Parse(value)
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrParse, "invalid %s %q", attr, value)
	}
	return d, nil
}

func readInstallation(el *etree.Element) InstallationState {
	state := InstallationState{
		Name:    el.SelectAttrValue("name", ""),
		Version: el.SelectAttrValue("version", ""),
	}
	if identity := el.SelectElement(elemIdentity); identity != nil {
		state.Identity = readTargetState(identity)
	}
	for _, layer := range el.SelectElements(string(Layer)) {
		state.Layers = append(state.Layers, NamedState{
			Name:        layer.SelectAttrValue("name", ""),
			TargetState: readTargetState(layer),
		})
	}
	for _, addOn := range el.SelectElements(string(AddOn)) {
		state.AddOns = append(state.AddOns, NamedState{
			Name:        addOn.SelectAttrValue("name", ""),
			TargetState: readTargetState(addOn),
		})
	}
	return state
}

func readTargetState(el *etree.Element) TargetState {
	return TargetState{
		CumulativePatchID: el.SelectAttrValue("cumulative", Base),
		PatchIDs:          readPatchRefs(el),
	}
}

// Marshal renders a patch descriptor.
func Marshal(patch *Patch) ([]byte, error) {
	doc := newDocument()
	root := doc.CreateElement(elemPatch)
	writePatch(root, patch)
	return render(doc)
}

// MarshalRollback renders a rollback descriptor.
func MarshalRollback(rollback *RollbackPatch) ([]byte, error) {
	doc := newDocument()
	root := doc.CreateElement(elemRollback)
	writePatch(root, &rollback.Patch)
	writeInstallation(root, rollback.State)
	return render(doc)
}

func newDocument() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	return doc
}

func render(doc *etree.Document) ([]byte, error) {
	doc.Indent(4)
	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "failed to render descriptor")
	}
	return data, nil
}

func writePatch(root *etree.Element, patch *Patch) {
	root.CreateAttr("xmlns", Namespace)
	root.CreateAttr("id", patch.ID)
	writeDescription(root, patch.Description)

	identity := root.CreateElement(elemIdentity)
	identity.CreateAttr("name", patch.Identity.Name)
	identity.CreateAttr("version", patch.Identity.Version)
	identity.CreateAttr("type", string(patch.Identity.PatchType))
	if patch.Identity.ResultingVersion != "" {
		identity.CreateAttr("resulting-version", patch.Identity.ResultingVersion)
	}
	writeCondition(identity, patch.Identity.UpgradeCondition)

	for _, element := range patch.Elements {
		el := root.CreateElement(elemElement)
		el.CreateAttr("id", element.ID)
		writeDescription(el, element.Description)
		provider := el.CreateElement(string(element.Target.Type))
		provider.CreateAttr("name", element.Target.Name)
		provider.CreateAttr("type", string(element.PatchType))
		writeCondition(provider, element.UpgradeCondition)
		writeModifications(el, element.Modifications)
	}
	writeModifications(root, patch.Modifications)
}

func writeDescription(parent *etree.Element, description string) {
	if description != "" {
		parent.CreateElement(elemDescription).SetText(description)
	}
}

func writeCondition(parent *etree.Element, cond UpgradeCondition) {
	writePatchRefs(parent, elemRequires, cond.Requires)
	writePatchRefs(parent, elemIncompatibleWith, cond.IncompatibleWith)
}

func writePatchRefs(parent *etree.Element, tag string, ids []string) {
	if len(ids) == 0 {
		return
	}
	el := parent.CreateElement(tag)
	for _, id := range ids {
		el.CreateElement(elemPatchRef).CreateAttr("id", id)
	}
}

func writeModifications(parent *etree.Element, mods []ContentModification) {
	for _, section := range contentSections {
		var sectionEl *etree.Element
		for _, mod := range mods {
			if mod.Item.Type != section.kind {
				continue
			}
			if sectionEl == nil {
				sectionEl = parent.CreateElement(section.tag)
			}
			writeModification(sectionEl, mod)
		}
	}
}

func writeModification(parent *etree.Element, mod ContentModification) {
	var tag string
	for t, mt := range modificationTags {
		if mt == mod.Type {
			tag = t
		}
	}
	el := parent.CreateElement(tag)
	if mod.Item.Type == Misc {
		el.CreateAttr("path", mod.Item.Name)
		if mod.Item.Directory {
			el.CreateAttr("directory", "true")
		}
	} else {
		el.CreateAttr("name", mod.Item.Name)
		el.CreateAttr("slot", mod.Item.Slot)
	}
	if mod.Hash != "" {
		el.CreateAttr("hash", mod.Hash.String())
	}
	if mod.ExistingHash != "" {
		el.CreateAttr("existing-hash", mod.ExistingHash.String())
	}
}

func writeInstallation(root *etree.Element, state InstallationState) {
	el := root.CreateElement(elemInstallation)
	el.CreateAttr("name", state.Name)
	el.CreateAttr("version", state.Version)
	writeTargetState(el.CreateElement(elemIdentity), state.Identity)
	for _, layer := range state.Layers {
		child := el.CreateElement(string(Layer))
		child.CreateAttr("name", layer.Name)
		writeTargetState(child, layer.TargetState)
	}
	for _, addOn := range state.AddOns {
		child := el.CreateElement(string(AddOn))
		child.CreateAttr("name", addOn.Name)
		writeTargetState(child, addOn.TargetState)
	}
}

func writeTargetState(el *etree.Element, state TargetState) {
	cumulative := state.CumulativePatchID
	if cumulative == "" {
		cumulative = Base
	}
	el.CreateAttr("cumulative", cumulative)
	for _, id := range state.PatchIDs {
		el.CreateElement(elemPatchRef).CreateAttr("id", id)
	}
}
