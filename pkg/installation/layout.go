package installation

import (
	"path/filepath"

	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/arthur-debert/layerpatch/pkg/types"
)

// Installation layout
// These names define the on-disk format and are not configurable.
const (
	// MetadataDirName holds the state file and the patch history
	MetadataDirName = ".installation"

	// StateFileName is the installation state file
	StateFileName = "installation.toml"

	// PatchesDirName is the history directory below MetadataDirName
	PatchesDirName = "patches"

	// MiscBackupDirName holds the backups of misc files inside a history entry
	MiscBackupDirName = "misc"

	// OverlaysDirName holds one overlay per patch element below a content root
	OverlaysDirName = ".overlays"

	// RemovedMarker hides a module or bundle in an overlay
	RemovedMarker = ".removed"

	ModulesDirName = "modules"
	BundlesDirName = "bundles"
	SystemDirName  = "system"
	LayersDirName  = "layers"
	AddOnsDirName  = "add-ons"
)

// InstalledImage resolves the well known locations of an installation.
type InstalledImage struct {
	root string
}

// NewInstalledImage returns the image rooted at root.
func NewInstalledImage(root string) InstalledImage {
	return InstalledImage{root: filepath.Clean(root)}
}

// Root is the installation root; misc items are relative to it.
func (i InstalledImage) Root() string {
	return i.root
}

func (i InstalledImage) MetadataDir() string {
	return filepath.Join(i.root, MetadataDirName)
}

func (i InstalledImage) StateFile() string {
	return filepath.Join(i.MetadataDir(), StateFileName)
}

func (i InstalledImage) PatchesDir() string {
	return filepath.Join(i.MetadataDir(), PatchesDirName)
}

// PatchHistoryDir is the history entry of a patch.
func (i InstalledImage) PatchHistoryDir(patchID string) string {
	return filepath.Join(i.PatchesDir(), patchID)
}

func (i InstalledImage) PatchXML(patchID string) string {
	return filepath.Join(i.PatchHistoryDir(patchID), metadata.PatchXML)
}

func (i InstalledImage) RollbackXML(patchID string) string {
	return filepath.Join(i.PatchHistoryDir(patchID), metadata.RollbackXML)
}

// MiscBackupDir holds the pre-patch copies of the misc files a patch touched.
func (i InstalledImage) MiscBackupDir(patchID string) string {
	return filepath.Join(i.PatchHistoryDir(patchID), MiscBackupDirName)
}

// MiscPath is the live location of a misc item.
func (i InstalledImage) MiscPath(item metadata.ContentItem) string {
	return filepath.Join(i.root, filepath.FromSlash(item.RelativePath()))
}

// Structure returns the directory structure of a layer or add-on.
func (i InstalledImage) Structure(target metadata.Target) DirectoryStructure {
	kind := LayersDirName
	if target.Type == metadata.AddOn {
		kind = AddOnsDirName
	}
	return DirectoryStructure{
		ModuleRoot: filepath.Join(i.root, ModulesDirName, SystemDirName, kind, target.Name),
		BundleRoot: filepath.Join(i.root, BundlesDirName, SystemDirName, kind, target.Name),
	}
}

// DirectoryStructure locates the module and bundle content of one layer or
// add-on. The identity has an empty structure.
type DirectoryStructure struct {
	ModuleRoot string
	BundleRoot string
}

func (d DirectoryStructure) contentRoot(kind metadata.ContentType) string {
	if kind == metadata.Bundle {
		return d.BundleRoot
	}
	return d.ModuleRoot
}

// ModulePatchDirectory is the module overlay written by a patch element.
func (d DirectoryStructure) ModulePatchDirectory(elementID string) string {
	return filepath.Join(d.ModuleRoot, OverlaysDirName, elementID)
}

// BundlePatchDirectory is the bundle overlay written by a patch element.
func (d DirectoryStructure) BundlePatchDirectory(elementID string) string {
	return filepath.Join(d.BundleRoot, OverlaysDirName, elementID)
}

// OverlayPath is where elementID stores item.
func (d DirectoryStructure) OverlayPath(elementID string, item metadata.ContentItem) string {
	return filepath.Join(d.contentRoot(item.Type), OverlaysDirName, elementID, filepath.FromSlash(item.RelativePath()))
}

// BasePath is the unpatched location of item.
func (d DirectoryStructure) BasePath(item metadata.ContentItem) string {
	return filepath.Join(d.contentRoot(item.Type), filepath.FromSlash(item.RelativePath()))
}

// ActiveOverlays lists the element ids whose overlays are visible for
// state, in lookup order: one-offs most recent first, then the cumulative
// patch.
func ActiveOverlays(state metadata.TargetState) []string {
	ids := append([]string(nil), state.PatchIDs...)
	if state.CumulativePatchID != "" && state.CumulativePatchID != metadata.Base {
		ids = append(ids, state.CumulativePatchID)
	}
	return ids
}

// Resolve returns the effective location of a module or bundle for the
// given target state. ok is false when no overlay and no base copy hold
// the item, or when the first overlay holding it marks it removed.
func (d DirectoryStructure) Resolve(fsys types.FS, state metadata.TargetState, item metadata.ContentItem) (string, bool, error) {
	for _, id := range ActiveOverlays(state) {
		p := d.OverlayPath(id, item)
		exists, err := filesystem.Exists(fsys, p)
		if err != nil {
			return "", false, err
		}
		if !exists {
			continue
		}
		removed, err := filesystem.Exists(fsys, filepath.Join(p, RemovedMarker))
		if err != nil {
			return "", false, err
		}
		if removed {
			return "", false, nil
		}
		return p, true, nil
	}
	p := d.BasePath(item)
	exists, err := filesystem.Exists(fsys, p)
	if err != nil || !exists {
		return "", false, err
	}
	return p, true, nil
}
