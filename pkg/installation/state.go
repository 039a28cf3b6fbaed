package installation

import (
	"os"

	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/arthur-debert/layerpatch/pkg/types"
	toml "github.com/pelletier/go-toml/v2"
)

// TargetInfo is the applied patch state of the identity, a layer or an add-on.
type TargetInfo = metadata.TargetState

// Installation is a read-only view of the persisted installation state.
type Installation struct {
	metadata.InstallationState
	// InstalledPatches are the ids of every active patch.
	InstalledPatches []string
}

// IsApplied reports whether patchID is active.
func (i *Installation) IsApplied(patchID string) bool {
	return contains(i.InstalledPatches, patchID)
}

type stateFile struct {
	Name      string        `toml:"name"`
	Version   string        `toml:"version"`
	Installed []string      `toml:"installed-patches"`
	Identity  targetRecord  `toml:"identity"`
	Layers    []namedRecord `toml:"layers"`
	AddOns    []namedRecord `toml:"add-ons"`
}

type targetRecord struct {
	Cumulative string   `toml:"cumulative"`
	Patches    []string `toml:"patches"`
}

type namedRecord struct {
	Name       string   `toml:"name"`
	Cumulative string   `toml:"cumulative"`
	Patches    []string `toml:"patches"`
}

func readState(fsys types.FS, image InstalledImage) (*Installation, error) {
	path := image.StateFile()
	data, err := fsys.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrNotFound, "no installation at %s", image.Root()).
				WithDetail("path", path)
		}
		return nil, errors.Wrapf(err, errors.ErrFileAccess, "failed to read %s", path)
	}

	var file stateFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, errors.ErrParse, "failed to parse %s", path)
	}

	inst := &Installation{
		InstallationState: metadata.InstallationState{
			Name:     file.Name,
			Version:  file.Version,
			Identity: file.Identity.state(),
		},
		InstalledPatches: file.Installed,
	}
	for _, rec := range file.Layers {
		inst.Layers = append(inst.Layers, metadata.NamedState{Name: rec.Name, TargetState: rec.state()})
	}
	for _, rec := range file.AddOns {
		inst.AddOns = append(inst.AddOns, metadata.NamedState{Name: rec.Name, TargetState: rec.state()})
	}
	return inst, nil
}

func writeState(fsys types.FS, image InstalledImage, inst *Installation) error {
	file := stateFile{
		Name:      inst.Name,
		Version:   inst.Version,
		Installed: nonNil(inst.InstalledPatches),
		Identity:  newTargetRecord(inst.Identity),
	}
	for _, layer := range inst.Layers {
		file.Layers = append(file.Layers, newNamedRecord(layer))
	}
	for _, addOn := range inst.AddOns {
		file.AddOns = append(file.AddOns, newNamedRecord(addOn))
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "failed to encode installation state")
	}
	if err := fsys.MkdirAll(image.MetadataDir(), 0755); err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to create %s", image.MetadataDir())
	}
	// write next to the state file and rename so readers never see a partial file
	tmp := image.StateFile() + ".tmp"
	if err := fsys.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to write %s", tmp)
	}
	if err := fsys.Rename(tmp, image.StateFile()); err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to replace %s", image.StateFile())
	}
	return nil
}

func (r targetRecord) state() metadata.TargetState {
	return metadata.TargetState{CumulativePatchID: orBase(r.Cumulative), PatchIDs: r.Patches}
}

func (r namedRecord) state() metadata.TargetState {
	return metadata.TargetState{CumulativePatchID: orBase(r.Cumulative), PatchIDs: r.Patches}
}

func newTargetRecord(s metadata.TargetState) targetRecord {
	return targetRecord{Cumulative: orBase(s.CumulativePatchID), Patches: nonNil(s.PatchIDs)}
}

func newNamedRecord(s metadata.NamedState) namedRecord {
	return namedRecord{Name: s.Name, Cumulative: orBase(s.CumulativePatchID), Patches: nonNil(s.PatchIDs)}
}

func orBase(id string) string {
	if id == "" {
		return metadata.Base
	}
	return id
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
