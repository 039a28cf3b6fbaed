package installation

import (
	"sync"

	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/logging"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/arthur-debert/layerpatch/pkg/types"
)

// Callback is notified when a Modification ends.
type Callback interface {
	Completed()
	Canceled()
}

// Manager serializes access to one installation.
type Manager struct {
	fs    types.FS
	image InstalledImage
	lock  sync.Mutex
}

// NewManager returns a manager for the installation rooted at root.
func NewManager(fsys types.FS, root string) *Manager {
	return &Manager{fs: fsys, image: NewInstalledImage(root)}
}

// FS is the filesystem the installation lives on.
func (m *Manager) FS() types.FS {
	return m.fs
}

// Image returns the installation layout.
func (m *Manager) Image() InstalledImage {
	return m.image
}

// Load reads the current installation state.
func (m *Manager) Load() (*Installation, error) {
	return readState(m.fs, m.image)
}

// ModifyInstallation opens the single Modification of this installation.
// It fails with ErrLocked while another one is open. cb may be nil.
func (m *Manager) ModifyInstallation(cb Callback) (*Modification, error) {
	if !m.lock.TryLock() {
		return nil, errors.Newf(errors.ErrLocked, "installation %s is being modified", m.image.Root())
	}
	inst, err := readState(m.fs, m.image)
	if err != nil {
		m.lock.Unlock()
		return nil, err
	}
	mod, err := newModification(m, inst, cb)
	if err != nil {
		m.lock.Unlock()
		return nil, err
	}
	logger := logging.GetLogger("installation")
	logger.Debug().
		Str("root", m.image.Root()).
		Str("version", inst.Version).
		Msg("Installation opened for modification")
	return mod, nil
}

func (m *Manager) release() {
	m.lock.Unlock()
}

// Create writes the state file of a new, unpatched installation and the
// content roots of its layers and add-ons.
func Create(fsys types.FS, root, name, version string, layers, addOns []string) (*Installation, error) {
	image := NewInstalledImage(root)
	exists, err := filesystem.Exists(fsys, image.StateFile())
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrFileAccess, "failed to check %s", image.StateFile())
	}
	if exists {
		return nil, errors.Newf(errors.ErrInvalidInput, "installation already exists at %s", root)
	}
	if name == "" || version == "" {
		return nil, errors.New(errors.ErrInvalidInput, "installation name and version are required")
	}

	inst := &Installation{
		InstallationState: metadata.InstallationState{
			Name:     name,
			Version:  version,
			Identity: metadata.TargetState{CumulativePatchID: metadata.Base},
		},
	}
	for _, kind := range []struct {
		names []string
		typ   metadata.LayerType
		list  *[]metadata.NamedState
	}{
		{layers, metadata.Layer, &inst.Layers},
		{addOns, metadata.AddOn, &inst.AddOns},
	} {
		seen := make(map[string]bool)
		for _, n := range kind.names {
			if n == "" || seen[n] {
				return nil, errors.Newf(errors.ErrInvalidInput, "invalid or duplicate %s name %q", kind.typ, n)
			}
			seen[n] = true
			*kind.list = append(*kind.list, metadata.NamedState{
				Name:        n,
				TargetState: metadata.TargetState{CumulativePatchID: metadata.Base},
			})
			structure := image.Structure(metadata.Target{Name: n, Type: kind.typ})
			for _, dir := range []string{structure.ModuleRoot, structure.BundleRoot} {
				if err := fsys.MkdirAll(dir, 0755); err != nil {
					return nil, errors.Wrapf(err, errors.ErrFileAccess, "failed to create %s", dir)
				}
			}
		}
	}
	if err := fsys.MkdirAll(image.PatchesDir(), 0755); err != nil {
		return nil, errors.Wrapf(err, errors.ErrFileAccess, "failed to create %s", image.PatchesDir())
	}
	if err := writeState(fsys, image, inst); err != nil {
		return nil, err
	}
	logger := logging.GetLogger("installation")
	logger.Info().
		Str("root", root).
		Str("name", name).
		Str("version", version).
		Msg("Installation created")
	return inst, nil
}
