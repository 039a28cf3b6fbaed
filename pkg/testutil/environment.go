// pkg/testutil/environment.go
// DEPENDENCIES: None (base test utilities)
// PURPOSE: Build throwaway installations for engine tests

package testutil

import (
	"path/filepath"
	"testing"

	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/installation"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/arthur-debert/layerpatch/pkg/types"
	"github.com/stretchr/testify/require"
)

// Default locations of an Env
const (
	DefaultRoot     = "/opt/server"
	DefaultWorkRoot = "/tmp/work"
)

// Targets used throughout the engine tests
var (
	BaseLayer = metadata.Target{Name: "base", Type: metadata.Layer}
	WebAddOn  = metadata.Target{Name: "web", Type: metadata.AddOn}
)

// Env is an installation on an in-memory filesystem.
type Env struct {
	FS       types.FS
	Root     string
	WorkRoot string
	Manager  *installation.Manager

	t *testing.T
}

// NewEnv creates an installation named "server" at version with the given
// layers and add-ons.
func NewEnv(t *testing.T, version string, layers, addOns []string) *Env {
	t.Helper()

	fsys := filesystem.NewMemory()
	_, err := installation.Create(fsys, DefaultRoot, "server", version, layers, addOns)
	require.NoError(t, err)
	require.NoError(t, fsys.MkdirAll(DefaultWorkRoot, 0755))

	return &Env{
		FS:       fsys,
		Root:     DefaultRoot,
		WorkRoot: DefaultWorkRoot,
		Manager:  installation.NewManager(fsys, DefaultRoot),
		t:        t,
	}
}

// Path returns the absolute path of a slash separated path below the root.
func (e *Env) Path(rel string) string {
	return filepath.Join(e.Root, filepath.FromSlash(rel))
}

// WriteFile writes a misc file below the root.
func (e *Env) WriteFile(rel, content string) {
	e.t.Helper()
	p := e.Path(rel)
	require.NoError(e.t, e.FS.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(e.t, e.FS.WriteFile(p, []byte(content), 0644))
}

// ReadFile reads a misc file below the root.
func (e *Env) ReadFile(rel string) string {
	e.t.Helper()
	data, err := e.FS.ReadFile(e.Path(rel))
	require.NoError(e.t, err)
	return string(data)
}

// WriteBaseModule installs the unpatched copy of a module.
func (e *Env) WriteBaseModule(target metadata.Target, name string, files map[string]string) {
	e.t.Helper()
	structure := e.Manager.Image().Structure(target)
	dir := structure.BasePath(metadata.ModuleItem(name, ""))
	for rel, data := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(e.t, e.FS.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(e.t, e.FS.WriteFile(p, []byte(data), 0644))
	}
}

// EffectiveModule returns where the module is currently resolved, if anywhere.
func (e *Env) EffectiveModule(target metadata.Target, name string) (string, bool) {
	e.t.Helper()
	inst := e.State()
	state, ok := inst.Target(target)
	require.True(e.t, ok, "unknown target %s", target)
	p, ok, err := e.Manager.Image().Structure(target).Resolve(e.FS, state, metadata.ModuleItem(name, ""))
	require.NoError(e.t, err)
	return p, ok
}

// State loads the persisted installation state.
func (e *Env) State() *installation.Installation {
	e.t.Helper()
	inst, err := e.Manager.Load()
	require.NoError(e.t, err)
	return inst
}
