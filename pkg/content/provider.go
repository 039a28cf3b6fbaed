package content

import (
	"io"
	"path/filepath"

	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/logging"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/arthur-debert/layerpatch/pkg/types"
)

// Content directories below an id directory of the archive
const (
	MiscDirName    = "misc"
	ModulesDirName = "modules"
	BundlesDirName = "bundles"
)

// Loader gives access to the new content of items.
type Loader interface {
	// Path is the location holding the content of item. Modules, bundles
	// and misc directories are directories; misc files are files.
	Path(item metadata.ContentItem) string
	// Open streams the content of a file item.
	Open(item metadata.ContentItem) (io.ReadCloser, error)
}

// DirLoader loads content from plain directories.
type DirLoader struct {
	fs          types.FS
	miscRoot    string
	modulesRoot string
	bundlesRoot string
}

// NewDirLoader returns a loader over the given roots. Roots may be empty
// when the loader never serves that content type.
func NewDirLoader(fsys types.FS, miscRoot, modulesRoot, bundlesRoot string) *DirLoader {
	return &DirLoader{fs: fsys, miscRoot: miscRoot, modulesRoot: modulesRoot, bundlesRoot: bundlesRoot}
}

func (l *DirLoader) Path(item metadata.ContentItem) string {
	root := l.miscRoot
	switch item.Type {
	case metadata.Module:
		root = l.modulesRoot
	case metadata.Bundle:
		root = l.bundlesRoot
	}
	return filepath.Join(root, filepath.FromSlash(item.RelativePath()))
}

func (l *DirLoader) Open(item metadata.ContentItem) (io.ReadCloser, error) {
	return l.fs.Open(l.Path(item))
}

// Provider resolves the loader of a patch or element id. Loaders for the
// unpacked archive are derived from its layout; others, such as the
// overlays of an earlier cumulative patch, are recorded explicitly.
type Provider struct {
	fs       types.FS
	root     string
	recorded map[string]Loader
	// removeRoot is the work root Unpack created, removed with root.
	removeRoot string
}

// NewProvider returns a provider over an unpacked archive at root.
func NewProvider(fsys types.FS, root string) *Provider {
	return &Provider{fs: fsys, root: root, recorded: make(map[string]Loader)}
}

// Root is the work directory the archive was unpacked into.
func (p *Provider) Root() string {
	return p.root
}

// Record registers the loader for content that is not part of the archive.
func (p *Provider) Record(id string, loader Loader) {
	p.recorded[id] = loader
}

// GetLoader returns the loader of id.
func (p *Provider) GetLoader(id string) (Loader, error) {
	if loader, ok := p.recorded[id]; ok {
		return loader, nil
	}
	if id == "" {
		return nil, errors.New(errors.ErrInternal, "content loader requested without id")
	}
	dir := filepath.Join(p.root, id)
	return NewDirLoader(p.fs,
		filepath.Join(dir, MiscDirName),
		filepath.Join(dir, ModulesDirName),
		filepath.Join(dir, BundlesDirName),
	), nil
}

// Cleanup removes the work directory.
func (p *Provider) Cleanup() {
	dir := p.root
	if p.removeRoot != "" {
		dir = p.removeRoot
	}
	if dir == "" {
		return
	}
	if err := p.fs.RemoveAll(dir); err != nil {
		logger := logging.GetLogger("content")
		logger.Warn().Err(err).Str("workDir", dir).Msg("Failed to remove work directory")
	}
}
