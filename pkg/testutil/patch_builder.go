package testutil

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"sort"
	"testing"

	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

// PatchBuilder declares a patch and renders it as an archive.
//
//	b := NewPatchBuilder("op-1", "1.0.0", metadata.OneOff).AddFile("bin/run.sh", "echo")
//	b.Element("op-1-base", BaseLayer).AddModule("org.acme", map[string]string{"module.xml": "<module/>"})
//	result, err := coordinator.Apply(ctx, b.Reader(t), policy)
type PatchBuilder struct {
	patch    metadata.Patch
	elements []*ElementBuilder
	files    map[string]string
}

// ElementBuilder declares one element of a PatchBuilder.
type ElementBuilder struct {
	parent  *PatchBuilder
	element metadata.PatchElement
}

// NewPatchBuilder starts a patch applying to version.
func NewPatchBuilder(id, appliesTo string, patchType metadata.PatchType) *PatchBuilder {
	return &PatchBuilder{
		patch: metadata.Patch{
			ID: id,
			Identity: metadata.Identity{
				Name:      "server",
				Version:   appliesTo,
				PatchType: patchType,
			},
		},
		files: make(map[string]string),
	}
}

// ResultingVersion sets the version a cumulative patch upgrades to.
func (b *PatchBuilder) ResultingVersion(version string) *PatchBuilder {
	b.patch.Identity.ResultingVersion = version
	return b
}

func (b *PatchBuilder) Requires(ids ...string) *PatchBuilder {
	b.patch.Identity.Requires = append(b.patch.Identity.Requires, ids...)
	return b
}

func (b *PatchBuilder) IncompatibleWith(ids ...string) *PatchBuilder {
	b.patch.Identity.IncompatibleWith = append(b.patch.Identity.IncompatibleWith, ids...)
	return b
}

// AddFile adds a misc file.
func (b *PatchBuilder) AddFile(rel, content string) *PatchBuilder {
	return b.misc(rel, "", &content)
}

// UpdateFile replaces a misc file expected to hold existing.
func (b *PatchBuilder) UpdateFile(rel, existing, content string) *PatchBuilder {
	return b.misc(rel, Checksum(existing), &content)
}

// RemoveFile removes a misc file expected to hold existing.
func (b *PatchBuilder) RemoveFile(rel, existing string) *PatchBuilder {
	return b.misc(rel, Checksum(existing), nil)
}

func (b *PatchBuilder) misc(rel string, existing digest.Digest, content *string) *PatchBuilder {
	var hash digest.Digest
	if content != nil {
		hash = Checksum(*content)
		b.files[path.Join(b.patch.ID, "misc", rel)] = *content
	}
	mod, _ := metadata.NewModification(metadata.MiscItem(rel, false), existing, hash)
	b.patch.Modifications = append(b.patch.Modifications, mod)
	return b
}

// Element adds an element for target, inheriting the patch type.
func (b *PatchBuilder) Element(id string, target metadata.Target) *ElementBuilder {
	eb := &ElementBuilder{
		parent: b,
		element: metadata.PatchElement{
			ID:        id,
			Target:    target,
			PatchType: b.patch.Identity.PatchType,
		},
	}
	b.elements = append(b.elements, eb)
	return eb
}

func (e *ElementBuilder) Requires(ids ...string) *ElementBuilder {
	e.element.Requires = append(e.element.Requires, ids...)
	return e
}

func (e *ElementBuilder) IncompatibleWith(ids ...string) *ElementBuilder {
	e.element.IncompatibleWith = append(e.element.IncompatibleWith, ids...)
	return e
}

// AddFile lets an element carry a misc file; misc content always belongs to
// the identity, so the content is stored under the element id.
func (e *ElementBuilder) AddFile(rel, content string) *ElementBuilder {
	e.parent.files[path.Join(e.element.ID, "misc", rel)] = content
	mod, _ := metadata.NewModification(metadata.MiscItem(rel, false), "", Checksum(content))
	e.element.Modifications = append(e.element.Modifications, mod)
	return e
}

// UpdateFile replaces a misc file from an element.
func (e *ElementBuilder) UpdateFile(rel, existing, content string) *ElementBuilder {
	e.parent.files[path.Join(e.element.ID, "misc", rel)] = content
	mod, _ := metadata.NewModification(metadata.MiscItem(rel, false), Checksum(existing), Checksum(content))
	e.element.Modifications = append(e.element.Modifications, mod)
	return e
}

// AddModule adds a module in the main slot.
func (e *ElementBuilder) AddModule(name string, files map[string]string) *ElementBuilder {
	return e.module(name, "", files)
}

// UpdateModule replaces a module expected to hold existing.
func (e *ElementBuilder) UpdateModule(name string, existing, files map[string]string) *ElementBuilder {
	return e.module(name, TreeChecksum(existing), files)
}

// RemoveModule removes a module expected to hold existing.
func (e *ElementBuilder) RemoveModule(name string, existing map[string]string) *ElementBuilder {
	return e.module(name, TreeChecksum(existing), nil)
}

func (e *ElementBuilder) module(name string, existing digest.Digest, files map[string]string) *ElementBuilder {
	item := metadata.ModuleItem(name, "")
	var hash digest.Digest
	if files != nil {
		hash = TreeChecksum(files)
		for rel, data := range files {
			e.parent.files[path.Join(e.element.ID, "modules", item.RelativePath(), rel)] = data
		}
	}
	mod, _ := metadata.NewModification(item, existing, hash)
	e.element.Modifications = append(e.element.Modifications, mod)
	return e
}

// Patch returns the declared patch.
func (b *PatchBuilder) Patch() *metadata.Patch {
	p := b.patch
	p.Elements = nil
	for _, eb := range b.elements {
		p.Elements = append(p.Elements, eb.element)
	}
	return &p
}

// Build renders the archive.
func (b *PatchBuilder) Build(t *testing.T) []byte {
	t.Helper()

	descriptor, err := metadata.Marshal(b.Patch())
	require.NoError(t, err)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	write := func(name string, data []byte) {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	write(metadata.PatchXML, descriptor)

	names := make([]string, 0, len(b.files))
	for name := range b.files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		write(name, []byte(b.files[name]))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// Reader renders the archive as a stream.
func (b *PatchBuilder) Reader(t *testing.T) io.Reader {
	t.Helper()
	return bytes.NewReader(b.Build(t))
}
