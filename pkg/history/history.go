// Package history reads the history entries applied patches leave behind
// and checks that they still describe a consistent chain.
//
// Every applied patch has a directory below .installation/patches holding
// its original descriptor and the generated rollback descriptor. The
// rollback descriptor records the installation state from before the
// patch, so the identity's most recent patch id in that state names the
// previous history entry. Following those links from the current state
// yields the whole history, newest first.
package history

import (
	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/installation"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/arthur-debert/layerpatch/pkg/types"
)

// Entry is one applied patch.
type Entry struct {
	PatchID  string
	Type     metadata.PatchType
	Patch    *metadata.Patch
	Rollback *metadata.RollbackPatch
	// Layers and AddOns map target names to the element ids the patch
	// applied to them.
	Layers map[string]string
	AddOns map[string]string
	// Active is false for one-offs invalidated by a later cumulative patch.
	Active bool
}

// History gives access to the history of one installation.
type History struct {
	fs    types.FS
	image installation.InstalledImage
}

// New returns the history of the installation laid out as image.
func New(fsys types.FS, image installation.InstalledImage) *History {
	return &History{fs: fsys, image: image}
}

// Load reads both descriptors of a history entry.
func (h *History) Load(patchID string) (*Entry, error) {
	dir := h.image.PatchHistoryDir(patchID)
	exists, err := filesystem.Exists(h.fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrFileAccess, "failed to inspect %s", dir)
	}
	if !exists {
		return nil, errors.Newf(errors.ErrHistoryInconsistent, "no history for patch %s", patchID).
			WithDetail("patch", patchID)
	}

	patch, err := metadata.ParseFile(h.fs, h.image.PatchXML(patchID))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrHistoryInconsistent, "unreadable %s of patch %s", metadata.PatchXML, patchID).
			WithDetail("patch", patchID)
	}
	rollback, err := metadata.ParseRollbackFile(h.fs, h.image.RollbackXML(patchID))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrHistoryInconsistent, "unreadable %s of patch %s", metadata.RollbackXML, patchID).
			WithDetail("patch", patchID)
	}
	return newEntry(patch, rollback), nil
}

func newEntry(patch *metadata.Patch, rollback *metadata.RollbackPatch) *Entry {
	entry := &Entry{
		PatchID:  patch.ID,
		Type:     patch.Identity.PatchType,
		Patch:    patch,
		Rollback: rollback,
		Layers:   make(map[string]string),
		AddOns:   make(map[string]string),
	}
	for _, element := range patch.Elements {
		if element.Target.Type == metadata.AddOn {
			entry.AddOns[element.Target.Name] = element.ID
		} else {
			entry.Layers[element.Target.Name] = element.ID
		}
	}
	return entry
}

// ElementFor returns the element id the entry applied to target.
func (e *Entry) ElementFor(target metadata.Target) (string, bool) {
	m := e.Layers
	if target.Type == metadata.AddOn {
		m = e.AddOns
	}
	id, ok := m[target.Name]
	return id, ok
}

// Chain follows the history from the identity state current, newest first.
// Any missing or unreadable entry fails with ErrHistoryInconsistent.
func (h *History) Chain(current metadata.TargetState) ([]*Entry, error) {
	active := make(map[string]bool)
	for _, id := range installation.ActiveOverlays(current) {
		active[id] = true
	}

	var chain []*Entry
	seen := make(map[string]bool)
	state := current
	for {
		id, _, ok := state.Latest()
		if !ok {
			return chain, nil
		}
		if seen[id] {
			return nil, errors.Newf(errors.ErrHistoryInconsistent, "history of patch %s loops back on itself", id).
				WithDetail("patch", id)
		}
		seen[id] = true

		entry, err := h.Load(id)
		if err != nil {
			return nil, err
		}
		entry.Active = active[id]
		chain = append(chain, entry)
		state = entry.Rollback.State.Identity
	}
}

// Cumulative returns the cumulative entries of the chain, newest first.
func Cumulative(chain []*Entry) []*Entry {
	var out []*Entry
	for _, e := range chain {
		if e.Type == metadata.Cumulative {
			out = append(out, e)
		}
	}
	return out
}

// Write stores the history entry of a patch. The caller owns the history
// directory, which may already hold misc backups.
func (h *History) Write(patch *metadata.Patch, rollback *metadata.RollbackPatch) error {
	dir := h.image.PatchHistoryDir(patch.ID)
	if err := h.fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to create %s", dir)
	}
	data, err := metadata.Marshal(patch)
	if err != nil {
		return err
	}
	if err := h.fs.WriteFile(h.image.PatchXML(patch.ID), data, 0644); err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to write %s", h.image.PatchXML(patch.ID))
	}
	data, err = metadata.MarshalRollback(rollback)
	if err != nil {
		return err
	}
	if err := h.fs.WriteFile(h.image.RollbackXML(patch.ID), data, 0644); err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to write %s", h.image.RollbackXML(patch.ID))
	}
	return nil
}

// Remove deletes the history entry of a patch.
func (h *History) Remove(patchID string) error {
	if err := h.fs.RemoveAll(h.image.PatchHistoryDir(patchID)); err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to remove history of %s", patchID)
	}
	return nil
}
