package runner

import (
	"path/filepath"

	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/installation"
	"github.com/arthur-debert/layerpatch/pkg/internal/hashutil"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/arthur-debert/layerpatch/pkg/tasks"
	"github.com/opencontainers/go-digest"
)

// PatchingTask carries out one task definition.
type PatchingTask interface {
	// Item is the content item the task writes.
	Item() metadata.ContentItem
	// Prepare inspects and backs up the live content. It returns false
	// when the live content is not what the definition expects.
	Prepare(ctx *IdentityPatchContext) (bool, error)
	// Execute writes the new content.
	Execute(ctx *IdentityPatchContext) error
	// Inverse returns the modification that undoes an executed task; ok is
	// false when the task changes nothing.
	Inverse() (metadata.ContentModification, bool)
}

type preparedTask struct {
	task  PatchingTask
	def   *tasks.ContentTaskDefinition
	entry *PatchEntry
}

func createTask(def *tasks.ContentTaskDefinition, entry *PatchEntry) PatchingTask {
	if def.Location.Type == metadata.Misc {
		return &miscTask{def: def}
	}
	return &moduleTask{def: def, entry: entry}
}

// miscTask replaces a file or directory below the installation root in place.
type miscTask struct {
	def      *tasks.ContentTaskDefinition
	path     string
	backup   string
	liveHash digest.Digest
	noop     bool
}

func (t *miscTask) Item() metadata.ContentItem {
	return t.def.Item()
}

func (t *miscTask) Prepare(ctx *IdentityPatchContext) (bool, error) {
	item := t.Item()
	t.path = ctx.image.MiscPath(item)
	hash, err := hashutil.Path(ctx.fs, t.path)
	if err != nil {
		return false, errors.Wrapf(err, errors.ErrFileAccess, "failed to read %s", t.path)
	}
	t.liveHash = hash
	if hash != hashutil.NoContent {
		t.backup = filepath.Join(ctx.backupDir, installation.MiscBackupDirName, filepath.FromSlash(item.RelativePath()))
		if err := filesystem.Copy(ctx.fs, t.path, t.backup); err != nil {
			return false, errors.Wrapf(err, errors.ErrFileAccess, "failed to back up %s", t.path)
		}
	}
	t.noop = hash == t.def.TargetHash()
	if !t.noop {
		if err := checkContent(ctx, t.def); err != nil {
			return false, err
		}
	}
	return t.noop || hash == t.def.ExpectedHash(), nil
}

func (t *miscTask) Execute(ctx *IdentityPatchContext) error {
	if t.noop {
		return nil
	}
	ctx.journal.recordMisc(t.path, t.backup)
	if t.def.TargetHash() == hashutil.NoContent {
		return ctx.fs.RemoveAll(t.path)
	}
	loader, err := ctx.provider.GetLoader(t.def.Target.ID)
	if err != nil {
		return err
	}
	return filesystem.Replace(ctx.fs, loader.Path(t.Item()), t.path)
}

func (t *miscTask) Inverse() (metadata.ContentModification, bool) {
	if t.noop {
		return metadata.ContentModification{}, false
	}
	return metadata.NewModification(t.Item(), t.def.TargetHash(), t.liveHash)
}

// moduleTask writes a module or bundle into the overlay of the element
// applied to its target. Rolling back only deactivates overlays, which
// happens through the target state, so rollback tasks write nothing.
type moduleTask struct {
	def      *tasks.ContentTaskDefinition
	entry    *PatchEntry
	liveHash digest.Digest
}

func (t *moduleTask) Item() metadata.ContentItem {
	return t.def.Item()
}

func (t *moduleTask) Prepare(ctx *IdentityPatchContext) (bool, error) {
	if !t.def.IsRollback() && t.entry.applyingID == "" {
		return false, errors.Newf(errors.ErrInternal, "%s has content for %s but no element applies to it", t.entry.Name(), t.Item())
	}
	structure := t.entry.target.Structure()
	live, ok, err := structure.Resolve(ctx.fs, t.entry.before, t.Item())
	if err != nil {
		return false, errors.Wrapf(err, errors.ErrFileAccess, "failed to resolve %s", t.Item())
	}
	if !t.def.IsRollback() {
		if err := checkContent(ctx, t.def); err != nil {
			return false, err
		}
	}
	t.liveHash = hashutil.NoContent
	if ok {
		if t.liveHash, err = hashutil.Tree(ctx.fs, live); err != nil {
			return false, errors.Wrapf(err, errors.ErrFileAccess, "failed to read %s", live)
		}
	}
	return t.liveHash == t.def.ExpectedHash() || t.liveHash == t.def.TargetHash(), nil
}

func (t *moduleTask) Execute(ctx *IdentityPatchContext) error {
	if t.def.IsRollback() {
		return nil
	}
	structure := t.entry.target.Structure()
	ctx.journal.recordOverlay(structure, t.entry.applyingID)
	dest := structure.OverlayPath(t.entry.applyingID, t.Item())
	if t.def.TargetHash() == hashutil.NoContent {
		if err := ctx.fs.RemoveAll(dest); err != nil {
			return err
		}
		if err := ctx.fs.MkdirAll(dest, 0755); err != nil {
			return err
		}
		return ctx.fs.WriteFile(filepath.Join(dest, installation.RemovedMarker), nil, 0644)
	}
	loader, err := ctx.provider.GetLoader(t.def.Target.ID)
	if err != nil {
		return err
	}
	return filesystem.Replace(ctx.fs, loader.Path(t.Item()), dest)
}

func (t *moduleTask) Inverse() (metadata.ContentModification, bool) {
	if t.def.IsRollback() {
		return metadata.ContentModification{}, false
	}
	return metadata.NewModification(t.Item(), t.def.TargetHash(), t.liveHash)
}

// checkContent makes sure the content a definition writes can be loaded
// before anything is written. Content of the archive is missing when the
// archive is malformed; restored or carried over content when the history
// is.
func checkContent(ctx *IdentityPatchContext, def *tasks.ContentTaskDefinition) error {
	if def.TargetHash() == hashutil.NoContent {
		return nil
	}
	item := def.Item()
	loader, err := ctx.provider.GetLoader(def.Target.ID)
	if err != nil {
		return err
	}
	exists, err := filesystem.Exists(ctx.fs, loader.Path(item))
	if err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to read content of %s", item)
	}
	if exists {
		return nil
	}
	code := errors.ErrParse
	if def.IsRollback() || def.Target.Forwarded {
		code = errors.ErrHistoryInconsistent
	}
	return errors.Newf(code, "no content for %s from %s", item, def.Target.ID).
		WithDetail("item", item.String()).
		WithDetail("patch", def.Target.ID)
}
