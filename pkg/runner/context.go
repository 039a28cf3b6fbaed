package runner

import (
	"github.com/arthur-debert/layerpatch/pkg/content"
	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/history"
	"github.com/arthur-debert/layerpatch/pkg/installation"
	"github.com/arthur-debert/layerpatch/pkg/logging"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/arthur-debert/layerpatch/pkg/policy"
	"github.com/arthur-debert/layerpatch/pkg/tasks"
	"github.com/arthur-debert/layerpatch/pkg/types"
)

// Mode is the kind of operation.
type Mode int

const (
	ModeApply Mode = iota
	ModeRollback
)

func (m Mode) String() string {
	if m == ModeRollback {
		return "rollback"
	}
	return "apply"
}

// PatchEntry collects the task definitions of one target.
type PatchEntry struct {
	target      *installation.MutableTarget
	before      installation.TargetInfo
	definitions *tasks.Definitions
	// applyingID is the patch or element id this operation applies to the
	// target, empty when nothing is applied to it.
	applyingID string
}

func newPatchEntry(target *installation.MutableTarget) *PatchEntry {
	return &PatchEntry{
		target:      target,
		before:      target.Info(),
		definitions: tasks.NewDefinitions(),
	}
}

// Name is the target name.
func (e *PatchEntry) Name() string {
	return e.target.Name()
}

// Definitions returns the merged task definitions.
func (e *PatchEntry) Definitions() *tasks.Definitions {
	return e.definitions
}

// IdentityPatchContext is the working state of one operation. It is
// created when PREPARE starts and discarded once the operation ended.
type IdentityPatchContext struct {
	mode         Mode
	fs           types.FS
	image        installation.InstalledImage
	modification *installation.Modification
	provider     *content.Provider
	policy       *policy.ContentVerificationPolicy
	history      *history.History

	identity *PatchEntry
	layers   []*PatchEntry
	addOns   []*PatchEntry

	// backupDir receives the backups of misc content. It is the new
	// history entry when applying and a staging directory when rolling back.
	backupDir        string
	backupDirCreated bool

	// patchIDs are the ids this operation applies or rolls back, newest first.
	patchIDs []string
	journal  *journal
}

func newContext(mode Mode, fsys types.FS, mod *installation.Modification, provider *content.Provider, pol *policy.ContentVerificationPolicy) *IdentityPatchContext {
	ctx := &IdentityPatchContext{
		mode:         mode,
		fs:           fsys,
		image:        mod.Image(),
		modification: mod,
		provider:     provider,
		policy:       pol,
		history:      history.New(fsys, mod.Image()),
		identity:     newPatchEntry(mod.Identity()),
		journal:      &journal{},
	}
	for _, layer := range mod.Layers() {
		ctx.layers = append(ctx.layers, newPatchEntry(layer))
	}
	for _, addOn := range mod.AddOns() {
		ctx.addOns = append(ctx.addOns, newPatchEntry(addOn))
	}
	return ctx
}

// Mode returns the kind of operation.
func (c *IdentityPatchContext) Mode() Mode {
	return c.mode
}

// entries returns the identity, the layers and the add-ons in that order.
func (c *IdentityPatchContext) entries() []*PatchEntry {
	all := []*PatchEntry{c.identity}
	all = append(all, c.layers...)
	return append(all, c.addOns...)
}

// resolve returns the entry of a layer or add-on.
func (c *IdentityPatchContext) resolve(target metadata.Target) (*PatchEntry, error) {
	list := c.layers
	if target.Type == metadata.AddOn {
		list = c.addOns
	}
	for _, e := range list {
		if e.Name() == target.Name {
			return e, nil
		}
	}
	return nil, errors.Newf(errors.ErrApplicability, "%s is not installed", target).
		WithDetail("target", target.String())
}

// isExcluded reports whether the user asked to keep item as it is.
func (c *IdentityPatchContext) isExcluded(item metadata.ContentItem) bool {
	return c.policy.PreserveExisting(item)
}

// isIgnored reports whether a conflict on item is overridden.
func (c *IdentityPatchContext) isIgnored(item metadata.ContentItem) bool {
	return c.policy.IgnoreContentValidation(item)
}

// createBackupDir creates the directory misc backups go to. It must not
// exist yet; it belongs to this operation and is removed on cancel.
func (c *IdentityPatchContext) createBackupDir(dir string) error {
	c.backupDir = dir
	if err := c.fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to create %s", dir)
	}
	c.backupDirCreated = true
	return nil
}

// cancel drops everything PREPARE produced and releases the installation.
func (c *IdentityPatchContext) cancel() {
	if c.backupDirCreated {
		if err := c.fs.RemoveAll(c.backupDir); err != nil {
			logger := logging.GetLogger("runner")
			logger.Warn().Err(err).Str("dir", c.backupDir).Msg("Failed to remove backup directory")
		}
		c.backupDirCreated = false
	}
	c.modification.Cancel()
}
