package runner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/arthur-debert/layerpatch/pkg/content"
	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/history"
	"github.com/arthur-debert/layerpatch/pkg/installation"
	"github.com/arthur-debert/layerpatch/pkg/logging"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/arthur-debert/layerpatch/pkg/metrics"
	"github.com/arthur-debert/layerpatch/pkg/tasks"
	"github.com/google/uuid"
)

// rollbackStagingPrefix names the directory a rollback backs up misc
// content to before it is committed.
const rollbackStagingPrefix = ".rollback-"

// phasedRunner drives one operation through PREPARE and EXECUTE. FINALIZE
// happens when the returned Result is committed.
type phasedRunner struct {
	ctx     *IdentityPatchContext
	metrics metrics.Metrics

	// patch is the patch being applied, nil when rolling back.
	patch *metadata.Patch
	// rolledBack are the history entries of the patches being rolled back.
	rolledBack map[string]*history.Entry

	tasks    []*preparedTask
	executed []*preparedTask
}

// run prepares and executes the operation. On error the caller cancels ctx.
func (r *phasedRunner) run(ctx context.Context) error {
	var err error
	if r.ctx.mode == ModeApply {
		err = r.prepareApply()
	} else {
		err = r.prepareRollback()
	}
	if err != nil {
		return err
	}
	if err := r.prepareTasks(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrInternal, "operation canceled")
	}
	return r.execute()
}

func (r *phasedRunner) prepareApply() error {
	c := r.ctx
	patch := r.patch
	logger := logging.GetLogger("runner").With().Str("patch", patch.ID).Logger()

	if err := r.checkApplicability(); err != nil {
		return err
	}
	if err := checkCondition(patch.ID, patch.Identity.UpgradeCondition, c.identity.before); err != nil {
		return err
	}

	cumulative := patch.Identity.PatchType == metadata.Cumulative
	if cumulative {
		if err := r.invalidateOneOffs(); err != nil {
			return err
		}
	}
	// elements are checked against what is left once the one-offs a
	// cumulative patch replaces are gone
	for _, element := range patch.Elements {
		entry, _ := c.resolve(element.Target)
		if err := checkCondition(element.ID, element.UpgradeCondition, entry.target.Info()); err != nil {
			return err
		}
	}
	r.applyModifications()
	if cumulative {
		if err := r.portForward(); err != nil {
			return err
		}
	}

	c.patchIDs = []string{patch.ID}
	logger.Debug().Str("type", string(patch.Identity.PatchType)).Msg("Apply prepared")
	return c.createBackupDir(c.image.PatchHistoryDir(patch.ID))
}

func (r *phasedRunner) checkApplicability() error {
	c := r.ctx
	patch := r.patch
	mod := c.modification

	if patch.Identity.Name != mod.Name() {
		return errors.Newf(errors.ErrApplicability, "patch %s is for %s, installed is %s", patch.ID, patch.Identity.Name, mod.Name()).
			WithDetail("patch", patch.ID).
			WithDetail("required", patch.Identity.Name).
			WithDetail("installed", mod.Name())
	}
	if patch.Identity.Version != mod.Version() {
		return errors.Newf(errors.ErrApplicability, "patch %s applies to version %s, installed is %s", patch.ID, patch.Identity.Version, mod.Version()).
			WithDetail("patch", patch.ID).
			WithDetail("required", patch.Identity.Version).
			WithDetail("installed", mod.Version())
	}
	if mod.IsApplied(patch.ID) {
		return errors.Newf(errors.ErrApplicability, "patch %s is already applied", patch.ID).
			WithDetail("patch", patch.ID)
	}
	exists, err := filesystem.Exists(c.fs, c.image.PatchHistoryDir(patch.ID))
	if err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to inspect history of %s", patch.ID)
	}
	if exists {
		return errors.Newf(errors.ErrApplicability, "patch %s has already been applied before", patch.ID).
			WithDetail("patch", patch.ID)
	}
	for _, element := range patch.Elements {
		entry, err := c.resolve(element.Target)
		if err != nil {
			return err
		}
		if err := checkElementUnused(c, entry, element.ID); err != nil {
			return err
		}
	}
	return nil
}

// checkElementUnused rejects an element id the target already knows, as
// an active overlay or as an overlay directory kept from earlier patches.
func checkElementUnused(c *IdentityPatchContext, entry *PatchEntry, id string) error {
	alreadyApplied := func() error {
		return errors.Newf(errors.ErrApplicability, "element %s is already applied to %s", id, entry.Name()).
			WithDetail("element", id).
			WithDetail("target", entry.target.Target().String())
	}
	for _, active := range installation.ActiveOverlays(entry.before) {
		if active == id {
			return alreadyApplied()
		}
	}
	structure := entry.target.Structure()
	for _, dir := range []string{structure.ModulePatchDirectory(id), structure.BundlePatchDirectory(id)} {
		exists, err := filesystem.Exists(c.fs, dir)
		if err != nil {
			return errors.Wrapf(err, errors.ErrFileAccess, "failed to inspect %s", dir)
		}
		if exists {
			return alreadyApplied()
		}
	}
	return nil
}

// checkCondition checks an upgrade condition against the ids active on state.
func checkCondition(owner string, cond metadata.UpgradeCondition, state installation.TargetInfo) error {
	active := make(map[string]bool)
	for _, id := range installation.ActiveOverlays(state) {
		active[id] = true
	}
	for _, id := range cond.Requires {
		if !active[id] {
			return errors.Newf(errors.ErrPrerequisite, "%s requires %s", owner, id).
				WithDetail("patch", owner).
				WithDetail("requires", id)
		}
	}
	for _, id := range cond.IncompatibleWith {
		if active[id] {
			return errors.Newf(errors.ErrPrerequisite, "%s is incompatible with %s", owner, id).
				WithDetail("patch", owner).
				WithDetail("incompatible", id)
		}
	}
	return nil
}

// invalidateOneOffs rolls back, logically, every one-off active on top of
// the current cumulative patch. Their history stays so that rolling the
// cumulative patch back can restore them.
func (r *phasedRunner) invalidateOneOffs() error {
	c := r.ctx
	logger := logging.GetLogger("runner")
	ids := c.identity.before.PatchIDs
	if len(ids) == 0 {
		return nil
	}
	entries, err := c.history.Validate(c.identity.before, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.rollbackDefinitions(entries[id]); err != nil {
			return err
		}
		for _, element := range entries[id].Rollback.Elements {
			entry, _ := c.resolve(element.Target)
			entry.target.Rollback(element.ID)
		}
		c.identity.target.Rollback(id)
		c.modification.RemoveInstalledPatch(id)
		logger.Debug().Str("patch", id).Msg("One-off invalidated")
	}
	return nil
}

// rollbackDefinitions adds the recorded inverse of a history entry to the
// task definitions.
func (r *phasedRunner) rollbackDefinitions(entry *history.Entry) error {
	c := r.ctx
	rb := entry.Rollback
	c.provider.Record(entry.PatchID, content.NewDirLoader(c.fs, c.image.MiscBackupDir(entry.PatchID), "", ""))

	tasks.Rollback(entry.PatchID, rb.Modifications, c.identity.definitions, tasks.MiscOnly)
	for _, element := range rb.Elements {
		target, err := c.resolve(element.Target)
		if err != nil {
			return errors.Wrapf(err, errors.ErrHistoryInconsistent, "patch %s was applied to %s", entry.PatchID, element.Target).
				WithDetail("patch", entry.PatchID)
		}
		tasks.Rollback(element.ID, element.Modifications, target.definitions, tasks.AllButMisc)
		tasks.Rollback(entry.PatchID, element.Modifications, c.identity.definitions, tasks.MiscOnly)
	}
	return nil
}

// applyModifications merges the patch's own modifications and records the
// patch on every target it addresses.
func (r *phasedRunner) applyModifications() {
	c := r.ctx
	patch := r.patch
	patchType := patch.Identity.PatchType
	previous := c.identity.before.CumulativePatchID

	tasks.Apply(patch.ID, patch.Modifications, c.identity.definitions, tasks.All)
	for _, element := range patch.Elements {
		entry, _ := c.resolve(element.Target)
		entry.applyingID = element.ID
		tasks.Apply(element.ID, element.Modifications, entry.definitions, tasks.AllButMisc)
		tasks.Apply(element.ID, element.Modifications, c.identity.definitions, tasks.MiscOnly)
		entry.target.Apply(element.ID, patchType)
	}

	c.identity.applyingID = patch.ID
	c.identity.target.Apply(patch.ID, patchType)
	c.modification.AddInstalledPatch(patch.ID)
	if patchType == metadata.Cumulative {
		if previous != metadata.Base {
			c.modification.RemoveInstalledPatch(previous)
		}
		c.modification.SetVersion(patch.Identity.ResultingVersion)
	}
}

// portForward carries the modules and bundles of the replaced cumulative
// element over into the new element's overlay, unless the new patch
// touches them itself.
func (r *phasedRunner) portForward() error {
	c := r.ctx
	var cumulatives []*history.Entry
	loaded := false

	for _, element := range r.patch.Elements {
		entry, _ := c.resolve(element.Target)
		previous := entry.before.CumulativePatchID
		if previous == "" || previous == metadata.Base {
			continue
		}
		if !loaded {
			chain, err := c.history.Chain(c.identity.before)
			if err != nil {
				return err
			}
			cumulatives = history.Cumulative(chain)
			loaded = true
		}

		found := false
		for _, h := range cumulatives {
			id, ok := h.ElementFor(element.Target)
			if !ok || id != previous {
				continue
			}
			original, _ := h.Patch.Element(element.Target)
			tasks.AddMissing(previous, original.Modifications, entry.definitions, tasks.AllButMisc)
			structure := entry.target.Structure()
			c.provider.Record(previous, content.NewDirLoader(c.fs, "",
				structure.ModulePatchDirectory(previous),
				structure.BundlePatchDirectory(previous)))
			found = true
			break
		}
		if !found {
			return errors.Newf(errors.ErrHistoryInconsistent, "no history for cumulative element %s of %s", previous, element.Target).
				WithDetail("element", previous).
				WithDetail("target", element.Target.String())
		}
	}
	return nil
}

func (r *phasedRunner) prepareRollback() error {
	c := r.ctx
	patchID := c.patchIDs[0]
	active := installation.ActiveOverlays(c.identity.before)

	var ids []string
	for _, id := range active {
		ids = append(ids, id)
		if id == patchID {
			break
		}
	}
	if len(ids) == 0 || ids[len(ids)-1] != patchID {
		return errors.Newf(errors.ErrApplicability, "patch %s is not applied", patchID).
			WithDetail("patch", patchID)
	}

	entries, err := c.history.Validate(c.identity.before, ids)
	if err != nil {
		return err
	}
	r.rolledBack = entries
	c.patchIDs = ids

	for _, id := range ids {
		entry := entries[id]
		if err := r.rollbackDefinitions(entry); err != nil {
			return err
		}
		if err := r.restore(entry); err != nil {
			return err
		}
	}

	logger := logging.GetLogger("runner")
	logger.Debug().Strs("patches", ids).Msg("Rollback prepared")
	staging := filepath.Join(c.image.PatchesDir(), rollbackStagingPrefix+uuid.NewString())
	return c.createBackupDir(staging)
}

// restore brings every target back to the state recorded before entry was
// applied.
func (r *phasedRunner) restore(entry *history.Entry) error {
	c := r.ctx
	snapshot := entry.Rollback.State
	mod := c.modification

	if entry.Type == metadata.Cumulative {
		c.identity.target.Restore(snapshot.Identity)
		for _, e := range append(append([]*PatchEntry(nil), c.layers...), c.addOns...) {
			state, ok := snapshot.Target(e.target.Target())
			if !ok {
				state = installation.TargetInfo{CumulativePatchID: metadata.Base}
			}
			e.target.Restore(state)
		}
		mod.SetVersion(snapshot.Version)
		mod.RemoveInstalledPatch(entry.PatchID)
		for _, id := range installation.ActiveOverlays(snapshot.Identity) {
			mod.AddInstalledPatch(id)
		}
		return nil
	}

	for _, element := range entry.Rollback.Elements {
		target, _ := c.resolve(element.Target)
		recorded, ok := snapshot.Target(element.Target)
		if !ok {
			return errors.Newf(errors.ErrHistoryInconsistent, "history of %s does not record %s", entry.PatchID, element.Target).
				WithDetail("patch", entry.PatchID)
		}
		if err := restoreOneOff(target.target, element.ID, recorded); err != nil {
			return err
		}
	}
	if err := restoreOneOff(c.identity.target, entry.PatchID, snapshot.Identity); err != nil {
		return err
	}
	mod.RemoveInstalledPatch(entry.PatchID)
	return nil
}

func restoreOneOff(target *installation.MutableTarget, id string, recorded installation.TargetInfo) error {
	target.Rollback(id)
	if current := target.Info(); !current.Equal(recorded) {
		return errors.Newf(errors.ErrHistoryInconsistent, "rolling back %s leaves %s in a state its history does not record", id, target.Name()).
			WithDetail("patch", id).
			WithDetail("expected", fmt.Sprintf("%v", recorded)).
			WithDetail("actual", fmt.Sprintf("%v", current))
	}
	target.Restore(recorded)
	return nil
}

// prepareTasks creates a task per definition, lets it inspect and back up
// the live content and collects every conflict the policy does not waive.
func (r *phasedRunner) prepareTasks() error {
	c := r.ctx
	var conflicts []string
	for _, entry := range c.entries() {
		for _, def := range entry.definitions.Values() {
			task := createTask(def, entry)
			clean, err := task.Prepare(c)
			if err != nil {
				return err
			}
			item := task.Item()
			if (!clean || def.HasConflicts()) && !c.isIgnored(item) && !c.isExcluded(item) {
				conflicts = append(conflicts, item.String())
			}
			r.tasks = append(r.tasks, &preparedTask{task: task, def: def, entry: entry})
		}
	}
	if len(conflicts) > 0 {
		r.metrics.AddConflicts(len(conflicts))
		return errors.Newf(errors.ErrConflict, "%d item(s) differ from what the patch expects", len(conflicts)).
			WithDetail("items", conflicts)
	}
	return nil
}

func (r *phasedRunner) execute() error {
	c := r.ctx
	logger := logging.GetLogger("runner")
	for _, pt := range r.tasks {
		item := pt.task.Item()
		if c.isExcluded(item) {
			logger.Debug().Str("item", item.String()).Msg("Preserving existing content")
			continue
		}
		if err := pt.task.Execute(c); err != nil {
			return errors.Wrapf(err, errors.ErrIOFatal, "failed to write %s", item).
				WithDetail("item", item.String()).
				WithDetail("backups", c.backupDir)
		}
		r.metrics.IncTaskExecuted(string(item.Type))
		r.executed = append(r.executed, pt)
	}
	logger.Debug().Int("tasks", len(r.executed)).Str("mode", c.mode.String()).Msg("Tasks executed")
	return nil
}

// rollbackPatch builds the descriptor undoing the applied patch from the
// inverse of every executed task.
func (r *phasedRunner) rollbackPatch() *metadata.RollbackPatch {
	patch := r.patch
	rb := &metadata.RollbackPatch{
		Patch: metadata.Patch{
			ID:          patch.ID,
			Description: patch.Description,
			Identity:    patch.Identity,
		},
		State: r.ctx.modification.UnmodifiedState(),
	}
	index := make(map[string]int, len(patch.Elements))
	for i, element := range patch.Elements {
		rb.Elements = append(rb.Elements, metadata.PatchElement{
			ID:               element.ID,
			Description:      element.Description,
			Target:           element.Target,
			PatchType:        element.PatchType,
			UpgradeCondition: element.UpgradeCondition,
		})
		index[element.ID] = i
	}
	for _, pt := range r.executed {
		inverse, ok := pt.task.Inverse()
		if !ok {
			continue
		}
		owner := pt.def.Target.ID
		if inverse.Item.Type != metadata.Misc {
			owner = pt.entry.applyingID
		}
		if i, ok := index[owner]; ok {
			rb.Elements[i].Modifications = append(rb.Elements[i].Modifications, inverse)
		} else {
			rb.Modifications = append(rb.Modifications, inverse)
		}
	}
	return rb
}
