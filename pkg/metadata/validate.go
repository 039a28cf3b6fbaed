package metadata

import (
	"path/filepath"
	"strings"

	"github.com/arthur-debert/layerpatch/pkg/errors"
)

// Validate checks the structural rules a descriptor must satisfy before any
// installation state is consulted.
func Validate(patch *Patch) error {
	if patch.ID == "" {
		return errors.New(errors.ErrParse, "patch id is missing")
	}
	if !validName(patch.ID) {
		return errors.Newf(errors.ErrParse, "invalid patch id %q", patch.ID).
			WithDetail("patch", patch.ID)
	}
	if patch.Identity.Name == "" || patch.Identity.Version == "" {
		return errors.Newf(errors.ErrParse, "patch %s: identity name and version are required", patch.ID)
	}
	if err := validatePatchType(patch.ID, patch.Identity.PatchType); err != nil {
		return err
	}
	if patch.Identity.PatchType == Cumulative && patch.Identity.ResultingVersion == "" {
		return errors.Newf(errors.ErrParse, "cumulative patch %s has no resulting-version", patch.ID)
	}

	for _, mod := range patch.Modifications {
		if mod.Item.Type != Misc {
			return errors.Newf(errors.ErrParse, "patch %s: %s content can only be patched by an element", patch.ID, mod.Item.Type).
				WithDetail("item", mod.Item.String())
		}
	}
	if err := validateModifications(patch.ID, patch.Modifications); err != nil {
		return err
	}

	seenIDs := map[string]bool{patch.ID: true}
	seenTargets := make(map[Target]string)
	for _, element := range patch.Elements {
		if element.ID == "" {
			return errors.Newf(errors.ErrParse, "patch %s has an element without id", patch.ID)
		}
		if !validName(element.ID) {
			return errors.Newf(errors.ErrParse, "patch %s: invalid element id %q", patch.ID, element.ID).
				WithDetail("element", element.ID)
		}
		if seenIDs[element.ID] {
			return errors.Newf(errors.ErrParse, "patch %s: duplicate element id %s", patch.ID, element.ID)
		}
		seenIDs[element.ID] = true

		if element.Target.Name == "" {
			return errors.Newf(errors.ErrParse, "element %s has no target name", element.ID)
		}
		if !validName(element.Target.Name) {
			return errors.Newf(errors.ErrParse, "element %s: invalid target name %q", element.ID, element.Target.Name).
				WithDetail("target", element.Target.String())
		}
		if other, ok := seenTargets[element.Target]; ok {
			return errors.Newf(errors.ErrParse, "elements %s and %s both patch %s", other, element.ID, element.Target).
				WithDetail("target", element.Target.String())
		}
		seenTargets[element.Target] = element.ID

		if err := validatePatchType(element.ID, element.PatchType); err != nil {
			return err
		}
		if element.PatchType != patch.Identity.PatchType {
			return errors.Newf(errors.ErrParse, "element %s is %s but patch %s is %s",
				element.ID, element.PatchType, patch.ID, patch.Identity.PatchType)
		}
		if err := validateModifications(element.ID, element.Modifications); err != nil {
			return err
		}
	}
	return nil
}

func validatePatchType(owner string, t PatchType) error {
	switch t {
	case OneOff, Cumulative:
		return nil
	default:
		return errors.Newf(errors.ErrParse, "%s: unknown patch type %q", owner, t)
	}
}

func validateModifications(owner string, mods []ContentModification) error {
	seen := make(map[string]bool)
	for _, mod := range mods {
		if mod.Item.Name == "" {
			return errors.Newf(errors.ErrParse, "%s: content item without name", owner)
		}
		// content is written below the installation root or a target's
		// content root and must stay there
		if !filepath.IsLocal(filepath.FromSlash(mod.Item.RelativePath())) {
			return errors.Newf(errors.ErrParse, "%s: %s points outside the installation", owner, mod.Item).
				WithDetail("item", mod.Item.String())
		}
		key := mod.Item.Key()
		if seen[key] {
			return errors.Newf(errors.ErrParse, "%s: %s is modified twice", owner, mod.Item).
				WithDetail("item", mod.Item.String())
		}
		seen[key] = true

		hasHash := mod.Hash != ""
		hasExisting := mod.ExistingHash != ""
		var ok bool
		switch mod.Type {
		case Add:
			ok = hasHash && !hasExisting
		case Modify:
			ok = hasHash && hasExisting
		case Remove:
			ok = !hasHash && hasExisting
		}
		if !ok {
			return errors.Newf(errors.ErrParse, "%s: %s has digests that do not match the action", owner, mod).
				WithDetail("item", mod.Item.String())
		}
	}
	return nil
}

// validName reports whether an id can name a directory of its own.
func validName(id string) bool {
	return id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}
