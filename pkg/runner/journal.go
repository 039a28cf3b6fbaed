package runner

import (
	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/installation"
	"github.com/arthur-debert/layerpatch/pkg/types"
	"github.com/hashicorp/go-multierror"
)

// journal remembers what EXECUTE wrote so Result.Rollback can undo it.
type journal struct {
	misc     []miscChange
	overlays []string
	seen     map[string]bool
}

type miscChange struct {
	path string
	// backup is empty when nothing existed at path.
	backup string
}

func (j *journal) recordMisc(path, backup string) {
	j.misc = append(j.misc, miscChange{path: path, backup: backup})
}

func (j *journal) recordOverlay(structure installation.DirectoryStructure, elementID string) {
	if j.seen == nil {
		j.seen = make(map[string]bool)
	}
	for _, dir := range []string{structure.ModulePatchDirectory(elementID), structure.BundlePatchDirectory(elementID)} {
		if !j.seen[dir] {
			j.seen[dir] = true
			j.overlays = append(j.overlays, dir)
		}
	}
}

// undo restores misc content newest first and removes the overlays the
// operation created. It keeps going after a failure and reports all of them.
func (j *journal) undo(fsys types.FS) error {
	var result *multierror.Error
	for i := len(j.misc) - 1; i >= 0; i-- {
		change := j.misc[i]
		var err error
		if change.backup == "" {
			err = fsys.RemoveAll(change.path)
		} else {
			err = filesystem.Replace(fsys, change.backup, change.path)
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, dir := range j.overlays {
		if err := fsys.RemoveAll(dir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
