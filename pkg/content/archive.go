package content

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/logging"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/arthur-debert/layerpatch/pkg/types"
	"github.com/google/uuid"
)

// WorkDirPrefix names the directories archives are unpacked into.
const WorkDirPrefix = "layerpatch-"

// Unpack extracts the archive read from r into a new work directory below
// workRoot and returns a Provider over it. The caller owns the work
// directory and must call Provider.Cleanup.
func Unpack(fsys types.FS, r io.Reader, workRoot string) (*Provider, error) {
	logger := logging.GetLogger("content")

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrParse, "failed to read patch archive")
	}
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrParse, "patch archive is not a zip file")
	}

	created, err := missingAncestor(fsys, workRoot)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrFileAccess, "failed to inspect %s", workRoot)
	}
	workDir := filepath.Join(workRoot, WorkDirPrefix+uuid.NewString())
	if err := fsys.MkdirAll(workDir, 0755); err != nil {
		return nil, errors.Wrapf(err, errors.ErrFileAccess, "failed to create work directory %s", workDir)
	}
	provider := NewProvider(fsys, workDir)
	// directories created for the work root go with it
	provider.removeRoot = created

	for _, f := range archive.File {
		if err := extract(fsys, f, workDir); err != nil {
			provider.Cleanup()
			return nil, err
		}
	}

	logger.Debug().
		Str("workDir", workDir).
		Int("entries", len(archive.File)).
		Msg("Patch archive unpacked")
	return provider, nil
}

// missingAncestor returns the topmost directory on the way to dir that
// does not exist, or "" when dir exists.
func missingAncestor(fsys types.FS, dir string) (string, error) {
	missing := ""
	for d := filepath.Clean(dir); ; {
		exists, err := filesystem.Exists(fsys, d)
		if err != nil {
			return "", err
		}
		if exists {
			return missing, nil
		}
		missing = d
		parent := filepath.Dir(d)
		if parent == d {
			return missing, nil
		}
		d = parent
	}
}

func extract(fsys types.FS, f *zip.File, workDir string) error {
	name := path.Clean(strings.TrimPrefix(f.Name, "/"))
	if name == "." {
		return nil
	}
	if name == ".." || strings.HasPrefix(name, "../") {
		return errors.Newf(errors.ErrParse, "archive entry %q escapes the archive root", f.Name)
	}
	dest := filepath.Join(workDir, filepath.FromSlash(name))

	if f.FileInfo().IsDir() {
		if err := fsys.MkdirAll(dest, 0755); err != nil {
			return errors.Wrapf(err, errors.ErrFileAccess, "failed to create %s", dest)
		}
		return nil
	}

	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, errors.ErrParse, "failed to read archive entry %s", f.Name)
	}
	defer func() {
		_ = rc.Close()
	}()
	if err := filesystem.WriteStream(fsys, dest, rc); err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to extract %s", f.Name)
	}
	return nil
}

// Patch parses the descriptor at the root of the unpacked archive.
func (p *Provider) Patch() (*metadata.Patch, error) {
	bundle, err := filesystem.Exists(p.fs, filepath.Join(p.root, metadata.BundleXML))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFileAccess, "failed to inspect patch archive")
	}
	if bundle {
		return nil, errors.New(errors.ErrParse, "patch bundles are not supported")
	}
	descriptor := filepath.Join(p.root, metadata.PatchXML)
	exists, err := filesystem.Exists(p.fs, descriptor)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFileAccess, "failed to inspect patch archive")
	}
	if !exists {
		return nil, errors.Newf(errors.ErrParse, "patch archive has no %s", metadata.PatchXML)
	}
	return metadata.ParseFile(p.fs, descriptor)
}
