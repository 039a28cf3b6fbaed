package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/arthur-debert/layerpatch/pkg/types"
)

// Exists reports whether path exists. Errors other than "not exist" are returned.
func Exists(fsys types.FS, path string) (bool, error) {
	_, err := fsys.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// WriteStream writes the content of r to path, creating parent directories.
func WriteStream(fsys types.FS, path string, r io.Reader) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	w, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return w.Close()
}

// CopyFile copies a single file, creating parent directories of dst.
func CopyFile(fsys types.FS, src, dst string) error {
	r, err := fsys.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() {
		_ = r.Close()
	}()
	return WriteStream(fsys, dst, r)
}

// Copy copies src to dst. Directories are copied recursively.
func Copy(fsys types.FS, src, dst string) error {
	info, err := fsys.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return CopyFile(fsys, src, dst)
	}
	if err := fsys.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dst, err)
	}
	entries, err := fsys.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", src, err)
	}
	for _, entry := range entries {
		if err := Copy(fsys, filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Replace removes whatever is at dst and copies src into its place.
func Replace(fsys types.FS, src, dst string) error {
	if err := fsys.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dst, err)
	}
	return Copy(fsys, src, dst)
}
