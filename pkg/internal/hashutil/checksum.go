package hashutil

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/arthur-debert/layerpatch/pkg/types"
	"github.com/opencontainers/go-digest"
)

// NoContent is the digest recorded for a location that holds nothing.
const NoContent digest.Digest = ""

// Bytes returns the canonical digest of data.
func Bytes(data []byte) digest.Digest {
	return digest.FromBytes(data)
}

// File calculates the SHA256 digest of a file
func File(fsys types.FS, name string) (digest.Digest, error) {
	file, err := fsys.Open(name)
	if err != nil {
		return NoContent, err
	}
	defer func() {
		_ = file.Close()
	}()

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), file); err != nil {
		return NoContent, err
	}
	return digester.Digest(), nil
}

// Tree calculates a digest over a directory tree. Entries are visited in
// name order and both relative paths and file digests feed the hash, so two
// trees with the same layout and content always hash the same.
func Tree(fsys types.FS, root string) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	if err := writeTree(fsys, digester.Hash(), root, ""); err != nil {
		return NoContent, err
	}
	return digester.Digest(), nil
}

func writeTree(fsys types.FS, w io.Writer, root, rel string) error {
	entries, err := fsys.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		child := path.Join(rel, entry.Name())
		if entry.IsDir() {
			if _, err := fmt.Fprintf(w, "d %s\n", child); err != nil {
				return err
			}
			if err := writeTree(fsys, w, root, child); err != nil {
				return err
			}
			continue
		}
		d, err := File(fsys, filepath.Join(root, filepath.FromSlash(child)))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "f %s %s\n", child, d); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the digest of whatever is at name: NoContent when nothing
// exists, a tree digest for directories and a file digest otherwise.
func Path(fsys types.FS, name string) (digest.Digest, error) {
	info, err := fsys.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return NoContent, nil
		}
		return NoContent, err
	}
	if info.IsDir() {
		return Tree(fsys, name)
	}
	return File(fsys, name)
}
