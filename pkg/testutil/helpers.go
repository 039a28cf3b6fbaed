package testutil

import (
	"path/filepath"

	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/internal/hashutil"
	"github.com/opencontainers/go-digest"
)

// Checksum returns the digest of file content, as recorded in descriptors.
func Checksum(content string) digest.Digest {
	return hashutil.Bytes([]byte(content))
}

// TreeChecksum returns the digest of a directory holding files, keyed by
// slash separated relative path.
func TreeChecksum(files map[string]string) digest.Digest {
	fsys := filesystem.NewMemory()
	root := "/tree"
	if err := fsys.MkdirAll(root, 0755); err != nil {
		panic(err)
	}
	for name, data := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := fsys.MkdirAll(filepath.Dir(p), 0755); err != nil {
			panic(err)
		}
		if err := fsys.WriteFile(p, []byte(data), 0644); err != nil {
			panic(err)
		}
	}
	d, err := hashutil.Tree(fsys, root)
	if err != nil {
		panic(err)
	}
	return d
}
