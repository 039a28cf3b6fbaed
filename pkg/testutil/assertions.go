package testutil

import (
	"path/filepath"
	"testing"

	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertFileContent checks that path holds exactly content.
func AssertFileContent(t *testing.T, fsys types.FS, path, content string, msgAndArgs ...interface{}) {
	t.Helper()

	data, err := fsys.ReadFile(path)
	require.NoError(t, err, msgAndArgs...)
	assert.Equal(t, content, string(data), msgAndArgs...)
}

// AssertNoFile checks that nothing exists at path.
func AssertNoFile(t *testing.T, fsys types.FS, path string, msgAndArgs ...interface{}) {
	t.Helper()

	exists, err := filesystem.Exists(fsys, path)
	require.NoError(t, err)
	assert.False(t, exists, msgAndArgs...)
}

// AssertModuleFiles checks that dir holds the given files, and only those.
func AssertModuleFiles(t *testing.T, fsys types.FS, dir string, files map[string]string) {
	t.Helper()

	got := make(map[string]string)
	collect(t, fsys, dir, "", got)
	assert.Equal(t, files, got)
}

func collect(t *testing.T, fsys types.FS, root, rel string, out map[string]string) {
	entries, err := fsys.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	for _, entry := range entries {
		child := entry.Name()
		if rel != "" {
			child = rel + "/" + entry.Name()
		}
		if entry.IsDir() {
			collect(t, fsys, root, child, out)
			continue
		}
		data, err := fsys.ReadFile(filepath.Join(root, filepath.FromSlash(child)))
		require.NoError(t, err)
		out[child] = string(data)
	}
}

// AssertErrorCode checks that err carries code.
func AssertErrorCode(t *testing.T, err error, code errors.ErrorCode) {
	t.Helper()

	require.Error(t, err)
	assert.Equal(t, code, errors.GetErrorCode(err), "unexpected error: %v", err)
}
