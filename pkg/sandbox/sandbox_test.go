package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/cubby/pkg/protocol"
)

func TestResolveSimpleName(t *testing.T) {
	root := t.TempDir()

	path, err := Resolve(root, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "notes.txt"), path)
}

func TestResolveNonexistentTarget(t *testing.T) {
	// Upload targets do not exist yet; resolution must still succeed.
	root := t.TempDir()

	path, err := Resolve(root, "new-file.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "new-file.bin"), path)
}

func TestResolveRejectsTraversal(t *testing.T) {
	root := t.TempDir()

	for _, name := range []string{
		"../../etc/passwd",
		"..",
		"../sibling",
		"a/../../escape",
	} {
		_, err := Resolve(root, name)
		assert.ErrorIs(t, err, protocol.ErrPathRejected, "name %q", name)
	}
}

func TestResolveRejectsAbsolutePath(t *testing.T) {
	root := t.TempDir()

	_, err := Resolve(root, "/etc/passwd")
	assert.ErrorIs(t, err, protocol.ErrPathRejected)
}

func TestResolveRejectsEmptyName(t *testing.T) {
	root := t.TempDir()

	_, err := Resolve(root, "")
	assert.ErrorIs(t, err, protocol.ErrPathRejected)
}

func TestResolveInternalTraversalStaysInside(t *testing.T) {
	// "sub/../notes.txt" collapses back inside the root; allowed.
	root := t.TempDir()

	path, err := Resolve(root, "sub/../notes.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "notes.txt"), path)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "root")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.Mkdir(root, 0o755))
	require.NoError(t, os.Mkdir(outside, 0o755))

	// A directory inside the sandbox that is actually a symlink out of it.
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "vault")))

	_, err := Resolve(root, "vault/secrets.txt")
	assert.ErrorIs(t, err, protocol.ErrPathRejected)
}

func TestResolveMissingRoot(t *testing.T) {
	_, err := Resolve(filepath.Join(t.TempDir(), "missing"), "notes.txt")
	require.Error(t, err)
	assert.NotErrorIs(t, err, protocol.ErrPathRejected)
}
