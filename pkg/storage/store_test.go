package storage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/cubby/pkg/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "storage"))
	require.NoError(t, err)
	_, err = store.EnsureUser("alice")
	require.NoError(t, err)
	return store
}

func TestNewCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "storage")
	store, err := New(root)
	require.NoError(t, err)
	assert.DirExists(t, store.Root())
}

func TestEnsureUserIdempotent(t *testing.T) {
	store := newTestStore(t)

	dir, err := store.EnsureUser("alice")
	require.NoError(t, err)
	again, err := store.EnsureUser("alice")
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestEnsureUserRejectsBadNames(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"", "..", "../bob", "a/b", ".hidden"} {
		_, err := store.EnsureUser(name)
		assert.ErrorIs(t, err, protocol.ErrPathRejected, "username %q", name)
	}
}

func TestSaveAndOpen(t *testing.T) {
	store := newTestStore(t)

	n, err := store.Save("alice", "notes.txt", strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	f, err := store.Open("alice", "notes.txt")
	require.NoError(t, err)
	defer f.Close()

	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
}

func TestSaveOverwrites(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Save("alice", "notes.txt", strings.NewReader("first"))
	require.NoError(t, err)
	_, err = store.Save("alice", "notes.txt", strings.NewReader("second"))
	require.NoError(t, err)

	f, err := store.Open("alice", "notes.txt")
	require.NoError(t, err)
	defer f.Close()

	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))
}

func TestOpenMissingFile(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Open("alice", "missing.txt")
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Save("alice", "notes.txt", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, store.Remove("alice", "notes.txt"))

	_, err = store.Open("alice", "notes.txt")
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestRemoveMissingFile(t *testing.T) {
	store := newTestStore(t)

	err := store.Remove("alice", "missing.txt")
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestRejectsTraversalFilenames(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Save("alice", "../../etc/passwd", strings.NewReader("x"))
	assert.ErrorIs(t, err, protocol.ErrPathRejected)

	_, err = store.Open("alice", "../bob/notes.txt")
	assert.ErrorIs(t, err, protocol.ErrPathRejected)
}

func TestListSortedAndFiltered(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"zebra.txt", "apple.txt", "mango.txt"} {
		_, err := store.Save("alice", name, strings.NewReader("x"))
		require.NoError(t, err)
	}

	// Subdirectories and in-flight temp files are not listed.
	userDir := filepath.Join(store.Root(), "alice")
	require.NoError(t, os.Mkdir(filepath.Join(userDir, "subdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, ".upload-123"), []byte("x"), 0o644))

	files, err := store.List("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"apple.txt", "mango.txt", "zebra.txt"}, files)
}

func TestListUnknownUser(t *testing.T) {
	store := newTestStore(t)

	files, err := store.List("nobody")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestPreviewTruncates(t *testing.T) {
	store := newTestStore(t)

	content := strings.Repeat("a", PreviewSize+500)
	_, err := store.Save("alice", "big.txt", strings.NewReader(content))
	require.NoError(t, err)

	preview, err := store.Preview("alice", "big.txt")
	require.NoError(t, err)
	assert.Len(t, preview, PreviewSize)
}

func TestPreviewShortFile(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Save("alice", "notes.txt", strings.NewReader("hello world"))
	require.NoError(t, err)

	preview, err := store.Preview("alice", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", preview)
}

func TestPreviewBinaryContent(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Save("alice", "blob.bin", bytes.NewReader([]byte{0xFF, 0xFE, 'o', 'k'}))
	require.NoError(t, err)

	preview, err := store.Preview("alice", "blob.bin")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(preview, "ok"))
	assert.True(t, strings.Contains(preview, "�"))
}

func TestPendingAbortLeavesNothing(t *testing.T) {
	store := newTestStore(t)

	pending, err := store.Create("alice", "partial.txt")
	require.NoError(t, err)
	_, err = pending.Write([]byte("incomplete"))
	require.NoError(t, err)
	pending.Abort()

	_, err = store.Open("alice", "partial.txt")
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	files, err := store.List("alice")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestPendingNotVisibleUntilCommit(t *testing.T) {
	store := newTestStore(t)

	pending, err := store.Create("alice", "notes.txt")
	require.NoError(t, err)
	_, err = pending.Write([]byte("hello"))
	require.NoError(t, err)

	_, err = store.Open("alice", "notes.txt")
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	require.NoError(t, pending.Commit())

	f, err := store.Open("alice", "notes.txt")
	require.NoError(t, err)
	f.Close()
}
