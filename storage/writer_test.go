package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gorent/gorent/metainfo"
	"github.com/stretchr/testify/require"
)

func TestWriteSingleFile(t *testing.T) {
	dir := t.TempDir()
	files := []metainfo.File{{Path: "hello.txt", Length: 5, Offset: 0}}
	w, err := New(dir, files)
	require.NoError(t, err)

	require.NoError(t, w.WriteAll([]byte("hello")))

	got, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestWriteMultiFile(t *testing.T) {
	dir := t.TempDir()
	files := []metainfo.File{
		{Path: "bundle/a.txt", Length: 3, Offset: 0},
		{Path: "bundle/sub/b.txt", Length: 3, Offset: 3},
	}
	w, err := New(dir, files)
	require.NoError(t, err)

	require.NoError(t, w.WriteAll([]byte("abcdef")))

	gotA, err := os.ReadFile(filepath.Join(dir, "bundle/a.txt"))
	require.NoError(t, err)
	require.Equal(t, "abc", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(dir, "bundle/sub/b.txt"))
	require.NoError(t, err)
	require.Equal(t, "def", string(gotB))
}

func TestNewRejectsUnsafePath(t *testing.T) {
	_, err := New(t.TempDir(), []metainfo.File{{Path: "../escape.txt", Length: 1}})
	require.ErrorIs(t, err, ErrUnsafePath)
}

func TestNewRejectsAbsolutePath(t *testing.T) {
	_, err := New(t.TempDir(), []metainfo.File{{Path: "/etc/passwd", Length: 1}})
	require.ErrorIs(t, err, ErrUnsafePath)
}
