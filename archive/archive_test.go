package archive

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x7d8/ddup-bak/compression"
)

// writeTree materialises a map of relative paths to contents under dir.
func writeTree(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, content, 0o644))
	}
}

func createArchive(t *testing.T, srcDir string, opts ...WriterOption) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.ddup")
	w, err := NewWriter(path, opts...)
	require.NoError(t, err)
	require.NoError(t, w.AddDirectory(srcDir, nil))
	require.NoError(t, w.Finish())
	require.NoError(t, w.Close())
	return path
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"a.txt":          []byte("hello"),
		"b.txt":          []byte("world"),
		"sub/c.bin":      {0x00, 0x01, 0x02, 0xFF},
		"sub/deep/d.txt": []byte("nested content"),
		"empty.txt":      {},
	}
	srcDir := t.TempDir()
	writeTree(t, srcDir, files)

	path := createArchive(t, srcDir)

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	for relPath, want := range files {
		entry, err := a.Find(relPath)
		require.NoError(t, err, relPath)
		assert.Equal(t, TypeFile, entry.Type)
		assert.Equal(t, uint64(len(want)), entry.Size)
		assert.Equal(t, uint64(len(want)), entry.SizeReal)

		got, err := a.ReadFile(entry)
		require.NoError(t, err)
		assert.Equal(t, want, got, relPath)
	}

	sub, err := a.Find("sub")
	require.NoError(t, err)
	assert.Equal(t, TypeDirectory, sub.Type)
	assert.Len(t, sub.Children, 2)
}

func TestRoundTripCompressed(t *testing.T) {
	t.Parallel()

	content := make([]byte, 64<<10)
	for i := range content {
		content[i] = byte(i % 7)
	}
	srcDir := t.TempDir()
	writeTree(t, srcDir, map[string][]byte{
		"gz.bin": content,
		"fl.bin": content,
		"br.bin": content,
	})

	formats := map[string]compression.Format{
		"gz.bin": compression.Gzip,
		"fl.bin": compression.Deflate,
		"br.bin": compression.Brotli,
	}
	path := createArchive(t, srcDir, WithCompressionFunc(func(p string, _ uint64) compression.Format {
		return formats[filepath.Base(p)]
	}))

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	for name, format := range formats {
		entry, err := a.Find(name)
		require.NoError(t, err)
		assert.Equal(t, format, entry.Compression)
		assert.Equal(t, uint64(len(content)), entry.Size)
		assert.NotZero(t, entry.SizeCompressed)
		assert.Less(t, entry.SizeCompressed, entry.Size)

		got, err := a.ReadFile(entry)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}
}

func TestTinyCompressedFile(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	writeTree(t, srcDir, map[string][]byte{"tiny.bin": {0x01, 0x02, 0x03}})

	path := createArchive(t, srcDir, WithCompressionFunc(func(string, uint64) compression.Format {
		return compression.Gzip
	}))

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	entry, err := a.Find("tiny.bin")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), entry.Size)
	assert.Equal(t, uint64(3), entry.SizeReal)
	assert.NotZero(t, entry.SizeCompressed)

	r, err := a.OpenFile(entry)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)
}

func TestSymlinkRoundTrip(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	writeTree(t, srcDir, map[string][]byte{"target/file.txt": []byte("x")})
	require.NoError(t, os.Symlink("target", filepath.Join(srcDir, "dirlink")))
	require.NoError(t, os.Symlink("target/file.txt", filepath.Join(srcDir, "filelink")))

	path := createArchive(t, srcDir)

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	dirlink, err := a.Find("dirlink")
	require.NoError(t, err)
	assert.Equal(t, TypeSymlink, dirlink.Type)
	assert.Equal(t, "target", dirlink.Target)
	assert.True(t, dirlink.TargetDir)

	filelink, err := a.Find("filelink")
	require.NoError(t, err)
	assert.Equal(t, "target/file.txt", filelink.Target)
	assert.False(t, filelink.TargetDir)
}

func TestDeterministicOutput(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"z.txt":     []byte("zzz"),
		"a.txt":     []byte("aaa"),
		"mid/m.txt": []byte("mmm"),
	}
	srcDir := t.TempDir()
	writeTree(t, srcDir, files)

	first := createArchive(t, srcDir)
	second := createArchive(t, srcDir)

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFindErrors(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	writeTree(t, srcDir, map[string][]byte{"dir/file.txt": []byte("x")})

	a, err := Open(createArchive(t, srcDir))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Find("missing")
	require.ErrorIs(t, err, ErrEntryNotFound)

	_, err = a.Find("dir/missing")
	require.ErrorIs(t, err, ErrEntryNotFound)

	// A non-final component that is not a directory fails the lookup.
	_, err = a.Find("dir/file.txt/below")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestOpenWriterAppends(t *testing.T) {
	t.Parallel()

	firstDir := t.TempDir()
	writeTree(t, firstDir, map[string][]byte{"one.txt": []byte("one")})
	path := createArchive(t, firstDir)

	secondDir := t.TempDir()
	writeTree(t, secondDir, map[string][]byte{"two.txt": []byte("two")})

	w, err := OpenWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.AddDirectory(secondDir, nil))
	require.NoError(t, w.Finish())
	require.NoError(t, w.Close())

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, a.Entries(), 2)
	for name, want := range map[string][]byte{"one.txt": []byte("one"), "two.txt": []byte("two")} {
		entry, err := a.Find(name)
		require.NoError(t, err)
		got, err := a.ReadFile(entry)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRealSizeCallback(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	writeTree(t, srcDir, map[string][]byte{"refs.bin": make([]byte, 64)})

	path := createArchive(t, srcDir, WithRealSizeFunc(func(string) uint64 { return 4096 }))

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	entry, err := a.Find("refs.bin")
	require.NoError(t, err)
	assert.Equal(t, uint64(64), entry.Size)
	assert.Equal(t, uint64(4096), entry.SizeReal)
	assert.True(t, entry.ChunkReferenced())
}

func TestOpenRejectsBadSignature(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bogus.ddup")
	require.NoError(t, os.WriteFile(path, []byte("NOTANARCHIVE, DEFINITELY NOT"), 0o644))

	_, err := Open(path)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestOpenRejectsTruncated(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "short.ddup")
	require.NoError(t, os.WriteFile(path, append([]byte(signature), Version), 0o644))

	_, err := Open(path)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestOpenRejectsBadEntriesOffset(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	writeTree(t, srcDir, map[string][]byte{"a.txt": []byte("hello")})
	path := createArchive(t, srcDir)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Point the trailer's entries offset past the end of the file.
	binary.LittleEndian.PutUint64(data[len(data)-8:], uint64(len(data)))
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestOpenRejectsBadEntryCount(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	writeTree(t, srcDir, map[string][]byte{"a.txt": []byte("hello"), "b.txt": []byte("world")})
	path := createArchive(t, srcDir)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Inflate the entry count: the decoder runs out of entry data.
	binary.LittleEndian.PutUint64(data[len(data)-16:], 100)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEmptyArchive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.ddup")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.AddDirectory(t.TempDir(), nil))
	require.NoError(t, w.Finish())
	require.NoError(t, w.Close())

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	assert.Empty(t, a.Entries())
}

func TestMetadataPreserved(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	full := filepath.Join(srcDir, "exec.sh")
	require.NoError(t, os.WriteFile(full, []byte("#!/bin/sh\n"), 0o755))

	info, err := os.Stat(full)
	require.NoError(t, err)

	a, err := Open(createArchive(t, srcDir))
	require.NoError(t, err)
	defer a.Close()

	entry, err := a.Find("exec.sh")
	require.NoError(t, err)
	assert.Equal(t, info.Mode().Perm(), entry.Mode.Perm())
	assert.Equal(t, info.ModTime().Unix(), entry.ModTime.Unix())
	uid, gid := fileOwner(info)
	assert.Equal(t, uid, entry.UID)
	assert.Equal(t, gid, entry.GID)
}
