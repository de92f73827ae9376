package repository

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x7d8/ddup-bak/chunk"
	"github.com/0x7d8/ddup-bak/compression"
)

func writeTree(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, content, 0o644))
	}
}

func newTestRepository(t *testing.T, opts ...Option) *Repository {
	t.Helper()
	r, err := Create(filepath.Join(t.TempDir(), "repo"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// countChunkFiles walks the chunks directory counting .chunk files.
func countChunkFiles(t *testing.T, r *Repository) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(r.Store().Dir(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".chunk" {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func TestCreateRejectsNonEmptyRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "occupied"), []byte("x"), 0o644))

	_, err := Create(root)
	require.ErrorIs(t, err, ErrExists)
}

func TestCreateRejectsBadChunkSize(t *testing.T) {
	t.Parallel()

	_, err := Create(filepath.Join(t.TempDir(), "repo"), WithChunkSize(0))
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Create(filepath.Join(t.TempDir(), "repo"), WithChunkSize(-4))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestOpenRejectsNonRepository(t *testing.T) {
	t.Parallel()

	_, err := Open(t.TempDir())
	require.Error(t, err)
}

func TestRepositoryLayout(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "repo")
	r, err := Create(root)
	require.NoError(t, err)
	defer r.Close()

	for _, sub := range []string{"chunks", "archives", "index.bin"} {
		_, err := os.Stat(filepath.Join(root, sub))
		require.NoError(t, err, sub)
	}
}

// Archiving {a.txt: "hello", b.txt: "world"} with chunk size 4 yields
// two chunk-referenced entries with two chunks each and four distinct
// chunks in the store.
func TestCreateArchiveChunks(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"a.txt": []byte("hello"), "b.txt": []byte("world")})

	r := newTestRepository(t, WithChunkSize(4), WithMaxChunksPerFile(1000))
	a, err := r.CreateArchive(context.Background(), "first", src)
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, a.Entries(), 2)
	for _, name := range []string{"a.txt", "b.txt"} {
		entry, err := a.Find(name)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), entry.SizeReal, name)
		assert.Equal(t, uint64(2*chunk.IDSize), entry.Size, name)
		assert.True(t, entry.ChunkReferenced())
	}

	assert.Equal(t, 4, r.Store().Len())
	assert.Equal(t, 4, countChunkFiles(t, r))
	for _, id := range r.Store().IDs() {
		assert.Equal(t, uint64(1), r.Store().References(id))
	}
}

// Archiving the same tree twice doubles every refcount without storing
// any new chunk.
func TestDeduplicationAcrossArchives(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"a.txt": []byte("hello"), "b.txt": []byte("world")})

	r := newTestRepository(t, WithChunkSize(4))
	x, err := r.CreateArchive(context.Background(), "x", src)
	require.NoError(t, err)
	x.Close()

	filesBefore := countChunkFiles(t, r)
	y, err := r.CreateArchive(context.Background(), "y", src)
	require.NoError(t, err)
	y.Close()

	names, err := r.ListArchives()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, names)

	assert.Equal(t, 4, r.Store().Len())
	assert.Equal(t, filesBefore, countChunkFiles(t, r))
	for _, id := range r.Store().IDs() {
		assert.Equal(t, uint64(2), r.Store().References(id))
	}
}

func TestDeleteAndCleanLifecycle(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"a.txt": []byte("hello"), "b.txt": []byte("world")})

	r := newTestRepository(t, WithChunkSize(4))
	ctx := context.Background()
	for _, name := range []string{"x", "y"} {
		a, err := r.CreateArchive(ctx, name, src)
		require.NoError(t, err)
		a.Close()
	}

	// Deleting x leaves every chunk alive through y.
	require.NoError(t, r.DeleteArchive(ctx, "x", nil))
	require.NoError(t, r.Clean(ctx, nil))
	assert.Equal(t, 4, r.Store().Len())
	assert.Equal(t, 4, countChunkFiles(t, r))
	for _, id := range r.Store().IDs() {
		assert.Equal(t, uint64(1), r.Store().References(id))
	}

	// Deleting y orphans everything; clean empties store and disk.
	deleted := 0
	require.NoError(t, r.DeleteArchive(ctx, "y", func(id chunk.ID, orphaned bool) {
		if orphaned {
			deleted++
		}
	}))
	assert.Equal(t, 4, deleted)

	require.NoError(t, r.Clean(ctx, nil))
	assert.Equal(t, 0, r.Store().Len())
	assert.Equal(t, 0, countChunkFiles(t, r))

	names, err := r.ListArchives()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCreateArchiveInline(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"tiny.bin": {0x01, 0x02, 0x03}})

	r := newTestRepository(t) // default chunk size, so the file is inline
	a, err := r.CreateArchive(context.Background(), "tiny", src,
		CreateWithCompression(func(string, uint64) compression.Format { return compression.Gzip }))
	require.NoError(t, err)
	defer a.Close()

	entry, err := a.Find("tiny.bin")
	require.NoError(t, err)
	assert.Equal(t, compression.Gzip, entry.Compression)
	assert.Equal(t, uint64(3), entry.Size)
	assert.Equal(t, uint64(3), entry.SizeReal)
	assert.NotZero(t, entry.SizeCompressed)
	assert.False(t, entry.ChunkReferenced())

	// No chunks for inline bodies.
	assert.Equal(t, 0, r.Store().Len())

	var buf bytes.Buffer
	require.NoError(t, r.ReadEntry(a, entry, &buf))
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, buf.Bytes())
}

func TestCreateArchiveRejectsUnknownCompression(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"f.txt": []byte("data")})

	r := newTestRepository(t)
	_, err := r.CreateArchive(context.Background(), "bad", src,
		CreateWithCompression(func(string, uint64) compression.Format { return compression.Format(11) }))
	require.ErrorIs(t, err, ErrInvalidArgument)

	// The failed create leaves no archive behind.
	assert.False(t, r.HasArchive("bad"))
}

func TestCreateArchiveNameCollision(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"f.txt": []byte("data")})

	r := newTestRepository(t)
	ctx := context.Background()
	a, err := r.CreateArchive(ctx, "dup", src)
	require.NoError(t, err)
	a.Close()

	_, err = r.CreateArchive(ctx, "dup", src)
	require.ErrorIs(t, err, ErrExists)
}

func TestCreateArchiveInvalidNames(t *testing.T) {
	t.Parallel()

	r := newTestRepository(t)
	for _, name := range []string{"", ".", "..", "a/b", "nul\x00"} {
		_, err := r.CreateArchive(context.Background(), name, t.TempDir())
		require.ErrorIs(t, err, ErrInvalidArgument, "name %q", name)
	}
}

func TestCreateArchiveCancelled(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"f.bin": bytes.Repeat([]byte{0xAA}, 1<<16)})

	r := newTestRepository(t, WithChunkSize(16))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.CreateArchive(ctx, "cancelled", src)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, r.HasArchive("cancelled"))
}

func TestIgnoredPatterns(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{
		"keep.txt":          []byte("keep"),
		"skip.log":          []byte("skip"),
		"node_modules/x.js": []byte("skip"),
		"sub/other.log":     []byte("skip"),
		"sub/keep.txt":      []byte("keep"),
	})

	r := newTestRepository(t, WithIgnored("*.log", "node_modules"))
	a, err := r.CreateArchive(context.Background(), "filtered", src)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Find("keep.txt")
	require.NoError(t, err)
	_, err = a.Find("sub/keep.txt")
	require.NoError(t, err)

	for _, gone := range []string{"skip.log", "node_modules", "sub/other.log"} {
		_, err := a.Find(gone)
		require.ErrorIs(t, err, ErrEntryNotFound, gone)
	}
}

func TestDeleteArchiveMissing(t *testing.T) {
	t.Parallel()

	r := newTestRepository(t)
	err := r.DeleteArchive(context.Background(), "ghost", nil)
	require.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestGetArchiveMissing(t *testing.T) {
	t.Parallel()

	r := newTestRepository(t)
	_, err := r.GetArchive("ghost")
	require.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestSaveAndReopen(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"a.txt": []byte("hello")})

	root := filepath.Join(t.TempDir(), "repo")
	r, err := Create(root, WithChunkSize(4))
	require.NoError(t, err)
	a, err := r.CreateArchive(context.Background(), "persisted", src)
	require.NoError(t, err)
	a.Close()
	require.NoError(t, r.Close())

	reopened, err := Open(root, WithChunkSize(4))
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Store().Len())
	names, err := reopened.ListArchives()
	require.NoError(t, err)
	assert.Equal(t, []string{"persisted"}, names)
}

func TestOpenCorruptIndexFails(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "repo")
	r, err := Create(root)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	indexPath := filepath.Join(root, "index.bin")
	require.NoError(t, os.WriteFile(indexPath, []byte("DDUPIDX\x02 nonsense"), 0o644))
	os.Remove(indexPath + ".bak")

	_, err = Open(root)
	require.ErrorIs(t, err, ErrIndexCorrupt)
}

func TestSharedChunksDirectory(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"a.txt": []byte("hello")})

	base := t.TempDir()
	pool := filepath.Join(base, "pool")
	ctx := context.Background()

	first, err := Create(filepath.Join(base, "one"), WithChunkSize(4), WithChunksDir(pool))
	require.NoError(t, err)
	a, err := first.CreateArchive(ctx, "a", src)
	require.NoError(t, err)
	a.Close()
	require.NoError(t, first.Close())

	second, err := Create(filepath.Join(base, "two"), WithChunkSize(4), WithChunksDir(pool))
	require.NoError(t, err)
	defer second.Close()
	b, err := second.CreateArchive(ctx, "b", src)
	require.NoError(t, err)
	b.Close()

	// Both archives share the pool: refcounts doubled, no new chunks.
	assert.Equal(t, 2, second.Store().Len())
	for _, id := range second.Store().IDs() {
		assert.Equal(t, uint64(2), second.Store().References(id))
	}
}

func TestDeterministicCreate(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{
		"a.txt":     []byte("aaaa-aaaa-aaaa"),
		"b/c.bin":   bytes.Repeat([]byte{1, 2, 3}, 64),
		"b/d.txt":   []byte("dddd"),
		"large.bin": bytes.Repeat([]byte("0123456789abcdef"), 8),
	})

	ctx := context.Background()
	read := func() []byte {
		r := newTestRepository(t, WithChunkSize(32))
		a, err := r.CreateArchive(ctx, "det", src, CreateWithThreads(1))
		require.NoError(t, err)
		path := a.Path()
		a.Close()
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return data
	}

	assert.Equal(t, read(), read())
}

func TestEntryReaderChunked(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("chunky content! "), 1024)
	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"big.bin": content})

	r := newTestRepository(t, WithChunkSize(256))
	a, err := r.CreateArchive(context.Background(), "big", src)
	require.NoError(t, err)
	defer a.Close()

	entry, err := a.Find("big.bin")
	require.NoError(t, err)
	require.True(t, entry.ChunkReferenced())
	assert.Equal(t, uint64(len(content)), entry.SizeReal)

	var buf bytes.Buffer
	require.NoError(t, r.ReadEntry(a, entry, &buf))
	assert.Equal(t, content, buf.Bytes())
}

func TestEntryReaderRejectsDirectories(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"dir/f.txt": []byte("x")})

	r := newTestRepository(t)
	a, err := r.CreateArchive(context.Background(), "tree", src)
	require.NoError(t, err)
	defer a.Close()

	dir, err := a.Find("dir")
	require.NoError(t, err)
	_, err = r.EntryReader(a, dir)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMaxChunksPerFile(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte{0x42}, 1024)
	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"big.bin": content})

	// Chunk size 4 would mean 256 chunks; the cap forces doubling until
	// at most 8 chunks remain.
	r := newTestRepository(t, WithChunkSize(4), WithMaxChunksPerFile(8))
	a, err := r.CreateArchive(context.Background(), "capped", src)
	require.NoError(t, err)
	defer a.Close()

	entry, err := a.Find("big.bin")
	require.NoError(t, err)
	assert.LessOrEqual(t, entry.Size/chunk.IDSize, uint64(8))

	var buf bytes.Buffer
	require.NoError(t, r.ReadEntry(a, entry, &buf))
	assert.Equal(t, content, buf.Bytes())
}

// Deleting one of two archives that share chunks releases exactly the
// references the create acquired.
func TestRefcountConservation(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string][]byte{
		"a.bin": bytes.Repeat([]byte{1}, 100),
		"b.bin": bytes.Repeat([]byte{2}, 100),
	})

	r := newTestRepository(t, WithChunkSize(16))
	ctx := context.Background()

	a, err := r.CreateArchive(ctx, "one", src)
	require.NoError(t, err)
	a.Close()

	acquired := uint64(0)
	for _, id := range r.Store().IDs() {
		acquired += r.Store().References(id)
	}

	released := uint64(0)
	require.NoError(t, r.DeleteArchive(ctx, "one", func(chunk.ID, bool) { released++ }))
	assert.Equal(t, acquired, released)

	for _, id := range r.Store().IDs() {
		assert.Equal(t, uint64(0), r.Store().References(id))
	}
}

// A file whose length equals 32 bytes per chunk would make the chunk-id
// list indistinguishable from inline content; the archiver must store
// it inline.
func TestChunkListLengthCollisionStoredInline(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte{0x5A}, 64) // chunk size 32 -> 2 chunks, 64 = 2*32
	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"edge.bin": content})

	r := newTestRepository(t, WithChunkSize(32))
	a, err := r.CreateArchive(context.Background(), "edge", src)
	require.NoError(t, err)
	defer a.Close()

	entry, err := a.Find("edge.bin")
	require.NoError(t, err)
	assert.False(t, entry.ChunkReferenced())
	assert.Equal(t, uint64(64), entry.Size)
	assert.Equal(t, uint64(64), entry.SizeReal)

	var buf bytes.Buffer
	require.NoError(t, r.ReadEntry(a, entry, &buf))
	assert.Equal(t, content, buf.Bytes())

	// The temporarily stored chunks are released again.
	for _, id := range r.Store().IDs() {
		assert.Equal(t, uint64(0), r.Store().References(id))
	}
}
