// Package repository ties the archive codec and the chunk store
// together: a repository directory holds a persisted chunk index, the
// shared chunk pool, and a set of archive files, and exposes the
// create / list / restore / delete / clean operations over them.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/0x7d8/ddup-bak/archive"
	"github.com/0x7d8/ddup-bak/chunk"
	"github.com/0x7d8/ddup-bak/compression"
)

const (
	archiveExt = ".ddup"

	// DefaultChunkSize is the chunk size used when none is configured.
	DefaultChunkSize = 1 << 20
)

var (
	// ErrExists is returned when a create target (repository root,
	// archive name, restore destination) is already occupied.
	ErrExists = errors.New("repository: already exists")

	// ErrArchiveNotFound is returned when a named archive does not
	// exist.
	ErrArchiveNotFound = errors.New("repository: archive not found")

	// ErrInvalidArgument is returned for empty or malformed names,
	// paths, and sizes.
	ErrInvalidArgument = errors.New("repository: invalid argument")
)

// Errors re-exported from the packages underneath, so callers holding
// only a Repository can classify failures.
var (
	ErrMalformed              = archive.ErrMalformed
	ErrEntryNotFound          = archive.ErrEntryNotFound
	ErrChunkMissing           = chunk.ErrMissing
	ErrHashCollision          = chunk.ErrCollision
	ErrIndexCorrupt           = chunk.ErrIndexCorrupt
	ErrUnsupportedCompression = compression.ErrUnsupported
)

// ProgressFunc receives the filesystem path of each processed file.
type ProgressFunc = archive.ProgressFunc

// Repository is a directory containing a chunk store, its persisted
// index, and archive files.
type Repository struct {
	root        string
	chunksDir   string
	archivesDir string
	chunkSize   int
	maxChunks   int
	ignored     []string
	store       *chunk.Store
	saveOnClose bool
	logger      *slog.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithChunkSize sets the chunk size in bytes for newly archived files.
func WithChunkSize(n int) Option {
	return func(r *Repository) {
		r.chunkSize = n
	}
}

// WithMaxChunksPerFile caps the number of chunks a single file may
// produce; when a file would exceed it, the effective chunk size is
// doubled until the count fits. Zero means no limit.
func WithMaxChunksPerFile(n int) Option {
	return func(r *Repository) {
		r.maxChunks = n
	}
}

// WithIgnored sets glob patterns matched against individual path
// components; matching entries are skipped while archiving.
func WithIgnored(patterns ...string) Option {
	return func(r *Repository) {
		r.ignored = patterns
	}
}

// WithChunksDir points the repository at an external chunk directory so
// several repositories can share one pool. The chunk index lives next
// to the chunks in that case.
func WithChunksDir(dir string) Option {
	return func(r *Repository) {
		r.chunksDir = dir
	}
}

// WithSaveOnClose controls whether Close persists a dirty chunk index.
// Enabled by default.
func WithSaveOnClose(save bool) Option {
	return func(r *Repository) {
		r.saveOnClose = save
	}
}

// WithLogger sets the logger for repository operations. If not set,
// logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

func (r *Repository) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.logger
}

func newRepository(root string, opts []Option) (*Repository, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty repository root", ErrInvalidArgument)
	}
	r := &Repository{
		root:        root,
		chunkSize:   DefaultChunkSize,
		saveOnClose: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrInvalidArgument, r.chunkSize)
	}
	if r.maxChunks < 0 {
		return nil, fmt.Errorf("%w: max chunks per file %d", ErrInvalidArgument, r.maxChunks)
	}
	external := r.chunksDir != ""
	if !external {
		r.chunksDir = filepath.Join(root, "chunks")
	}
	r.archivesDir = filepath.Join(root, "archives")
	return r, nil
}

// indexPath returns the location of the persisted chunk index: next to
// the chunks when the pool is external, in the repository root
// otherwise.
func (r *Repository) indexPath() string {
	if r.chunksDir != filepath.Join(r.root, "chunks") {
		return filepath.Join(r.chunksDir, "index.bin")
	}
	return filepath.Join(r.root, "index.bin")
}

// Create initialises a new repository at root. The root must not exist
// or must be an empty directory.
func Create(root string, opts ...Option) (*Repository, error) {
	r, err := newRepository(root, opts)
	if err != nil {
		return nil, err
	}

	if listing, err := os.ReadDir(root); err == nil && len(listing) > 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrExists)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(r.archivesDir, 0o755); err != nil {
		return nil, err
	}

	storeOpts := []chunk.Option{chunk.WithIndexPath(r.indexPath()), chunk.WithLogger(r.logger)}
	if _, err := os.Stat(r.indexPath()); err == nil {
		// Shared external pool that already has an index.
		r.store, err = chunk.Open(r.chunksDir, storeOpts...)
		if err != nil {
			return nil, err
		}
	} else {
		r.store, err = chunk.Create(r.chunksDir, storeOpts...)
		if err != nil {
			return nil, err
		}
	}

	r.log().Info("repository created", "root", root, "chunk_size", r.chunkSize)
	return r, nil
}

// Open loads an existing repository's chunk index.
func Open(root string, opts ...Option) (*Repository, error) {
	r, err := newRepository(root, opts)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(r.archivesDir); err != nil {
		return nil, fmt.Errorf("%s: not a repository: %w", root, err)
	}
	r.store, err = chunk.Open(r.chunksDir,
		chunk.WithIndexPath(r.indexPath()), chunk.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Root returns the repository's root directory.
func (r *Repository) Root() string { return r.root }

// ChunkSize returns the configured chunk size in bytes.
func (r *Repository) ChunkSize() int { return r.chunkSize }

// Store exposes the underlying chunk store.
func (r *Repository) Store() *chunk.Store { return r.store }

// Save persists the chunk index atomically.
func (r *Repository) Save() error {
	return r.store.Save()
}

// Close persists a dirty chunk index unless disabled with
// WithSaveOnClose(false). Save errors are logged and swallowed, so a
// deferred Close never masks the operation's own error; call Save
// directly when persistence failures must be observed.
func (r *Repository) Close() error {
	if r.saveOnClose && r.store.Dirty() {
		if err := r.store.Save(); err != nil {
			r.log().Error("saving chunk index on close", "error", err)
		}
	}
	return nil
}

// ArchivePath returns the path of the named archive's file.
func (r *Repository) ArchivePath(name string) string {
	return filepath.Join(r.archivesDir, name+archiveExt)
}

func validArchiveName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\x00") || strings.ContainsRune(name, filepath.Separator) {
		return fmt.Errorf("%w: archive name %q", ErrInvalidArgument, name)
	}
	return nil
}

// ListArchives returns the names of all archives, sorted.
func (r *Repository) ListArchives() ([]string, error) {
	listing, err := os.ReadDir(r.archivesDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(listing))
	for _, entry := range listing {
		if name, ok := strings.CutSuffix(entry.Name(), archiveExt); ok && !entry.IsDir() {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// HasArchive reports whether the named archive exists.
func (r *Repository) HasArchive(name string) bool {
	if validArchiveName(name) != nil {
		return false
	}
	_, err := os.Stat(r.ArchivePath(name))
	return err == nil
}

// GetArchive opens the named archive for reading.
func (r *Repository) GetArchive(name string) (*archive.Archive, error) {
	if err := validArchiveName(name); err != nil {
		return nil, err
	}
	if !r.HasArchive(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrArchiveNotFound)
	}
	return archive.Open(r.ArchivePath(name))
}

// DeleteArchive releases every chunk the named archive references and
// unlinks the archive file. The progress callback, if non-nil, receives
// each released chunk id and whether the release orphaned it.
func (r *Repository) DeleteArchive(ctx context.Context, name string, progress chunk.CleanProgress) error {
	a, err := r.GetArchive(name)
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.Walk(func(path string, entry *archive.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.ChunkReferenced() {
			return nil
		}
		ids, err := readChunkIDs(a, entry)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := r.store.Release(id, 1); err != nil {
				return err
			}
			if progress != nil {
				progress(id, r.store.References(id) == 0)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.Remove(r.ArchivePath(name)); err != nil {
		return err
	}
	r.log().Info("archive deleted", "name", name)
	return nil
}

// Clean removes all orphaned chunks from disk and from the index.
func (r *Repository) Clean(ctx context.Context, progress chunk.CleanProgress) error {
	return r.store.Clean(ctx, progress)
}

// matchIgnored reports whether a single path component matches one of
// the repository's ignore patterns.
func (r *Repository) matchIgnored(name string) bool {
	for _, pattern := range r.ignored {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
