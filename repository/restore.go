package repository

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/0x7d8/ddup-bak/archive"
	"github.com/0x7d8/ddup-bak/chunk"
)

// defaultPrefetch is the number of chunks fetched ahead of the write
// position while restoring a chunk-referenced file.
const defaultPrefetch = 8

// RestoreOption configures RestoreArchive.
type RestoreOption func(*restoreConfig)

type restoreConfig struct {
	threads  int
	dest     string
	progress ProgressFunc
	prefetch int
}

// RestoreWithThreads sets the file-worker pool size. Zero uses the host
// CPU count.
func RestoreWithThreads(n int) RestoreOption {
	return func(cfg *restoreConfig) {
		cfg.threads = n
	}
}

// RestoreWithDestination overrides the restore target directory. The
// default is a directory named after the archive under the current
// working directory.
func RestoreWithDestination(dir string) RestoreOption {
	return func(cfg *restoreConfig) {
		cfg.dest = dir
	}
}

// RestoreWithProgress sets the callback invoked once per file on
// completion. Callbacks run on worker goroutines and must be safe for
// concurrent use.
func RestoreWithProgress(fn ProgressFunc) RestoreOption {
	return func(cfg *restoreConfig) {
		cfg.progress = fn
	}
}

// RestoreWithPrefetch bounds how many chunks may be in flight ahead of
// the write position per file.
func RestoreWithPrefetch(n int) RestoreOption {
	return func(cfg *restoreConfig) {
		cfg.prefetch = n
	}
}

// RestoreArchive rebuilds the named archive's tree on the filesystem
// and returns the destination directory. Directories are created first,
// file contents are restored by a worker pool, and symlinks are created
// last; modes, ownership (best effort), and modification times are
// applied from the archive.
func (r *Repository) RestoreArchive(ctx context.Context, name string, opts ...RestoreOption) (string, error) {
	cfg := restoreConfig{prefetch: defaultPrefetch}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.threads <= 0 {
		cfg.threads = runtime.GOMAXPROCS(0)
	}
	if cfg.prefetch <= 0 {
		cfg.prefetch = 1
	}

	a, err := r.GetArchive(name)
	if err != nil {
		return "", err
	}
	defer a.Close()

	dest := cfg.dest
	if dest == "" {
		dest = name
	}
	if listing, err := os.ReadDir(dest); err == nil && len(listing) > 0 {
		return "", fmt.Errorf("%s: %w", dest, ErrExists)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	// Directories first so every worker has its parents in place.
	type placedEntry struct {
		target string
		entry  *archive.Entry
	}
	var files, symlinks, dirs []placedEntry
	err = a.Walk(func(path string, entry *archive.Entry) error {
		placed := placedEntry{target: filepath.Join(dest, filepath.FromSlash(path)), entry: entry}
		switch entry.Type {
		case archive.TypeDirectory:
			if err := os.Mkdir(placed.target, 0o755); err != nil {
				return err
			}
			if err := os.Chmod(placed.target, entry.Mode.Perm()); err != nil {
				return err
			}
			r.chown(placed.target, entry)
			dirs = append(dirs, placed)
		case archive.TypeFile:
			files = append(files, placed)
		case archive.TypeSymlink:
			symlinks = append(symlinks, placed)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(cfg.threads)
	for _, placed := range files {
		placed := placed
		eg.Go(func() error {
			if err := r.restoreFile(egCtx, a, placed.entry, placed.target, &cfg); err != nil {
				return fmt.Errorf("restoring %s: %w", placed.target, err)
			}
			if cfg.progress != nil {
				cfg.progress(placed.target)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}

	// Symlinks last: their targets now exist where the archive provides
	// them, which keeps restores deterministic.
	for _, placed := range symlinks {
		if err := os.Symlink(placed.entry.Target, placed.target); err != nil {
			return "", err
		}
		r.chown(placed.target, placed.entry)
		if cfg.progress != nil {
			cfg.progress(placed.target)
		}
	}

	// Directory times go last; writing children would bump them.
	for i := len(dirs) - 1; i >= 0; i-- {
		placed := dirs[i]
		mtime := placed.entry.ModTime
		if err := os.Chtimes(placed.target, mtime, mtime); err != nil {
			return "", err
		}
	}

	r.log().Info("archive restored", "name", name, "destination", dest)
	return dest, nil
}

// restoreFile writes one file entry's content to target.
func (r *Repository) restoreFile(ctx context.Context, a *archive.Archive, entry *archive.Entry, target string, cfg *restoreConfig) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if entry.ChunkReferenced() {
		err = r.restoreChunked(ctx, a, entry, f, cfg)
	} else {
		err = r.restoreInline(a, entry, f)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(target)
		return err
	}

	if err := os.Chmod(target, entry.Mode.Perm()); err != nil {
		return err
	}
	r.chown(target, entry)
	return os.Chtimes(target, entry.ModTime, entry.ModTime)
}

// restoreInline streams an inline body through its decompressor.
func (r *Repository) restoreInline(a *archive.Archive, entry *archive.Entry, w io.Writer) error {
	body, err := a.OpenFile(entry)
	if err != nil {
		return err
	}
	defer body.Close()
	_, err = io.Copy(w, body)
	return err
}

// restoreChunked reassembles a chunk-referenced file. Chunks are
// fetched concurrently up to the prefetch window but written strictly
// in order, so the file's bytes land sequentially.
func (r *Repository) restoreChunked(ctx context.Context, a *archive.Archive, entry *archive.Entry, w io.Writer, cfg *restoreConfig) error {
	ids, err := readChunkIDs(a, entry)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	type fetched struct {
		index int
		data  []byte
	}

	window := semaphore.NewWeighted(int64(cfg.prefetch))
	ready := make(chan fetched, cfg.prefetch)
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer close(ready)

		fetchers, fetchCtx := errgroup.WithContext(egCtx)
		fetchers.SetLimit(cfg.prefetch)
		for i, id := range ids {
			i, id := i, id
			if err := window.Acquire(fetchCtx, 1); err != nil {
				break
			}
			fetchers.Go(func() error {
				data, err := r.store.Get(id)
				if err != nil {
					window.Release(1)
					return err
				}
				select {
				case ready <- fetched{index: i, data: data}:
					return nil
				case <-fetchCtx.Done():
					window.Release(1)
					return fetchCtx.Err()
				}
			})
		}
		return fetchers.Wait()
	})

	eg.Go(func() error {
		next := 0
		pending := make(map[int][]byte, cfg.prefetch)
		for next < len(ids) {
			select {
			case got, ok := <-ready:
				if !ok {
					if err := egCtx.Err(); err != nil {
						return err
					}
					return fmt.Errorf("chunk fetch pipeline ended after %d of %d chunks", next, len(ids))
				}
				pending[got.index] = got.data
				for {
					data, ok := pending[next]
					if !ok {
						break
					}
					delete(pending, next)
					if _, err := w.Write(data); err != nil {
						return err
					}
					window.Release(1)
					next++
				}
			case <-egCtx.Done():
				return egCtx.Err()
			}
		}
		return nil
	})

	return eg.Wait()
}

// chown applies recorded ownership best-effort: restoring as an
// unprivileged user cannot change owners, which must not fail the
// restore.
func (r *Repository) chown(target string, entry *archive.Entry) {
	if err := os.Lchown(target, int(entry.UID), int(entry.GID)); err != nil {
		r.log().Debug("cannot restore ownership", "path", target, "error", err)
	}
}

// readChunkIDs reads and parses the chunk-id list stored as a file
// entry's body.
func readChunkIDs(a *archive.Archive, entry *archive.Entry) ([]chunk.ID, error) {
	body, err := a.ReadFile(entry)
	if err != nil {
		return nil, err
	}
	if len(body)%chunk.IDSize != 0 {
		return nil, fmt.Errorf("%w: chunk-id list of %q has %d bytes", archive.ErrMalformed, entry.Name, len(body))
	}
	ids := make([]chunk.ID, 0, len(body)/chunk.IDSize)
	for off := 0; off < len(body); off += chunk.IDSize {
		id, err := chunk.IDFromBytes(body[off : off+chunk.IDSize])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
