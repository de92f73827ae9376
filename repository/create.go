package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/0x7d8/ddup-bak/archive"
	"github.com/0x7d8/ddup-bak/chunk"
	"github.com/0x7d8/ddup-bak/compression"
)

// CreateOption configures CreateArchive.
type CreateOption func(*createConfig)

type createConfig struct {
	threads           int
	chunkingProgress  ProgressFunc
	archivingProgress ProgressFunc
	compressionFn     archive.CompressionFunc
}

// CreateWithThreads sets the file-worker pool size. Zero uses the host
// CPU count.
func CreateWithThreads(n int) CreateOption {
	return func(cfg *createConfig) {
		cfg.threads = n
	}
}

// CreateWithChunkingProgress sets the callback invoked for each file as
// it is being split into chunks. Callbacks run on worker goroutines and
// must be safe for concurrent use.
func CreateWithChunkingProgress(fn ProgressFunc) CreateOption {
	return func(cfg *createConfig) {
		cfg.chunkingProgress = fn
	}
}

// CreateWithArchivingProgress sets the callback invoked for each file
// once its body has been written to the archive.
func CreateWithArchivingProgress(fn ProgressFunc) CreateOption {
	return func(cfg *createConfig) {
		cfg.archivingProgress = fn
	}
}

// CreateWithCompression sets the per-file compression selector for
// files small enough to be stored inline. Without one, inline bodies
// are stored uncompressed. The callback runs on worker goroutines.
func CreateWithCompression(fn archive.CompressionFunc) CreateOption {
	return func(cfg *createConfig) {
		cfg.compressionFn = fn
	}
}

// fileJob is one regular file handed from the walker to the worker
// pool. The worker fills the entry's size fields; the archive writer
// assigns its offset.
type fileJob struct {
	path  string
	size  uint64
	entry *archive.Entry
}

// fileBody is a completed body handed from a worker to the writer
// goroutine: either a compressed inline payload or a chunk-id list.
type fileBody struct {
	path  string
	entry *archive.Entry
	data  []byte
}

// createState is the bookkeeping shared by the pipeline: chunks to roll
// back on failure and entries to drop because their file could not be
// read.
type createState struct {
	mu      sync.Mutex
	putIDs  []chunk.ID
	skipped map[*archive.Entry]struct{}
}

func (st *createState) trackPuts(ids []chunk.ID) {
	st.mu.Lock()
	st.putIDs = append(st.putIDs, ids...)
	st.mu.Unlock()
}

func (st *createState) skip(e *archive.Entry) {
	st.mu.Lock()
	st.skipped[e] = struct{}{}
	st.mu.Unlock()
}

// CreateArchive archives sourceDir under the given name: the tree is
// walked once, file contents are deduplicated into the chunk store or
// stored inline when they fit in a single chunk, and a new archive file
// is written. The archive file is owned by a single writer goroutine;
// workers deliver completed bodies to it over a bounded channel, so
// body offsets are assigned in write order without seeking.
//
// On any failure, including cancellation, the partial archive file is
// removed and the chunk references taken so far are released again.
func (r *Repository) CreateArchive(ctx context.Context, name, sourceDir string, opts ...CreateOption) (*archive.Archive, error) {
	if err := validArchiveName(name); err != nil {
		return nil, err
	}
	if sourceDir == "" {
		return nil, fmt.Errorf("%w: empty source directory", ErrInvalidArgument)
	}
	if info, err := os.Stat(sourceDir); err != nil {
		return nil, err
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidArgument, sourceDir)
	}
	if r.HasArchive(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrExists)
	}

	cfg := createConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.threads <= 0 {
		cfg.threads = runtime.GOMAXPROCS(0)
	}

	archivePath := r.ArchivePath(name)
	w, err := archive.NewWriter(archivePath, archive.WithWriterLogger(r.logger))
	if err != nil {
		return nil, err
	}

	entries, err := r.runCreatePipeline(ctx, w, sourceDir, &cfg)
	if err == nil {
		for _, e := range entries {
			w.Append(e)
		}
		err = w.Finish()
	}
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(archivePath)
		return nil, err
	}

	r.log().Info("archive created", "name", name, "source", sourceDir)
	return archive.Open(archivePath)
}

// runCreatePipeline drives the walker, the worker pool, and the writer
// goroutine, returning the completed top-level entries.
func (r *Repository) runCreatePipeline(ctx context.Context, w *archive.Writer, sourceDir string, cfg *createConfig) ([]*archive.Entry, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := &createState{skipped: make(map[*archive.Entry]struct{})}
	bodies := make(chan fileBody, cfg.threads)

	// Single writer: owns the archive file, assigns monotonic offsets.
	writerDone := make(chan error, 1)
	go func() {
		var writerErr error
		for body := range bodies {
			if writerErr != nil {
				continue // drain so workers never block
			}
			offset, _, _, err := w.WriteBody(bytes.NewReader(body.data), compression.None)
			if err != nil {
				writerErr = err
				cancel()
				continue
			}
			body.entry.Offset = offset
			if cfg.archivingProgress != nil {
				cfg.archivingProgress(body.path)
			}
		}
		writerDone <- writerErr
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(cfg.threads)

	entries, walkErr := r.walkSource(egCtx, eg, sourceDir, bodies, cfg, state)
	workErr := eg.Wait()
	close(bodies)
	writerErr := <-writerDone

	// Keep the root cause: a writer failure cancels the context, which
	// surfaces as context.Canceled in the walker and workers.
	var err error
	for _, e := range []error{walkErr, workErr, writerErr, ctx.Err()} {
		if e == nil {
			continue
		}
		if err == nil || (errors.Is(err, context.Canceled) && !errors.Is(e, context.Canceled)) {
			err = e
		}
	}
	if err != nil {
		r.rollbackPuts(state)
		return nil, err
	}

	return pruneSkipped(entries, state), nil
}

// rollbackPuts releases every chunk reference this create took; the
// orphaned chunks themselves are reclaimed by the next Clean.
func (r *Repository) rollbackPuts(state *createState) {
	state.mu.Lock()
	ids := state.putIDs
	state.putIDs = nil
	state.mu.Unlock()
	for _, id := range ids {
		if err := r.store.Release(id, 1); err != nil {
			r.log().Warn("rolling back chunk reference", "id", id, "error", err)
		}
	}
}

// walkSource enumerates dir in byte-sorted order, builds the entry
// tree, and dispatches one worker per regular file. Unreadable entries
// are skipped with a warning; the archive continues without them.
func (r *Repository) walkSource(ctx context.Context, eg *errgroup.Group, dir string, bodies chan<- fileBody, cfg *createConfig, state *createState) ([]*archive.Entry, error) {
	listing, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]*archive.Entry, 0, len(listing))
	for _, de := range listing {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.matchIgnored(de.Name()) {
			continue
		}

		full := filepath.Join(dir, de.Name())
		info, err := de.Info()
		if err != nil {
			r.log().Warn("skipping unreadable entry", "path", full, "error", err)
			continue
		}

		entry := archive.NewEntryFromInfo(de.Name(), info)
		switch {
		case info.Mode().IsRegular():
			job := fileJob{path: full, size: uint64(info.Size()), entry: entry}
			eg.Go(func() error {
				return r.processFile(ctx, job, bodies, cfg, state)
			})

		case info.IsDir():
			children, err := r.walkSource(ctx, eg, full, bodies, cfg, state)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				r.log().Warn("skipping unreadable directory", "path", full, "error", err)
				continue
			}
			entry.Children = children

		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				r.log().Warn("skipping unreadable symlink", "path", full, "error", err)
				continue
			}
			entry.Target = target
			if targetInfo, err := os.Stat(full); err == nil {
				entry.TargetDir = targetInfo.IsDir()
			}

		default:
			r.log().Debug("skipping special file", "path", full, "mode", info.Mode())
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// processFile turns one regular file into a body: inline (optionally
// compressed) when it fits in a single chunk, a chunk-id list
// otherwise.
func (r *Repository) processFile(ctx context.Context, job fileJob, bodies chan<- fileBody, cfg *createConfig, state *createState) error {
	var body []byte
	var err error
	if job.size <= uint64(r.chunkSize) {
		body, err = r.inlineBody(job, cfg)
	} else {
		body, err = r.chunkedBody(ctx, job, cfg, state)
	}
	if err != nil {
		return err
	}
	if body == nil {
		// The file vanished or could not be read; drop its entry.
		state.skip(job.entry)
		return nil
	}

	select {
	case bodies <- fileBody{path: job.path, entry: job.entry, data: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// inlineBody reads a small file and compresses it with the selected
// format. Returns nil bytes (no error) when the file cannot be read.
func (r *Repository) inlineBody(job fileJob, cfg *createConfig) ([]byte, error) {
	data, err := os.ReadFile(job.path)
	if err != nil {
		r.log().Warn("skipping unreadable file", "path", job.path, "error", err)
		return nil, nil
	}

	format := compression.None
	if cfg.compressionFn != nil {
		format = cfg.compressionFn(job.path, uint64(len(data)))
	}
	if !compression.Registered(format) {
		return nil, fmt.Errorf("%w: compression format %d", ErrInvalidArgument, uint8(format))
	}

	var buf bytes.Buffer
	enc, err := compression.NewEncoder(format, &buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}

	entry := job.entry
	entry.Compression = format
	entry.Size = uint64(len(data))
	entry.SizeReal = uint64(len(data))
	if format != compression.None {
		entry.SizeCompressed = uint64(buf.Len())
	}
	body := buf.Bytes()
	if body == nil {
		// An empty file still has a body; nil is reserved for unreadable
		// files.
		body = []byte{}
	}
	return body, nil
}

// chunkedBody splits a file into deduplicated chunks and returns the
// chunk-id list that stands in for its content.
func (r *Repository) chunkedBody(ctx context.Context, job fileJob, cfg *createConfig, state *createState) ([]byte, error) {
	if cfg.chunkingProgress != nil {
		cfg.chunkingProgress(job.path)
	}

	f, err := os.Open(job.path)
	if err != nil {
		r.log().Warn("skipping unreadable file", "path", job.path, "error", err)
		return nil, nil
	}
	defer f.Close()

	chunker, err := chunk.NewChunker(f, r.effectiveChunkSize(job.size))
	if err != nil {
		return nil, err
	}

	var ids bytes.Buffer
	var fileIDs []chunk.ID
	var realSize uint64
	for {
		if err := ctx.Err(); err != nil {
			state.trackPuts(fileIDs)
			return nil, err
		}
		c, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Release what this file already stored; the walk goes on
			// without it.
			r.log().Warn("skipping file after read error", "path", job.path, "error", err)
			for _, id := range fileIDs {
				if relErr := r.store.Release(id, 1); relErr != nil {
					r.log().Warn("releasing chunk of skipped file", "id", id, "error", relErr)
				}
			}
			return nil, nil
		}

		id, err := r.store.PutSum(c.Sum, c.Data)
		if err != nil {
			state.trackPuts(fileIDs)
			return nil, err
		}
		fileIDs = append(fileIDs, id)
		ids.Write(id[:])
		realSize += uint64(len(c.Data))
	}
	// Chunk references are recognised by SizeReal differing from Size.
	// When the file's length equals the id list's length the two are
	// indistinguishable, so store the bytes inline instead; it costs
	// the same space.
	if realSize == uint64(ids.Len()) {
		for _, id := range fileIDs {
			if relErr := r.store.Release(id, 1); relErr != nil {
				r.log().Warn("releasing chunk of inlined file", "id", id, "error", relErr)
			}
		}
		return r.inlineBody(job, cfg)
	}
	state.trackPuts(fileIDs)

	entry := job.entry
	entry.Compression = compression.None
	entry.Size = uint64(ids.Len())
	entry.SizeReal = realSize
	return ids.Bytes(), nil
}

// effectiveChunkSize doubles the configured chunk size until the file
// fits under the per-file chunk cap.
func (r *Repository) effectiveChunkSize(fileSize uint64) int {
	size := r.chunkSize
	if r.maxChunks > 0 {
		for (fileSize+uint64(size)-1)/uint64(size) > uint64(r.maxChunks) {
			size *= 2
		}
	}
	return size
}

// pruneSkipped drops entries whose files could not be read from the
// completed tree.
func pruneSkipped(entries []*archive.Entry, state *createState) []*archive.Entry {
	if len(state.skipped) == 0 {
		return entries
	}
	kept := make([]*archive.Entry, 0, len(entries))
	for _, e := range entries {
		if _, ok := state.skipped[e]; ok {
			continue
		}
		e.Children = pruneSkipped(e.Children, state)
		kept = append(kept, e)
	}
	return kept
}
