// Package chunk implements the content-addressed, reference-counted
// chunk store shared by all archives in a repository, together with the
// fixed-size chunker that feeds it.
//
// Chunks live under a two-level hex-sharded directory tree keyed by
// their BLAKE2b-512 digest prefix. The in-memory index maps each id to
// its reference count and byte length and is persisted atomically to an
// index file. All store operations are safe for concurrent use; the
// index is guarded by 256 shard locks keyed by the first id byte, so
// writers of chunks in different shards never contend.
package chunk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrMissing is returned when a referenced chunk is not in the
	// store.
	ErrMissing = errors.New("chunk: chunk missing")

	// ErrCollision is returned when two distinct byte sequences share a
	// chunk id.
	ErrCollision = errors.New("chunk: hash collision")

	// ErrIndexCorrupt is returned when the index file cannot be parsed
	// and no usable backup exists.
	ErrIndexCorrupt = errors.New("chunk: corrupt index")
)

const chunkFileExt = ".chunk"

// indexEntry is one record of the chunk index. sum caches the full
// digest of the stored bytes once it is known; it is not persisted.
type indexEntry struct {
	refs   uint64
	length uint64
	sum    *[SumSize]byte
}

type indexShard struct {
	mu      sync.RWMutex
	entries map[ID]indexEntry
}

// Store is a content-addressed, reference-counted blob store.
type Store struct {
	dir       string
	indexPath string
	shards    [256]indexShard
	dirty     atomic.Bool
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithIndexPath overrides the location of the persisted index file. The
// default is index.bin inside the store directory.
func WithIndexPath(path string) Option {
	return func(s *Store) {
		s.indexPath = path
	}
}

// WithLogger sets the logger for store operations. If not set, logging
// is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.logger
}

func newStore(dir string, opts []Option) *Store {
	s := &Store{dir: dir}
	for i := range s.shards {
		s.shards[i].entries = make(map[ID]indexEntry)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.indexPath == "" {
		s.indexPath = filepath.Join(dir, "index.bin")
	}
	return s
}

// Create initialises an empty store at dir and persists a fresh index.
func Create(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := newStore(dir, opts)
	if err := s.Save(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open loads an existing store's index from disk. A missing or corrupt
// index file falls back to its .bak sibling; if that cannot be loaded
// either, Open returns the primary file's error: ErrIndexCorrupt when it
// could not be parsed, a not-exist error when it is missing.
func Open(dir string, opts ...Option) (*Store, error) {
	s := newStore(dir, opts)
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the store's chunk directory.
func (s *Store) Dir() string { return s.dir }

// Dirty reports whether the in-memory index has diverged from the
// persisted one.
func (s *Store) Dirty() bool { return s.dirty.Load() }

func (s *Store) shardFor(id ID) *indexShard {
	return &s.shards[id[0]]
}

// chunkPath returns the sharded on-disk location of a chunk.
func (s *Store) chunkPath(id ID) string {
	hexID := id.String()
	return filepath.Join(s.dir, hexID[:2], hexID[2:4], hexID[4:]+chunkFileExt)
}

// Put stores data, computing its id, and acquires one reference. If an
// identical chunk is already present only the reference count changes.
func (s *Store) Put(data []byte) (ID, error) {
	return s.put(blake2b.Sum512(data), data)
}

// PutSum is Put for callers that already hold the chunk's full digest,
// such as the chunker.
func (s *Store) PutSum(sum [SumSize]byte, data []byte) (ID, error) {
	return s.put(sum, data)
}

func (s *Store) put(sum [SumSize]byte, data []byte) (ID, error) {
	var id ID
	copy(id[:], sum[:IDSize])

	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if entry, ok := sh.entries[id]; ok {
		if err := s.verifyExisting(id, &entry, sum, uint64(len(data))); err != nil {
			return ID{}, err
		}
		entry.refs++
		sh.entries[id] = entry
		s.dirty.Store(true)
		return id, nil
	}

	if err := s.writeChunkFile(id, data); err != nil {
		return ID{}, err
	}
	sumCopy := sum
	sh.entries[id] = indexEntry{refs: 1, length: uint64(len(data)), sum: &sumCopy}
	s.dirty.Store(true)
	return id, nil
}

// verifyExisting checks an incoming chunk against the entry already
// stored under the same id. The stored digest is computed lazily from
// the chunk file the first time an id loaded from disk is hit again,
// then cached on the entry.
func (s *Store) verifyExisting(id ID, entry *indexEntry, sum [SumSize]byte, length uint64) error {
	if entry.length != length {
		return fmt.Errorf("%w: %s", ErrCollision, id)
	}
	if entry.sum == nil {
		stored, err := s.digestChunkFile(id)
		if err != nil {
			return err
		}
		entry.sum = &stored
	}
	if *entry.sum != sum {
		return fmt.Errorf("%w: %s", ErrCollision, id)
	}
	return nil
}

func (s *Store) digestChunkFile(id ID) ([SumSize]byte, error) {
	var sum [SumSize]byte
	f, err := os.Open(s.chunkPath(id))
	if err != nil {
		return sum, err
	}
	defer f.Close()

	h, err := blake2b.New512(nil)
	if err != nil {
		return sum, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	h.Sum(sum[:0])
	return sum, nil
}

// writeChunkFile writes the chunk atomically: temp file in the shard
// directory, then rename.
func (s *Store) writeChunkFile(id ID, data []byte) error {
	path := s.chunkPath(id)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, chunkFileExt+"-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Open returns a streaming reader over a chunk's bytes.
func (s *Store) Open(id ID) (io.ReadCloser, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	_, ok := sh.entries[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissing, id)
	}

	f, err := os.Open(s.chunkPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, id)
		}
		return nil, err
	}
	return f, nil
}

// Get returns a chunk's bytes.
func (s *Store) Get(id ID) ([]byte, error) {
	r, err := s.Open(id)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Acquire adds n references to a chunk.
func (s *Store) Acquire(id ID, n uint64) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissing, id)
	}
	entry.refs += n
	sh.entries[id] = entry
	s.dirty.Store(true)
	return nil
}

// Release drops n references from a chunk. A chunk whose count reaches
// zero becomes an orphan: its file and index entry are retained until
// Clean runs.
func (s *Store) Release(id ID, n uint64) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissing, id)
	}
	if n > entry.refs {
		s.log().Warn("refcount underflow", "id", id, "refs", entry.refs, "release", n)
		n = entry.refs
	}
	entry.refs -= n
	sh.entries[id] = entry
	s.dirty.Store(true)
	return nil
}

// References returns a chunk's current reference count; zero if the
// chunk is unknown.
func (s *Store) References(id ID) uint64 {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.entries[id].refs
}

// Len returns the number of index entries, orphans included.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// IDs returns all ids currently in the index.
func (s *Store) IDs() []ID {
	ids := make([]ID, 0, s.Len())
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id := range sh.entries {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	return ids
}

// CleanProgress receives each index entry Clean processes and whether
// its chunk file was deleted.
type CleanProgress func(id ID, deleted bool)

// Clean deletes the chunk files of all zero-reference entries and
// removes those entries from the index. It proceeds shard by shard
// under the shard's write lock, so it cannot race a concurrent Put of
// the same id; readers of live chunks are unaffected.
func (s *Store) Clean(ctx context.Context, progress CleanProgress) error {
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return err
		}

		sh := &s.shards[i]
		sh.mu.Lock()
		events := make([]ID, 0)
		kept := make([]ID, 0)
		for id, entry := range sh.entries {
			if entry.refs > 0 {
				kept = append(kept, id)
				continue
			}
			if err := s.removeChunkFile(id); err != nil && !errors.Is(err, os.ErrNotExist) {
				sh.mu.Unlock()
				return err
			}
			delete(sh.entries, id)
			events = append(events, id)
		}
		sh.mu.Unlock()

		if len(events) > 0 {
			s.dirty.Store(true)
		}
		if progress != nil {
			for _, id := range events {
				progress(id, true)
			}
			for _, id := range kept {
				progress(id, false)
			}
		}
	}
	return nil
}

// removeChunkFile unlinks a chunk file and prunes its shard directories
// if they became empty.
func (s *Store) removeChunkFile(id ID) error {
	path := s.chunkPath(id)
	if err := os.Remove(path); err != nil {
		return err
	}

	// Best-effort: drop the two shard levels when empty.
	for dir := filepath.Dir(path); dir != s.dir; dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}
