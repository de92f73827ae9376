package chunk

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/0x7d8/ddup-bak/internal/varint"
)

// indexMagic identifies a persisted chunk index; the trailing byte is
// the format version.
const indexMagic = "DDUPIDX\x01"

// backupExt is appended to the index path for the previous generation
// kept alongside every save.
const backupExt = ".bak"

// Save persists the index atomically: serialise to a temp file, keep
// the previous index as a .bak sibling, then rename into place. A crash
// at any point leaves either the old or the new index complete.
func (s *Store) Save() error {
	// Serialise the records first; the count must reflect exactly what
	// was written, not what Len reported before a concurrent Put.
	var records bytes.Buffer
	var count uint64
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		ids := make([]ID, 0, len(sh.entries))
		for id := range sh.entries {
			ids = append(ids, id)
		}
		// Stable output: ids sorted within each shard, shards in order.
		slices.SortFunc(ids, func(a, b ID) int { return bytes.Compare(a[:], b[:]) })
		for _, id := range ids {
			entry := sh.entries[id]
			records.Write(id[:])
			varint.WriteUint64(&records, entry.refs)
			varint.WriteUint64(&records, entry.length)
			count++
		}
		sh.mu.RUnlock()
	}

	buf := make([]byte, 0, len(indexMagic)+8+records.Len())
	buf = append(buf, indexMagic...)
	buf = binary.LittleEndian.AppendUint64(buf, count)
	buf = append(buf, records.Bytes()...)

	if err := writeFileAtomic(s.indexPath, buf); err != nil {
		return fmt.Errorf("chunk: saving index: %w", err)
	}
	s.dirty.Store(false)
	return nil
}

// writeFileAtomic writes data to a temp file, syncs it, rotates the
// current target to .bak, and renames the temp file over the target.
func writeFileAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".index-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if _, err := os.Stat(target); err == nil {
		if err := os.Rename(target, target+backupExt); err != nil {
			os.Remove(tmpPath)
			return err
		}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// loadIndex reads the persisted index, falling back to the .bak
// generation when the primary is missing or corrupt.
func (s *Store) loadIndex() error {
	err := s.loadIndexFile(s.indexPath)
	if err == nil {
		return nil
	}
	if bakErr := s.loadIndexFile(s.indexPath + backupExt); bakErr == nil {
		s.log().Warn("index unreadable, loaded backup", "path", s.indexPath, "error", err)
		// The recovered state must be written out again.
		s.dirty.Store(true)
		return nil
	}
	return err
}

func (s *Store) loadIndexFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	magic := make([]byte, len(indexMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return corruptIndex(path, "reading magic", err)
	}
	if string(magic) != indexMagic {
		return corruptIndex(path, "bad magic", nil)
	}

	var countBytes [8]byte
	if _, err := io.ReadFull(r, countBytes[:]); err != nil {
		return corruptIndex(path, "reading entry count", err)
	}
	count := binary.LittleEndian.Uint64(countBytes[:])

	for i := range s.shards {
		s.shards[i].entries = make(map[ID]indexEntry)
	}
	for n := uint64(0); n < count; n++ {
		var id ID
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return corruptIndex(path, "reading chunk id", err)
		}
		refs, err := varint.ReadUint64(r)
		if err != nil {
			return corruptIndex(path, "reading refcount", err)
		}
		length, err := varint.ReadUint64(r)
		if err != nil {
			return corruptIndex(path, "reading length", err)
		}
		sh := s.shardFor(id)
		if _, ok := sh.entries[id]; ok {
			return corruptIndex(path, fmt.Sprintf("duplicate id %s", id), nil)
		}
		sh.entries[id] = indexEntry{refs: refs, length: length}
	}
	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		return corruptIndex(path, "trailing data after entries", nil)
	}
	return nil
}

func corruptIndex(path, reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %s: %v", ErrIndexCorrupt, path, reason, err)
	}
	return fmt.Errorf("%w: %s: %s", ErrIndexCorrupt, path, reason)
}
