package archive

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/0x7d8/ddup-bak/compression"
)

// Archive provides read access to an archive file: the decoded entry
// forest plus streaming access to file bodies, which stay on disk until
// opened.
type Archive struct {
	f             *os.File
	path          string
	entries       []*Entry
	entriesOffset uint64
}

// Open opens an archive for reading, validating the signature and
// trailer and decoding the full entry forest into memory.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	entries, entriesOffset, err := readEntries(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Archive{f: f, path: path, entries: entries, entriesOffset: entriesOffset}, nil
}

// readEntries validates the header and trailer of the open archive file
// and decodes the entry forest.
func readEntries(f *os.File) ([]*Entry, uint64, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := info.Size()
	if size < headerLen+trailerLen {
		return nil, 0, fmt.Errorf("%w: file too short (%d bytes)", ErrMalformed, size)
	}

	var header [headerLen]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		return nil, 0, err
	}
	if string(header[:len(signature)]) != signature {
		return nil, 0, fmt.Errorf("%w: bad signature", ErrMalformed)
	}
	if header[len(signature)] != Version {
		return nil, 0, fmt.Errorf("%w: unsupported format version %d", ErrMalformed, header[len(signature)])
	}

	var trailer [trailerLen]byte
	if _, err := f.ReadAt(trailer[:], size-trailerLen); err != nil {
		return nil, 0, err
	}
	entryCount := binary.LittleEndian.Uint64(trailer[:8])
	entriesOffset := binary.LittleEndian.Uint64(trailer[8:])
	if entriesOffset < headerLen || entriesOffset > uint64(size-trailerLen) {
		return nil, 0, fmt.Errorf("%w: entries offset %d out of range", ErrMalformed, entriesOffset)
	}

	stream := io.NewSectionReader(f, int64(entriesOffset), size-trailerLen-int64(entriesOffset))
	dec, err := compression.NewDecoder(compression.Deflate, stream)
	if err != nil {
		return nil, 0, err
	}
	defer dec.Close()

	d := &entryDecoder{r: bufio.NewReader(dec), remaining: entryCount}
	var entries []*Entry
	for d.remaining > 0 {
		entry, err := d.decode()
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}

	for _, e := range entries {
		if err := validateBodies(e, entriesOffset); err != nil {
			return nil, 0, err
		}
	}
	return entries, entriesOffset, nil
}

// validateBodies checks that every file body below e lies inside the
// body region.
func validateBodies(e *Entry, entriesOffset uint64) error {
	return e.Walk(func(path string, entry *Entry) error {
		if entry.Type != TypeFile {
			return nil
		}
		end := entry.Offset + entry.BodyLen()
		if entry.Offset < headerLen || end < entry.Offset || end > entriesOffset {
			return fmt.Errorf("%w: body of %q [%d, %d) outside body region", ErrMalformed, path, entry.Offset, end)
		}
		return nil
	})
}

// Close releases the underlying file.
func (a *Archive) Close() error {
	return a.f.Close()
}

// Path returns the archive file's path.
func (a *Archive) Path() string { return a.path }

// Entries returns the archive's top-level entries.
func (a *Archive) Entries() []*Entry { return a.entries }

// EntriesOffset returns the absolute offset of the entry index.
func (a *Archive) EntriesOffset() uint64 { return a.entriesOffset }

// Walk calls fn for every entry in the archive in depth-first
// pre-order, with slash-separated paths.
func (a *Archive) Walk(fn func(path string, entry *Entry) error) error {
	for _, e := range a.entries {
		if err := e.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Find locates an entry by its slash-separated path inside the archive.
func (a *Archive) Find(path string) (*Entry, error) {
	parts := strings.Split(path, "/")
	entries := a.entries
	for i, part := range parts {
		var match *Entry
		for _, e := range entries {
			if e.Name == part {
				match = e
				break
			}
		}
		if match == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrEntryNotFound)
		}
		if i == len(parts)-1 {
			return match, nil
		}
		if match.Type != TypeDirectory {
			return nil, fmt.Errorf("%s: %w", path, ErrEntryNotFound)
		}
		entries = match.Children
	}
	return nil, fmt.Errorf("%s: %w", path, ErrEntryNotFound)
}

// OpenFile returns a streaming reader over a file entry's body,
// decompressed according to the entry's format. For chunk-referenced
// entries the body is the raw chunk-id list; resolving the ids against
// a chunk store is the repository's job.
func (a *Archive) OpenFile(e *Entry) (io.ReadCloser, error) {
	if e.Type != TypeFile {
		return nil, fmt.Errorf("archive: %q is a %s, not a file", e.Name, e.Type)
	}
	section := io.NewSectionReader(a.f, int64(e.Offset), int64(e.BodyLen()))
	return compression.NewDecoder(e.Compression, section)
}

// ReadFile reads and returns a file entry's entire body, decompressed.
func (a *Archive) ReadFile(e *Entry) ([]byte, error) {
	r, err := a.OpenFile(e)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	if e.Size > 0 {
		buf.Grow(int(e.Size))
	}
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
