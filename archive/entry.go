package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/0x7d8/ddup-bak/compression"
	"github.com/0x7d8/ddup-bak/internal/varint"
)

// EntryType identifies the variant of an Entry.
type EntryType uint8

const (
	TypeFile EntryType = iota
	TypeDirectory
	TypeSymlink
)

// String returns the human-readable name of the entry type.
func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// modeMask covers the 26 bits of POSIX mode stored in the packed
// type/compression/mode word.
const modeMask = 1<<26 - 1

// Entry is one node in an archive's directory tree. Exactly one variant
// is active, selected by Type; the variant-specific fields of the other
// types are zero.
type Entry struct {
	// Name is the file name of this entry without any path component.
	Name string

	// Type selects the active variant.
	Type EntryType

	// Mode holds the entry's POSIX permission bits (including setuid,
	// setgid, and sticky).
	Mode fs.FileMode

	// UID and GID identify the entry's owner.
	UID uint32
	GID uint32

	// ModTime is the modification time, stored at second precision.
	ModTime time.Time

	// Compression is the algorithm applied to a file's body bytes.
	// Always None for directories and symlinks.
	Compression compression.Format

	// Size is the number of uncompressed bytes stored in the body
	// region. For chunk-referenced files this is the length of the
	// chunk-id list (32 bytes per chunk), not the file's length.
	Size uint64

	// SizeCompressed is the number of body bytes actually occupied when
	// Compression is not None; zero otherwise.
	SizeCompressed uint64

	// SizeReal is the file's original length. It differs from Size only
	// when the body is a chunk-id list.
	SizeReal uint64

	// Offset is the absolute byte offset of the file's body within the
	// archive.
	Offset uint64

	// Children holds a directory's immediate children in byte-wise
	// sorted name order.
	Children []*Entry

	// Target is a symlink's target path; TargetDir marks directory
	// targets for platforms that distinguish them.
	Target    string
	TargetDir bool
}

// NewEntryFromInfo builds an entry carrying the metadata shared by all
// variants, with the type derived from the file mode. Variant fields
// (body sizes, children, symlink target) are left for the caller.
func NewEntryFromInfo(name string, info fs.FileInfo) *Entry {
	uid, gid := fileOwner(info)
	e := &Entry{
		Name:    name,
		Mode:    info.Mode() & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky),
		UID:     uid,
		GID:     gid,
		ModTime: info.ModTime(),
	}
	switch {
	case info.IsDir():
		e.Type = TypeDirectory
	case info.Mode()&fs.ModeSymlink != 0:
		e.Type = TypeSymlink
	default:
		e.Type = TypeFile
	}
	return e
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Type == TypeDirectory }

// ChunkReferenced reports whether a file entry's body is a chunk-id
// list rather than the file's own bytes.
func (e *Entry) ChunkReferenced() bool {
	return e.Type == TypeFile && e.SizeReal != e.Size
}

// BodyLen returns the number of archive bytes occupied by a file
// entry's body.
func (e *Entry) BodyLen() uint64 {
	if e.Compression == compression.None {
		return e.Size
	}
	return e.SizeCompressed
}

// Walk calls fn for the entry and everything below it in depth-first
// pre-order. The path passed to fn is slash-separated and rooted at the
// entry's own name. Walk stops at the first error fn returns.
func (e *Entry) Walk(fn func(path string, entry *Entry) error) error {
	return e.walk(e.Name, fn)
}

func (e *Entry) walk(p string, fn func(path string, entry *Entry) error) error {
	if err := fn(p, e); err != nil {
		return err
	}
	for _, child := range e.Children {
		if err := child.walk(path.Join(p, child.Name), fn); err != nil {
			return err
		}
	}
	return nil
}

// count returns the total number of entries in the subtree rooted at e.
func (e *Entry) count() uint64 {
	n := uint64(1)
	for _, child := range e.Children {
		n += child.count()
	}
	return n
}

func validEntryName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/\x00")
}

// posixMode extracts the stored 12-bit POSIX mode from a FileMode.
func posixMode(m fs.FileMode) uint32 {
	bits := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}

// entryMode converts stored POSIX mode bits back to a FileMode.
func entryMode(bits uint32) fs.FileMode {
	m := fs.FileMode(bits & 0o777)
	if bits&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if bits&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if bits&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	return m
}

// encodeEntry serialises an entry (and, for directories, its children)
// to w.
func encodeEntry(w io.Writer, e *Entry) error {
	if !validEntryName(e.Name) {
		return fmt.Errorf("%w: invalid entry name %q", ErrMalformed, e.Name)
	}

	if err := varint.WriteUint32(w, uint32(len(e.Name))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, e.Name); err != nil {
		return err
	}

	packed := uint32(e.Type) | uint32(e.Compression)<<2 | (posixMode(e.Mode)&modeMask)<<6
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], packed)
	if _, err := w.Write(word[:]); err != nil {
		return err
	}

	if err := varint.WriteUint32(w, e.UID); err != nil {
		return err
	}
	if err := varint.WriteUint32(w, e.GID); err != nil {
		return err
	}
	mtime := e.ModTime.Unix()
	if mtime < 0 {
		mtime = 0
	}
	if err := varint.WriteUint64(w, uint64(mtime)); err != nil {
		return err
	}

	switch e.Type {
	case TypeFile:
		if err := varint.WriteUint64(w, e.Size); err != nil {
			return err
		}
		if e.Compression != compression.None {
			if err := varint.WriteUint64(w, e.SizeCompressed); err != nil {
				return err
			}
		}
		if err := varint.WriteUint64(w, e.SizeReal); err != nil {
			return err
		}
		return varint.WriteUint64(w, e.Offset)

	case TypeDirectory:
		if err := varint.WriteUint64(w, uint64(len(e.Children))); err != nil {
			return err
		}
		for _, child := range e.Children {
			if err := encodeEntry(w, child); err != nil {
				return err
			}
		}
		return nil

	case TypeSymlink:
		if err := varint.WriteUint32(w, uint32(len(e.Target))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, e.Target); err != nil {
			return err
		}
		var dir byte
		if e.TargetDir {
			dir = 1
		}
		_, err := w.Write([]byte{dir})
		return err

	default:
		return fmt.Errorf("%w: unknown entry type %d", ErrMalformed, e.Type)
	}
}

// entryDecoder decodes entries from the deflated entry stream while
// enforcing the trailer's total entry count.
type entryDecoder struct {
	r         *bufio.Reader
	remaining uint64
}

func (d *entryDecoder) decode() (*Entry, error) {
	if d.remaining == 0 {
		return nil, fmt.Errorf("%w: more entries than the trailer declares", ErrMalformed)
	}
	d.remaining--

	nameLen, err := varint.ReadUint32(d.r)
	if err != nil {
		return nil, malformed("entry name length", err)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(d.r, name); err != nil {
		return nil, malformed("entry name", err)
	}
	if !validEntryName(string(name)) {
		return nil, fmt.Errorf("%w: invalid entry name %q", ErrMalformed, name)
	}

	var word [4]byte
	if _, err := io.ReadFull(d.r, word[:]); err != nil {
		return nil, malformed("entry header", err)
	}
	packed := binary.LittleEndian.Uint32(word[:])

	e := &Entry{
		Name:        string(name),
		Type:        EntryType(packed & 0b11),
		Compression: compression.Format(packed >> 2 & 0b1111),
		Mode:        entryMode(packed >> 6 & modeMask),
	}

	if e.UID, err = varint.ReadUint32(d.r); err != nil {
		return nil, malformed("entry uid", err)
	}
	if e.GID, err = varint.ReadUint32(d.r); err != nil {
		return nil, malformed("entry gid", err)
	}
	mtime, err := varint.ReadUint64(d.r)
	if err != nil {
		return nil, malformed("entry mtime", err)
	}
	e.ModTime = time.Unix(int64(mtime), 0)

	switch e.Type {
	case TypeFile:
		if e.Size, err = varint.ReadUint64(d.r); err != nil {
			return nil, malformed("file size", err)
		}
		if e.Compression != compression.None {
			if e.SizeCompressed, err = varint.ReadUint64(d.r); err != nil {
				return nil, malformed("file compressed size", err)
			}
		}
		if e.SizeReal, err = varint.ReadUint64(d.r); err != nil {
			return nil, malformed("file real size", err)
		}
		if e.Offset, err = varint.ReadUint64(d.r); err != nil {
			return nil, malformed("file offset", err)
		}

	case TypeDirectory:
		childCount, err := varint.ReadUint64(d.r)
		if err != nil {
			return nil, malformed("directory child count", err)
		}
		if childCount > d.remaining {
			return nil, fmt.Errorf("%w: directory %q declares %d children with %d entries remaining",
				ErrMalformed, e.Name, childCount, d.remaining)
		}
		e.Children = make([]*Entry, 0, childCount)
		for i := uint64(0); i < childCount; i++ {
			child, err := d.decode()
			if err != nil {
				return nil, err
			}
			e.Children = append(e.Children, child)
		}

	case TypeSymlink:
		targetLen, err := varint.ReadUint32(d.r)
		if err != nil {
			return nil, malformed("symlink target length", err)
		}
		target := make([]byte, targetLen)
		if _, err := io.ReadFull(d.r, target); err != nil {
			return nil, malformed("symlink target", err)
		}
		e.Target = string(target)
		dir, err := d.r.ReadByte()
		if err != nil {
			return nil, malformed("symlink target kind", err)
		}
		e.TargetDir = dir != 0

	default:
		return nil, fmt.Errorf("%w: unknown entry type %d", ErrMalformed, e.Type)
	}

	return e, nil
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: reading %s: %v", ErrMalformed, what, err)
}
