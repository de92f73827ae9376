// Package archive implements the ddup-bak archive format: a single file
// carrying one directory tree's metadata together with per-file bodies
// that are stored raw, compressed, or as references into a shared chunk
// store.
//
// The file starts with an 8-byte signature, followed by the body region,
// followed by a deflate-compressed serialisation of the entry forest,
// and ends with a 16-byte trailer recording the total entry count and
// the offset of the compressed entry stream. Writing the entry index
// last lets readers random-access the metadata without scanning bodies.
package archive

import "errors"

const (
	// signature is the 7 magic bytes at the start of every archive; the
	// eighth header byte is the format version.
	signature = "DDUPBAK"

	// Version is the archive format version this package writes and
	// accepts.
	Version = 1

	headerLen  = 8
	trailerLen = 16
)

var (
	// ErrMalformed is returned when an archive fails structural
	// validation: bad signature, truncated trailer, varint overflow, or
	// inconsistent entry counts.
	ErrMalformed = errors.New("archive: malformed archive")

	// ErrEntryNotFound is returned by Find when no entry matches the
	// requested path.
	ErrEntryNotFound = errors.New("archive: entry not found")

	// ErrFinished is returned when an operation is attempted on a
	// writer whose trailer has already been written.
	ErrFinished = errors.New("archive: writer already finished")
)
