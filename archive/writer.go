package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/0x7d8/ddup-bak/compression"
)

// CompressionFunc selects the compression format for a file about to be
// archived. It is called once per file with the filesystem path and the
// file's size in bytes.
type CompressionFunc func(path string, size uint64) compression.Format

// RealSizeFunc overrides the recorded real size of a file. It is used
// when the bytes being written are a chunk-id list standing in for the
// file's actual content.
type RealSizeFunc func(path string) uint64

// ProgressFunc receives the filesystem path of each entry as it is
// added to an archive.
type ProgressFunc func(path string)

// Writer builds an archive file. Bodies are written sequentially by a
// single owner; the entry index and trailer are emitted by Finish.
type Writer struct {
	f       *os.File
	path    string
	offset  uint64
	entries []*Entry

	compressionFn CompressionFunc
	realSizeFn    RealSizeFunc
	logger        *slog.Logger
	finished      bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithCompressionFunc sets the per-file compression selector. Without
// one, bodies are stored uncompressed.
func WithCompressionFunc(fn CompressionFunc) WriterOption {
	return func(w *Writer) {
		w.compressionFn = fn
	}
}

// WithRealSizeFunc sets the per-file real-size override.
func WithRealSizeFunc(fn RealSizeFunc) WriterOption {
	return func(w *Writer) {
		w.realSizeFn = fn
	}
}

// WithWriterLogger sets the logger for archive creation. If not set,
// logging is disabled.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

func (w *Writer) log() *slog.Logger {
	if w.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return w.logger
}

// NewWriter creates a new archive at path, truncating any existing
// file, and writes the signature.
func NewWriter(path string, opts ...WriterOption) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(append([]byte(signature), Version)); err != nil {
		f.Close()
		return nil, err
	}

	w := &Writer{f: f, path: path, offset: headerLen}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OpenWriter opens an existing archive for appending. The trailer and
// entry index are trimmed off; the entries already present are retained
// and rewritten by Finish together with anything added.
func OpenWriter(path string, opts ...WriterOption) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	entries, entriesOffset, err := readEntries(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(int64(entriesOffset)); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(int64(entriesOffset), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	w := &Writer{f: f, path: path, offset: entriesOffset, entries: entries}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the archive file's path.
func (w *Writer) Path() string { return w.path }

// Entries returns the top-level entries added so far.
func (w *Writer) Entries() []*Entry { return w.entries }

// Append adds a completed top-level entry tree to the archive's forest.
// The entry's bodies must already have been written through WriteBody.
func (w *Writer) Append(e *Entry) {
	w.entries = append(w.entries, e)
}

// WriteBody streams a file body into the archive at the current write
// position, passing it through the encoder for format. It returns the
// absolute offset where the body begins, the number of raw bytes
// consumed, and the number of compressed bytes occupied (zero when
// format is None).
func (w *Writer) WriteBody(r io.Reader, format compression.Format) (offset, size, compressed uint64, err error) {
	if w.finished {
		return 0, 0, 0, ErrFinished
	}

	offset = w.offset
	cw := &countingWriter{w: w.f}
	enc, err := compression.NewEncoder(format, cw)
	if err != nil {
		return 0, 0, 0, err
	}

	n, err := io.Copy(enc, r)
	if err != nil {
		enc.Close()
		// Bytes already written stay in the file; keep the offset in
		// step so the next body is recorded where it really begins.
		w.offset += cw.n
		return 0, 0, 0, err
	}
	if err := enc.Close(); err != nil {
		w.offset += cw.n
		return 0, 0, 0, err
	}

	w.offset += cw.n
	size = uint64(n)
	if format != compression.None {
		compressed = cw.n
	}
	return offset, size, compressed, nil
}

// AddDirectory archives everything under fsPath, appending one
// top-level entry per child of fsPath. Children are processed in
// byte-wise sorted name order so that identical trees produce identical
// archives. Files that disappear or fail to read are skipped with a
// warning; progress (if non-nil) is invoked once per entry.
func (w *Writer) AddDirectory(fsPath string, progress ProgressFunc) error {
	if w.finished {
		return ErrFinished
	}

	children, err := w.encodeDir(fsPath, progress)
	if err != nil {
		return err
	}
	w.entries = append(w.entries, children...)
	return nil
}

func (w *Writer) encodeDir(dir string, progress ProgressFunc) ([]*Entry, error) {
	listing, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	// os.ReadDir sorts by name, which in Go is a byte-wise comparison.
	entries := make([]*Entry, 0, len(listing))
	for _, de := range listing {
		entry, err := w.encodeDirEntry(filepath.Join(dir, de.Name()), de, progress)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (w *Writer) encodeDirEntry(path string, de os.DirEntry, progress ProgressFunc) (*Entry, error) {
	info, err := de.Info()
	if err != nil {
		w.log().Warn("skipping unreadable entry", "path", path, "error", err)
		return nil, nil
	}

	entry := NewEntryFromInfo(de.Name(), info)

	switch {
	case info.Mode().IsRegular():
		if err := w.encodeFileBody(path, info, entry); err != nil {
			w.log().Warn("skipping unreadable file", "path", path, "error", err)
			return nil, nil
		}

	case info.IsDir():
		children, err := w.encodeDir(path, progress)
		if err != nil {
			return nil, err
		}
		entry.Children = children

	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			w.log().Warn("skipping unreadable symlink", "path", path, "error", err)
			return nil, nil
		}
		entry.Target = target
		if targetInfo, err := os.Stat(path); err == nil {
			entry.TargetDir = targetInfo.IsDir()
		}

	default:
		// Sockets, devices, and pipes are not archivable.
		w.log().Debug("skipping special file", "path", path, "mode", info.Mode())
		return nil, nil
	}

	if progress != nil {
		progress(path)
	}
	return entry, nil
}

func (w *Writer) encodeFileBody(path string, info fs.FileInfo, entry *Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	size := uint64(info.Size())
	format := compression.None
	if w.compressionFn != nil {
		format = w.compressionFn(path, size)
	}
	if !compression.Registered(format) {
		return fmt.Errorf("%w: %d", compression.ErrUnsupported, uint8(format))
	}

	offset, written, compressed, err := w.WriteBody(f, format)
	if err != nil {
		return err
	}

	entry.Compression = format
	entry.Offset = offset
	entry.Size = written
	entry.SizeCompressed = compressed
	entry.SizeReal = written
	if w.realSizeFn != nil {
		entry.SizeReal = w.realSizeFn(path)
	}
	return nil
}

// Finish serialises the entry forest, appends it deflate-compressed,
// writes the trailer, and syncs the file. The writer cannot be used for
// further writes afterwards.
func (w *Writer) Finish() error {
	if w.finished {
		return ErrFinished
	}

	var stream bytes.Buffer
	enc, err := compression.NewEncoder(compression.Deflate, &stream)
	if err != nil {
		return err
	}
	var total uint64
	for _, e := range w.entries {
		if err := encodeEntry(enc, e); err != nil {
			return err
		}
		total += e.count()
	}
	if err := enc.Close(); err != nil {
		return err
	}

	entriesOffset := w.offset
	if _, err := w.f.Write(stream.Bytes()); err != nil {
		return err
	}

	var trailer [trailerLen]byte
	binary.LittleEndian.PutUint64(trailer[:8], total)
	binary.LittleEndian.PutUint64(trailer[8:], entriesOffset)
	if _, err := w.f.Write(trailer[:]); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}

	w.finished = true
	w.log().Debug("archive finished", "path", w.path, "entries", total, "entries_offset", entriesOffset)
	return nil
}

// Close closes the underlying file. It does not write the trailer; call
// Finish first for a complete archive.
func (w *Writer) Close() error {
	return w.f.Close()
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
