package repository

import (
	"errors"
	"fmt"
	"io"

	"github.com/0x7d8/ddup-bak/archive"
	"github.com/0x7d8/ddup-bak/chunk"
)

// EntryReader returns a streaming reader over a single archived file's
// content: inline bodies are decompressed, chunk-referenced bodies are
// resolved through the chunk store and concatenated in order.
func (r *Repository) EntryReader(a *archive.Archive, entry *archive.Entry) (io.ReadCloser, error) {
	if entry.Type != archive.TypeFile {
		return nil, fmt.Errorf("%w: %q is a %s, not a file", ErrInvalidArgument, entry.Name, entry.Type)
	}
	if !entry.ChunkReferenced() {
		return a.OpenFile(entry)
	}

	ids, err := readChunkIDs(a, entry)
	if err != nil {
		return nil, err
	}
	return &chunkSequenceReader{store: r.store, ids: ids}, nil
}

// ReadEntry copies a single archived file's content to w.
func (r *Repository) ReadEntry(a *archive.Archive, entry *archive.Entry, w io.Writer) error {
	body, err := r.EntryReader(a, entry)
	if err != nil {
		return err
	}
	defer body.Close()
	_, err = io.Copy(w, body)
	return err
}

// chunkSequenceReader streams the chunks of a chunk-referenced file
// back to back.
type chunkSequenceReader struct {
	store *chunk.Store
	ids   []chunk.ID
	cur   io.ReadCloser
}

func (cr *chunkSequenceReader) Read(p []byte) (int, error) {
	for {
		if cr.cur == nil {
			if len(cr.ids) == 0 {
				return 0, io.EOF
			}
			rc, err := cr.store.Open(cr.ids[0])
			if err != nil {
				return 0, err
			}
			cr.ids = cr.ids[1:]
			cr.cur = rc
		}

		n, err := cr.cur.Read(p)
		if errors.Is(err, io.EOF) {
			closeErr := cr.cur.Close()
			cr.cur = nil
			if closeErr != nil {
				return n, closeErr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (cr *chunkSequenceReader) Close() error {
	if cr.cur != nil {
		err := cr.cur.Close()
		cr.cur = nil
		return err
	}
	return nil
}
