package chunk

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

const (
	// IDSize is the length of a chunk id: the leading bytes of the
	// chunk's BLAKE2b-512 digest used as its storage identifier.
	IDSize = 32

	// SumSize is the length of the full BLAKE2b-512 digest kept for
	// collision verification.
	SumSize = blake2b.Size
)

// ID identifies a chunk by the 32-byte prefix of its BLAKE2b-512
// digest.
type ID [IDSize]byte

// String returns the id as 64 lowercase hex characters.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IDFromBytes builds an ID from a 32-byte slice.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDSize {
		return id, fmt.Errorf("chunk: id must be %d bytes, got %d", IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Chunk is one fixed-size piece of a file together with its digests.
type Chunk struct {
	// ID is the storage identifier (digest prefix).
	ID ID

	// Sum is the full BLAKE2b-512 digest of Data.
	Sum [SumSize]byte

	// Data holds the chunk's bytes. The slice is owned by the Chunker
	// and only valid until its next call to Next.
	Data []byte
}

// Chunker splits a stream into chunks of exactly the configured size
// (the final chunk may be shorter) and digests each one. It is a
// forward-only, single-use iterator.
type Chunker struct {
	r    io.Reader
	h    hash.Hash
	buf  []byte
	done bool
}

// NewChunker returns a Chunker reading from r with the given chunk
// size in bytes.
func NewChunker(r io.Reader, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk: invalid chunk size %d", chunkSize)
	}
	h, err := blake2b.New512(nil)
	if err != nil {
		return nil, err
	}
	return &Chunker{r: r, h: h, buf: make([]byte, chunkSize)}, nil
}

// Next returns the next chunk of the stream, or io.EOF after the last
// one. The returned Data aliases an internal buffer that is overwritten
// by the following call.
func (c *Chunker) Next() (Chunk, error) {
	if c.done {
		return Chunk{}, io.EOF
	}

	n, err := io.ReadFull(c.r, c.buf)
	switch {
	case errors.Is(err, io.EOF):
		c.done = true
		return Chunk{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Short tail chunk; the stream is exhausted.
		c.done = true
	case err != nil:
		return Chunk{}, err
	}

	data := c.buf[:n]
	c.h.Reset()
	c.h.Write(data)

	var chunk Chunk
	c.h.Sum(chunk.Sum[:0])
	copy(chunk.ID[:], chunk.Sum[:IDSize])
	chunk.Data = data
	return chunk, nil
}
