// Package compression provides the streaming codecs used for archive
// file bodies.
//
// Codecs are looked up through a registry keyed by the on-disk format
// tag, so optional algorithms can be added or replaced without touching
// the archive code paths.
package compression

import (
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// Format identifies a compression algorithm. The numeric values are part
// of the archive wire format.
type Format uint8

const (
	None Format = iota
	Gzip
	Deflate
	Brotli
)

const (
	// deflateLevel is the compression level for the gzip and deflate
	// codecs.
	deflateLevel = 6

	// brotliQuality is the quality parameter for the brotli codec.
	brotliQuality = 6
)

// ErrUnsupported is returned when no codec is registered for a format.
var ErrUnsupported = errors.New("compression: unsupported format")

// String returns the human-readable name of the format.
func (f Format) String() string {
	switch f {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Deflate:
		return "deflate"
	case Brotli:
		return "brotli"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// Parse maps a format name to its Format value.
func Parse(name string) (Format, error) {
	switch name {
	case "none":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "deflate":
		return Deflate, nil
	case "brotli":
		return Brotli, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
}

// Codec creates streaming encoders and decoders for one format.
//
// Encoders must be closed to flush their trailing state; closing the
// encoder does not close the underlying writer.
type Codec interface {
	NewEncoder(w io.Writer) (io.WriteCloser, error)
	NewDecoder(r io.Reader) (io.ReadCloser, error)
}

var registry = map[Format]Codec{
	None:    identityCodec{},
	Gzip:    gzipCodec{},
	Deflate: deflateCodec{},
	Brotli:  brotliCodec{},
}

// Register installs or replaces the codec for a format. It is meant
// for init-time setup and is not safe to call concurrently with
// archive operations.
func Register(f Format, c Codec) {
	registry[f] = c
}

// Lookup returns the codec registered for f.
func Lookup(f Format) (Codec, error) {
	c, ok := registry[f]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupported, uint8(f))
	}
	return c, nil
}

// Registered reports whether a codec exists for f.
func Registered(f Format) bool {
	_, ok := registry[f]
	return ok
}

// NewEncoder returns a streaming encoder for f writing to w.
func NewEncoder(f Format, w io.Writer) (io.WriteCloser, error) {
	c, err := Lookup(f)
	if err != nil {
		return nil, err
	}
	return c.NewEncoder(w)
}

// NewDecoder returns a streaming decoder for f reading from r.
func NewDecoder(f Format, r io.Reader) (io.ReadCloser, error) {
	c, err := Lookup(f)
	if err != nil {
		return nil, err
	}
	return c.NewDecoder(r)
}

type identityCodec struct{}

func (identityCodec) NewEncoder(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (identityCodec) NewDecoder(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type gzipCodec struct{}

func (gzipCodec) NewEncoder(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, deflateLevel)
}

func (gzipCodec) NewDecoder(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type deflateCodec struct{}

func (deflateCodec) NewEncoder(w io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(w, deflateLevel)
}

func (deflateCodec) NewDecoder(r io.Reader) (io.ReadCloser, error) {
	return flate.NewReader(r), nil
}

type brotliCodec struct{}

func (brotliCodec) NewEncoder(w io.Writer) (io.WriteCloser, error) {
	return brotli.NewWriterLevel(w, brotliQuality), nil
}

func (brotliCodec) NewDecoder(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(brotli.NewReader(r)), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
