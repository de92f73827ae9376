// Package varint implements the little-endian base-128 variable-length
// integers used by the archive and chunk-index wire formats.
//
// Each encoded byte carries seven payload bits in bits 0-6; bit 7 is a
// continuation flag. The first byte with the flag clear terminates the
// value. Decoding enforces the typed maximum widths (5 bytes for uint32,
// 10 bytes for uint64) and rejects encodings whose final byte would
// overflow the target type.
package varint

import (
	"errors"
	"io"
)

// MaxLen32 and MaxLen64 are the maximum encoded lengths of the typed
// variants.
const (
	MaxLen32 = 5
	MaxLen64 = 10
)

// ErrOverflow is returned when an encoded value exceeds its typed width.
var ErrOverflow = errors.New("varint: value overflows typed width")

// AppendUint32 appends the encoding of v to buf and returns the
// extended slice.
func AppendUint32(buf []byte, v uint32) []byte {
	for v > 0x7F {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// AppendUint64 appends the encoding of v to buf and returns the
// extended slice.
func AppendUint64(buf []byte, v uint64) []byte {
	for v > 0x7F {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// WriteUint32 writes the encoding of v to w.
func WriteUint32(w io.Writer, v uint32) error {
	var buf [MaxLen32]byte
	_, err := w.Write(AppendUint32(buf[:0], v))
	return err
}

// WriteUint64 writes the encoding of v to w.
func WriteUint64(w io.Writer, v uint64) error {
	var buf [MaxLen64]byte
	_, err := w.Write(AppendUint64(buf[:0], v))
	return err
}

// ReadUint32 decodes a uint32 from r.
func ReadUint32(r io.ByteReader) (uint32, error) {
	v, err := read(r, MaxLen32, 32)
	return uint32(v), err
}

// ReadUint64 decodes a uint64 from r.
func ReadUint64(r io.ByteReader) (uint64, error) {
	return read(r, MaxLen64, 64)
}

func read(r io.ByteReader, maxLen, bits int) (uint64, error) {
	var v uint64
	for i := 0; i < maxLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && i > 0 {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if i == maxLen-1 {
			// The final permitted byte must terminate and its payload
			// must fit in the bits the earlier bytes left over.
			if b&0x80 != 0 || b>>(bits-7*(maxLen-1)) != 0 {
				return 0, ErrOverflow
			}
		}
		v |= uint64(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, ErrOverflow
}
