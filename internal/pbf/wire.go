package pbf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/CrowdStrike/csproto"
)

var (
	// ErrMalformed is returned for truncated or structurally invalid data
	ErrMalformed = errors.New("pbf: malformed data")
	// ErrUnsupportedCompression is returned for blobs that are not raw or zlib
	ErrUnsupportedCompression = errors.New("pbf: unsupported blob compression")
	// ErrBlobTooLarge is returned when a header or payload exceeds the format limits
	ErrBlobTooLarge = errors.New("pbf: blob exceeds size limit")
)

var errTruncated = fmt.Errorf("%w: %w", ErrMalformed, io.ErrUnexpectedEOF)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// ZigZagEncode maps signed integers onto unsigned ones so small magnitudes stay short
func ZigZagEncode(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

// ZigZagDecode reverses ZigZagEncode
func ZigZagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// DecodeVarint decodes one varint from the start of b and returns the value
// and the number of bytes consumed
func DecodeVarint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errTruncated
	}
	v, n, err := csproto.DecodeVarint(b)
	if err != nil {
		return 0, 0, malformed("varint: %v", err)
	}
	if n <= 0 || n > len(b) {
		return 0, 0, errTruncated
	}
	return v, n, nil
}

// AppendVarint appends the varint encoding of v
func AppendVarint(b []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := csproto.EncodeVarint(tmp[:], v)
	return append(b, tmp[:n]...)
}

// AppendTag appends a field key
func AppendTag(b []byte, field int, wt csproto.WireType) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := csproto.EncodeTag(tmp[:], field, wt)
	return append(b, tmp[:n]...)
}

// AppendVarintField appends a varint field, skipping zero values
func AppendVarintField(b []byte, field int, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = AppendTag(b, field, csproto.WireTypeVarint)
	return AppendVarint(b, v)
}

// AppendBytesField appends a length-delimited field
func AppendBytesField(b []byte, field int, data []byte) []byte {
	b = AppendTag(b, field, csproto.WireTypeLengthDelimited)
	b = AppendVarint(b, uint64(len(data)))
	return append(b, data...)
}

// AppendPackedField appends a packed repeated varint field. Empty input writes nothing.
func AppendPackedField(b []byte, field int, vals []uint64) []byte {
	if len(vals) == 0 {
		return b
	}
	size := 0
	for _, v := range vals {
		size += csproto.SizeOfVarint(v)
	}
	b = AppendTag(b, field, csproto.WireTypeLengthDelimited)
	b = AppendVarint(b, uint64(size))
	for _, v := range vals {
		b = AppendVarint(b, v)
	}
	return b
}

// wireReader is a cursor over one protobuf message. Length-delimited fields
// are returned as sub-slices of the underlying buffer, never copied.
type wireReader struct {
	buf []byte
	pos int
}

func newWireReader(b []byte) wireReader {
	return wireReader{buf: b}
}

func (r *wireReader) more() bool {
	return r.pos < len(r.buf)
}

func (r *wireReader) remaining() int {
	return len(r.buf) - r.pos
}

// next reads a field key
func (r *wireReader) next() (int, csproto.WireType, error) {
	v, err := r.varint()
	if err != nil {
		return 0, 0, err
	}
	field := int(v >> 3)
	if field == 0 {
		return 0, 0, malformed("field number 0 at offset %d", r.pos)
	}
	return field, csproto.WireType(v & 0x7), nil
}

func (r *wireReader) varint() (uint64, error) {
	v, n, err := DecodeVarint(r.buf[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += n
	return v, nil
}

func (r *wireReader) sint64() (int64, error) {
	v, err := r.varint()
	return ZigZagDecode(v), err
}

// bytes reads a length-delimited field body
func (r *wireReader) bytes() ([]byte, error) {
	l, err := r.varint()
	if err != nil {
		return nil, err
	}
	if uint64(r.remaining()) < l {
		return nil, errTruncated
	}
	end := r.pos + int(l)
	b := r.buf[r.pos:end:end]
	r.pos = end
	return b, nil
}

// partialBytes is bytes for a buffer that may end mid-field. It returns what
// is available of the body and whether the body was complete.
func (r *wireReader) partialBytes() ([]byte, bool, error) {
	l, err := r.varint()
	if err != nil {
		return nil, false, err
	}
	whole := uint64(r.remaining()) >= l
	end := len(r.buf)
	if whole {
		end = r.pos + int(l)
	}
	b := r.buf[r.pos:end:end]
	r.pos = end
	return b, whole, nil
}

// skip advances past the body of a field with the given wire type
func (r *wireReader) skip(wt csproto.WireType) error {
	switch wt {
	case csproto.WireTypeVarint:
		_, err := r.varint()
		return err
	case csproto.WireTypeLengthDelimited:
		_, err := r.bytes()
		return err
	case csproto.WireTypeFixed32:
		return r.advance(4)
	case csproto.WireTypeFixed64:
		return r.advance(8)
	}
	return malformed("unsupported wire type %d", wt)
}

func (r *wireReader) advance(n int) error {
	if r.remaining() < n {
		return errTruncated
	}
	r.pos += n
	return nil
}

func expectWT(field int, got, want csproto.WireType) error {
	if got != want {
		return malformed("field %d: wire type %d, expected %d", field, got, want)
	}
	return nil
}

// packedLen counts the varints in a packed field body without decoding them
func packedLen(b []byte) int {
	n := 0
	for _, c := range b {
		if c < 0x80 {
			n++
		}
	}
	return n
}
