package pbf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/CrowdStrike/csproto"
	"github.com/klauspost/compress/zlib"
)

const (
	// MaxHeaderSize is the largest BlobHeader the format allows
	MaxHeaderSize = 64 * 1024
	// MaxBlobSize is the largest Blob (compressed or inflated) the format allows
	MaxBlobSize = 32 * 1024 * 1024

	TypeHeader = "OSMHeader"
	TypeData   = "OSMData"
)

// BlobHeader fields
const (
	fieldHeaderType     = 1
	fieldHeaderIndex    = 2
	fieldHeaderDataSize = 3
)

// Blob fields
const (
	fieldBlobRaw     = 1
	fieldBlobRawSize = 2
	fieldBlobZlib    = 3
	fieldBlobLzma    = 4
	fieldBlobBzip2   = 5
	fieldBlobLz4     = 6
	fieldBlobZstd    = 7
)

// inflateChunkFirst is the first read size of a prefix inflate; it doubles per step
const inflateChunkFirst = 64 * 1024

// BlobHeader describes the blob that follows it in the file
type BlobHeader struct {
	Type     string
	DataSize int32
}

// ParseBlobHeader decodes a BlobHeader message
func ParseBlobHeader(b []byte) (BlobHeader, error) {
	var h BlobHeader
	r := newWireReader(b)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return h, err
		}
		switch field {
		case fieldHeaderType:
			if err := expectWT(field, wt, csproto.WireTypeLengthDelimited); err != nil {
				return h, err
			}
			s, err := r.bytes()
			if err != nil {
				return h, err
			}
			h.Type = string(s)
		case fieldHeaderDataSize:
			if err := expectWT(field, wt, csproto.WireTypeVarint); err != nil {
				return h, err
			}
			v, err := r.varint()
			if err != nil {
				return h, err
			}
			h.DataSize = int32(v)
		default:
			if err := r.skip(wt); err != nil {
				return h, err
			}
		}
	}
	if h.Type == "" {
		return h, malformed("blob header without type")
	}
	if h.DataSize < 0 || h.DataSize > MaxBlobSize {
		return h, fmt.Errorf("%w: datasize %d", ErrBlobTooLarge, h.DataSize)
	}
	return h, nil
}

// ReadBlobHeader reads the 4-byte big-endian header length and the header
// message that follows. It returns the header and the number of bytes consumed.
// A clean end of file before the length prefix is reported as io.EOF.
func ReadBlobHeader(r io.Reader) (BlobHeader, int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return BlobHeader{}, 0, io.EOF
		}
		return BlobHeader{}, 0, errTruncated
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size >= MaxHeaderSize {
		return BlobHeader{}, 4, fmt.Errorf("%w: header size %d", ErrBlobTooLarge, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return BlobHeader{}, 4, errTruncated
	}
	h, err := ParseBlobHeader(buf)
	return h, 4 + int(size), err
}

// blobData is the decoded Blob envelope
type blobData struct {
	raw     []byte
	rawSize int
	zlib    []byte
}

func parseBlob(b []byte) (blobData, error) {
	var bd blobData
	r := newWireReader(b)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return bd, err
		}
		switch field {
		case fieldBlobRaw:
			if bd.raw, err = r.bytes(); err != nil {
				return bd, err
			}
		case fieldBlobRawSize:
			v, err := r.varint()
			if err != nil {
				return bd, err
			}
			bd.rawSize = int(int32(v))
		case fieldBlobZlib:
			if bd.zlib, err = r.bytes(); err != nil {
				return bd, err
			}
		case fieldBlobLzma, fieldBlobBzip2, fieldBlobLz4, fieldBlobZstd:
			return bd, fmt.Errorf("%w: field %d", ErrUnsupportedCompression, field)
		default:
			if err := r.skip(wt); err != nil {
				return bd, err
			}
		}
	}
	if bd.raw == nil && bd.zlib == nil {
		return bd, malformed("blob without data")
	}
	if bd.zlib != nil && (bd.rawSize <= 0 || bd.rawSize > MaxBlobSize) {
		return bd, fmt.Errorf("%w: raw size %d", ErrBlobTooLarge, bd.rawSize)
	}
	return bd, nil
}

// Decoder inflates and decodes blobs. A Decoder holds reusable scratch state
// and must not be used from more than one goroutine at a time; the walker
// owns one per worker.
type Decoder struct {
	src bytes.Reader
	zr  io.ReadCloser

	strings [][]byte
	groups  [][]byte
	local   localFilter
	query   *Query
	emit    EmitFunc
	block   blockParams
}

// NewDecoder creates a decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) resetZlib(data []byte) error {
	d.src.Reset(data)
	if d.zr == nil {
		zr, err := zlib.NewReader(&d.src)
		if err != nil {
			return malformed("zlib: %v", err)
		}
		d.zr = zr
		return nil
	}
	if err := d.zr.(zlib.Resetter).Reset(&d.src, nil); err != nil {
		return malformed("zlib: %v", err)
	}
	return nil
}

// Inflate decodes a Blob message and returns its payload. dst is used as the
// output buffer when it is large enough. Raw blobs are returned without copying.
func (d *Decoder) Inflate(blob []byte, dst []byte) ([]byte, error) {
	bd, err := parseBlob(blob)
	if err != nil {
		return nil, err
	}
	if bd.raw != nil {
		return bd.raw, nil
	}
	if err := d.resetZlib(bd.zlib); err != nil {
		return nil, err
	}
	if cap(dst) < bd.rawSize {
		dst = make([]byte, bd.rawSize)
	}
	dst = dst[:bd.rawSize]
	if _, err := io.ReadFull(d.zr, dst); err != nil {
		return nil, malformed("inflate: expected %d bytes: %v", bd.rawSize, err)
	}
	if err := d.finish(bd.rawSize); err != nil {
		return nil, err
	}
	return dst, nil
}

// finish reads the zlib stream to its end once rawSize bytes are out. The
// Adler-32 trailer is verified on this read.
func (d *Decoder) finish(rawSize int) error {
	var one [1]byte
	for {
		n, err := d.zr.Read(one[:])
		if n != 0 {
			return malformed("inflate: more than the declared %d bytes", rawSize)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return malformed("inflate: %v", err)
		}
	}
}

// PrefixFunc inspects an inflated prefix. It returns true once it has seen
// enough; complete is set when the prefix is the whole payload.
type PrefixFunc func(prefix []byte, complete bool) (bool, error)

// InflatePrefix inflates a blob in growing chunks and stops as soon as fn is
// satisfied, so only as much of the payload is decompressed as needed.
func (d *Decoder) InflatePrefix(blob []byte, dst []byte, fn PrefixFunc) error {
	bd, err := parseBlob(blob)
	if err != nil {
		return err
	}
	if bd.raw != nil {
		_, err := fn(bd.raw, true)
		return err
	}
	if err := d.resetZlib(bd.zlib); err != nil {
		return err
	}
	if cap(dst) < bd.rawSize {
		dst = make([]byte, bd.rawSize)
	}
	dst = dst[:bd.rawSize]

	have := 0
	chunk := inflateChunkFirst
	for {
		want := min(have+chunk, bd.rawSize)
		n, err := io.ReadFull(d.zr, dst[have:want])
		have += n
		if err != nil {
			return malformed("inflate: expected %d bytes: %v", bd.rawSize, err)
		}
		complete := have == bd.rawSize
		if complete {
			if err := d.finish(bd.rawSize); err != nil {
				return err
			}
		}
		done, err := fn(dst[:have], complete)
		if err != nil || done {
			return err
		}
		if complete {
			return nil
		}
		chunk *= 2
	}
}
