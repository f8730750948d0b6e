package deps

import (
	"encoding/binary"
	"fmt"

	"github.com/wegman-software/osmindex/internal/pbf"
)

// KeySize is the length of an encoded id key
const KeySize = 8

// AppendKey appends the big-endian form of id with the sign bit flipped, so
// that byte order equals numeric order
func AppendKey(b []byte, id int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(id)^(1<<63))
}

// DecodeKey is the inverse of AppendKey
func DecodeKey(b []byte) (int64, error) {
	if len(b) != KeySize {
		return 0, fmt.Errorf("invalid key length %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}

// AppendIDs encodes a sorted id list as a varint count followed by zigzag
// varint deltas
func AppendIDs(b []byte, ids []int64) []byte {
	b = pbf.AppendVarint(b, uint64(len(ids)))
	var prev int64
	for _, id := range ids {
		b = pbf.AppendVarint(b, pbf.ZigZagEncode(id-prev))
		prev = id
	}
	return b
}

// DecodeIDs decodes a list written by AppendIDs
func DecodeIDs(b []byte) ([]int64, error) {
	n, off, err := pbf.DecodeVarint(b)
	if err != nil {
		return nil, fmt.Errorf("id count: %w", err)
	}
	// every id takes at least one byte
	if n > uint64(len(b)-off) {
		return nil, fmt.Errorf("%w: %d ids in %d bytes", pbf.ErrMalformed, n, len(b)-off)
	}
	ids := make([]int64, n)
	var prev int64
	for i := range ids {
		v, m, err := pbf.DecodeVarint(b[off:])
		if err != nil {
			return nil, fmt.Errorf("id %d: %w", i, err)
		}
		off += m
		prev += pbf.ZigZagDecode(v)
		ids[i] = prev
	}
	if off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", pbf.ErrMalformed, len(b)-off)
	}
	return ids, nil
}
