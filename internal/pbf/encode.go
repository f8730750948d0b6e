package pbf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/klauspost/compress/zlib"

	"github.com/wegman-software/osmindex/internal/element"
)

// BlockWriter accumulates elements and encodes them as one PrimitiveBlock.
// Nodes, ways and relations each go to their own primitive group in that order.
type BlockWriter struct {
	Granularity int64
	LatOffset   int64
	LonOffset   int64
	// PlainNodes writes Node messages instead of DenseNodes
	PlainNodes bool

	nodes     []*element.Node
	ways      []*element.Way
	relations []*element.Relation

	strings map[string]uint64
	table   []string
}

// NewBlockWriter creates a writer with the default granularity
func NewBlockWriter() *BlockWriter {
	return &BlockWriter{Granularity: defaultGranularity}
}

// Add queues an element for the next Encode
func (w *BlockWriter) Add(e element.Element) {
	switch v := e.(type) {
	case *element.Node:
		w.nodes = append(w.nodes, v)
	case *element.Way:
		w.ways = append(w.ways, v)
	case *element.Relation:
		w.relations = append(w.relations, v)
	}
}

// Len returns the number of queued elements
func (w *BlockWriter) Len() int {
	return len(w.nodes) + len(w.ways) + len(w.relations)
}

// Reset drops queued elements
func (w *BlockWriter) Reset() {
	w.nodes = w.nodes[:0]
	w.ways = w.ways[:0]
	w.relations = w.relations[:0]
}

func (w *BlockWriter) sid(s string) uint64 {
	if id, ok := w.strings[s]; ok {
		return id
	}
	id := uint64(len(w.table))
	w.strings[s] = id
	w.table = append(w.table, s)
	return id
}

func sortedKeys(tags element.Tags) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (w *BlockWriter) coord(deg float64, offset int64) int64 {
	return int64(math.Round((deg*1e9 - float64(offset)) / float64(w.Granularity)))
}

// Encode returns the PrimitiveBlock payload for the queued elements
func (w *BlockWriter) Encode() []byte {
	if w.Granularity == 0 {
		w.Granularity = defaultGranularity
	}
	w.strings = map[string]uint64{"": 0}
	w.table = append(w.table[:0], "")

	var groups [][]byte
	if len(w.nodes) > 0 {
		if w.PlainNodes {
			groups = append(groups, w.encodePlainNodes())
		} else {
			groups = append(groups, AppendBytesField(nil, fieldGroupDense, w.encodeDense()))
		}
	}
	if len(w.ways) > 0 {
		var g []byte
		for _, way := range w.ways {
			g = AppendBytesField(g, fieldGroupWays, w.encodeWay(way))
		}
		groups = append(groups, g)
	}
	if len(w.relations) > 0 {
		var g []byte
		for _, rel := range w.relations {
			g = AppendBytesField(g, fieldGroupRelations, w.encodeRelation(rel))
		}
		groups = append(groups, g)
	}

	var st []byte
	for _, s := range w.table {
		st = AppendBytesField(st, fieldStringTableS, []byte(s))
	}
	out := AppendBytesField(nil, fieldBlockStringTable, st)
	for _, g := range groups {
		out = AppendBytesField(out, fieldBlockGroup, g)
	}
	if w.Granularity != defaultGranularity {
		out = AppendVarintField(out, fieldBlockGranularity, uint64(w.Granularity))
	}
	out = AppendVarintField(out, fieldBlockLatOffset, uint64(w.LatOffset))
	out = AppendVarintField(out, fieldBlockLonOffset, uint64(w.LonOffset))
	return out
}

func (w *BlockWriter) tagIndexes(tags element.Tags) (keys, vals []uint64) {
	for _, k := range sortedKeys(tags) {
		keys = append(keys, w.sid(k))
		vals = append(vals, w.sid(tags[k]))
	}
	return keys, vals
}

func (w *BlockWriter) encodePlainNodes() []byte {
	var g []byte
	for _, n := range w.nodes {
		keys, vals := w.tagIndexes(n.Tags)
		var m []byte
		m = AppendVarintField(m, fieldElemID, ZigZagEncode(n.ID))
		m = AppendPackedField(m, fieldElemKeys, keys)
		m = AppendPackedField(m, fieldElemVals, vals)
		m = AppendVarintField(m, fieldNodeLat, ZigZagEncode(w.coord(n.Lat, w.LatOffset)))
		m = AppendVarintField(m, fieldNodeLon, ZigZagEncode(w.coord(n.Lon, w.LonOffset)))
		g = AppendBytesField(g, fieldGroupNodes, m)
	}
	return g
}

func (w *BlockWriter) encodeDense() []byte {
	ids := make([]uint64, 0, len(w.nodes))
	lats := make([]uint64, 0, len(w.nodes))
	lons := make([]uint64, 0, len(w.nodes))
	var kv []uint64
	tagged := false
	var prevID, prevLat, prevLon int64
	for _, n := range w.nodes {
		lat := w.coord(n.Lat, w.LatOffset)
		lon := w.coord(n.Lon, w.LonOffset)
		ids = append(ids, ZigZagEncode(n.ID-prevID))
		lats = append(lats, ZigZagEncode(lat-prevLat))
		lons = append(lons, ZigZagEncode(lon-prevLon))
		prevID, prevLat, prevLon = n.ID, lat, lon

		for _, k := range sortedKeys(n.Tags) {
			kv = append(kv, w.sid(k), w.sid(n.Tags[k]))
			tagged = true
		}
		kv = append(kv, 0)
	}
	var m []byte
	m = AppendPackedField(m, fieldDenseIDs, ids)
	m = AppendPackedField(m, fieldDenseLats, lats)
	m = AppendPackedField(m, fieldDenseLons, lons)
	if tagged {
		m = AppendPackedField(m, fieldDenseKeyVals, kv)
	}
	return m
}

func (w *BlockWriter) encodeWay(way *element.Way) []byte {
	keys, vals := w.tagIndexes(way.Tags)
	refs := make([]uint64, 0, len(way.NodeIDs))
	var prev int64
	for _, id := range way.NodeIDs {
		refs = append(refs, ZigZagEncode(id-prev))
		prev = id
	}
	var m []byte
	m = AppendVarintField(m, fieldElemID, uint64(way.ID))
	m = AppendPackedField(m, fieldElemKeys, keys)
	m = AppendPackedField(m, fieldElemVals, vals)
	m = AppendPackedField(m, fieldWayRefs, refs)
	return m
}

func (w *BlockWriter) encodeRelation(rel *element.Relation) []byte {
	keys, vals := w.tagIndexes(rel.Tags)
	roles := make([]uint64, 0, len(rel.Members))
	memids := make([]uint64, 0, len(rel.Members))
	types := make([]uint64, 0, len(rel.Members))
	var prev int64
	for _, m := range rel.Members {
		roles = append(roles, w.sid(m.Role))
		memids = append(memids, ZigZagEncode(m.ID-prev))
		prev = m.ID
		types = append(types, uint64(m.Kind))
	}
	var m []byte
	m = AppendVarintField(m, fieldElemID, uint64(rel.ID))
	m = AppendPackedField(m, fieldElemKeys, keys)
	m = AppendPackedField(m, fieldElemVals, vals)
	m = AppendPackedField(m, fieldRelRoles, roles)
	m = AppendPackedField(m, fieldRelMemIDs, memids)
	m = AppendPackedField(m, fieldRelTypes, types)
	return m
}

// EncodeBlob wraps a payload in a Blob message, zlib-compressed unless raw is set
func EncodeBlob(payload []byte, raw bool) ([]byte, error) {
	if raw {
		return AppendBytesField(nil, fieldBlobRaw, payload), nil
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	b := AppendVarintField(nil, fieldBlobRawSize, uint64(len(payload)))
	return AppendBytesField(b, fieldBlobZlib, buf.Bytes()), nil
}

// WriteBlob writes a framed blob (length, BlobHeader, Blob) and returns the
// number of bytes written
func WriteBlob(w io.Writer, typ string, blob []byte) (int, error) {
	if len(blob) > MaxBlobSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrBlobTooLarge, len(blob))
	}
	hdr := AppendBytesField(nil, fieldHeaderType, []byte(typ))
	hdr = AppendVarintField(hdr, fieldHeaderDataSize, uint64(len(blob)))

	frame := make([]byte, 4, 4+len(hdr)+len(blob))
	binary.BigEndian.PutUint32(frame, uint32(len(hdr)))
	frame = append(frame, hdr...)
	frame = append(frame, blob...)
	return w.Write(frame)
}

// FileWriter writes a PBF file blob by blob and tracks blob offsets
type FileWriter struct {
	w      io.Writer
	offset int64
	// Raw disables zlib compression of data blobs
	Raw bool
}

// NewFileWriter writes the header blob and returns a writer for data blocks
func NewFileWriter(w io.Writer, h *Header) (*FileWriter, error) {
	if h == nil {
		h = &Header{RequiredFeatures: []string{FeatureSchema, FeatureDense}}
	}
	fw := &FileWriter{w: w}
	blob, err := EncodeBlob(AppendHeaderBlock(nil, h), false)
	if err != nil {
		return nil, err
	}
	n, err := WriteBlob(w, TypeHeader, blob)
	if err != nil {
		return nil, fmt.Errorf("write header blob: %w", err)
	}
	fw.offset = int64(n)
	return fw, nil
}

// Offset returns the file offset the next blob will be written at
func (fw *FileWriter) Offset() int64 {
	return fw.offset
}

// WriteBlock encodes bw as a data blob, resets it, and returns the blob's offset
func (fw *FileWriter) WriteBlock(bw *BlockWriter) (int64, error) {
	blob, err := EncodeBlob(bw.Encode(), fw.Raw)
	if err != nil {
		return 0, err
	}
	bw.Reset()
	offset := fw.offset
	n, err := WriteBlob(fw.w, TypeData, blob)
	if err != nil {
		return 0, fmt.Errorf("write data blob at %d: %w", offset, err)
	}
	fw.offset += int64(n)
	return offset, nil
}
