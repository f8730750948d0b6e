package pbf

import (
	"errors"

	"github.com/CrowdStrike/csproto"

	"github.com/wegman-software/osmindex/internal/element"
)

// PrimitiveBlock fields
const (
	fieldBlockStringTable = 1
	fieldBlockGroup       = 2
	fieldBlockGranularity = 17
	fieldBlockLatOffset   = 19
	fieldBlockLonOffset   = 20
	fieldBlockDateGran    = 18

	fieldStringTableS = 1
)

// PrimitiveGroup fields
const (
	fieldGroupNodes      = 1
	fieldGroupDense      = 2
	fieldGroupWays       = 3
	fieldGroupRelations  = 4
	fieldGroupChangesets = 5
)

// Node, Way and Relation share ids 1-3 for id, keys and vals
const (
	fieldElemID   = 1
	fieldElemKeys = 2
	fieldElemVals = 3

	fieldNodeLat = 8
	fieldNodeLon = 9

	fieldDenseIDs     = 1
	fieldDenseInfo    = 5
	fieldDenseLats    = 8
	fieldDenseLons    = 9
	fieldDenseKeyVals = 10

	fieldWayRefs = 8

	fieldRelRoles  = 8
	fieldRelMemIDs = 9
	fieldRelTypes  = 10
)

const defaultGranularity = 100

// Outcome reports how a block decode ended when no error occurred
type Outcome uint8

const (
	// OutcomeComplete means every group in the block was processed
	OutcomeComplete Outcome = iota
	// OutcomeExhausted means every wanted id was found before the end of the block
	OutcomeExhausted
	// OutcomeSkipped means the tag filter could not match anything in the block
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// IDSet is a set of element ids
type IDSet map[int64]struct{}

// NewIDSet builds a set from ids
func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set
func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Query selects what DecodeBlock emits. Kinds restricts the element kinds;
// a zero mask means all kinds. When Wanted is non-nil only those ids are
// decoded, and each id is removed from the set once found. Filter, when set,
// keeps only elements with at least one matching tag.
type Query struct {
	Kinds  element.KindMask
	Wanted IDSet
	Filter *TagFilter
}

func (q *Query) wantsKind(k element.Kind) bool {
	return q.Kinds == 0 || q.Kinds.Has(k)
}

// EmitFunc receives decoded elements. Returning an error aborts the decode.
type EmitFunc func(element.Element) error

type blockParams struct {
	granularity int64
	latOffset   int64
	lonOffset   int64
}

func (p blockParams) lat(v int64) float64 {
	return 1e-9 * float64(p.latOffset+p.granularity*v)
}

func (p blockParams) lon(v int64) float64 {
	return 1e-9 * float64(p.lonOffset+p.granularity*v)
}

// DecodeBlock decodes an inflated PrimitiveBlock and passes every element
// selected by q to emit. A nil q selects everything.
func (d *Decoder) DecodeBlock(payload []byte, q *Query, emit EmitFunc) (Outcome, error) {
	if q == nil {
		q = &Query{}
	}
	d.query = q
	d.emit = emit
	d.strings = d.strings[:0]
	d.groups = d.groups[:0]
	d.block = blockParams{granularity: defaultGranularity}
	defer func() {
		d.query = nil
		d.emit = nil
	}()

	if q.Wanted != nil && len(q.Wanted) == 0 {
		return OutcomeExhausted, nil
	}

	r := newWireReader(payload)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return OutcomeComplete, err
		}
		switch field {
		case fieldBlockStringTable:
			b, err := r.bytes()
			if err != nil {
				return OutcomeComplete, err
			}
			if err := d.parseStringTable(b); err != nil {
				return OutcomeComplete, err
			}
		case fieldBlockGroup:
			b, err := r.bytes()
			if err != nil {
				return OutcomeComplete, err
			}
			d.groups = append(d.groups, b)
		case fieldBlockGranularity:
			v, err := r.varint()
			if err != nil {
				return OutcomeComplete, err
			}
			d.block.granularity = int64(int32(v))
		case fieldBlockLatOffset:
			v, err := r.varint()
			if err != nil {
				return OutcomeComplete, err
			}
			d.block.latOffset = int64(v)
		case fieldBlockLonOffset:
			v, err := r.varint()
			if err != nil {
				return OutcomeComplete, err
			}
			d.block.lonOffset = int64(v)
		default:
			if err := r.skip(wt); err != nil {
				return OutcomeComplete, err
			}
		}
	}

	if q.Filter != nil {
		d.local.intern(q.Filter, d.strings)
		if !d.local.possible {
			return OutcomeSkipped, nil
		}
	}

	for _, g := range d.groups {
		done, err := d.decodeGroup(g)
		if err != nil {
			return OutcomeComplete, err
		}
		if done {
			return OutcomeExhausted, nil
		}
	}
	return OutcomeComplete, nil
}

func (d *Decoder) parseStringTable(b []byte) error {
	r := newWireReader(b)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return err
		}
		if field != fieldStringTableS {
			if err := r.skip(wt); err != nil {
				return err
			}
			continue
		}
		s, err := r.bytes()
		if err != nil {
			return err
		}
		d.strings = append(d.strings, s)
	}
	return nil
}

// decodeGroup returns true once the wanted set is exhausted
func (d *Decoder) decodeGroup(b []byte) (bool, error) {
	r := newWireReader(b)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return false, err
		}
		var kind element.Kind
		switch field {
		case fieldGroupNodes, fieldGroupDense:
			kind = element.KindNode
		case fieldGroupWays:
			kind = element.KindWay
		case fieldGroupRelations:
			kind = element.KindRelation
		default:
			// changesets and unknown fields
			if err := r.skip(wt); err != nil {
				return false, err
			}
			continue
		}
		if err := expectWT(field, wt, csproto.WireTypeLengthDelimited); err != nil {
			return false, err
		}
		msg, err := r.bytes()
		if err != nil {
			return false, err
		}
		if !d.query.wantsKind(kind) {
			continue
		}
		switch field {
		case fieldGroupNodes:
			err = d.decodeNode(msg)
		case fieldGroupDense:
			err = d.decodeDense(msg)
		case fieldGroupWays:
			err = d.decodeWay(msg)
		case fieldGroupRelations:
			err = d.decodeRelation(msg)
		}
		if err != nil {
			return false, err
		}
		if d.exhausted() {
			return true, nil
		}
	}
	return false, nil
}

func (d *Decoder) exhausted() bool {
	return d.query.Wanted != nil && len(d.query.Wanted) == 0
}

// claim reports whether id is wanted and removes it from the wanted set
func (d *Decoder) claim(id int64) bool {
	w := d.query.Wanted
	if w == nil {
		return true
	}
	if _, ok := w[id]; !ok {
		return false
	}
	delete(w, id)
	return true
}

func (d *Decoder) str(id uint64) (string, error) {
	if id >= uint64(len(d.strings)) {
		return "", malformed("string id %d out of range (%d strings)", id, len(d.strings))
	}
	return string(d.strings[id]), nil
}

// tags decodes parallel packed key and value index arrays
func (d *Decoder) tags(keys, vals []byte) (element.Tags, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	tags := make(element.Tags, packedLen(keys))
	kr := newWireReader(keys)
	vr := newWireReader(vals)
	for kr.more() {
		k, err := kr.varint()
		if err != nil {
			return nil, err
		}
		if !vr.more() {
			return nil, malformed("tag keys and values differ in length")
		}
		v, err := vr.varint()
		if err != nil {
			return nil, err
		}
		ks, err := d.str(k)
		if err != nil {
			return nil, err
		}
		vs, err := d.str(v)
		if err != nil {
			return nil, err
		}
		tags[ks] = vs
	}
	return tags, nil
}

// accept applies the tag filter to packed keys and values
func (d *Decoder) accept(keys, vals []byte) (bool, error) {
	if d.query.Filter == nil {
		return true, nil
	}
	return d.local.matchPacked(keys, vals)
}

func (d *Decoder) decodeNode(b []byte) error {
	var (
		id, lat, lon int64
		keys, vals   []byte
		err          error
	)
	r := newWireReader(b)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return err
		}
		switch field {
		case fieldElemID:
			id, err = r.sint64()
		case fieldElemKeys:
			keys, err = r.bytes()
		case fieldElemVals:
			vals, err = r.bytes()
		case fieldNodeLat:
			lat, err = r.sint64()
		case fieldNodeLon:
			lon, err = r.sint64()
		default:
			err = r.skip(wt)
		}
		if err != nil {
			return err
		}
	}
	if !d.claim(id) {
		return nil
	}
	ok, err := d.accept(keys, vals)
	if err != nil || !ok {
		return err
	}
	n := &element.Node{ID: id, Lat: d.block.lat(lat), Lon: d.block.lon(lon)}
	if n.Tags, err = d.tags(keys, vals); err != nil {
		return err
	}
	return d.emit(n)
}

// decodeDense walks the parallel delta-coded arrays of a DenseNodes message.
// The keys_vals cursor is advanced for every node so it stays aligned with the
// node index, but strings are only resolved for accepted nodes.
func (d *Decoder) decodeDense(b []byte) error {
	var ids, lats, lons, kv []byte
	r := newWireReader(b)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return err
		}
		switch field {
		case fieldDenseIDs:
			ids, err = r.bytes()
		case fieldDenseLats:
			lats, err = r.bytes()
		case fieldDenseLons:
			lons, err = r.bytes()
		case fieldDenseKeyVals:
			kv, err = r.bytes()
		default:
			// denseinfo and unknown fields
			err = r.skip(wt)
		}
		if err != nil {
			return err
		}
	}

	idr := newWireReader(ids)
	latr := newWireReader(lats)
	lonr := newWireReader(lons)
	kvr := newWireReader(kv)
	filter := d.query.Filter != nil
	var id, lat, lon int64
	for idr.more() {
		dID, err := idr.sint64()
		if err != nil {
			return err
		}
		dLat, err := latr.sint64()
		if err != nil {
			return malformed("dense lats shorter than ids")
		}
		dLon, err := lonr.sint64()
		if err != nil {
			return malformed("dense lons shorter than ids")
		}
		id += dID
		lat += dLat
		lon += dLon

		wanted := d.claim(id)
		matched := !filter

		// consume this node's key/value pairs up to the 0 terminator
		kvStart := kvr.pos
		kvEnd := kvStart
		if kvr.more() {
			for {
				k, err := kvr.varint()
				if err != nil {
					return err
				}
				if k == 0 {
					kvEnd = kvr.pos - 1
					break
				}
				v, err := kvr.varint()
				if err != nil {
					return err
				}
				if wanted && !matched && d.local.match(uint32(k), uint32(v)) {
					matched = true
				}
			}
		}

		if !wanted || !matched {
			continue
		}
		n := &element.Node{ID: id, Lat: d.block.lat(lat), Lon: d.block.lon(lon)}
		if kvEnd > kvStart {
			if n.Tags, err = d.denseTags(kv[kvStart:kvEnd]); err != nil {
				return err
			}
		}
		if err := d.emit(n); err != nil {
			return err
		}
		if d.exhausted() {
			return nil
		}
	}
	return nil
}

func (d *Decoder) denseTags(kv []byte) (element.Tags, error) {
	tags := make(element.Tags, packedLen(kv)/2)
	r := newWireReader(kv)
	for r.more() {
		k, err := r.varint()
		if err != nil {
			return nil, err
		}
		v, err := r.varint()
		if err != nil {
			return nil, err
		}
		ks, err := d.str(k)
		if err != nil {
			return nil, err
		}
		vs, err := d.str(v)
		if err != nil {
			return nil, err
		}
		tags[ks] = vs
	}
	return tags, nil
}

func (d *Decoder) decodeWay(b []byte) error {
	var (
		id               int64
		keys, vals, refs []byte
	)
	r := newWireReader(b)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return err
		}
		switch field {
		case fieldElemID:
			var v uint64
			v, err = r.varint()
			id = int64(v)
		case fieldElemKeys:
			keys, err = r.bytes()
		case fieldElemVals:
			vals, err = r.bytes()
		case fieldWayRefs:
			refs, err = r.bytes()
		default:
			err = r.skip(wt)
		}
		if err != nil {
			return err
		}
	}
	if !d.claim(id) {
		return nil
	}
	ok, err := d.accept(keys, vals)
	if err != nil || !ok {
		return err
	}

	w := &element.Way{ID: id, NodeIDs: make([]int64, 0, packedLen(refs))}
	rr := newWireReader(refs)
	var ref int64
	for rr.more() {
		delta, err := rr.sint64()
		if err != nil {
			return err
		}
		ref += delta
		w.NodeIDs = append(w.NodeIDs, ref)
	}
	if w.Tags, err = d.tags(keys, vals); err != nil {
		return err
	}
	return d.emit(w)
}

func (d *Decoder) decodeRelation(b []byte) error {
	var (
		id                   int64
		keys, vals           []byte
		roles, memids, types []byte
	)
	r := newWireReader(b)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return err
		}
		switch field {
		case fieldElemID:
			var v uint64
			v, err = r.varint()
			id = int64(v)
		case fieldElemKeys:
			keys, err = r.bytes()
		case fieldElemVals:
			vals, err = r.bytes()
		case fieldRelRoles:
			roles, err = r.bytes()
		case fieldRelMemIDs:
			memids, err = r.bytes()
		case fieldRelTypes:
			types, err = r.bytes()
		default:
			err = r.skip(wt)
		}
		if err != nil {
			return err
		}
	}
	if !d.claim(id) {
		return nil
	}
	ok, err := d.accept(keys, vals)
	if err != nil || !ok {
		return err
	}

	rel := &element.Relation{ID: id, Members: make([]element.Member, 0, packedLen(memids))}
	mr := newWireReader(memids)
	rr := newWireReader(roles)
	tr := newWireReader(types)
	var ref int64
	for mr.more() {
		delta, err := mr.sint64()
		if err != nil {
			return err
		}
		ref += delta
		role, err := rr.varint()
		if err != nil {
			return malformed("relation %d: roles shorter than members", id)
		}
		typ, err := tr.varint()
		if err != nil {
			return malformed("relation %d: types shorter than members", id)
		}
		if typ > uint64(element.KindRelation) {
			return malformed("relation %d: member type %d", id, typ)
		}
		roleStr, err := d.str(role)
		if err != nil {
			return err
		}
		rel.Members = append(rel.Members, element.Member{
			ID:   ref,
			Kind: element.Kind(typ),
			Role: roleStr,
		})
	}
	if rel.Tags, err = d.tags(keys, vals); err != nil {
		return err
	}
	return d.emit(rel)
}

// errNeedMore signals that a prefix ended before the first element id
var errNeedMore = errors.New("pbf: prefix too short")

// FirstElement returns the kind and id of the first element in a
// PrimitiveBlock. payload may be a prefix of the inflated block; when it is
// too short and complete is false, errNeedMore is returned. ok is false for a
// complete block without elements.
func FirstElement(payload []byte, complete bool) (kind element.Kind, id int64, ok bool, err error) {
	kind, id, ok, err = firstElement(payload)
	if err != nil && !complete {
		return 0, 0, false, errNeedMore
	}
	return kind, id, ok, err
}

func firstElement(payload []byte) (element.Kind, int64, bool, error) {
	r := newWireReader(payload)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return 0, 0, false, err
		}
		if field != fieldBlockGroup {
			if err := r.skip(wt); err != nil {
				return 0, 0, false, err
			}
			continue
		}
		group, whole, err := r.partialBytes()
		if err != nil {
			return 0, 0, false, err
		}
		kind, id, ok, err := firstInGroup(group)
		if err != nil || ok {
			return kind, id, ok, err
		}
		if !whole {
			return 0, 0, false, errTruncated
		}
		// a group holding only changesets, try the next one
	}
	return 0, 0, false, nil
}

func firstInGroup(b []byte) (element.Kind, int64, bool, error) {
	r := newWireReader(b)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return 0, 0, false, err
		}
		switch field {
		case fieldGroupNodes, fieldGroupDense, fieldGroupWays, fieldGroupRelations:
		default:
			if err := r.skip(wt); err != nil {
				return 0, 0, false, err
			}
			continue
		}
		msg, _, err := r.partialBytes()
		if err != nil {
			return 0, 0, false, err
		}
		switch field {
		case fieldGroupNodes:
			id, err := elementID(msg, true)
			return element.KindNode, id, err == nil, err
		case fieldGroupDense:
			id, err := denseFirstID(msg)
			return element.KindNode, id, err == nil, err
		case fieldGroupWays:
			id, err := elementID(msg, false)
			return element.KindWay, id, err == nil, err
		default:
			id, err := elementID(msg, false)
			return element.KindRelation, id, err == nil, err
		}
	}
	return 0, 0, false, nil
}

// elementID finds field 1 of a Node, Way or Relation. Nodes zigzag their id.
func elementID(b []byte, zigzag bool) (int64, error) {
	r := newWireReader(b)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return 0, err
		}
		if field != fieldElemID {
			if err := r.skip(wt); err != nil {
				return 0, err
			}
			continue
		}
		v, err := r.varint()
		if err != nil {
			return 0, err
		}
		if zigzag {
			return ZigZagDecode(v), nil
		}
		return int64(v), nil
	}
	return 0, errTruncated
}

func denseFirstID(b []byte) (int64, error) {
	r := newWireReader(b)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return 0, err
		}
		if field != fieldDenseIDs {
			if err := r.skip(wt); err != nil {
				return 0, err
			}
			continue
		}
		ids, _, err := r.partialBytes()
		if err != nil {
			return 0, err
		}
		ir := newWireReader(ids)
		return ir.sint64()
	}
	return 0, errTruncated
}

// BlobFirstElement inflates only as much of a data blob as is needed to read
// its first element. scratch is used as the inflate buffer when large enough.
func (d *Decoder) BlobFirstElement(blob, scratch []byte) (kind element.Kind, id int64, ok bool, err error) {
	err = d.InflatePrefix(blob, scratch, func(prefix []byte, complete bool) (bool, error) {
		var ferr error
		kind, id, ok, ferr = FirstElement(prefix, complete)
		if errors.Is(ferr, errNeedMore) {
			return false, nil
		}
		return true, ferr
	})
	return kind, id, ok, err
}
