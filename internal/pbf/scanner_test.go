package pbf

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/wegman-software/osmindex/internal/element"
)

func TestZigZag(t *testing.T) {
	tests := []struct {
		v    int64
		want uint64
	}{
		{0, 0},
		{-1, 1},
		{1, 2},
		{-2, 3},
		{2147483647, 4294967294},
		{-2147483648, 4294967295},
		{math.MaxInt64, math.MaxUint64 - 1},
		{math.MinInt64, math.MaxUint64},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.v), func(t *testing.T) {
			if got := ZigZagEncode(tt.v); got != tt.want {
				t.Errorf("ZigZagEncode(%d) = %d, want %d", tt.v, got, tt.want)
			}
			if got := ZigZagDecode(tt.want); got != tt.v {
				t.Errorf("ZigZagDecode(%d) = %d, want %d", tt.want, got, tt.v)
			}
		})
	}
}

func TestDecodeVarintTruncated(t *testing.T) {
	if _, _, err := DecodeVarint(nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeVarint(nil) error = %v, want ErrMalformed", err)
	}
	if _, _, err := DecodeVarint([]byte{0x80, 0x80}); err == nil {
		t.Error("DecodeVarint with unterminated varint should fail")
	}
}

func sampleElements() []element.Element {
	return []element.Element{
		&element.Node{ID: 1, Lat: 52.3702157, Lon: 4.8951679, Tags: element.Tags{"amenity": "cafe", "name": "Dolce"}},
		&element.Node{ID: 2, Lat: -33.8688197, Lon: 151.2092955},
		&element.Node{ID: 7, Lat: 0.0000001, Lon: -0.0000001, Tags: element.Tags{"barrier": "gate"}},
		&element.Way{ID: 10, NodeIDs: []int64{1, 2, 7, 1}, Tags: element.Tags{"highway": "service"}},
		&element.Way{ID: 11, NodeIDs: []int64{7, 2}},
		&element.Relation{
			ID: 100,
			Members: []element.Member{
				{ID: 10, Kind: element.KindWay, Role: "outer"},
				{ID: 7, Kind: element.KindNode, Role: "admin_centre"},
				{ID: 99, Kind: element.KindRelation, Role: ""},
			},
			Tags: element.Tags{"type": "boundary", "boundary": "administrative"},
		},
	}
}

func encodeBlock(elems []element.Element, plain bool) []byte {
	bw := NewBlockWriter()
	bw.PlainNodes = plain
	for _, e := range elems {
		bw.Add(e)
	}
	return bw.Encode()
}

func decodeAll(t *testing.T, payload []byte, q *Query) (map[int64]element.Element, Outcome) {
	t.Helper()
	got := make(map[int64]element.Element)
	out, err := NewDecoder().DecodeBlock(payload, q, func(e element.Element) error {
		got[key(e)] = e
		return nil
	})
	if err != nil {
		t.Fatalf("DecodeBlock() error = %v", err)
	}
	return got, out
}

func key(e element.Element) int64 {
	return int64(e.Kind())<<60 | e.ElementID()
}

func assertSameElement(t *testing.T, got, want element.Element) {
	t.Helper()
	switch w := want.(type) {
	case *element.Node:
		g, ok := got.(*element.Node)
		if !ok {
			t.Fatalf("got %T, want node", got)
		}
		if g.ID != w.ID || math.Abs(g.Lat-w.Lat) > 1e-7 || math.Abs(g.Lon-w.Lon) > 1e-7 {
			t.Errorf("node = %+v, want %+v", g, w)
		}
		if !reflect.DeepEqual(g.Tags, w.Tags) {
			t.Errorf("node %d tags = %v, want %v", w.ID, g.Tags, w.Tags)
		}
	default:
		if !reflect.DeepEqual(got, want) {
			t.Errorf("element = %+v, want %+v", got, want)
		}
	}
}

func TestDecodeBlockRoundTrip(t *testing.T) {
	for _, plain := range []bool{false, true} {
		t.Run(fmt.Sprintf("plain=%v", plain), func(t *testing.T) {
			elems := sampleElements()
			got, out := decodeAll(t, encodeBlock(elems, plain), nil)
			if out != OutcomeComplete {
				t.Errorf("outcome = %v, want complete", out)
			}
			if len(got) != len(elems) {
				t.Fatalf("decoded %d elements, want %d", len(got), len(elems))
			}
			for _, want := range elems {
				assertSameElement(t, got[key(want)], want)
			}
		})
	}
}

func TestDecodeBlockGranularityAndOffsets(t *testing.T) {
	bw := NewBlockWriter()
	bw.Granularity = 1000
	bw.LatOffset = 1_000_000_000
	bw.LonOffset = -2_000_000_000
	bw.Add(&element.Node{ID: 5, Lat: 51.5, Lon: -0.25})
	got, _ := decodeAll(t, bw.Encode(), nil)
	n := got[5].(*element.Node)
	if math.Abs(n.Lat-51.5) > 1e-6 || math.Abs(n.Lon+0.25) > 1e-6 {
		t.Errorf("node = (%v, %v), want (51.5, -0.25)", n.Lat, n.Lon)
	}
}

// dense ids are delta coded: [100, 5, -3] decodes to [100, 105, 102]
func TestDenseIDDeltas(t *testing.T) {
	zz := func(vs ...int64) []uint64 {
		out := make([]uint64, len(vs))
		for i, v := range vs {
			out[i] = ZigZagEncode(v)
		}
		return out
	}
	var dense []byte
	dense = AppendPackedField(dense, fieldDenseIDs, zz(100, 5, -3))
	dense = AppendPackedField(dense, fieldDenseLats, zz(10, 1, 1))
	dense = AppendPackedField(dense, fieldDenseLons, zz(20, -1, -1))
	group := AppendBytesField(nil, fieldGroupDense, dense)
	st := AppendBytesField(nil, fieldStringTableS, nil)
	payload := AppendBytesField(nil, fieldBlockStringTable, st)
	payload = AppendBytesField(payload, fieldBlockGroup, group)

	var ids []int64
	var lats []float64
	_, err := NewDecoder().DecodeBlock(payload, nil, func(e element.Element) error {
		n := e.(*element.Node)
		ids = append(ids, n.ID)
		lats = append(lats, n.Lat)
		if n.Tags != nil {
			t.Errorf("node %d tags = %v, want nil", n.ID, n.Tags)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("DecodeBlock() error = %v", err)
	}
	if want := []int64{100, 105, 102}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
	if want := []float64{1e-6, 1.1e-6, 1.2e-6}; len(lats) != 3 || math.Abs(lats[2]-want[2]) > 1e-12 {
		t.Errorf("lats = %v, want %v", lats, want)
	}
}

func TestDecodeBlockKinds(t *testing.T) {
	payload := encodeBlock(sampleElements(), false)
	tests := []struct {
		mask element.KindMask
		want int
	}{
		{element.MaskNode, 3},
		{element.MaskWay, 2},
		{element.MaskRelation, 1},
		{element.MaskWay | element.MaskRelation, 3},
		{0, 6},
	}
	for _, tt := range tests {
		got, _ := decodeAll(t, payload, &Query{Kinds: tt.mask})
		if len(got) != tt.want {
			t.Errorf("mask %b: decoded %d, want %d", tt.mask, len(got), tt.want)
		}
	}
}

func mustFilter(t *testing.T, rules ...string) *TagFilter {
	t.Helper()
	var rs []TagRule
	for _, s := range rules {
		r, err := ParseTagRule(s)
		if err != nil {
			t.Fatalf("ParseTagRule(%q) error = %v", s, err)
		}
		rs = append(rs, r)
	}
	f, err := CompileFilter(rs)
	if err != nil {
		t.Fatalf("CompileFilter() error = %v", err)
	}
	return f
}

func TestTagPushdown(t *testing.T) {
	payload := encodeBlock(sampleElements(), false)
	tests := []struct {
		name    string
		rules   []string
		want    []int64
		outcome Outcome
	}{
		{"key absent from block", []string{"building"}, nil, OutcomeSkipped},
		{"value absent from block", []string{"boundary=maritime"}, nil, OutcomeSkipped},
		{"value is another key's value", []string{"highway=cafe"}, nil, OutcomeComplete},
		{"any value", []string{"highway"}, []int64{10}, OutcomeComplete},
		{"listed value", []string{"boundary=maritime,administrative"}, []int64{100}, OutcomeComplete},
		{"rules are or-ed", []string{"amenity=cafe", "barrier"}, []int64{1, 7}, OutcomeComplete},
		{"same key merged", []string{"amenity=bar", "amenity=cafe"}, []int64{1}, OutcomeComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, out := decodeAll(t, payload, &Query{Filter: mustFilter(t, tt.rules...)})
			if out != tt.outcome {
				t.Errorf("outcome = %v, want %v", out, tt.outcome)
			}
			var ids []int64
			for _, e := range got {
				ids = append(ids, e.ElementID())
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for _, id := range tt.want {
				found := false
				for _, e := range got {
					if e.ElementID() == id {
						found = true
					}
				}
				if !found {
					t.Errorf("id %d missing from %v", id, ids)
				}
			}
		})
	}
}

func TestFilterMatchTags(t *testing.T) {
	f := mustFilter(t, "type=multipolygon,boundary", "route")
	tests := []struct {
		tags element.Tags
		want bool
	}{
		{element.Tags{"type": "multipolygon"}, true},
		{element.Tags{"type": "site"}, false},
		{element.Tags{"route": "ferry"}, true},
		{nil, false},
	}
	for _, tt := range tests {
		if got := f.MatchTags(tt.tags); got != tt.want {
			t.Errorf("MatchTags(%v) = %v, want %v", tt.tags, got, tt.want)
		}
	}
}

func TestWantedExhaustion(t *testing.T) {
	var elems []element.Element
	for id := int64(1); id <= 50; id++ {
		elems = append(elems, &element.Way{ID: id, NodeIDs: []int64{id, id + 1}})
	}
	payload := encodeBlock(elems, false)

	wanted := NewIDSet(3, 17)
	got, out := decodeAll(t, payload, &Query{Wanted: wanted})
	if out != OutcomeExhausted {
		t.Errorf("outcome = %v, want exhausted", out)
	}
	if len(got) != 2 {
		t.Errorf("decoded %d ways, want 2", len(got))
	}
	if len(wanted) != 0 {
		t.Errorf("wanted set left with %d ids, want 0", len(wanted))
	}

	wanted = NewIDSet(3, 999)
	got, out = decodeAll(t, payload, &Query{Wanted: wanted})
	if out != OutcomeComplete {
		t.Errorf("outcome = %v, want complete", out)
	}
	if len(got) != 1 || !wanted.Has(999) {
		t.Errorf("decoded %d, wanted %v; want 1 decoded and 999 left", len(got), wanted)
	}
}

func TestWantedDenseNodes(t *testing.T) {
	payload := encodeBlock(sampleElements(), false)
	got, out := decodeAll(t, payload, &Query{Kinds: element.MaskNode, Wanted: NewIDSet(7)})
	if out != OutcomeExhausted {
		t.Errorf("outcome = %v, want exhausted", out)
	}
	n, ok := got[7].(*element.Node)
	if !ok {
		t.Fatalf("node 7 not decoded: %v", got)
	}
	if !reflect.DeepEqual(n.Tags, element.Tags{"barrier": "gate"}) {
		t.Errorf("node 7 tags = %v", n.Tags)
	}
}

func TestDecodeBlockMalformed(t *testing.T) {
	payload := encodeBlock(sampleElements(), false)
	_, err := NewDecoder().DecodeBlock(payload[:len(payload)-1], nil, func(element.Element) error { return nil })
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeBlock(truncated) error = %v, want ErrMalformed", err)
	}
}

func TestEmitErrorAborts(t *testing.T) {
	stop := errors.New("stop")
	n := 0
	_, err := NewDecoder().DecodeBlock(encodeBlock(sampleElements(), false), nil, func(element.Element) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Errorf("err = %v after %d emits, want stop after 1", err, n)
	}
}

func TestFirstElement(t *testing.T) {
	tests := []struct {
		name  string
		elems []element.Element
		kind  element.Kind
		id    int64
	}{
		{"dense", []element.Element{&element.Node{ID: 42}, &element.Node{ID: 43}}, element.KindNode, 42},
		{"way", []element.Element{&element.Way{ID: 7, NodeIDs: []int64{1}}}, element.KindWay, 7},
		{"relation", []element.Element{&element.Relation{ID: 9}}, element.KindRelation, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := encodeBlock(tt.elems, false)
			kind, id, ok, err := FirstElement(payload, true)
			if err != nil || !ok {
				t.Fatalf("FirstElement() = %v, %v", ok, err)
			}
			if kind != tt.kind || id != tt.id {
				t.Errorf("FirstElement() = %v %d, want %v %d", kind, id, tt.kind, tt.id)
			}
			if _, _, _, err := FirstElement(payload[:2], false); !errors.Is(err, errNeedMore) {
				t.Errorf("FirstElement(prefix) error = %v, want errNeedMore", err)
			}
		})
	}
}

func TestInflatePrefixFirstElement(t *testing.T) {
	var elems []element.Element
	for id := int64(1000); id < 30000; id++ {
		elems = append(elems, &element.Node{ID: id, Lat: 1, Lon: 1, Tags: element.Tags{"ref": fmt.Sprint(id)}})
	}
	payload := encodeBlock(elems, false)
	blob, err := EncodeBlob(payload, false)
	if err != nil {
		t.Fatal(err)
	}

	var id int64
	calls := 0
	err = NewDecoder().InflatePrefix(blob, nil, func(prefix []byte, complete bool) (bool, error) {
		calls++
		_, first, _, err := FirstElement(prefix, complete)
		if errors.Is(err, errNeedMore) {
			return false, nil
		}
		id = first
		return true, err
	})
	if err != nil {
		t.Fatalf("InflatePrefix() error = %v", err)
	}
	if id != 1000 {
		t.Errorf("first id = %d, want 1000", id)
	}
	if calls < 2 {
		t.Errorf("prefix callback ran %d times, want at least 2 for a string table larger than one chunk", calls)
	}
}

func TestInflate(t *testing.T) {
	payload := encodeBlock(sampleElements(), false)
	z, err := EncodeBlob(payload, false)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDecoder()
	got, err := d.Inflate(z, nil)
	if err != nil {
		t.Fatalf("Inflate() error = %v", err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Error("Inflate() payload differs")
	}

	raw, _ := EncodeBlob(payload, true)
	if got, err = d.Inflate(raw, nil); err != nil || !reflect.DeepEqual(got, payload) {
		t.Errorf("Inflate(raw) = %d bytes, %v", len(got), err)
	}
}

func TestInflateErrors(t *testing.T) {
	payload := encodeBlock(sampleElements(), false)
	z, _ := EncodeBlob(payload, false)
	bd, err := parseBlob(z)
	if err != nil {
		t.Fatal(err)
	}
	withSize := func(n int) []byte {
		b := AppendVarintField(nil, fieldBlobRawSize, uint64(n))
		return AppendBytesField(b, fieldBlobZlib, bd.zlib)
	}
	badChecksum := append([]byte(nil), bd.zlib...)
	badChecksum[len(badChecksum)-1] ^= 0xff
	withBadChecksum := AppendBytesField(
		AppendVarintField(nil, fieldBlobRawSize, uint64(len(payload))), fieldBlobZlib, badChecksum)

	tests := []struct {
		name string
		blob []byte
		want error
	}{
		{"raw size too large", withSize(len(payload) + 5), ErrMalformed},
		{"raw size too small", withSize(len(payload) - 1), ErrMalformed},
		{"zstd", AppendBytesField(nil, fieldBlobZstd, []byte{1, 2, 3}), ErrUnsupportedCompression},
		{"lzma", AppendBytesField(nil, fieldBlobLzma, []byte{1}), ErrUnsupportedCompression},
		{"no data", AppendVarintField(nil, fieldBlobRawSize, 10), ErrMalformed},
		{"raw size over limit", withSize(MaxBlobSize + 1), ErrBlobTooLarge},
		{"adler32 mismatch", withBadChecksum, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder().Inflate(tt.blob, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("Inflate() error = %v, want %v", err, tt.want)
			}
			err = NewDecoder().InflatePrefix(tt.blob, nil, func([]byte, bool) (bool, error) { return false, nil })
			if !errors.Is(err, tt.want) {
				t.Errorf("InflatePrefix() error = %v, want %v", err, tt.want)
			}
		})
	}
}
