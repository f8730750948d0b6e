// Package pbftest writes small PBF files for tests
package pbftest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/pbf"
)

// Fixture is a PBF file on disk together with what was written into it
type Fixture struct {
	Path    string
	Offsets []int64 // data blob offsets, one per block
	Blocks  [][]element.Element
}

// Encode returns the bytes of a PBF file with one data blob per block
func Encode(t testing.TB, blocks [][]element.Element) ([]byte, []int64) {
	t.Helper()
	var buf bytes.Buffer
	fw, err := pbf.NewFileWriter(&buf, nil)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	bw := pbf.NewBlockWriter()
	offsets := make([]int64, 0, len(blocks))
	for _, block := range blocks {
		for _, e := range block {
			bw.Add(e)
		}
		off, err := fw.WriteBlock(bw)
		if err != nil {
			t.Fatalf("WriteBlock: %v", err)
		}
		offsets = append(offsets, off)
	}
	return buf.Bytes(), offsets
}

// Write encodes blocks into a file under t.TempDir()
func Write(t testing.TB, blocks ...[]element.Element) *Fixture {
	t.Helper()
	data, offsets := Encode(t, blocks)
	path := filepath.Join(t.TempDir(), "fixture.osm.pbf")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return &Fixture{Path: path, Offsets: offsets, Blocks: blocks}
}

// Elements returns every element of the fixture of the given kind, keyed by id
func (f *Fixture) Elements(kind element.Kind) map[int64]element.Element {
	out := make(map[int64]element.Element)
	for _, block := range f.Blocks {
		for _, e := range block {
			if e.Kind() == kind {
				out[e.ElementID()] = e
			}
		}
	}
	return out
}

// Nodes returns untagged nodes with ids from..to inclusive on a small grid
func Nodes(from, to int64) []element.Element {
	out := make([]element.Element, 0, to-from+1)
	for id := from; id <= to; id++ {
		out = append(out, &element.Node{
			ID:  id,
			Lat: 52.0 + float64(id%100)*0.001,
			Lon: 4.0 + float64(id/100)*0.001,
		})
	}
	return out
}

// Standard returns a small planet: two node blocks, two way blocks and a
// relation block.
//
//	nodes      1..20, node 5 tagged amenity=cafe
//	ways       100..104 use nodes 1..10, 105..109 use nodes 11..20
//	relations  1000 boundary=administrative over ways 100,101
//	           1001 type=multipolygon over ways 105,106 and node 3
//	           1002 route=bus over way 102 and relation 1000
func Standard() [][]element.Element {
	nodes1 := Nodes(1, 10)
	nodes1[4].(*element.Node).Tags = element.Tags{"amenity": "cafe"}
	nodes2 := Nodes(11, 20)

	var ways1, ways2 []element.Element
	for i := int64(0); i < 5; i++ {
		ways1 = append(ways1, &element.Way{
			ID:      100 + i,
			NodeIDs: []int64{2*i + 1, 2*i + 2},
			Tags:    element.Tags{"highway": "residential"},
		})
		ways2 = append(ways2, &element.Way{
			ID:      105 + i,
			NodeIDs: []int64{2*i + 11, 2*i + 12},
		})
	}

	rels := []element.Element{
		&element.Relation{
			ID: 1000,
			Members: []element.Member{
				{ID: 100, Kind: element.KindWay, Role: "outer"},
				{ID: 101, Kind: element.KindWay, Role: "outer"},
			},
			Tags: element.Tags{"type": "boundary", "boundary": "administrative", "admin_level": "8"},
		},
		&element.Relation{
			ID: 1001,
			Members: []element.Member{
				{ID: 105, Kind: element.KindWay, Role: "outer"},
				{ID: 106, Kind: element.KindWay, Role: "inner"},
				{ID: 3, Kind: element.KindNode, Role: "label"},
			},
			Tags: element.Tags{"type": "multipolygon", "landuse": "forest"},
		},
		&element.Relation{
			ID: 1002,
			Members: []element.Member{
				{ID: 102, Kind: element.KindWay, Role: ""},
				{ID: 1000, Kind: element.KindRelation, Role: "subarea"},
			},
			Tags: element.Tags{"type": "route", "route": "bus"},
		},
	}
	return [][]element.Element{nodes1, nodes2, ways1, ways2, rels}
}
