// Package osc reads OsmChange diffs into element change sets
package osc

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/logger"
)

// ParseFile parses an OSC file, plain or gzip-compressed
func ParseFile(ctx context.Context, filename string) (*element.ChangeSet, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open OSC file: %w", err)
	}
	defer f.Close()

	cs, err := Parse(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	stats := cs.Stats()
	logger.Named("osc").Debug("Parsed diff",
		zap.String("file", filename),
		zap.Int64("changes", stats.Total()),
		zap.Int64("nodes_created", stats.Get(element.KindNode, element.Create)),
		zap.Int64("nodes_modified", stats.Get(element.KindNode, element.Modify)),
		zap.Int64("nodes_deleted", stats.Get(element.KindNode, element.Delete)),
		zap.Int("ways", len(cs.Touched(element.KindWay))),
		zap.Int("relations", len(cs.Touched(element.KindRelation))))
	return cs, nil
}

// Parse reads an OsmChange document, gzip-compressed input is detected by
// its magic bytes. Changes keep document order, so a create followed by a
// modify of the same element in one diff replays correctly.
func Parse(ctx context.Context, r io.Reader) (*element.ChangeSet, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	cs := &element.ChangeSet{}
	dec := xml.NewDecoder(src)
	sawRoot := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid OSC XML: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var action element.Action
		switch se.Name.Local {
		case "osmChange":
			sawRoot = true
			continue
		case "create":
			action = element.Create
		case "modify":
			action = element.Modify
		case "delete":
			action = element.Delete
		default:
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("invalid OSC XML: %w", err)
			}
			continue
		}

		var block changeBlock
		if err := dec.DecodeElement(&block, &se); err != nil {
			return nil, fmt.Errorf("invalid %s block: %w", action, err)
		}
		addBlock(cs, action, &block)
	}

	if !sawRoot {
		return nil, fmt.Errorf("not an OsmChange document")
	}
	return cs, nil
}

// changeBlock is the content of one create, modify or delete element
type changeBlock struct {
	Nodes     osm.Nodes     `xml:"node"`
	Ways      osm.Ways      `xml:"way"`
	Relations osm.Relations `xml:"relation"`
}

func addBlock(cs *element.ChangeSet, action element.Action, block *changeBlock) {
	for _, n := range block.Nodes {
		ch := element.Change{Action: action, Kind: element.KindNode, ID: int64(n.ID)}
		if action != element.Delete {
			ch.Element = &element.Node{ID: int64(n.ID), Lat: n.Lat, Lon: n.Lon, Tags: tagsToMap(n.Tags)}
		}
		cs.Add(ch)
	}
	for _, w := range block.Ways {
		ch := element.Change{Action: action, Kind: element.KindWay, ID: int64(w.ID)}
		if action != element.Delete {
			refs := make([]int64, len(w.Nodes))
			for i, wn := range w.Nodes {
				refs[i] = int64(wn.ID)
			}
			ch.Element = &element.Way{ID: int64(w.ID), NodeIDs: refs, Tags: tagsToMap(w.Tags)}
		}
		cs.Add(ch)
	}
	for _, r := range block.Relations {
		ch := element.Change{Action: action, Kind: element.KindRelation, ID: int64(r.ID)}
		if action != element.Delete {
			members := make([]element.Member, 0, len(r.Members))
			for _, m := range r.Members {
				kind, ok := memberKind(m.Type)
				if !ok {
					continue
				}
				members = append(members, element.Member{ID: m.Ref, Kind: kind, Role: m.Role})
			}
			ch.Element = &element.Relation{ID: int64(r.ID), Members: members, Tags: tagsToMap(r.Tags)}
		}
		cs.Add(ch)
	}
}

func memberKind(t osm.Type) (element.Kind, bool) {
	switch t {
	case osm.TypeNode:
		return element.KindNode, true
	case osm.TypeWay:
		return element.KindWay, true
	case osm.TypeRelation:
		return element.KindRelation, true
	}
	return 0, false
}

// tagsToMap converts OSM tags to a map, nil when there are none
func tagsToMap(tags osm.Tags) element.Tags {
	if len(tags) == 0 {
		return nil
	}
	m := make(element.Tags, len(tags))
	for _, tag := range tags {
		m[tag.Key] = tag.Value
	}
	return m
}
