package element

import (
	"fmt"
	"strings"
)

// Kind identifies the OSM primitive type of an element
type Kind uint8

const (
	KindNode Kind = iota
	KindWay
	KindRelation
)

// Kinds lists all kinds in file order
var Kinds = [...]Kind{KindNode, KindWay, KindRelation}

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindWay:
		return "way"
	case KindRelation:
		return "relation"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Short returns the single-letter form used in tables and logs ("n", "w", "r")
func (k Kind) Short() string {
	return k.String()[:1]
}

// ParseKind parses "node", "way", "relation" or their single-letter forms
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "node", "n", "nodes":
		return KindNode, nil
	case "way", "w", "ways":
		return KindWay, nil
	case "relation", "r", "relations", "rel":
		return KindRelation, nil
	}
	return 0, fmt.Errorf("unknown element kind %q", s)
}

// KindMask is a set of kinds
type KindMask uint8

const (
	MaskNode     = KindMask(1 << KindNode)
	MaskWay      = KindMask(1 << KindWay)
	MaskRelation = KindMask(1 << KindRelation)
	MaskAll      = MaskNode | MaskWay | MaskRelation
)

// MaskOf builds a mask from a list of kinds
func MaskOf(kinds ...Kind) KindMask {
	var m KindMask
	for _, k := range kinds {
		m |= KindMask(1 << k)
	}
	return m
}

// Has reports whether k is in the mask
func (m KindMask) Has(k Kind) bool {
	return m&KindMask(1<<k) != 0
}

// Tags is the key/value set of an element
type Tags map[string]string

// Element is implemented by *Node, *Way and *Relation
type Element interface {
	Kind() Kind
	ElementID() int64
	ElementTags() Tags
}

// Node is a point with fixed-point decoded coordinates
type Node struct {
	ID   int64
	Lat  float64
	Lon  float64
	Tags Tags
}

func (n *Node) Kind() Kind        { return KindNode }
func (n *Node) ElementID() int64  { return n.ID }
func (n *Node) ElementTags() Tags { return n.Tags }

// Way is an ordered, non-empty list of node references
type Way struct {
	ID      int64
	NodeIDs []int64
	Tags    Tags
}

func (w *Way) Kind() Kind        { return KindWay }
func (w *Way) ElementID() int64  { return w.ID }
func (w *Way) ElementTags() Tags { return w.Tags }

// IsClosed returns whether the first and last nodes are the same
func (w *Way) IsClosed() bool {
	return len(w.NodeIDs) >= 4 && w.NodeIDs[0] == w.NodeIDs[len(w.NodeIDs)-1]
}

// Member is one entry of a relation's member list
type Member struct {
	ID   int64
	Kind Kind
	Role string
}

// Relation groups members of any kind under roles
type Relation struct {
	ID      int64
	Members []Member
	Tags    Tags
}

func (r *Relation) Kind() Kind        { return KindRelation }
func (r *Relation) ElementID() int64  { return r.ID }
func (r *Relation) ElementTags() Tags { return r.Tags }

// MemberIDs returns the ids of all members of the given kind, in member order
func (r *Relation) MemberIDs(kind Kind) []int64 {
	var ids []int64
	for _, m := range r.Members {
		if m.Kind == kind {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
