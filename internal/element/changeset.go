package element

import (
	"fmt"
	"slices"
)

// Action represents the type of change in a diff
type Action uint8

const (
	Create Action = iota
	Modify
	Delete
)

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Change is a single create/modify/delete of one element.
// For deletes only the kind and id are meaningful.
type Change struct {
	Action  Action
	Kind    Kind
	ID      int64
	Element Element // nil for deletes
}

// ChangeSet is the decoded content of one replication diff
type ChangeSet struct {
	Changes []Change

	touched [3]map[int64]struct{}
}

// Add appends a change and records its id as touched
func (c *ChangeSet) Add(ch Change) {
	c.Changes = append(c.Changes, ch)
	if c.touched[ch.Kind] == nil {
		c.touched[ch.Kind] = make(map[int64]struct{})
	}
	c.touched[ch.Kind][ch.ID] = struct{}{}
}

// Touch marks an id as touched without carrying element data
func (c *ChangeSet) Touch(kind Kind, ids ...int64) {
	for _, id := range ids {
		c.Add(Change{Action: Modify, Kind: kind, ID: id})
	}
}

// Touched returns the sorted, unique ids of the given kind touched by the diff
func (c *ChangeSet) Touched(kind Kind) []int64 {
	set := c.touched[kind]
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsTouched reports whether the given element was touched
func (c *ChangeSet) IsTouched(kind Kind, id int64) bool {
	_, ok := c.touched[kind][id]
	return ok
}

// Len returns the number of changes
func (c *ChangeSet) Len() int {
	return len(c.Changes)
}

// Stats counts changes by action and kind
type Stats struct {
	Counts [3][3]int64 // [kind][action]
}

// Stats returns per-kind, per-action counts
func (c *ChangeSet) Stats() Stats {
	var s Stats
	for _, ch := range c.Changes {
		s.Counts[ch.Kind][ch.Action]++
	}
	return s
}

// Total returns total number of changes
func (s Stats) Total() int64 {
	var n int64
	for _, k := range s.Counts {
		for _, v := range k {
			n += v
		}
	}
	return n
}

// Get returns the count for one kind and action
func (s Stats) Get(kind Kind, action Action) int64 {
	return s.Counts[kind][action]
}
