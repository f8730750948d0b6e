// Package blobindex maps element ids to the file offsets of the blobs that
// hold them, so that id-targeted loads read only the blobs they need.
package blobindex

import (
	"slices"

	"github.com/samber/lo"

	"github.com/wegman-software/osmindex/internal/element"
)

// Entry records the first element id of a data blob and the blob's file offset
type Entry struct {
	FirstID int64
	Offset  int64
}

// Bucket is the set of requested ids that resolve to one blob
type Bucket struct {
	Offset int64
	IDs    []int64 // sorted, unique
}

// Index holds one sorted entry array per element kind. It is immutable
// after construction and safe for concurrent readers without locking.
type Index struct {
	entries [3][]Entry
}

// New builds an index from per-kind entries, sorting each by first id
func New(nodes, ways, relations []Entry) *Index {
	ix := &Index{entries: [3][]Entry{nodes, ways, relations}}
	for k := range ix.entries {
		slices.SortStableFunc(ix.entries[k], func(a, b Entry) int {
			switch {
			case a.FirstID < b.FirstID:
				return -1
			case a.FirstID > b.FirstID:
				return 1
			}
			return 0
		})
	}
	return ix
}

// Entries returns the sorted entries for a kind. The slice must not be modified.
func (ix *Index) Entries(kind element.Kind) []Entry {
	return ix.entries[kind]
}

// Len returns the number of blobs indexed under a kind
func (ix *Index) Len(kind element.Kind) int {
	return len(ix.entries[kind])
}

// Blobs returns the total number of indexed data blobs
func (ix *Index) Blobs() int {
	return len(ix.entries[0]) + len(ix.entries[1]) + len(ix.entries[2])
}

// Lookup returns the offset of the blob whose id range contains id. A blob's
// range runs from its first id up to the next blob's first id. Ids before the
// first range resolve to the first blob; ids with no containing range resolve
// to the last blob. ok is false only when the kind has no blobs.
func (ix *Index) Lookup(id int64, kind element.Kind) (int64, bool) {
	entries := ix.entries[kind]
	if len(entries) == 0 {
		return 0, false
	}
	if id < entries[0].FirstID {
		return entries[0].Offset, true
	}

	low, high := 0, len(entries)-1
	for low <= high {
		mid := int(uint(low+high) >> 1)
		if id < entries[mid].FirstID {
			high = mid - 1
			continue
		}
		if mid+1 < len(entries) && id >= entries[mid+1].FirstID {
			low = mid + 1
			continue
		}
		if mid+1 < len(entries) {
			return entries[mid].Offset, true
		}
		break
	}
	// no bounded range contains id
	return entries[len(entries)-1].Offset, true
}

// CalculateFileOffsets groups ids by the blob that holds them. ids are
// deduplicated and sorted first, then merged against the index in one pass.
// Only non-empty buckets are returned, in ascending offset order for a
// kind-then-id sorted file.
func (ix *Index) CalculateFileOffsets(ids []int64, kind element.Kind) []Bucket {
	entries := ix.entries[kind]
	if len(entries) == 0 || len(ids) == 0 {
		return nil
	}
	sorted := lo.Uniq(ids)
	slices.Sort(sorted)

	var buckets []Bucket
	e := 0
	i := 0
	for i < len(sorted) {
		// advance to the blob whose range holds sorted[i]
		for e+1 < len(entries) && sorted[i] >= entries[e+1].FirstID {
			e++
		}
		j := i
		if e+1 < len(entries) {
			next := entries[e+1].FirstID
			for j < len(sorted) && sorted[j] < next {
				j++
			}
		} else {
			j = len(sorted)
		}
		buckets = append(buckets, Bucket{Offset: entries[e].Offset, IDs: sorted[i:j:j]})
		i = j
	}
	return buckets
}

// Offsets returns the ascending offsets of every blob a full scan of kinds
// must visit. A blob is indexed under the kind of its first element, so the
// last blob of each earlier kind is included too: it may end with elements of
// a later kind.
func (ix *Index) Offsets(kinds element.KindMask) []int64 {
	if kinds == 0 {
		kinds = element.MaskAll
	}
	seen := make(map[int64]struct{})
	var out []int64
	add := func(off int64) {
		if _, ok := seen[off]; !ok {
			seen[off] = struct{}{}
			out = append(out, off)
		}
	}
	for _, k := range element.Kinds {
		if !kinds.Has(k) {
			continue
		}
		for _, e := range ix.entries[k] {
			add(e.Offset)
		}
		for _, prev := range element.Kinds[:k] {
			if n := len(ix.entries[prev]); n > 0 {
				add(ix.entries[prev][n-1].Offset)
			}
		}
	}
	slices.Sort(out)
	return out
}
