package ingest

import (
	"sync"

	"github.com/wegman-software/osmindex/internal/element"
)

// Overlay holds the latest version of every element changed by diffs
// applied since the snapshot was written. A deleted element is kept as a
// nil entry so the stale snapshot copy is not used.
type Overlay struct {
	mu    sync.RWMutex
	elems [len(element.Kinds)]map[int64]element.Element
}

// NewOverlay creates an empty overlay
func NewOverlay() *Overlay {
	o := &Overlay{}
	for i := range o.elems {
		o.elems[i] = make(map[int64]element.Element)
	}
	return o
}

// Apply records the changes of cs in document order. Touch-only entries
// carry no element and leave the overlay unchanged.
func (o *Overlay) Apply(cs *element.ChangeSet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range cs.Changes {
		switch {
		case ch.Action == element.Delete:
			o.elems[ch.Kind][ch.ID] = nil
		case ch.Element != nil:
			o.elems[ch.Kind][ch.ID] = ch.Element
		}
	}
}

// Get looks up an element. ok is false when the overlay knows nothing of
// the id; deleted is true when the last change deleted it.
func (o *Overlay) Get(kind element.Kind, id int64) (e element.Element, deleted, ok bool) {
	o.mu.RLock()
	e, ok = o.elems[kind][id]
	o.mu.RUnlock()
	return e, ok && e == nil, ok
}

// Len returns the number of overlaid elements of all kinds
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, m := range o.elems {
		n += len(m)
	}
	return n
}

// Reset drops everything, e.g. after the snapshot is rebuilt
func (o *Overlay) Reset() {
	o.mu.Lock()
	for i := range o.elems {
		clear(o.elems[i])
	}
	o.mu.Unlock()
}
