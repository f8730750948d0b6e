package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wegman-software/osmindex/internal/element"
)

func TestOverlay(t *testing.T) {
	o := NewOverlay()
	cs := &element.ChangeSet{}
	cs.Add(element.Change{Action: element.Create, Kind: element.KindNode, ID: 1, Element: &element.Node{ID: 1, Lat: 1}})
	cs.Add(element.Change{Action: element.Modify, Kind: element.KindNode, ID: 1, Element: &element.Node{ID: 1, Lat: 2}})
	cs.Add(element.Change{Action: element.Delete, Kind: element.KindWay, ID: 7})
	cs.Touch(element.KindRelation, 9)
	o.Apply(cs)

	e, deleted, ok := o.Get(element.KindNode, 1)
	assert.True(t, ok)
	assert.False(t, deleted)
	assert.Equal(t, 2.0, e.(*element.Node).Lat, "later change wins")

	_, deleted, ok = o.Get(element.KindWay, 7)
	assert.True(t, ok)
	assert.True(t, deleted)

	_, _, ok = o.Get(element.KindRelation, 9)
	assert.False(t, ok, "touch-only change is not overlaid")
	_, _, ok = o.Get(element.KindWay, 1)
	assert.False(t, ok, "kinds are separate")

	assert.Equal(t, 2, o.Len())
	o.Reset()
	assert.Equal(t, 0, o.Len())
}
