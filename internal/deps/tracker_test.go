package deps

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmindex/internal/element"
)

func way(id int64, nodes ...int64) *element.Way {
	return &element.Way{ID: id, NodeIDs: nodes}
}

func touched(kind element.Kind, ids ...int64) *element.ChangeSet {
	cs := &element.ChangeSet{}
	cs.Touch(kind, ids...)
	return cs
}

func TestTrackerEdges(t *testing.T) {
	tr := NewTracker()
	tr.AddRelationTrack(1, []*element.Way{way(10, 100, 101), way(11, 101, 102)})
	tr.AddRelationTrack(2, []*element.Way{way(11, 101, 102), way(12, 103)})

	assert.Equal(t, 2, tr.Tracked())
	assert.True(t, tr.IsTracked(1))
	assert.False(t, tr.IsTracked(3))
	assert.Equal(t, []int64{10, 11}, tr.WaysOfNode(101))
	assert.Equal(t, []int64{1, 2}, tr.RelationsOfWay(11))
	assert.Equal(t, []int64{11, 12}, tr.WaysOfRelation(2))
	assert.Empty(t, tr.WaysOfNode(999))
}

func TestGetChangedRelations(t *testing.T) {
	tr := NewTracker()
	tr.AddRelationTrack(1, []*element.Way{way(10, 100, 101), way(11, 101, 102)})
	tr.AddRelationTrack(2, []*element.Way{way(11, 101, 102), way(12, 103)})
	tr.AddRelationTrack(3, []*element.Way{way(13, 104)})

	tests := []struct {
		name string
		cs   *element.ChangeSet
		want []int64
	}{
		{"node in one way", touched(element.KindNode, 100), []int64{1}},
		{"node in shared way", touched(element.KindNode, 102), []int64{1, 2}},
		{"untracked node", touched(element.KindNode, 555), []int64{}},
		{"way", touched(element.KindWay, 12), []int64{2}},
		{"relation", touched(element.KindRelation, 3), []int64{3}},
		{"untracked relation", touched(element.KindRelation, 4), []int64{}},
		{"empty", &element.ChangeSet{}, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.GetChangedRelations(tt.cs))
		})
	}

	cs := touched(element.KindNode, 104)
	cs.Touch(element.KindWay, 10)
	cs.Touch(element.KindRelation, 2)
	assert.Equal(t, []int64{1, 2, 3}, tr.GetChangedRelations(cs))
}

func TestRetrackRemovesStaleWays(t *testing.T) {
	tr := NewTracker()
	tr.AddRelationTrack(1, []*element.Way{way(10, 100), way(11, 101)})
	tr.AddRelationTrack(1, []*element.Way{way(11, 101), way(12, 102)})

	assert.Equal(t, 1, tr.Tracked())
	assert.Empty(t, tr.RelationsOfWay(10))
	assert.Equal(t, []int64{1}, tr.RelationsOfWay(12))
	assert.Equal(t, []int64{}, tr.GetChangedRelations(touched(element.KindWay, 10)))

	// the node edge of the dropped way remains but leads nowhere
	assert.Equal(t, []int64{10}, tr.WaysOfNode(100))
	assert.Equal(t, []int64{}, tr.GetChangedRelations(touched(element.KindNode, 100)))

	tr.ForgetRelation(1)
	assert.False(t, tr.IsTracked(1))
	assert.Equal(t, 0, tr.Tracked())
	assert.Empty(t, tr.RelationsOfWay(11))
	tr.ForgetRelation(1)
	assert.Equal(t, 0, tr.Tracked())
}

func TestEdgeMapSnapshotsOwnIDs(t *testing.T) {
	m := newEdgeMap()
	m.add(1, 10)
	m.add(1, 30)

	all := m.all()
	dirty := m.takeDirty()
	require.Len(t, all, 1)
	require.Len(t, dirty, 1)

	// in-place edits of the live slice must not reach the snapshots
	m.remove(1, 10)
	m.add(1, 20)

	assert.Equal(t, []int64{10, 30}, all[0].IDs)
	assert.Equal(t, []int64{10, 30}, dirty[0].IDs)
	assert.Equal(t, []int64{20, 30}, m.get(1))
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for r := int64(0); r < 200; r++ {
		wg.Add(1)
		go func(r int64) {
			defer wg.Done()
			// every relation shares way 1 and node 1
			tr.AddRelationTrack(r, []*element.Way{way(1, 1), way(1000+r, 1, 10000+r)})
		}(r)
	}
	wg.Wait()

	assert.Equal(t, 200, tr.Tracked())
	assert.Len(t, tr.RelationsOfWay(1), 200)
	assert.Len(t, tr.WaysOfNode(1), 201)
	assert.Len(t, tr.GetChangedRelations(touched(element.KindNode, 1)), 200)
	assert.Equal(t, []int64{7}, tr.GetChangedRelations(touched(element.KindNode, 10007)))
}

// memStore is an in-memory Store that records how it was written
type memStore struct {
	tables  map[Table]map[int64][]int64
	bulk    int
	upserts int
}

func newMemStore() *memStore {
	m := &memStore{tables: make(map[Table]map[int64][]int64)}
	for _, t := range Tables {
		m.tables[t] = make(map[int64][]int64)
	}
	return m
}

func (m *memStore) IsEmpty(ctx context.Context) (bool, error) {
	for _, t := range m.tables {
		if len(t) > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (m *memStore) BulkWrite(ctx context.Context, table Table, records []Record) error {
	m.bulk++
	for i, r := range records {
		if i > 0 && records[i-1].Key >= r.Key {
			return fmt.Errorf("unsorted bulk write at %d", i)
		}
		m.tables[table][r.Key] = r.IDs
	}
	return nil
}

func (m *memStore) Upsert(ctx context.Context, changes map[Table][]Record) error {
	m.upserts++
	for table, records := range changes {
		for _, r := range records {
			if len(r.IDs) == 0 {
				delete(m.tables[table], r.Key)
			} else {
				m.tables[table][r.Key] = r.IDs
			}
		}
	}
	return nil
}

func (m *memStore) Load(ctx context.Context, table Table, fn func(Record) error) error {
	for k, ids := range m.tables[table] {
		if err := fn(Record{Key: k, IDs: ids}); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func TestFlushAndOpen(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	tr := NewTracker()
	tr.AddRelationTrack(1, []*element.Way{way(10, 100, 101), way(11, 101)})
	tr.AddRelationTrack(2, []*element.Way{way(11, 101)})
	require.NoError(t, tr.Flush(ctx, store))
	assert.Equal(t, len(Tables), store.bulk)
	assert.Equal(t, 0, store.upserts)
	assert.Equal(t, []int64{1, 2}, store.tables[WayRelations][11])

	// nothing changed, nothing written
	require.NoError(t, tr.Flush(ctx, store))
	assert.Equal(t, 0, store.upserts)

	tr.AddRelationTrack(1, []*element.Way{way(11, 101)})
	require.NoError(t, tr.Flush(ctx, store))
	assert.Equal(t, 1, store.upserts)
	_, ok := store.tables[WayRelations][10]
	assert.False(t, ok, "way 10 should be deleted")
	assert.Equal(t, []int64{11}, store.tables[Relations][1])

	reopened, err := Open(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Tracked())
	assert.Equal(t, []int64{1, 2}, reopened.GetChangedRelations(touched(element.KindNode, 101)))
	assert.Equal(t, []int64{}, reopened.GetChangedRelations(touched(element.KindWay, 10)))
}
