package ingest_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmindex/internal/blobindex"
	"github.com/wegman-software/osmindex/internal/deps"
	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/ingest"
	"github.com/wegman-software/osmindex/internal/pbf"
	"github.com/wegman-software/osmindex/internal/pbf/pbftest"
	"github.com/wegman-software/osmindex/internal/walker"
)

// recorder keeps the last aggregate seen per relation
type recorder struct {
	mu   sync.Mutex
	seen map[int64]*ingest.Aggregate
}

func (r *recorder) Analyze(ctx context.Context, agg *ingest.Aggregate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[int64]*ingest.Aggregate)
	}
	r.seen[agg.Relation.ID] = agg
	return nil
}

func (r *recorder) get(id int64) *ingest.Aggregate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[id]
}

func areaFilter(t *testing.T) *pbf.TagFilter {
	f, err := pbf.CompileFilter([]pbf.TagRule{{Key: "type", Values: []string{"multipolygon", "boundary"}}})
	require.NoError(t, err)
	return f
}

func newIngestor(t *testing.T, analyzer ingest.Analyzer) (*ingest.Ingestor, deps.Store) {
	t.Helper()
	ctx := context.Background()
	fx := pbftest.Write(t, pbftest.Standard()...)
	ix, err := blobindex.Build(ctx, fx.Path, blobindex.BuildOptions{Workers: 2})
	require.NoError(t, err)
	w := walker.New(fx.Path, ix, walker.Options{Workers: 2, QueueDepth: 4})

	store, err := deps.OpenLMDB(filepath.Join(t.TempDir(), "deps.lmdb"), 64*datasize.MB)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	in := ingest.New(w, deps.NewTracker(), store, ingest.Options{
		Filter:    areaFilter(t),
		BatchSize: 1,
		Workers:   2,
		Analyzer:  analyzer,
	})
	return in, store
}

func change(action element.Action, e element.Element) element.Change {
	return element.Change{Action: action, Kind: e.Kind(), ID: e.ElementID(), Element: e}
}

func TestBuildDependencies(t *testing.T) {
	rec := &recorder{}
	in, store := newIngestor(t, rec)
	ctx := context.Background()

	n, err := in.BuildDependencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tr := in.Tracker()
	assert.True(t, tr.IsTracked(1000))
	assert.True(t, tr.IsTracked(1001))
	assert.False(t, tr.IsTracked(1002), "route relation does not match the filter")
	assert.Equal(t, []int64{1000}, tr.RelationsOfWay(100))
	assert.Equal(t, []int64{105}, tr.WaysOfNode(12))
	assert.Empty(t, tr.RelationsOfWay(102))

	agg := rec.get(1001)
	require.NotNil(t, agg)
	assert.Len(t, agg.Ways, 2)
	assert.Len(t, agg.Nodes, 4)
	assert.Contains(t, agg.Nodes, int64(13))

	empty, err := store.IsEmpty(ctx)
	require.NoError(t, err)
	assert.False(t, empty)

	reopened, err := deps.Open(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Tracked())
}

func TestApplyDiff(t *testing.T) {
	rec := &recorder{}
	in, _ := newIngestor(t, rec)
	ctx := context.Background()
	_, err := in.BuildDependencies(ctx)
	require.NoError(t, err)
	tr := in.Tracker()

	t.Run("moved node", func(t *testing.T) {
		cs := &element.ChangeSet{}
		cs.Add(change(element.Modify, &element.Node{ID: 3, Lat: 1.5, Lon: 2.5}))
		got, err := in.ApplyDiff(ctx, cs)
		require.NoError(t, err)
		assert.Equal(t, []int64{1000}, got)

		agg := rec.get(1000)
		require.NotNil(t, agg)
		require.Contains(t, agg.Nodes, int64(3))
		assert.Equal(t, 1.5, agg.Nodes[3].Lat, "overlay version of node 3 is used")
	})

	t.Run("rerouted way", func(t *testing.T) {
		cs := &element.ChangeSet{}
		cs.Add(change(element.Modify, &element.Way{ID: 101, NodeIDs: []int64{3, 15}}))
		got, err := in.ApplyDiff(ctx, cs)
		require.NoError(t, err)
		assert.Equal(t, []int64{1000}, got)
		assert.Contains(t, tr.WaysOfNode(15), int64(101))

		touch := &element.ChangeSet{}
		touch.Touch(element.KindNode, 15)
		assert.Equal(t, []int64{1000}, tr.GetChangedRelations(touch))
	})

	t.Run("new relation", func(t *testing.T) {
		cs := &element.ChangeSet{}
		cs.Add(change(element.Create, &element.Relation{
			ID:      2000,
			Members: []element.Member{{ID: 102, Kind: element.KindWay, Role: "outer"}},
			Tags:    element.Tags{"type": "multipolygon"},
		}))
		got, err := in.ApplyDiff(ctx, cs)
		require.NoError(t, err)
		assert.Equal(t, []int64{2000}, got)
		assert.True(t, tr.IsTracked(2000))
		assert.Equal(t, []int64{2000}, tr.RelationsOfWay(102))
	})

	t.Run("deleted relation", func(t *testing.T) {
		cs := &element.ChangeSet{}
		cs.Add(element.Change{Action: element.Delete, Kind: element.KindRelation, ID: 1001})
		got, err := in.ApplyDiff(ctx, cs)
		require.NoError(t, err)
		assert.Equal(t, []int64{1001}, got)
		assert.False(t, tr.IsTracked(1001))
		assert.Empty(t, tr.RelationsOfWay(105))
	})

	t.Run("relation no longer matches", func(t *testing.T) {
		cs := &element.ChangeSet{}
		cs.Add(change(element.Modify, &element.Relation{
			ID:      1000,
			Members: []element.Member{{ID: 100, Kind: element.KindWay}},
			Tags:    element.Tags{"name": "gone"},
		}))
		got, err := in.ApplyDiff(ctx, cs)
		require.NoError(t, err)
		assert.Equal(t, []int64{1000}, got)
		assert.False(t, tr.IsTracked(1000))
	})

	t.Run("unrelated change", func(t *testing.T) {
		cs := &element.ChangeSet{}
		cs.Add(change(element.Modify, &element.Node{ID: 20, Lat: 1, Lon: 1}))
		got, err := in.ApplyDiff(ctx, cs)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	assert.Equal(t, 1, tr.Tracked())
}
