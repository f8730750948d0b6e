package walker

import (
	"context"
	"fmt"

	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/pbf"
)

// Load decodes the elements of one kind with the given ids. Ids are grouped
// by blob through the index and only those blobs are read; within a blob,
// decoding stops once all of its ids are found. Ids absent from the file
// are absent from the result. Result order is unspecified and a failed load
// returns no partial result.
func (w *Walker) Load(ctx context.Context, kind element.Kind, ids []int64) (map[int64]element.Element, error) {
	buckets := w.index.CalculateFileOffsets(ids, kind)
	targets := make([]target, len(buckets))
	for i, b := range buckets {
		targets[i] = target{
			offset: b.Offset,
			query: pbf.Query{
				Kinds:  element.MaskOf(kind),
				Wanted: pbf.NewIDSet(b.IDs...),
			},
		}
	}

	sink := newCollectSink(len(ids))
	if err := w.run(ctx, targets, sink, "Loading "+kind.String()+"s"); err != nil {
		return nil, fmt.Errorf("load %d %ss: %w", len(ids), kind, err)
	}
	return sink.out, nil
}

func loadAs[T element.Element](ctx context.Context, w *Walker, kind element.Kind, ids []int64) (map[int64]T, error) {
	all, err := w.Load(ctx, kind, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]T, len(all))
	for id, e := range all {
		if v, ok := e.(T); ok {
			out[id] = v
		}
	}
	return out, nil
}

// LoadNodes loads nodes by id
func (w *Walker) LoadNodes(ctx context.Context, ids []int64) (map[int64]*element.Node, error) {
	return loadAs[*element.Node](ctx, w, element.KindNode, ids)
}

// LoadWays loads ways by id
func (w *Walker) LoadWays(ctx context.Context, ids []int64) (map[int64]*element.Way, error) {
	return loadAs[*element.Way](ctx, w, element.KindWay, ids)
}

// LoadRelations loads relations by id
func (w *Walker) LoadRelations(ctx context.Context, ids []int64) (map[int64]*element.Relation, error) {
	return loadAs[*element.Relation](ctx, w, element.KindRelation, ids)
}
