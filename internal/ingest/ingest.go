// Package ingest builds the relation dependency graph from a snapshot and
// keeps it current as replication diffs arrive.
package ingest

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmindex/internal/deps"
	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/logger"
	"github.com/wegman-software/osmindex/internal/pbf"
	"github.com/wegman-software/osmindex/internal/walker"
)

// Aggregate is a relation together with the member ways and their nodes
// that are available. Missing members are absent from the maps.
type Aggregate struct {
	Relation *element.Relation
	Ways     map[int64]*element.Way
	Nodes    map[int64]*element.Node
}

// Analyzer derives data from a relation aggregate, e.g. assembles polygons
type Analyzer interface {
	Analyze(ctx context.Context, agg *Aggregate) error
}

// AnalyzerFunc adapts a function to Analyzer
type AnalyzerFunc func(ctx context.Context, agg *Aggregate) error

func (f AnalyzerFunc) Analyze(ctx context.Context, agg *Aggregate) error { return f(ctx, agg) }

// Options configures an Ingestor
type Options struct {
	// Filter selects tracked relations, nil tracks every relation
	Filter    *pbf.TagFilter
	BatchSize int
	Workers   int
	// Analyzer is optional. Way nodes are only loaded when it is set.
	Analyzer Analyzer
}

// Ingestor ties the snapshot walker, the dependency tracker and its store
type Ingestor struct {
	walker  *walker.Walker
	tracker *deps.Tracker
	store   deps.Store
	overlay *Overlay
	opts    Options
	log     *zap.Logger
}

// New creates an ingestor
func New(w *walker.Walker, tracker *deps.Tracker, store deps.Store, opts Options) *Ingestor {
	if opts.BatchSize < 1 {
		opts.BatchSize = 10000
	}
	if opts.Workers < 1 {
		opts.Workers = w.Workers()
	}
	return &Ingestor{
		walker:  w,
		tracker: tracker,
		store:   store,
		overlay: NewOverlay(),
		opts:    opts,
		log:     logger.Named("ingest"),
	}
}

// Tracker returns the dependency tracker
func (in *Ingestor) Tracker() *deps.Tracker { return in.tracker }

// Overlay returns the diff overlay
func (in *Ingestor) Overlay() *Overlay { return in.overlay }

func (in *Ingestor) matches(rel *element.Relation) bool {
	return in.opts.Filter == nil || in.opts.Filter.MatchTags(rel.Tags)
}

// BuildDependencies scans the snapshot for relations matching the filter
// and tracks each of them with its member ways. Relations are processed in
// batches so only one batch of ways is held in memory. Returns the number
// of relations tracked.
func (in *Ingestor) BuildDependencies(ctx context.Context) (int, error) {
	start := time.Now()
	in.log.Info("Building dependencies",
		zap.Int("batch_size", in.opts.BatchSize),
		zap.Bool("filtered", in.opts.Filter != nil))

	s := in.walker.Scan(ctx, walker.ScanQuery{
		Kinds:  element.MaskOf(element.KindRelation),
		Filter: in.opts.Filter,
	})
	defer s.Close()

	total := 0
	batch := make([]*element.Relation, 0, in.opts.BatchSize)
	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := in.trackBatch(ctx, batch, in.loadSnapshot); err != nil {
			return err
		}
		total += len(batch)
		in.log.Debug("Tracked relation batch", zap.Int("relations", len(batch)), zap.Int("total", total))
		batch = batch[:0]
		return nil
	}

	for s.Next() {
		rel, ok := s.Element().(*element.Relation)
		if !ok {
			continue
		}
		batch = append(batch, rel)
		if len(batch) == cap(batch) {
			if err := flushBatch(); err != nil {
				return total, err
			}
		}
	}
	if err := s.Err(); err != nil {
		return total, fmt.Errorf("relation scan: %w", err)
	}
	if err := flushBatch(); err != nil {
		return total, err
	}

	if err := in.tracker.Flush(ctx, in.store); err != nil {
		return total, fmt.Errorf("flush dependencies: %w", err)
	}
	in.log.Info("Dependencies built",
		zap.Int("relations", total),
		zap.Duration("elapsed", time.Since(start)))
	return total, nil
}

// ApplyDiff folds a change set into the overlay and re-tracks every
// relation it affects: tracked relations reached through touched nodes,
// ways or relations, plus new or modified relations that now match the
// filter. Relations that were deleted or no longer match are forgotten.
// Returns the affected relation ids, sorted.
func (in *Ingestor) ApplyDiff(ctx context.Context, cs *element.ChangeSet) ([]int64, error) {
	in.overlay.Apply(cs)

	affected := in.tracker.GetChangedRelations(cs)
	for _, ch := range cs.Changes {
		if ch.Kind != element.KindRelation || ch.Element == nil {
			continue
		}
		if rel, ok := ch.Element.(*element.Relation); ok && in.matches(rel) {
			affected = append(affected, rel.ID)
		}
	}
	affected = lo.Uniq(affected)
	slices.Sort(affected)
	if len(affected) == 0 {
		return nil, nil
	}

	rels, err := in.loadRelations(ctx, affected)
	if err != nil {
		return nil, err
	}

	var keep []*element.Relation
	forgotten := 0
	for _, id := range affected {
		rel, ok := rels[id]
		if !ok || !in.matches(rel) {
			in.tracker.ForgetRelation(id)
			forgotten++
			continue
		}
		keep = append(keep, rel)
	}

	if err := in.trackBatch(ctx, keep, in.loadOverlaid); err != nil {
		return nil, err
	}
	if err := in.tracker.Flush(ctx, in.store); err != nil {
		return nil, fmt.Errorf("flush dependencies: %w", err)
	}

	in.log.Debug("Applied diff",
		zap.Int("changes", cs.Len()),
		zap.Int("affected", len(affected)),
		zap.Int("retracked", len(keep)),
		zap.Int("forgotten", forgotten))
	return affected, nil
}

// memberLoader fetches member ways and way nodes for a batch
type memberLoader func(ctx context.Context, wayIDs []int64, withNodes bool) (map[int64]*element.Way, map[int64]*element.Node, error)

// trackBatch loads the members of rels and tracks each relation in parallel
func (in *Ingestor) trackBatch(ctx context.Context, rels []*element.Relation, load memberLoader) error {
	if len(rels) == 0 {
		return nil
	}
	var wayIDs []int64
	for _, rel := range rels {
		wayIDs = append(wayIDs, rel.MemberIDs(element.KindWay)...)
	}
	wayIDs = lo.Uniq(wayIDs)

	ways, nodes, err := load(ctx, wayIDs, in.opts.Analyzer != nil)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.opts.Workers)
	for _, rel := range rels {
		g.Go(func() error {
			agg := &Aggregate{Relation: rel, Ways: make(map[int64]*element.Way)}
			members := make([]*element.Way, 0, len(rel.Members))
			for _, id := range rel.MemberIDs(element.KindWay) {
				if w, ok := ways[id]; ok {
					agg.Ways[id] = w
					members = append(members, w)
				}
			}
			in.tracker.AddRelationTrack(rel.ID, members)

			if in.opts.Analyzer == nil {
				return nil
			}
			agg.Nodes = make(map[int64]*element.Node)
			for _, w := range agg.Ways {
				for _, id := range w.NodeIDs {
					if n, ok := nodes[id]; ok {
						agg.Nodes[id] = n
					}
				}
			}
			if err := in.opts.Analyzer.Analyze(gctx, agg); err != nil {
				return fmt.Errorf("analyze relation %d: %w", rel.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// loadSnapshot reads members from the snapshot only
func (in *Ingestor) loadSnapshot(ctx context.Context, wayIDs []int64, withNodes bool) (map[int64]*element.Way, map[int64]*element.Node, error) {
	ways, err := in.walker.LoadWays(ctx, wayIDs)
	if err != nil {
		return nil, nil, err
	}
	if !withNodes {
		return ways, nil, nil
	}
	nodes, err := in.walker.LoadNodes(ctx, nodeIDsOf(ways))
	if err != nil {
		return nil, nil, err
	}
	return ways, nodes, nil
}

// loadOverlaid reads members from the overlay, falling back to the snapshot
func (in *Ingestor) loadOverlaid(ctx context.Context, wayIDs []int64, withNodes bool) (map[int64]*element.Way, map[int64]*element.Node, error) {
	ways, err := overlaid(ctx, in.overlay, element.KindWay, wayIDs, in.walker.LoadWays)
	if err != nil {
		return nil, nil, err
	}
	if !withNodes {
		return ways, nil, nil
	}
	nodes, err := overlaid(ctx, in.overlay, element.KindNode, nodeIDsOf(ways), in.walker.LoadNodes)
	if err != nil {
		return nil, nil, err
	}
	return ways, nodes, nil
}

func (in *Ingestor) loadRelations(ctx context.Context, ids []int64) (map[int64]*element.Relation, error) {
	return overlaid(ctx, in.overlay, element.KindRelation, ids, in.walker.LoadRelations)
}

// overlaid resolves ids against the overlay first. Ids deleted there are
// absent from the result; the rest are loaded from the snapshot.
func overlaid[T element.Element](ctx context.Context, o *Overlay, kind element.Kind, ids []int64,
	snapshot func(context.Context, []int64) (map[int64]T, error)) (map[int64]T, error) {
	out := make(map[int64]T, len(ids))
	var missing []int64
	for _, id := range ids {
		e, deleted, ok := o.Get(kind, id)
		switch {
		case !ok:
			missing = append(missing, id)
		case deleted:
		default:
			if v, ok := e.(T); ok {
				out[id] = v
			}
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	loaded, err := snapshot(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, v := range loaded {
		out[id] = v
	}
	return out, nil
}

func nodeIDsOf(ways map[int64]*element.Way) []int64 {
	var ids []int64
	for _, w := range ways {
		ids = append(ids, w.NodeIDs...)
	}
	return lo.Uniq(ids)
}
