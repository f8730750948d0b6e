// Package deps tracks which relations depend on which ways and nodes, so a
// diff can be mapped to the relations whose derived data must be rebuilt.
package deps

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/logger"
	"github.com/wegman-software/osmindex/internal/metrics"
)

const shardCount = 64

// edgeShard is one lock stripe of an adjacency map
type edgeShard struct {
	mu    sync.Mutex
	edges map[int64][]int64 // sorted, unique
	dirty map[int64]struct{}
}

// edgeMap is a key -> sorted id set map striped over shardCount locks.
// Concurrent writers only contend when their keys hash to the same stripe.
type edgeMap struct {
	shards [shardCount]edgeShard
}

func newEdgeMap() *edgeMap {
	m := &edgeMap{}
	for i := range m.shards {
		m.shards[i].edges = make(map[int64][]int64)
		m.shards[i].dirty = make(map[int64]struct{})
	}
	return m
}

func (m *edgeMap) shard(key int64) *edgeShard {
	// fibonacci hashing spreads sequential ids over all stripes
	return &m.shards[(uint64(key)*0x9E3779B97F4A7C15)>>58]
}

func (m *edgeMap) add(key, val int64) {
	s := m.shard(key)
	s.mu.Lock()
	ids := s.edges[key]
	if i, found := slices.BinarySearch(ids, val); !found {
		s.edges[key] = slices.Insert(ids, i, val)
		s.dirty[key] = struct{}{}
	}
	s.mu.Unlock()
}

func (m *edgeMap) remove(key, val int64) {
	s := m.shard(key)
	s.mu.Lock()
	ids := s.edges[key]
	if i, found := slices.BinarySearch(ids, val); found {
		ids = slices.Delete(ids, i, i+1)
		if len(ids) == 0 {
			delete(s.edges, key)
		} else {
			s.edges[key] = ids
		}
		s.dirty[key] = struct{}{}
	}
	s.mu.Unlock()
}

// set replaces the ids of key and returns the previous ones
func (m *edgeMap) set(key int64, ids []int64) []int64 {
	s := m.shard(key)
	s.mu.Lock()
	prev := s.edges[key]
	if len(ids) == 0 {
		delete(s.edges, key)
	} else {
		s.edges[key] = ids
	}
	s.dirty[key] = struct{}{}
	s.mu.Unlock()
	return prev
}

// get returns a copy of the ids of key
func (m *edgeMap) get(key int64) []int64 {
	s := m.shard(key)
	s.mu.Lock()
	ids := slices.Clone(s.edges[key])
	s.mu.Unlock()
	return ids
}

func (m *edgeMap) has(key int64) bool {
	s := m.shard(key)
	s.mu.Lock()
	_, ok := s.edges[key]
	s.mu.Unlock()
	return ok
}

// load sets a key without marking it dirty
func (m *edgeMap) load(key int64, ids []int64) {
	s := m.shard(key)
	s.mu.Lock()
	s.edges[key] = ids
	s.mu.Unlock()
}

func (m *edgeMap) len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.edges)
		s.mu.Unlock()
	}
	return n
}

// all returns every record sorted by key. Records own their ids, so they stay
// valid while the map keeps changing.
func (m *edgeMap) all() []Record {
	var out []Record
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, ids := range s.edges {
			out = append(out, Record{Key: k, IDs: slices.Clone(ids)})
		}
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Record) int { return cmpInt64(a.Key, b.Key) })
	return out
}

// takeDirty returns the records changed since the last call, sorted by key.
// Removed keys come back with no ids.
func (m *edgeMap) takeDirty() []Record {
	var out []Record
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k := range s.dirty {
			out = append(out, Record{Key: k, IDs: slices.Clone(s.edges[k])})
		}
		clear(s.dirty)
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Record) int { return cmpInt64(a.Key, b.Key) })
	return out
}

func (m *edgeMap) clearDirty() {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		clear(s.dirty)
		s.mu.Unlock()
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Tracker holds node -> ways and way -> relations edges for the tracked
// relations. Writers may run concurrently; reads after a batch completes
// see every write of that batch.
type Tracker struct {
	nodeWays  *edgeMap
	wayRels   *edgeMap
	relations *edgeMap // relation -> member ways
	tracked   atomic.Int64
	log       *zap.Logger
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		nodeWays:  newEdgeMap(),
		wayRels:   newEdgeMap(),
		relations: newEdgeMap(),
		log:       logger.Named("deps"),
	}
}

// Open creates a tracker holding everything persisted in store
func Open(ctx context.Context, store Store) (*Tracker, error) {
	t := NewTracker()
	for _, table := range Tables {
		m := t.table(table)
		err := store.Load(ctx, table, func(r Record) error {
			m.load(r.Key, r.IDs)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", table, err)
		}
	}
	t.tracked.Store(int64(t.relations.len()))
	metrics.TrackedRelations.Set(float64(t.tracked.Load()))
	t.log.Info("Loaded dependencies",
		zap.Int64("relations", t.tracked.Load()),
		zap.Int("ways", t.wayRels.len()),
		zap.Int("nodes", t.nodeWays.len()))
	return t, nil
}

func (t *Tracker) table(table Table) *edgeMap {
	switch table {
	case NodeWays:
		return t.nodeWays
	case WayRelations:
		return t.wayRels
	default:
		return t.relations
	}
}

// AddRelationTrack records that relation relID is built from ways: an edge
// way -> relation for each way and node -> way for each of its nodes.
// Tracking an already tracked relation replaces its way set; ways that left
// the relation stop pointing at it. Node edges are never removed, a stale
// one only widens GetChangedRelations. A relation without ways is forgotten.
func (t *Tracker) AddRelationTrack(relID int64, ways []*element.Way) {
	if len(ways) == 0 {
		t.ForgetRelation(relID)
		return
	}
	wayIDs := make([]int64, 0, len(ways))
	for _, w := range ways {
		wayIDs = append(wayIDs, w.ID)
	}
	slices.Sort(wayIDs)
	wayIDs = slices.Compact(wayIDs)

	prev := t.relations.set(relID, wayIDs)
	if prev == nil {
		metrics.TrackedRelations.Set(float64(t.tracked.Add(1)))
	}
	for _, w := range prev {
		if _, found := slices.BinarySearch(wayIDs, w); !found {
			t.wayRels.remove(w, relID)
		}
	}

	for _, w := range ways {
		t.wayRels.add(w.ID, relID)
		for _, n := range w.NodeIDs {
			t.nodeWays.add(n, w.ID)
		}
	}
}

// ForgetRelation stops tracking a relation
func (t *Tracker) ForgetRelation(relID int64) {
	if !t.relations.has(relID) {
		return
	}
	prev := t.relations.set(relID, nil)
	for _, w := range prev {
		t.wayRels.remove(w, relID)
	}
	metrics.TrackedRelations.Set(float64(t.tracked.Add(-1)))
}

// IsTracked reports whether a relation is tracked
func (t *Tracker) IsTracked(relID int64) bool {
	return t.relations.has(relID)
}

// Tracked returns the number of tracked relations
func (t *Tracker) Tracked() int {
	return int(t.tracked.Load())
}

// WaysOfNode returns the tracked ways referencing a node
func (t *Tracker) WaysOfNode(nodeID int64) []int64 {
	return t.nodeWays.get(nodeID)
}

// RelationsOfWay returns the tracked relations a way belongs to
func (t *Tracker) RelationsOfWay(wayID int64) []int64 {
	return t.wayRels.get(wayID)
}

// WaysOfRelation returns the member ways recorded for a relation
func (t *Tracker) WaysOfRelation(relID int64) []int64 {
	return t.relations.get(relID)
}

// GetChangedRelations returns, sorted, the tracked relations affected by a
// diff: those of ways referencing a touched node, those of touched ways and
// touched relations that are tracked. Effects through untracked
// intermediate geometry are not followed.
func (t *Tracker) GetChangedRelations(cs *element.ChangeSet) []int64 {
	set := make(map[int64]struct{})
	for _, n := range cs.Touched(element.KindNode) {
		for _, w := range t.nodeWays.get(n) {
			for _, r := range t.wayRels.get(w) {
				set[r] = struct{}{}
			}
		}
	}
	for _, w := range cs.Touched(element.KindWay) {
		for _, r := range t.wayRels.get(w) {
			set[r] = struct{}{}
		}
	}
	for _, r := range cs.Touched(element.KindRelation) {
		if t.relations.has(r) {
			set[r] = struct{}{}
		}
	}

	out := make([]int64, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// Flush persists the edges. An empty store gets every edge in key order
// through BulkWrite; otherwise the keys changed since the last flush are
// upserted in one transaction.
func (t *Tracker) Flush(ctx context.Context, store Store) error {
	empty, err := store.IsEmpty(ctx)
	if err != nil {
		return err
	}

	if empty {
		for _, table := range Tables {
			m := t.table(table)
			records := m.all()
			if err := store.BulkWrite(ctx, table, records); err != nil {
				return fmt.Errorf("bulk write %s: %w", table, err)
			}
			m.clearDirty()
			t.log.Debug("Wrote dependency table", zap.Stringer("table", table), zap.Int("keys", len(records)))
		}
		return nil
	}

	changes := make(map[Table][]Record, len(Tables))
	total := 0
	for _, table := range Tables {
		records := t.table(table).takeDirty()
		changes[table] = records
		total += len(records)
	}
	if total == 0 {
		return nil
	}
	if err := store.Upsert(ctx, changes); err != nil {
		// put the keys back so a later flush retries them
		for table, records := range changes {
			m := t.table(table)
			for _, r := range records {
				s := m.shard(r.Key)
				s.mu.Lock()
				s.dirty[r.Key] = struct{}{}
				s.mu.Unlock()
			}
		}
		return fmt.Errorf("upsert dependencies: %w", err)
	}
	t.log.Debug("Upserted dependencies", zap.Int("keys", total))
	return nil
}
