package walker

import (
	"context"
	"sync"

	"github.com/wegman-software/osmindex/internal/element"
)

// Sink receives decoded elements. Accept is called concurrently by
// different workers but never concurrently for the same worker id, so a
// sink may keep per-worker state indexed by worker without locking it.
type Sink interface {
	Accept(worker int, e element.Element) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(worker int, e element.Element) error

func (f SinkFunc) Accept(worker int, e element.Element) error { return f(worker, e) }

// collectSink gathers elements by id. When an id is seen twice the last write wins.
type collectSink struct {
	mu  sync.Mutex
	out map[int64]element.Element
}

func newCollectSink(capacity int) *collectSink {
	return &collectSink{out: make(map[int64]element.Element, capacity)}
}

func (s *collectSink) Accept(_ int, e element.Element) error {
	s.mu.Lock()
	s.out[e.ElementID()] = e
	s.mu.Unlock()
	return nil
}

// streamSink hands elements to a bounded channel, blocking while it is full
type streamSink struct {
	ctx context.Context
	ch  chan<- element.Element
}

func (s *streamSink) Accept(_ int, e element.Element) error {
	select {
	case s.ch <- e:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}
