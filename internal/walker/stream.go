package walker

import (
	"context"
	"errors"

	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/pbf"
)

// ScanQuery selects elements for a full scan
type ScanQuery struct {
	Kinds  element.KindMask
	Filter *pbf.TagFilter
}

func (w *Walker) scanTargets(q ScanQuery) []target {
	offsets := w.index.Offsets(q.Kinds)
	targets := make([]target, len(offsets))
	for i, off := range offsets {
		targets[i] = target{offset: off, query: pbf.Query{Kinds: q.Kinds, Filter: q.Filter}}
	}
	return targets
}

// ScanInto decodes every blob that can hold the queried kinds and passes
// matching elements to sink. It returns when the scan is complete.
func (w *Walker) ScanInto(ctx context.Context, q ScanQuery, sink Sink) error {
	return w.run(ctx, w.scanTargets(q), sink, "Scanning")
}

// Stream is a lazy, finite, non-restartable sequence of scan results.
// Elements arrive in no particular order.
//
//	s := w.Scan(ctx, q)
//	defer s.Close()
//	for s.Next() {
//		e := s.Element()
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	ch     chan element.Element
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	cur    element.Element
}

// Scan starts a background scan and returns a stream over its results.
// Workers block once QueueDepth elements are waiting to be consumed.
func (w *Walker) Scan(ctx context.Context, q ScanQuery) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ch:     make(chan element.Element, w.opts.QueueDepth),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sink := &streamSink{ctx: ctx, ch: s.ch}
	go func() {
		s.err = w.run(ctx, w.scanTargets(q), sink, "Scanning")
		close(s.ch)
		close(s.done)
	}()
	return s
}

// Next advances to the next element, returning false at the end or on error
func (s *Stream) Next() bool {
	e, ok := <-s.ch
	if !ok {
		<-s.done
		s.cur = nil
		return false
	}
	s.cur = e
	return true
}

// Element returns the current element
func (s *Stream) Element() element.Element {
	return s.cur
}

// Err returns the scan error once Next has returned false
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close stops the scan and waits for the workers to exit. Closing a stream
// early is not an error.
func (s *Stream) Close() error {
	s.cancel()
	for range s.ch {
	}
	<-s.done
	if errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}
