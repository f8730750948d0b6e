// Package walker reads selected blobs of a PBF file on one goroutine and
// decodes them on a fixed set of workers.
package walker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmindex/internal/blobindex"
	"github.com/wegman-software/osmindex/internal/bufpool"
	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/logger"
	"github.com/wegman-software/osmindex/internal/metrics"
	"github.com/wegman-software/osmindex/internal/pbf"
)

// DefaultWorkers is the decode concurrency when none is configured
const DefaultWorkers = 24

// Options configures a Walker
type Options struct {
	Workers    int
	BufferSize datasize.ByteSize
	QueueDepth int           // elements buffered by a Stream
	Pool       *bufpool.Pool // nil creates a private pool of BufferSize buffers
	// ProgressInterval controls debug progress logging, 0 disables it
	ProgressInterval time.Duration
}

// DefaultOptions returns the standard worker count and buffer sizes
func DefaultOptions() Options {
	return Options{
		Workers:    DefaultWorkers,
		BufferSize: bufpool.DefaultSize,
		QueueDepth: 4096,
	}
}

// Walker decodes blobs of one file. A Walker is safe for concurrent use;
// every call opens its own file handle and worker set.
type Walker struct {
	path  string
	index *blobindex.Index
	opts  Options
	pool  *bufpool.Pool
	log   *zap.Logger
}

// New creates a walker over path using a built index
func New(path string, index *blobindex.Index, opts Options) *Walker {
	def := DefaultOptions()
	if opts.Workers < 1 {
		opts.Workers = def.Workers
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = def.QueueDepth
	}
	pool := opts.Pool
	if pool == nil {
		pool = bufpool.New(opts.BufferSize)
	}
	return &Walker{
		path:  path,
		index: index,
		opts:  opts,
		pool:  pool,
		log:   logger.Named("walker"),
	}
}

// Index returns the blob offset index
func (w *Walker) Index() *blobindex.Index {
	return w.index
}

// Pool returns the walker's buffer pool
func (w *Walker) Pool() *bufpool.Pool {
	return w.pool
}

// Workers returns the number of decode workers
func (w *Walker) Workers() int {
	return w.opts.Workers
}

// target is one blob to decode and the query to decode it with. Each target
// owns its query: the wanted set is consumed while decoding.
type target struct {
	offset int64
	query  pbf.Query
}

type job struct {
	offset int64
	blob   []byte
	query  *pbf.Query
}

// run reads targets in order on one goroutine and fans decode work out to
// the workers through a channel holding at most Workers jobs. The first
// error cancels everything; partial results must be discarded by the caller.
func (w *Walker) run(ctx context.Context, targets []target, sink Sink, desc string) error {
	if len(targets) == 0 {
		return nil
	}
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to open PBF file: %w", err)
	}
	defer f.Close()

	var total int64
	if info, err := f.Stat(); err == nil {
		total = info.Size()
	}
	progress := metrics.NewProgressTracker(total, desc)
	counters := progress.Counters()

	g, gctx := errgroup.WithContext(ctx)
	if w.opts.ProgressInterval > 0 {
		progressCtx, stop := context.WithCancel(gctx)
		defer stop()
		go progress.Run(progressCtx, w.opts.ProgressInterval, w.log)
	}

	jobs := make(chan job, w.opts.Workers)

	for i := 0; i < w.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			d := pbf.NewDecoder()
			for j := range jobs {
				if gctx.Err() != nil {
					w.pool.Put(j.blob)
					continue
				}
				err := w.decode(d, worker, j, sink, counters)
				w.pool.Put(j.blob)
				if err != nil {
					return fmt.Errorf("blob at offset %d: %w", j.offset, err)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for i := range targets {
			if err := gctx.Err(); err != nil {
				return err
			}
			t := &targets[i]
			blob, err := w.readBlob(f, t.offset)
			if err != nil {
				return err
			}
			counters.Bytes.Store(t.offset + int64(len(blob)))
			counters.Blobs.Add(1)

			waitStart := time.Now()
			select {
			case jobs <- job{offset: t.offset, blob: blob, query: &t.query}:
				metrics.WorkerQueueWait.Observe(time.Since(waitStart).Seconds())
			case <-gctx.Done():
				w.pool.Put(blob)
				return gctx.Err()
			}
		}
		return nil
	})

	err = g.Wait()
	// jobs is closed by now; anything left behind by failed workers goes back to the pool
	for j := range jobs {
		w.pool.Put(j.blob)
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// readBlob reads the framed blob at offset into a rented buffer
func (w *Walker) readBlob(f *os.File, offset int64) ([]byte, error) {
	r := io.NewSectionReader(f, offset, math.MaxInt64-offset)
	h, n, err := pbf.ReadBlobHeader(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: no blob at offset %d", pbf.ErrMalformed, offset)
		}
		return nil, fmt.Errorf("blob header at offset %d: %w", offset, err)
	}
	if h.Type != pbf.TypeData {
		return nil, fmt.Errorf("%w: blob at offset %d has type %q", pbf.ErrMalformed, offset, h.Type)
	}
	buf := w.pool.Get(int(h.DataSize))[:h.DataSize]
	if _, err := io.ReadFull(r, buf); err != nil {
		w.pool.Put(buf)
		return nil, fmt.Errorf("blob at offset %d: %w: %v", offset, pbf.ErrMalformed, err)
	}
	metrics.BlobsRead.WithLabelValues("scan").Inc()
	metrics.BlobBytesRead.WithLabelValues("scan").Add(float64(n) + float64(h.DataSize))
	return buf, nil
}

func (w *Walker) decode(d *pbf.Decoder, worker int, j job, sink Sink, counters *metrics.ScanProgress) error {
	scratch := w.pool.Get(0)
	defer w.pool.Put(scratch)

	payload, err := d.Inflate(j.blob, scratch)
	if err != nil {
		return err
	}
	outcome, err := d.DecodeBlock(payload, j.query, func(e element.Element) error {
		counters.Elements.Add(1)
		metrics.ElementsEmitted.WithLabelValues(e.Kind().String()).Inc()
		return sink.Accept(worker, e)
	})
	if err != nil {
		return err
	}
	switch outcome {
	case pbf.OutcomeSkipped:
		metrics.BlobsSkipped.Inc()
	case pbf.OutcomeExhausted:
		metrics.BlobsExhausted.Inc()
	}
	return nil
}
