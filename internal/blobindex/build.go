package blobindex

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmindex/internal/bufpool"
	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/logger"
	"github.com/wegman-software/osmindex/internal/metrics"
	"github.com/wegman-software/osmindex/internal/pbf"
)

// BuildOptions configures an index build
type BuildOptions struct {
	Workers int
	Pool    *bufpool.Pool // nil creates a private pool
	// ProgressInterval controls debug progress logging, 0 disables it
	ProgressInterval time.Duration
}

type firstElement struct {
	kind   element.Kind
	id     int64
	offset int64
}

// indexer holds the state of one Build
type indexer struct {
	pool     *bufpool.Pool
	decoders sync.Pool
	counters *metrics.ScanProgress
	g        *errgroup.Group
	log      *zap.Logger

	mu    sync.Mutex
	found []firstElement
}

// Build reads every blob header of the file sequentially and extracts the
// first element of each data blob on a bounded worker pool. Only as much of
// each payload is inflated as is needed to reach that element.
func Build(ctx context.Context, path string, opts BuildOptions) (*Index, error) {
	log := logger.Named("blobindex")
	start := time.Now()

	if opts.Workers < 1 {
		opts.Workers = 1
	}
	pool := opts.Pool
	if pool == nil {
		pool = bufpool.New(bufpool.DefaultSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PBF file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat PBF file: %w", err)
	}

	progress := metrics.NewProgressTracker(info.Size(), "Indexing blobs")
	if opts.ProgressInterval > 0 {
		progressCtx, stop := context.WithCancel(ctx)
		defer stop()
		go progress.Run(progressCtx, opts.ProgressInterval, log)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	ix := &indexer{
		pool:     pool,
		decoders: sync.Pool{New: func() any { return pbf.NewDecoder() }},
		counters: progress.Counters(),
		g:        g,
		log:      log,
	}

	readErr := ix.readBlobs(gctx, bufio.NewReaderSize(f, 1<<20))
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}

	var arrays [3][]Entry
	for _, fe := range ix.found {
		arrays[fe.kind] = append(arrays[fe.kind], Entry{FirstID: fe.id, Offset: fe.offset})
	}
	index := New(arrays[0], arrays[1], arrays[2])

	log.Info("Blob index built",
		zap.String("file", path),
		zap.Int("node_blobs", index.Len(element.KindNode)),
		zap.Int("way_blobs", index.Len(element.KindWay)),
		zap.Int("relation_blobs", index.Len(element.KindRelation)),
		zap.Duration("elapsed", time.Since(start)))
	return index, nil
}

// readBlobs walks the blob headers in file order and hands every data blob
// to the worker group. It returns at EOF or on the first read error.
func (ix *indexer) readBlobs(ctx context.Context, r *bufio.Reader) error {
	var offset int64
	sawHeader := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, n, err := pbf.ReadBlobHeader(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("blob header at offset %d: %w", offset, err)
		}
		blobOffset := offset
		offset += int64(n) + int64(h.DataSize)

		buf := ix.pool.Get(int(h.DataSize))[:h.DataSize]
		if _, err := io.ReadFull(r, buf); err != nil {
			ix.pool.Put(buf)
			return fmt.Errorf("blob at offset %d: %w", blobOffset, pbf.ErrMalformed)
		}
		ix.counters.Bytes.Store(offset)
		metrics.BlobsRead.WithLabelValues("index").Inc()
		metrics.BlobBytesRead.WithLabelValues("index").Add(float64(h.DataSize))

		switch h.Type {
		case pbf.TypeData:
			ix.g.Go(func() error { return ix.extract(buf, blobOffset) })
		case pbf.TypeHeader:
			if sawHeader {
				ix.pool.Put(buf)
				continue
			}
			d := ix.decoders.Get().(*pbf.Decoder)
			hdr, err := d.ReadHeaderBlock(buf)
			ix.decoders.Put(d)
			ix.pool.Put(buf)
			if err != nil {
				return fmt.Errorf("header block: %w", err)
			}
			sawHeader = true
			ix.log.Debug("Header block",
				zap.String("program", hdr.WritingProgram),
				zap.Strings("required", hdr.RequiredFeatures),
				zap.Bool("sorted", hdr.Sorted()))
		default:
			ix.log.Debug("Skipping unknown blob type", zap.String("type", h.Type), zap.Int64("offset", blobOffset))
			ix.pool.Put(buf)
		}
	}
}

// extract records the first element of one data blob and returns buf to the pool
func (ix *indexer) extract(buf []byte, offset int64) error {
	defer ix.pool.Put(buf)
	d := ix.decoders.Get().(*pbf.Decoder)
	defer ix.decoders.Put(d)
	scratch := ix.pool.Get(0)
	defer ix.pool.Put(scratch)

	kind, id, ok, err := d.BlobFirstElement(buf, scratch)
	if err != nil {
		return fmt.Errorf("blob at offset %d: %w", offset, err)
	}
	ix.counters.Blobs.Add(1)
	if !ok {
		return nil
	}
	ix.counters.Elements.Add(1)
	ix.mu.Lock()
	ix.found = append(ix.found, firstElement{kind: kind, id: id, offset: offset})
	ix.mu.Unlock()
	return nil
}

// LoadOrBuild reads the cache next to path, rebuilding and rewriting it when
// it is missing, stale, corrupt or of another format version
func LoadOrBuild(ctx context.Context, path, cachePath string, opts BuildOptions) (*Index, error) {
	log := logger.Named("blobindex")

	ix, err := ReadCache(cachePath, path)
	switch {
	case err == nil:
		log.Debug("Loaded blob index cache", zap.String("cache", cachePath), zap.Int("blobs", ix.Blobs()))
		return ix, nil
	case errors.Is(err, os.ErrNotExist):
		log.Info("No blob index cache, building", zap.String("cache", cachePath))
	case errors.Is(err, ErrCacheVersion), errors.Is(err, ErrCacheStale), errors.Is(err, ErrCacheCorrupt):
		log.Warn("Rebuilding blob index cache", zap.String("cache", cachePath), zap.Error(err))
	default:
		return nil, fmt.Errorf("failed to read blob index cache: %w", err)
	}

	ix, err = Build(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	if err := WriteCache(cachePath, path, ix); err != nil {
		// the index is still usable for this run
		log.Warn("Failed to write blob index cache", zap.String("cache", cachePath), zap.Error(err))
	}
	return ix, nil
}
