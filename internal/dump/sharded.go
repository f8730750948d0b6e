package dump

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/logger"
)

// DefaultBatchSize is the number of rows per record batch
const DefaultBatchSize = 65536

// ShardedWriter writes elements into one parquet file per walker worker,
// <dir>/<prefix>-<worker>.parquet. Each worker only touches its own slot,
// so Accept needs no locking. Shards are created on first use.
type ShardedWriter struct {
	dir       string
	prefix    string
	batchSize int
	shards    []*ElementWriter
	paths     []string
}

// NewShardedWriter prepares a writer for the given number of workers
func NewShardedWriter(dir, prefix string, workers, batchSize int) (*ShardedWriter, error) {
	if workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1")
	}
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &ShardedWriter{
		dir:       dir,
		prefix:    prefix,
		batchSize: batchSize,
		shards:    make([]*ElementWriter, workers),
		paths:     make([]string, workers),
	}, nil
}

// Accept implements walker.Sink
func (s *ShardedWriter) Accept(worker int, e element.Element) error {
	if worker < 0 || worker >= len(s.shards) {
		return fmt.Errorf("worker %d out of range [0,%d)", worker, len(s.shards))
	}
	w := s.shards[worker]
	if w == nil {
		path := filepath.Join(s.dir, fmt.Sprintf("%s-%d.parquet", s.prefix, worker))
		var err error
		w, err = NewElementWriter(path, s.batchSize)
		if err != nil {
			return fmt.Errorf("create shard %d: %w", worker, err)
		}
		s.shards[worker] = w
		s.paths[worker] = path
	}
	return w.Write(e)
}

// Close finishes every shard. It must be called after all workers are done.
func (s *ShardedWriter) Close() error {
	var errs []error
	var rows int64
	for i, w := range s.shards {
		if w == nil {
			continue
		}
		rows += w.Rows()
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shard %d: %w", i, err))
		}
		s.shards[i] = nil
	}
	logger.Named("dump").Info("Dump complete",
		zap.String("dir", s.dir),
		zap.Int("shards", len(s.Paths())),
		zap.Int64("rows", rows))
	return errors.Join(errs...)
}

// Paths returns the files created so far, in worker order
func (s *ShardedWriter) Paths() []string {
	var out []string
	for _, p := range s.paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
