package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	BlobsRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmindex_blobs_read_total",
		Help: "Data blobs read from the planet file",
	}, []string{"op"})
	BlobBytesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmindex_blob_bytes_read_total",
		Help: "Compressed blob bytes read from the planet file",
	}, []string{"op"})
	BlobsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "osmindex_blobs_skipped_total",
		Help: "Blobs skipped because the tag filter could not match",
	})
	BlobsExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "osmindex_blobs_exhausted_total",
		Help: "Blobs where decoding stopped early because every wanted id was found",
	})
	ElementsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmindex_elements_emitted_total",
		Help: "Elements decoded and delivered to a sink",
	}, []string{"kind"})
	BufferPoolMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "osmindex_buffer_pool_misses_total",
		Help: "Buffer rentals that had to allocate",
	})
	WorkerQueueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "osmindex_worker_queue_wait_seconds",
		Help:    "Time the reader spent blocked on a full worker queue",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
	ReplicationFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmindex_replication_fetches_total",
		Help: "Replication state and diff fetches by feed and outcome",
	}, []string{"feed", "kind", "outcome"})
	ReplicationSequence = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "osmindex_replication_sequence",
		Help: "Last applied replication sequence number",
	}, []string{"feed"})
	TrackedRelations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "osmindex_tracked_relations",
		Help: "Relations currently held by the dependency tracker",
	})

	SystemCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "osmindex_system_cpu_percent",
		Help: "System-wide CPU usage",
	})
	ProcessCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "osmindex_process_cpu_percent",
		Help: "CPU usage of this process, per core",
	})
	MemoryUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "osmindex_memory_used_bytes",
		Help: "System memory in use",
	})
)

func init() {
	prometheus.MustRegister(BlobsRead)
	prometheus.MustRegister(BlobBytesRead)
	prometheus.MustRegister(BlobsSkipped)
	prometheus.MustRegister(BlobsExhausted)
	prometheus.MustRegister(ElementsEmitted)
	prometheus.MustRegister(BufferPoolMisses)
	prometheus.MustRegister(WorkerQueueWait)
	prometheus.MustRegister(ReplicationFetches)
	prometheus.MustRegister(ReplicationSequence)
	prometheus.MustRegister(TrackedRelations)
	prometheus.MustRegister(SystemCPU)
	prometheus.MustRegister(ProcessCPU)
	prometheus.MustRegister(MemoryUsed)
}

// Handler serves the registered metrics
func Handler() http.Handler { return promhttp.Handler() }

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
