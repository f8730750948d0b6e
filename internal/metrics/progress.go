package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
)

// ScanProgress counts work done by a pass over the planet file. All counters
// are safe for concurrent use.
type ScanProgress struct {
	Bytes    atomic.Int64 // compressed bytes read
	Blobs    atomic.Int64
	Elements atomic.Int64
}

// ProgressTracker turns a ScanProgress into percentages and estimates
type ProgressTracker struct {
	totalBytes  int64
	startTime   time.Time
	description string
	counters    *ScanProgress
}

// NewProgressTracker creates a tracker for a pass over totalBytes
func NewProgressTracker(totalBytes int64, description string) *ProgressTracker {
	return &ProgressTracker{
		totalBytes:  totalBytes,
		startTime:   time.Now(),
		description: description,
		counters:    &ScanProgress{},
	}
}

// Counters returns the counters workers should update
func (p *ProgressTracker) Counters() *ScanProgress {
	return p.counters
}

// Progress holds current progress information
type Progress struct {
	Bytes       int64
	Total       int64
	Blobs       int64
	Elements    int64
	Percentage  float64
	Elapsed     time.Duration
	ETA         time.Duration
	Throughput  float64 // elements per second
	Description string
}

// Calculate returns a snapshot of the current progress
func (p *ProgressTracker) Calculate() Progress {
	elapsed := time.Since(p.startTime)
	bytesDone := p.counters.Bytes.Load()
	elements := p.counters.Elements.Load()

	var percentage float64
	var eta time.Duration
	if p.totalBytes > 0 && bytesDone > 0 {
		percentage = float64(bytesDone) / float64(p.totalBytes) * 100
		if percentage < 100 {
			bytesPerSecond := float64(bytesDone) / elapsed.Seconds()
			if bytesPerSecond > 0 {
				eta = time.Duration(float64(p.totalBytes-bytesDone)/bytesPerSecond) * time.Second
			}
		}
	}

	var throughput float64
	if elapsed.Seconds() > 0 {
		throughput = float64(elements) / elapsed.Seconds()
	}

	return Progress{
		Bytes:       bytesDone,
		Total:       p.totalBytes,
		Blobs:       p.counters.Blobs.Load(),
		Elements:    elements,
		Percentage:  percentage,
		Elapsed:     elapsed.Round(time.Second),
		ETA:         eta.Round(time.Second),
		Throughput:  throughput,
		Description: p.description,
	}
}

// Log writes one progress line at debug level
func (p *ProgressTracker) Log(logger *zap.Logger) {
	pr := p.Calculate()
	logger.Debug(pr.Description,
		zap.String("read", FormatBytes(pr.Bytes)),
		zap.String("total", FormatBytes(pr.Total)),
		zap.String("pct", fmt.Sprintf("%.1f%%", pr.Percentage)),
		zap.Int64("blobs", pr.Blobs),
		zap.Int64("elements", pr.Elements),
		zap.String("rate", FormatThroughput(pr.Throughput)),
		zap.String("eta", FormatETA(pr.ETA)),
	)
}

// Run logs progress every interval until ctx is cancelled
func (p *ProgressTracker) Run(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Log(logger)
		}
	}
}

// FormatETA formats the ETA duration in a human-readable format
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}

	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatThroughput formats throughput as human-readable items per second
func FormatThroughput(itemsPerSec float64) string {
	if itemsPerSec >= 1_000_000 {
		return fmt.Sprintf("%.1fM/s", itemsPerSec/1_000_000)
	}
	if itemsPerSec >= 1_000 {
		return fmt.Sprintf("%.1fK/s", itemsPerSec/1_000)
	}
	return fmt.Sprintf("%.0f/s", itemsPerSec)
}

// FormatBytes formats a byte count like "1.5 GB"
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return datasize.ByteSize(n).HumanReadable()
}
