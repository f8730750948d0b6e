package metrics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// SystemMetrics holds one system sample
type SystemMetrics struct {
	CPUPercent        float64 // system-wide, 0-100
	ProcessCPUPercent float64 // per core, can exceed 100
	IOWaitPercent     float64 // high while blob reads are disk bound
	MemoryUsed        uint64
	MemoryTotal       uint64
	MemoryPercent     float64
	DiskReadBps       float64
	DiskWriteBps      float64
	DiskBusyPercent   float64
	Timestamp         time.Time
}

// Collector samples the host while a scan runs, logs each sample and
// mirrors it into the prometheus gauges
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process

	lastDisk     map[string]disk.IOCountersStat
	lastDiskTime time.Time
	lastCPU      cpu.TimesStat
	hasCPU       bool

	mu   sync.RWMutex
	last *SystemMetrics
}

// NewCollector creates a collector. Intervals under a second fall back to 30s.
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
	}
}

// Start samples until ctx is cancelled
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// first sample sets the disk and cpu baselines
	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("System metrics stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Last returns the most recent sample, nil before the first one
func (c *Collector) Last() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Collector) collect() {
	m := &SystemMetrics{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			m.ProcessCPUPercent = pct
		}
	}
	m.IOWaitPercent = c.ioWait()

	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vm.UsedPercent
		m.MemoryUsed = vm.Used
		m.MemoryTotal = vm.Total
	}
	m.DiskReadBps, m.DiskWriteBps, m.DiskBusyPercent = c.diskRates()

	c.mu.Lock()
	c.last = m
	c.mu.Unlock()

	SystemCPU.Set(m.CPUPercent)
	ProcessCPU.Set(m.ProcessCPUPercent)
	MemoryUsed.Set(float64(m.MemoryUsed))

	c.logger.Info("System metrics",
		zap.Float64("sys_cpu", round1(m.CPUPercent)),
		zap.Float64("proc_cpu", round1(m.ProcessCPUPercent)),
		zap.Float64("iowait", round1(m.IOWaitPercent)),
		zap.Float64("mem_pct", round1(m.MemoryPercent)),
		zap.String("mem_used", datasize.ByteSize(m.MemoryUsed).HumanReadable()),
		zap.String("disk_r", FormatBytes(int64(m.DiskReadBps))+"/s"),
		zap.String("disk_w", FormatBytes(int64(m.DiskWriteBps))+"/s"),
		zap.Float64("disk_busy", round1(m.DiskBusyPercent)),
	)
}

// ioWait returns the share of cpu time spent waiting on I/O since the last call
func (c *Collector) ioWait() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	cur := times[0]
	if !c.hasCPU {
		c.lastCPU = cur
		c.hasCPU = true
		return 0
	}
	last := c.lastCPU
	c.lastCPU = cur

	total := (cur.User - last.User) +
		(cur.System - last.System) +
		(cur.Idle - last.Idle) +
		(cur.Iowait - last.Iowait) +
		(cur.Irq - last.Irq) +
		(cur.Softirq - last.Softirq) +
		(cur.Steal - last.Steal)
	if total <= 0 {
		return 0
	}
	return (cur.Iowait - last.Iowait) / total * 100
}

// diskRates returns bytes/s read and written and the busy share since the last call
func (c *Collector) diskRates() (readBps, writeBps, busyPct float64) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0, 0
	}
	now := time.Now()
	defer func() {
		c.lastDisk = counters
		c.lastDiskTime = now
	}()
	if c.lastDisk == nil {
		return 0, 0, 0
	}

	elapsed := now.Sub(c.lastDiskTime).Seconds()
	if elapsed < 0.1 {
		return 0, 0, 0
	}

	var read, written, ioTimeMs uint64
	for name, cur := range counters {
		last, ok := c.lastDisk[name]
		if !ok {
			continue
		}
		// counters can wrap
		if cur.ReadBytes >= last.ReadBytes {
			read += cur.ReadBytes - last.ReadBytes
		}
		if cur.WriteBytes >= last.WriteBytes {
			written += cur.WriteBytes - last.WriteBytes
		}
		if cur.IoTime >= last.IoTime {
			ioTimeMs += cur.IoTime - last.IoTime
		}
	}

	busyPct = min(float64(ioTimeMs)/(elapsed*1000)*100, 100)
	return float64(read) / elapsed, float64(written) / elapsed, busyPct
}

func round1(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}
