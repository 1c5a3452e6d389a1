package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const gib = 1 << 30

// Snapshot is one sample of host and process load.
type Snapshot struct {
	CPUPercent        float64 // system wide, 0-100
	ProcessCPUPercent float64 // may exceed 100 on multi-core hosts
	IOWaitPercent     float64
	MemoryUsedGB      float64
	MemoryTotalGB     float64
	MemoryPercent     float64
	DiskReadMBps      float64
	DiskWriteMBps     float64
	DiskBusyPercent   float64
	Timestamp         time.Time
}

// Fields renders the snapshot as log fields.
func (s *Snapshot) Fields() []zap.Field {
	return []zap.Field{
		zap.Float64("sys_cpu", s.CPUPercent),
		zap.Float64("proc_cpu", s.ProcessCPUPercent),
		zap.Float64("iowait", s.IOWaitPercent),
		zap.Float64("mem_pct", s.MemoryPercent),
		zap.String("mem_used", fmt.Sprintf("%.1f GB", s.MemoryUsedGB)),
		zap.String("disk_r", fmt.Sprintf("%.1f MB/s", s.DiskReadMBps)),
		zap.String("disk_w", fmt.Sprintf("%.1f MB/s", s.DiskWriteMBps)),
		zap.Float64("disk_busy", s.DiskBusyPercent),
	}
}

// Reporter returns extra fields for the periodic metrics line, such as the
// counters of a running import.
type Reporter func() []zap.Field

// Collector samples system load on an interval and logs it together with
// the fields of its reporters.
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process

	// sampling state, only touched by the collecting goroutine
	lastDisk     map[string]disk.IOCountersStat
	lastDiskTime time.Time
	lastCPU      *cpu.TimesStat

	mu        sync.RWMutex
	last      *Snapshot
	reporters []Reporter
}

// NewCollector creates a collector. Intervals under a second fall back to 30s.
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{interval: interval, logger: logger, proc: proc}
}

// AddReporter appends r's fields to every metrics line.
func (c *Collector) AddReporter(r Reporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reporters = append(c.reporters, r)
}

// Start collects until ctx is done. The first sample is taken immediately
// to set the rate baselines.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Last returns the most recent snapshot, or nil before the first sample.
func (c *Collector) Last() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Collector) collect() {
	s := c.sample()

	c.mu.Lock()
	c.last = s
	reporters := c.reporters
	c.mu.Unlock()

	fields := s.Fields()
	for _, r := range reporters {
		fields = append(fields, r()...)
	}
	c.logger.Info("System metrics", fields...)
}

func (c *Collector) sample() *Snapshot {
	s := &Snapshot{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			s.ProcessCPUPercent = pct
		}
	}
	s.IOWaitPercent = c.ioWait()

	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
		s.MemoryUsedGB = float64(vm.Used) / gib
		s.MemoryTotalGB = float64(vm.Total) / gib
	}

	s.DiskReadMBps, s.DiskWriteMBps, s.DiskBusyPercent = c.diskRates(s.Timestamp)
	return s
}

// ioWait returns the share of CPU time spent waiting on I/O since the
// previous call.
func (c *Collector) ioWait() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	cur := times[0]
	prev := c.lastCPU
	c.lastCPU = &cur
	if prev == nil {
		return 0
	}
	return iowaitShare(*prev, cur)
}

func iowaitShare(prev, cur cpu.TimesStat) float64 {
	busy := func(t cpu.TimesStat) float64 {
		return t.User + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
	}
	total := busy(cur) - busy(prev)
	if total <= 0 {
		return 0
	}
	return (cur.Iowait - prev.Iowait) / total * 100
}

// diskRates returns read and write throughput over all disks and the busy
// share capped at 100, measured since the previous call.
func (c *Collector) diskRates(now time.Time) (readMBps, writeMBps, busyPct float64) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0, 0
	}

	prev, prevTime := c.lastDisk, c.lastDiskTime
	c.lastDisk, c.lastDiskTime = counters, now
	if prev == nil {
		return 0, 0, 0
	}

	elapsed := now.Sub(prevTime).Seconds()
	if elapsed < 0.1 {
		return 0, 0, 0
	}

	var read, written, ioMillis uint64
	for name, cur := range counters {
		last, ok := prev[name]
		if !ok {
			continue
		}
		read += delta(last.ReadBytes, cur.ReadBytes)
		written += delta(last.WriteBytes, cur.WriteBytes)
		ioMillis += delta(last.IoTime, cur.IoTime)
	}

	readMBps = float64(read) / elapsed / (1 << 20)
	writeMBps = float64(written) / elapsed / (1 << 20)
	busyPct = min(float64(ioMillis)/(elapsed*1000)*100, 100)
	return readMBps, writeMBps, busyPct
}

// delta returns cur-prev, or 0 when the counter wrapped.
func delta(prev, cur uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}
