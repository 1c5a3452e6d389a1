package pbf

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// ProgressTracker derives rates and an ETA from bytes consumed.
type ProgressTracker struct {
	totalBytes int64
	startTime  time.Time
}

// NewProgressTracker creates a tracker for an input of totalBytes.
func NewProgressTracker(totalBytes int64) *ProgressTracker {
	return &ProgressTracker{totalBytes: totalBytes, startTime: time.Now()}
}

// Progress holds current progress information
type Progress struct {
	Current    int64
	Percentage float64
	Elapsed    time.Duration
	ETA        time.Duration
	Throughput float64 // entities per second
}

// Calculate returns progress for count entities after bytesProcessed bytes.
func (p *ProgressTracker) Calculate(count, bytesProcessed int64) Progress {
	return p.calculate(count, bytesProcessed, time.Since(p.startTime))
}

func (p *ProgressTracker) calculate(count, bytesProcessed int64, elapsed time.Duration) Progress {
	var percentage float64
	var eta time.Duration

	if p.totalBytes > 0 && bytesProcessed > 0 {
		percentage = float64(bytesProcessed) / float64(p.totalBytes) * 100
		if percentage < 100 && elapsed > 0 {
			bytesPerSecond := float64(bytesProcessed) / elapsed.Seconds()
			remaining := float64(p.totalBytes - bytesProcessed)
			eta = time.Duration(remaining / bytesPerSecond * float64(time.Second))
		}
		if percentage > 100 {
			percentage = 100
		}
	}

	var throughput float64
	if elapsed.Seconds() > 0 {
		throughput = float64(count) / elapsed.Seconds()
	}

	return Progress{
		Current:    count,
		Percentage: percentage,
		Elapsed:    elapsed.Round(time.Second),
		ETA:        eta.Round(time.Second),
		Throughput: throughput,
	}
}

// ProgressTicker calls a function periodically until its context ends.
type ProgressTicker struct {
	ctx      context.Context
	callback func()
	interval time.Duration
}

// NewProgressTicker creates a ticker firing every interval.
func NewProgressTicker(ctx context.Context, interval time.Duration, callback func()) *ProgressTicker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ProgressTicker{ctx: ctx, callback: callback, interval: interval}
}

// Run blocks, calling the callback on every tick.
func (p *ProgressTicker) Run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.callback()
		}
	}
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
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

// FormatBytes formats bytes in a human-readable format
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
