// Package stats tracks rescue progress with lock-free counters and a
// small ring buffer of per-second recovery rates.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks rescue counters. The engine is the only writer of
// the gauges; presenters read concurrently.
type Collector struct {
	rescued    atomic.Int64
	errSize    atomic.Int64
	errors     atomic.Int64
	pos        atomic.Int64
	domainSize atomic.Int64
	readBytes  atomic.Int64
	startTime  time.Time

	// Ring buffer — written only by the presenter's Tick(), not the engine.
	mu          sync.Mutex
	rate        [ringSize]int64 // rescued-bytes delta per second
	ringIdx     int
	ringCount   int
	lastRescued int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetDomainSize records the total number of in-domain bytes.
func (c *Collector) SetDomainSize(n int64) { c.domainSize.Store(n) }

// Update publishes the engine's counters after a work unit.
func (c *Collector) Update(pos, rescued, errSize int64, errors int) {
	c.pos.Store(pos)
	c.rescued.Store(rescued)
	c.errSize.Store(errSize)
	c.errors.Store(int64(errors))
}

// AddReadBytes counts bytes requested from the input, including failed
// attempts.
func (c *Collector) AddReadBytes(n int64) { c.readBytes.Add(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	Rescued    int64
	ErrSize    int64
	Errors     int64
	Pos        int64
	DomainSize int64
	ReadBytes  int64
	Elapsed    time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Rescued:    c.rescued.Load(),
		ErrSize:    c.errSize.Load(),
		Errors:     c.errors.Load(),
		Pos:        c.pos.Load(),
		DomainSize: c.domainSize.Load(),
		ReadBytes:  c.readBytes.Load(),
		Elapsed:    c.Elapsed(),
	}
}

// Tick snapshots the rescued-bytes delta into the ring buffer. Called
// once per second by the presenter.
func (c *Collector) Tick() {
	current := c.rescued.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rate[c.ringIdx] = current - c.lastRescued
	c.lastRescued = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingRate returns average rescued bytes/sec over the last n seconds
// of samples.
func (c *Collector) RollingRate(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := seconds
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.rate[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining time from the rolling rate and the bytes not
// yet rescued or written off as errors.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingRate(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.domainSize.Load() - c.rescued.Load() - c.errSize.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf("rescued=%d errsize=%d errors=%d pos=%d",
		s.Rescued, s.ErrSize, s.Errors, s.Pos)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
