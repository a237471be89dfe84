package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks ring activity. All methods are safe for concurrent use.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	drops     atomic.Int64
	size      atomic.Int64
	maxSize   atomic.Int64
	startTime time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Write records a push.
func (s *Statistics) Write() { s.writes.Add(1) }

// Read records a snapshot or drain.
func (s *Statistics) Read() { s.reads.Add(1) }

// Drop records an item lost to the overflow policy.
func (s *Statistics) Drop() { s.drops.Add(1) }

// UpdateSize records the current size and tracks the peak.
func (s *Statistics) UpdateSize(size int64) {
	s.size.Store(size)
	for {
		peak := s.maxSize.Load()
		if size <= peak || s.maxSize.CompareAndSwap(peak, size) {
			return
		}
	}
}

func (s *Statistics) Writes() int64      { return s.writes.Load() }
func (s *Statistics) Reads() int64       { return s.reads.Load() }
func (s *Statistics) Drops() int64       { return s.drops.Load() }
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }
func (s *Statistics) MaxSize() int64     { return s.maxSize.Load() }

// DropRate returns drops as a fraction of writes.
func (s *Statistics) DropRate() float64 {
	w := s.writes.Load()
	if w == 0 {
		return 0
	}
	return float64(s.drops.Load()) / float64(w)
}

// Uptime returns the time since the statistics were created.
func (s *Statistics) Uptime() time.Duration {
	return time.Since(s.startTime)
}
