package engine

import "sync/atomic"

// Clock stamps batches with a strictly increasing sequence number.
//
// Batch order is the sequence order, never wall-clock time, so a trace of
// a replayed scenario numbers its batches identically.
type Clock interface {
	Next() int64
	Current() int64
}

// LogicalClock is the default Clock. It is safe for concurrent use,
// although only the execution goroutine calls Next.
type LogicalClock struct {
	seq atomic.Int64
}

// NewClock creates a clock whose first Next is 1.
func NewClock() *LogicalClock {
	return &LogicalClock{}
}

// NewClockAt creates a clock that continues after start.
func NewClockAt(start int64) *LogicalClock {
	c := &LogicalClock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *LogicalClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last sequence number handed out, or the start.
func (c *LogicalClock) Current() int64 {
	return c.seq.Load()
}
