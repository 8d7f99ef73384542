// Package tschan implements the timestamp notification channel between the
// acquisition and tracking loops: a bounded FIFO of slot handoff tokens.
// The producer never blocks; when the queue is full the oldest unconsumed
// entry is dropped (the frame it referenced will be overwritten before it is
// read, which is the accepted data loss of the pipeline). The consumer blocks
// with a timeout so stop requests propagate within one wait interval.
package tschan

import (
	"sync"
	"time"

	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// Channel is a bounded single-producer single-consumer FIFO with a
// drop-oldest overflow policy
type Channel struct {
	ch       chan types.TimestampMsg
	capacity int

	mu      sync.RWMutex
	sent    uint64
	dropped uint64
}

// New creates a channel with the given capacity
func New(capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{
		ch:       make(chan types.TimestampMsg, capacity),
		capacity: capacity,
	}
}

// Send enqueues a message without ever blocking the producer. If the queue
// is full, the oldest entry is discarded and counted as a dropped frame.
// Single producer only; concurrent Send calls would race on the evict-retry.
func (c *Channel) Send(msg types.TimestampMsg) {
	for {
		select {
		case c.ch <- msg:
			c.mu.Lock()
			c.sent++
			c.mu.Unlock()
			return
		default:
		}

		// Queue full: evict the oldest entry, then retry. The consumer may
		// have drained an entry in between, in which case the eviction is a
		// no-op and the retry succeeds.
		select {
		case <-c.ch:
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
		default:
		}
	}
}

// Receive waits up to timeout for the next message. ok is false on timeout,
// in which case the caller should check its stop flag and come back.
func (c *Channel) Receive(timeout time.Duration) (msg types.TimestampMsg, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg = <-c.ch:
		return msg, true
	case <-timer.C:
		return types.TimestampMsg{}, false
	}
}

// TryReceive drains one message if immediately available
func (c *Channel) TryReceive() (msg types.TimestampMsg, ok bool) {
	select {
	case msg = <-c.ch:
		return msg, true
	default:
		return types.TimestampMsg{}, false
	}
}

// Len returns the number of queued messages
func (c *Channel) Len() int {
	return len(c.ch)
}

// Capacity returns the queue depth
func (c *Channel) Capacity() int {
	return c.capacity
}

// Stats contains channel statistics
type Stats struct {
	Sent    uint64
	Dropped uint64
	Queued  int
}

// Stats returns channel statistics
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Sent:    c.sent,
		Dropped: c.dropped,
		Queued:  len(c.ch),
	}
}
