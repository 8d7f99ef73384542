// Package control implements the low-frequency control channel between the
// supervisor and the two pipeline loops: a pair of atomic flags (the only
// cross-worker state outside the frame ring and the timestamp channel) plus
// bounded parameter update queues consumed opportunistically each loop
// iteration. It also hosts the optional MQTT control plane handler.
package control

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// Flags holds the shared boolean state checked at every loop boundary.
// Set by the supervisor (or the control plane), read by both loops.
type Flags struct {
	stop   atomic.Bool
	paused atomic.Bool
}

// RequestStop asks both loops to exit at their next iteration boundary
func (f *Flags) RequestStop() {
	f.stop.Store(true)
}

// StopRequested reports whether shutdown was requested
func (f *Flags) StopRequested() bool {
	return f.stop.Load()
}

// SetPaused gates outbound result publication without stopping acquisition
func (f *Flags) SetPaused(paused bool) {
	f.paused.Store(paused)
}

// Paused reports whether publication is paused
func (f *Flags) Paused() bool {
	return f.paused.Load()
}

// Channel carries parameter updates to the loops. Updates are routed by name
// prefix so each loop drains only its own queue. Posting never blocks; on a
// full queue the oldest pending update is discarded (a newer value for the
// same knob supersedes it in practice).
type Channel struct {
	Flags *Flags

	camera   chan types.ParamUpdate
	tracking chan types.ParamUpdate

	mu      sync.RWMutex
	posted  uint64
	dropped uint64
}

// NewChannel creates a control channel with the given per-target queue depth
func NewChannel(depth int) *Channel {
	if depth < 1 {
		depth = 8
	}
	return &Channel{
		Flags:    &Flags{},
		camera:   make(chan types.ParamUpdate, depth),
		tracking: make(chan types.ParamUpdate, depth),
	}
}

// Post routes an update to the loop owning the parameter. Names must be
// prefixed "camera." or "tracking.".
func (c *Channel) Post(u types.ParamUpdate) error {
	var q chan types.ParamUpdate
	switch {
	case strings.HasPrefix(u.Name, "camera."):
		q = c.camera
	case strings.HasPrefix(u.Name, "tracking."):
		q = c.tracking
	default:
		return fmt.Errorf("unknown parameter %q (expected camera.* or tracking.*)", u.Name)
	}

	for {
		select {
		case q <- u:
			c.mu.Lock()
			c.posted++
			c.mu.Unlock()
			return nil
		default:
		}
		select {
		case <-q:
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
		default:
		}
	}
}

// DrainCamera returns all pending camera updates without blocking
func (c *Channel) DrainCamera() []types.ParamUpdate {
	return drain(c.camera)
}

// DrainTracking returns all pending tracking updates without blocking
func (c *Channel) DrainTracking() []types.ParamUpdate {
	return drain(c.tracking)
}

func drain(q chan types.ParamUpdate) []types.ParamUpdate {
	var out []types.ParamUpdate
	for {
		select {
		case u := <-q:
			out = append(out, u)
		default:
			return out
		}
	}
}

// Stats contains control channel statistics
type Stats struct {
	Posted  uint64
	Dropped uint64
}

// Stats returns control channel statistics
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Posted: c.posted, Dropped: c.dropped}
}
