// Package acquire implements the acquisition loop: it owns the camera
// device, writes captured frames into the shared frame ring round-robin and
// posts a slot handoff token per frame on the timestamp channel. The loop
// never waits on the consumer; a slow consumer loses frames via the
// channel's drop-oldest policy instead.
package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ryosukecooltanaka/minizfvr/internal/camera"
	"github.com/ryosukecooltanaka/minizfvr/internal/control"
	"github.com/ryosukecooltanaka/minizfvr/internal/framering"
	"github.com/ryosukecooltanaka/minizfvr/internal/tschan"
	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// Loop is the frame producer
type Loop struct {
	dev  camera.Device
	ring *framering.Ring
	ch   *tschan.Channel
	ctrl *control.Channel

	// maxConsecutive is the transient failure budget before the device is
	// declared fatal
	maxConsecutive int

	fatalCh chan error
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu          sync.RWMutex
	phase       string
	captured    uint64
	errors      uint64
	consecutive int
	started     time.Time
}

// NewLoop creates an acquisition loop around an opened-or-openable device
func NewLoop(dev camera.Device, ring *framering.Ring, ch *tschan.Channel,
	ctrl *control.Channel, maxConsecutive int) *Loop {

	if maxConsecutive < 1 {
		maxConsecutive = 10
	}
	return &Loop{
		dev:            dev,
		ring:           ring,
		ch:             ch,
		ctrl:           ctrl,
		maxConsecutive: maxConsecutive,
		fatalCh:        make(chan error, 1),
		stopCh:         make(chan struct{}),
		phase:          "init",
	}
}

// Start opens the device and launches the capture goroutine
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.phase != "init" {
		l.mu.Unlock()
		return fmt.Errorf("acquisition loop already started (phase %s)", l.phase)
	}
	l.mu.Unlock()

	if err := l.dev.Open(); err != nil {
		return fmt.Errorf("failed to open camera device: %w", err)
	}

	l.mu.Lock()
	l.phase = "capturing"
	l.started = time.Now()
	l.mu.Unlock()

	slog.Info("acquisition loop starting", "ring_slots", l.ring.Slots())

	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

// Stop requests exit, waits for the goroutine and closes the device
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.phase == "stopped" {
		l.mu.Unlock()
		return nil
	}
	if l.phase == "init" {
		l.phase = "stopped"
		l.mu.Unlock()
		return nil
	}
	if l.phase == "stopping" {
		// another Stop is in flight; just wait for it
		l.mu.Unlock()
		l.wg.Wait()
		return nil
	}
	l.phase = "stopping"
	l.mu.Unlock()

	close(l.stopCh)
	l.wg.Wait()

	err := l.dev.Close()

	l.mu.Lock()
	l.phase = "stopped"
	captured := l.captured
	l.mu.Unlock()

	slog.Info("acquisition loop stopped", "frames_captured", captured)
	return err
}

// Fatal delivers at most one fatal device error. The supervisor selects on
// this to tear the pipeline down.
func (l *Loop) Fatal() <-chan error {
	return l.fatalCh
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	var seq uint64
	slots := l.ring.Slots()

	for {
		select {
		case <-ctx.Done():
			slog.Info("acquisition loop exiting", "reason", "context cancelled")
			return
		case <-l.stopCh:
			slog.Info("acquisition loop exiting", "reason", "stop requested")
			return
		default:
		}
		if l.ctrl.Flags.StopRequested() {
			slog.Info("acquisition loop exiting", "reason", "stop flag")
			return
		}

		l.applyUpdates()

		img, captureTime, err := l.dev.Capture()
		if err != nil {
			if fatal := l.recordError(err); fatal != nil {
				l.mu.Lock()
				l.phase = "stopped"
				l.mu.Unlock()
				l.fatalCh <- fatal
				slog.Error("acquisition loop exiting", "reason", "fatal device error", "error", fatal)
				return
			}
			continue
		}

		l.mu.Lock()
		l.consecutive = 0
		l.mu.Unlock()

		slot := int(seq % uint64(slots))
		if err := l.ring.Write(slot, seq, img); err != nil {
			// geometry mismatch is a wiring bug, not a device hiccup
			l.fatalCh <- fmt.Errorf("failed to write frame to ring: %w", err)
			l.mu.Lock()
			l.phase = "stopped"
			l.mu.Unlock()
			return
		}

		l.ch.Send(types.TimestampMsg{
			Slot:        slot,
			CaptureTime: captureTime,
			Seq:         seq,
		})
		seq++

		l.mu.Lock()
		l.captured++
		l.mu.Unlock()
	}
}

// recordError counts a transient capture failure; returns a non-nil fatal
// error once the consecutive failure budget is exhausted
func (l *Loop) recordError(err error) error {
	l.mu.Lock()
	l.errors++
	l.consecutive++
	consecutive := l.consecutive
	l.mu.Unlock()

	slog.Warn("camera capture failed",
		"error", err,
		"consecutive", consecutive,
		"budget", l.maxConsecutive,
	)

	if consecutive >= l.maxConsecutive {
		return fmt.Errorf("camera device failed %d consecutive captures: %w", consecutive, err)
	}
	return nil
}

// applyUpdates forwards pending camera parameter updates to the device
func (l *Loop) applyUpdates() {
	for _, u := range l.ctrl.DrainCamera() {
		if err := l.dev.SetParameter(u.Name, u.Value); err != nil {
			slog.Warn("rejected camera update", "name", u.Name, "value", u.Value, "error", err)
			continue
		}
		slog.Info("camera parameter applied", "name", u.Name, "value", u.Value)
	}
}

// Stats contains acquisition loop statistics
type Stats struct {
	Phase             string
	FramesCaptured    uint64
	DeviceErrors      uint64
	ConsecutiveErrors int
	FPSReal           float64
}

// Stats returns acquisition loop statistics
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var fps float64
	if !l.started.IsZero() && l.captured > 0 {
		elapsed := time.Since(l.started).Seconds()
		if elapsed > 0 {
			fps = float64(l.captured) / elapsed
		}
	}

	return Stats{
		Phase:             l.phase,
		FramesCaptured:    l.captured,
		DeviceErrors:      l.errors,
		ConsecutiveErrors: l.consecutive,
		FPSReal:           fps,
	}
}
