package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ryosukecooltanaka/minizfvr/internal/config"
	"github.com/ryosukecooltanaka/minizfvr/internal/control"
	"github.com/ryosukecooltanaka/minizfvr/internal/framering"
	"github.com/ryosukecooltanaka/minizfvr/internal/resultstore"
	"github.com/ryosukecooltanaka/minizfvr/internal/tschan"
	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// Publisher pushes results toward external listeners. Implementations must
// not block the tracking loop.
type Publisher interface {
	Publish(res types.Result)
}

// Loop consumes timestamp messages, reads the referenced ring slot, runs
// the tracking algorithm and fans the result out to the shared result store
// and the publisher. Frames are processed in strict capture order.
type Loop struct {
	ring    *framering.Ring
	ch      *tschan.Channel
	ctrl    *control.Channel
	store   *resultstore.Store
	pub     Publisher
	timeout time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	scratch []byte // snapshot buffer, loop goroutine only

	mu        sync.RWMutex
	phase     string
	trackCfg  config.TrackingConfig
	algo      Algorithm
	state     State
	processed uint64
	lost      uint64
	stale     uint64
	published uint64
	lastSeq   uint64
}

// NewLoop creates a tracking loop. pub may be nil (results then only reach
// the store).
func NewLoop(ring *framering.Ring, ch *tschan.Channel, ctrl *control.Channel,
	store *resultstore.Store, pub Publisher, trackCfg config.TrackingConfig,
	receiveTimeout time.Duration) *Loop {

	return &Loop{
		ring:     ring,
		ch:       ch,
		ctrl:     ctrl,
		store:    store,
		pub:      pub,
		timeout:  receiveTimeout,
		stopCh:   make(chan struct{}),
		phase:    "init",
		trackCfg: trackCfg,
		algo:     NewCenterOfMass(trackCfg),
	}
}

// Start launches the loop goroutine
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.phase != "init" {
		l.mu.Unlock()
		return fmt.Errorf("tracking loop already started (phase %s)", l.phase)
	}
	l.phase = "tracking"
	l.mu.Unlock()

	slog.Info("tracking loop starting",
		"n_segments", l.trackCfg.NSegments,
		"receive_timeout", l.timeout,
	)

	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

// Stop requests exit and waits for the loop goroutine
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.phase == "stopped" || l.phase == "init" {
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

	l.mu.Lock()
	l.phase = "stopped"
	l.mu.Unlock()

	slog.Info("tracking loop stopped")
	return nil
}

// SetTrackingConfig swaps the full parameter set (hot reload path).
// Validates before applying; a bad config leaves the current one in place.
func (l *Loop) SetTrackingConfig(cfg config.TrackingConfig) error {
	if err := config.ValidateTracking(&cfg); err != nil {
		return err
	}

	l.mu.Lock()
	l.trackCfg = cfg
	l.algo = NewCenterOfMass(cfg)
	l.mu.Unlock()

	slog.Info("tracking parameters reloaded", "n_segments", cfg.NSegments)
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			slog.Info("tracking loop exiting", "reason", "context cancelled")
			return
		case <-l.stopCh:
			slog.Info("tracking loop exiting", "reason", "stop requested")
			return
		default:
		}
		if l.ctrl.Flags.StopRequested() {
			slog.Info("tracking loop exiting", "reason", "stop flag")
			return
		}

		l.applyUpdates()

		msg, ok := l.ch.Receive(l.timeout)
		if !ok {
			// timeout: loop around to observe stop promptly
			continue
		}

		l.processFrame(msg)
	}
}

// processFrame tracks one frame and fans out the result. A token whose slot
// the producer has already reused counts as one more dropped frame; the
// result stream simply has a gap at that seq, like any other drop.
func (l *Loop) processFrame(msg types.TimestampMsg) {
	img, err := l.ring.Snapshot(msg.Slot, msg.Seq, l.scratch)
	if err != nil {
		if errors.Is(err, framering.ErrStale) {
			l.mu.Lock()
			l.stale++
			l.mu.Unlock()
			slog.Debug("handoff token outlived its slot", "slot", msg.Slot, "seq", msg.Seq)
			return
		}
		slog.Error("failed to read ring slot", "slot", msg.Slot, "seq", msg.Seq, "error", err)
		return
	}
	l.scratch = img.Pix

	l.mu.RLock()
	algo := l.algo
	state := l.state
	l.mu.RUnlock()

	points, confidence, next := algo(img, state)

	status := types.TrackOK
	if confidence == 0 {
		status = types.TrackLost
	}

	res := types.Result{
		Seq:         msg.Seq,
		CaptureTime: msg.CaptureTime,
		Points:      points,
		Confidence:  confidence,
		Status:      status,
		Deflection:  next.Deflection,
	}

	l.store.Publish(res)

	published := false
	if l.pub != nil && !l.ctrl.Flags.Paused() {
		l.pub.Publish(res)
		published = true
	}

	l.mu.Lock()
	l.state = next
	l.processed++
	l.lastSeq = msg.Seq
	if status == types.TrackLost {
		l.lost++
	}
	if published {
		l.published++
	}
	l.mu.Unlock()

	slog.Debug("frame tracked",
		"seq", msg.Seq,
		"confidence", confidence,
		"status", status,
	)
}

// applyUpdates drains pending tracking parameter updates. Each update
// mutates a copy, which is validated before it replaces the live config.
func (l *Loop) applyUpdates() {
	updates := l.ctrl.DrainTracking()
	if len(updates) == 0 {
		return
	}

	l.mu.RLock()
	cfg := l.trackCfg
	l.mu.RUnlock()

	applied := 0
	for _, u := range updates {
		if err := applyTrackingUpdate(&cfg, u); err != nil {
			slog.Warn("rejected tracking update", "name", u.Name, "value", u.Value, "error", err)
			continue
		}
		applied++
	}
	if applied == 0 {
		return
	}

	if err := config.ValidateTracking(&cfg); err != nil {
		slog.Warn("rejected tracking update batch", "error", err)
		return
	}

	l.mu.Lock()
	l.trackCfg = cfg
	l.algo = NewCenterOfMass(cfg)
	l.mu.Unlock()

	slog.Info("tracking parameters updated", "count", applied)
}

// applyTrackingUpdate maps a dotted parameter name onto the config field
func applyTrackingUpdate(cfg *config.TrackingConfig, u types.ParamUpdate) error {
	switch u.Name {
	case "tracking.image_scale":
		cfg.ImageScale = u.Value
	case "tracking.filter_size":
		cfg.FilterSize = int(u.Value)
	case "tracking.color_invert":
		cfg.ColorInvert = u.Value != 0
	case "tracking.clip_threshold":
		cfg.ClipThreshold = int(u.Value)
	case "tracking.base_x":
		cfg.BaseX = u.Value
	case "tracking.base_y":
		cfg.BaseY = u.Value
	case "tracking.tip_x":
		cfg.TipX = u.Value
	case "tracking.tip_y":
		cfg.TipY = u.Value
	case "tracking.n_segments":
		cfg.NSegments = int(u.Value)
	case "tracking.search_radius":
		cfg.SearchRadius = int(u.Value)
	default:
		return fmt.Errorf("unknown tracking parameter %q", u.Name)
	}
	return nil
}

// Stats contains tracking loop statistics. Stale counts handoff tokens
// whose ring slot was reused before the loop got to them.
type Stats struct {
	Phase     string
	Processed uint64
	Lost      uint64
	Stale     uint64
	Published uint64
	LastSeq   uint64
}

// Stats returns tracking loop statistics
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		Phase:     l.phase,
		Processed: l.processed,
		Lost:      l.lost,
		Stale:     l.stale,
		Published: l.published,
		LastSeq:   l.lastSeq,
	}
}
