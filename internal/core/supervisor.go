package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ryosukecooltanaka/minizfvr/internal/acquire"
	"github.com/ryosukecooltanaka/minizfvr/internal/camera"
	"github.com/ryosukecooltanaka/minizfvr/internal/config"
	"github.com/ryosukecooltanaka/minizfvr/internal/control"
	"github.com/ryosukecooltanaka/minizfvr/internal/emitter"
	"github.com/ryosukecooltanaka/minizfvr/internal/estimator"
	"github.com/ryosukecooltanaka/minizfvr/internal/framering"
	"github.com/ryosukecooltanaka/minizfvr/internal/outbound"
	"github.com/ryosukecooltanaka/minizfvr/internal/resultstore"
	"github.com/ryosukecooltanaka/minizfvr/internal/track"
	"github.com/ryosukecooltanaka/minizfvr/internal/tschan"
	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// displayInterval paces the supervisor's result-store reader (the GUI
// surrogate); the store is latest-value-wins so a slower reader just sees
// fewer distinct results
const displayInterval = 50 * time.Millisecond

// Supervisor owns the pipeline: it allocates the shared resources, spawns
// the acquisition and tracking loops, reads the shared result buffer at
// display rate, and tears everything down in order on shutdown.
type Supervisor struct {
	cfg        *config.Config
	configPath string

	// shared resources, allocated before the loops start
	ring  *framering.Ring
	ch    *tschan.Channel
	ctrl  *control.Channel
	store *resultstore.Store
	est   *estimator.Estimator

	// workers and endpoints
	dev            camera.Device
	acq            *acquire.Loop
	trk            *track.Loop
	out            *outbound.Server
	emitter        *emitter.StatusEmitter
	controlHandler *control.Handler

	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelRun context.CancelFunc

	lastReload time.Time
}

// NewSupervisor loads the configuration and prepares the long-lived pieces.
// Shared buffers and workers are allocated in Run.
func NewSupervisor(configPath string) (*Supervisor, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"camera", cfg.Camera.Type,
		"resolution", fmt.Sprintf("%dx%d", cfg.Camera.Width, cfg.Camera.Height),
	)

	s := &Supervisor{
		cfg:        cfg,
		configPath: configPath,
		ctrl:       control.NewChannel(16),
		store:      resultstore.New(),
		est: estimator.New(estimator.Config{
			BufferSize:          cfg.Estimator.BufferSize,
			VigorWindowS:        cfg.Estimator.VigorWindowS,
			BiasWindowS:         cfg.Estimator.BiasWindowS,
			BiasBaselineWindowS: cfg.Estimator.BiasBaselineWindowS,
			VigorThreshold:      cfg.Estimator.VigorThreshold,
		}),
	}

	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewStatusEmitter(cfg)
	}

	return s, nil
}

// Run starts the pipeline and blocks until the context is cancelled or the
// acquisition loop reports a fatal device error
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	slog.Info("pipeline starting", "instance_id", s.cfg.InstanceID)

	// 1. Allocate shared resources before spawning any worker
	ring, err := framering.Create(framering.Config{
		Dir:      s.cfg.Ring.Dir,
		Name:     s.cfg.InstanceID,
		Slots:    s.cfg.Ring.Slots,
		Width:    s.cfg.Camera.Width,
		Height:   s.cfg.Camera.Height,
		Channels: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create frame ring: %w", err)
	}
	s.ring = ring
	s.ch = tschan.New(s.cfg.Channel.Capacity)

	// 2. Camera device (external SDK devices are wired at build time; the
	// synthetic device covers tests and bench setups)
	switch s.cfg.Camera.Type {
	case "synthetic":
		s.dev = camera.NewSynthetic(camera.SyntheticConfig{
			Width:  s.cfg.Camera.Width,
			Height: s.cfg.Camera.Height,
			FPS:    s.cfg.Camera.FPS,
		})
	default:
		return fmt.Errorf("unsupported camera type %q", s.cfg.Camera.Type)
	}

	// 3. Outbound link first, so no result is ever generated without an
	// endpoint for listeners
	s.out = outbound.NewServer(
		s.cfg.Outbound.ListenAddr,
		s.cfg.Outbound.QueueSize,
		time.Duration(s.cfg.Outbound.SendTimeoutMS)*time.Millisecond,
	)
	if err := s.out.Start(ctx); err != nil {
		return fmt.Errorf("failed to start outbound link: %w", err)
	}

	// 4. Workers: consumer before producer so no handoff token is missed
	receiveTimeout := time.Duration(s.cfg.Channel.ReceiveTimeoutMS) * time.Millisecond
	s.trk = track.NewLoop(s.ring, s.ch, s.ctrl, s.store, s.out, s.cfg.Tracking, receiveTimeout)
	if err := s.trk.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tracking loop: %w", err)
	}

	s.acq = acquire.NewLoop(s.dev, s.ring, s.ch, s.ctrl, s.cfg.Camera.MaxConsecutiveErrors)
	if err := s.acq.Start(ctx); err != nil {
		return fmt.Errorf("failed to start acquisition loop: %w", err)
	}

	// 5. Optional MQTT plane: control commands in, health out
	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		s.controlHandler = control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
			OnGetStatus:    s.statusMap,
			OnPause:        s.pausePublishing,
			OnResume:       s.resumePublishing,
			OnSetParameter: s.setParameter,
			OnReload:       s.reloadConfig,
			OnShutdown:     s.shutdownViaControl,
		})
		if err := s.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}

		s.wg.Add(1)
		go s.publishHealth(ctx)
	}

	// 6. Config file watcher (hot reload of tracking parameters)
	if err := s.watchConfig(ctx); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	}

	if s.cfg.Health.Port > 0 {
		if err := s.StartHealthServer(s.cfg.Health.Port); err != nil {
			slog.Warn("health server disabled", "error", err)
		}
	}

	// 7. Display-rate reader of the shared result buffer
	s.wg.Add(1)
	go s.visualize(ctx)

	slog.Info("pipeline running",
		"outbound_addr", s.out.Addr(),
		"mqtt_enabled", s.emitter != nil,
	)

	select {
	case <-ctx.Done():
		slog.Info("pipeline run loop exiting")
		return nil
	case err := <-s.acq.Fatal():
		slog.Error("fatal device error, stopping pipeline", "error", err)
		s.ctrl.Flags.RequestStop()
		return err
	}
}

// Shutdown performs graceful teardown in dependency order
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	slog.Info("shutting down pipeline")

	// Stop flag first: both loops observe it within one bounded wait
	s.ctrl.Flags.RequestStop()
	s.mu.RLock()
	cancel := s.cancelRun
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	// Join the workers with a deadline; producer first so the consumer can
	// drain, consumer second, then the endpoints nobody feeds anymore
	joined := make(chan struct{})
	go func() {
		if s.acq != nil {
			if err := s.acq.Stop(); err != nil {
				slog.Error("failed to stop acquisition loop", "error", err)
			}
		}
		if s.trk != nil {
			if err := s.trk.Stop(); err != nil {
				slog.Error("failed to stop tracking loop", "error", err)
			}
		}
		close(joined)
	}()

	var joinErr error
	select {
	case <-joined:
	case <-ctx.Done():
		joinErr = fmt.Errorf("workers did not join before deadline: %w", ctx.Err())
		slog.Error("worker join timed out")
	}

	if s.out != nil {
		if err := s.out.Stop(); err != nil {
			slog.Error("failed to stop outbound link", "error", err)
		}
	}

	if s.controlHandler != nil {
		if err := s.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	slog.Info("waiting for supervisor goroutines")
	s.wg.Wait()

	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	// Unmapping the segment under a worker that missed the join deadline
	// would fault it; leak the segment instead and report the error
	if s.ring != nil {
		if joinErr != nil {
			slog.Error("leaking frame ring segment, a worker may still be writing")
		} else if err := s.ring.Close(); err != nil {
			slog.Error("failed to close frame ring", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("pipeline shutdown complete", "uptime", uptime)
	return joinErr
}

// visualize is the GUI surrogate: it reads the shared result buffer at
// display rate, feeds the swim estimator with each new result, and logs
// pipeline stats periodically
func (s *Supervisor) visualize(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(displayInterval)
	defer ticker.Stop()

	var lastSeq uint64
	var haveSeq bool
	lastLog := time.Now()
	logInterval := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, ok := s.store.Latest()
			if ok && (!haveSeq || res.Seq != lastSeq) {
				lastSeq = res.Seq
				haveSeq = true
				s.est.Register(res.CaptureTime, res.Deflection)
			}

			if time.Since(lastLog) >= logInterval {
				s.logStats()
				lastLog = time.Now()
			}
		}
	}
}

// logStats emits the periodic pipeline stats line and drop warnings
func (s *Supervisor) logStats() {
	acqStats := s.acq.Stats()
	trkStats := s.trk.Stats()
	chStats := s.ch.Stats()
	outStats := s.out.Stats()
	swim := s.est.Snapshot()

	slog.Info("pipeline stats",
		"captured", acqStats.FramesCaptured,
		"fps_real", float64(int(acqStats.FPSReal*100))/100,
		"processed", trkStats.Processed,
		"lost", trkStats.Lost,
		"stale", trkStats.Stale,
		"dropped_frames", chStats.Dropped,
		"listeners", outStats.Listeners,
		"vigor", swim.Vigor,
		"bouts", swim.Bouts,
	)

	if chStats.Dropped > 0 {
		slog.Warn("tracking falling behind acquisition",
			"dropped_frames", chStats.Dropped,
			"queued", chStats.Queued,
		)
	}
	for id, dropped := range outStats.DroppedByListener {
		if dropped > 0 {
			slog.Warn("listener dropping results",
				"listener_id", id,
				"dropped_count", dropped,
			)
		}
	}
}

// pausePublishing gates outbound publication; acquisition and tracking keep
// running so the operator still sees live results in the store
func (s *Supervisor) pausePublishing() error {
	s.ctrl.Flags.SetPaused(true)
	slog.Info("outbound publishing paused")
	return nil
}

func (s *Supervisor) resumePublishing() error {
	s.ctrl.Flags.SetPaused(false)
	slog.Info("outbound publishing resumed")
	return nil
}

// setParameter routes a control plane parameter change onto the control
// channel
func (s *Supervisor) setParameter(name string, value float64) error {
	return s.ctrl.Post(types.ParamUpdate{Name: name, Value: value})
}

// shutdownViaControl stops the pipeline on a control plane command
func (s *Supervisor) shutdownViaControl() error {
	slog.Info("shutdown requested via control plane")
	s.mu.RLock()
	cancel := s.cancelRun
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// statusMap builds the control plane status payload
func (s *Supervisor) statusMap() map[string]interface{} {
	s.mu.RLock()
	uptime := time.Since(s.started).Seconds()
	running := s.isRunning
	s.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"uptime_s":    uptime,
		"running":     running,
		"paused":      s.ctrl.Flags.Paused(),
	}

	if s.acq != nil {
		acqStats := s.acq.Stats()
		status["frames_captured"] = acqStats.FramesCaptured
		status["device_errors"] = acqStats.DeviceErrors
		status["fps_real"] = acqStats.FPSReal
	}
	if s.ch != nil {
		status["dropped_frames"] = s.ch.Stats().Dropped
	}
	if s.trk != nil {
		trkStats := s.trk.Stats()
		status["frames_processed"] = trkStats.Processed
		status["frames_lost"] = trkStats.Lost
		status["frames_stale"] = trkStats.Stale
		status["results_published"] = trkStats.Published
	}
	if s.out != nil {
		outStats := s.out.Stats()
		status["listeners"] = outStats.Listeners
		var droppedMessages uint64
		for _, d := range outStats.DroppedByListener {
			droppedMessages += d
		}
		status["dropped_messages"] = droppedMessages
	}

	swim := s.est.Snapshot()
	status["vigor"] = swim.Vigor
	status["bias"] = swim.LastBias
	status["bouts"] = swim.Bouts

	return status
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Supervisor) ShutdownTimeout() time.Duration {
	return time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
}

// OutboundAddr returns the bound outbound address once running
func (s *Supervisor) OutboundAddr() string {
	if s.out == nil {
		return ""
	}
	return s.out.Addr()
}
