package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ryosukecooltanaka/minizfvr/internal/acquire"
	"github.com/ryosukecooltanaka/minizfvr/internal/config"
	"github.com/ryosukecooltanaka/minizfvr/internal/control"
	"github.com/ryosukecooltanaka/minizfvr/internal/estimator"
	"github.com/ryosukecooltanaka/minizfvr/internal/framering"
	"github.com/ryosukecooltanaka/minizfvr/internal/outbound"
	"github.com/ryosukecooltanaka/minizfvr/internal/resultstore"
	"github.com/ryosukecooltanaka/minizfvr/internal/tschan"
	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

const testConfig = `
instance_id: "core-test"
shutdown_timeout_s: 5

camera:
  type: "synthetic"
  width: 200
  height: 200
  fps: 100

ring:
  slots: 3
  shm_dir: %q

channel:
  capacity: 64
  receive_timeout_ms: 50

tracking:
  image_scale: 1.0
  filter_size: 3
  base_x: 100.0
  base_y: 50.0
  tip_x: 100.0
  tip_y: 150.0
  n_segments: %d
  search_radius: 10

outbound:
  listen_addr: "127.0.0.1:0"
  queue_size: 64
  send_timeout_ms: 200
`

func writeTestConfig(t *testing.T, dir string, nSegments int) string {
	t.Helper()
	path := filepath.Join(dir, "minizftt.yaml")
	content := fmt.Sprintf(testConfig, dir, nSegments)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func startSupervisor(t *testing.T, path string) (*Supervisor, context.CancelFunc, chan error) {
	t.Helper()

	sup, err := NewSupervisor(path)
	if err != nil {
		t.Fatalf("NewSupervisor failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	// the outbound address is bound during startup
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := sup.OutboundAddr(); addr != "" && !strings.HasSuffix(addr, ":0") {
			return sup, cancel, errCh
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	t.Fatal("pipeline never bound its outbound address")
	return nil, nil, nil
}

func stopSupervisor(t *testing.T, sup *Supervisor, cancel context.CancelFunc, errCh chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), 7)
	sup, cancel, errCh := startSupervisor(t, path)

	conn, err := net.DialTimeout("tcp", sup.OutboundAddr(), time.Second)
	if err != nil {
		t.Fatalf("failed to connect to outbound link: %v", err)
	}
	defer conn.Close()

	// the synthetic tail must flow through acquisition, tracking and out
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var lastSeq uint64
	for i := 0; i < 10; i++ {
		rec, err := outbound.ReadRecord(conn)
		if err != nil {
			t.Fatalf("record %d read failed: %v", i, err)
		}
		if i > 0 && rec.Seq <= lastSeq {
			t.Fatalf("record %d seq %d not increasing past %d", i, rec.Seq, lastSeq)
		}
		lastSeq = rec.Seq
		if len(rec.Points) != 16 {
			t.Fatalf("record %d carries %d coordinates, want 16", i, len(rec.Points))
		}
		if rec.Status != "ok" {
			t.Fatalf("record %d status %q on clean synthetic frames", i, rec.Status)
		}
	}

	health := sup.HealthCheck()
	if health.Status != "healthy" {
		t.Fatalf("running pipeline reports %q", health.Status)
	}
	if health.FramesCaptured == 0 || health.FramesProcessed == 0 {
		t.Fatalf("counters not moving: %+v", health)
	}

	stopSupervisor(t, sup, cancel, errCh)
}

func TestShutdownIsIdempotentAndBounded(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), 7)
	sup, cancel, errCh := startSupervisor(t, path)

	start := time.Now()
	stopSupervisor(t, sup, cancel, errCh)
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("shutdown took %v", elapsed)
	}

	// second shutdown is a no-op
	ctx, cancelCtx := context.WithTimeout(context.Background(), time.Second)
	defer cancelCtx()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("repeated Shutdown failed: %v", err)
	}
}

func TestReloadAppliesTrackingParameters(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, 7)
	sup, cancel, errCh := startSupervisor(t, path)
	defer stopSupervisor(t, sup, cancel, errCh)

	writeTestConfig(t, dir, 9)
	if err := sup.reloadConfig(); err != nil {
		t.Fatalf("reloadConfig failed: %v", err)
	}

	// new segment count shows up in the result stream
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := sup.store.Latest(); ok && len(res.Points) == 10 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("reloaded segment count never reached the result stream")
}

// stuckDevice wedges its caller inside Capture until released
type stuckDevice struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *stuckDevice) Open() error { return nil }

func (d *stuckDevice) Capture() (types.Image, float64, error) {
	d.once.Do(func() { close(d.entered) })
	<-d.release
	return types.Image{}, 0, errors.New("device released")
}

func (d *stuckDevice) SetParameter(string, float64) error { return nil }
func (d *stuckDevice) Close() error                       { return nil }

func TestJoinTimeoutLeaksRingSegment(t *testing.T) {
	dir := t.TempDir()
	ring, err := framering.Create(framering.Config{
		Dir: dir, Name: "stuck", Slots: 2, Width: 8, Height: 8, Channels: 1,
	})
	if err != nil {
		t.Fatalf("failed to create ring: %v", err)
	}

	ch := tschan.New(4)
	ctrl := control.NewChannel(4)
	dev := &stuckDevice{entered: make(chan struct{}), release: make(chan struct{})}
	acq := acquire.NewLoop(dev, ring, ch, ctrl, 10)
	if err := acq.Start(context.Background()); err != nil {
		t.Fatalf("failed to start acquisition loop: %v", err)
	}
	<-dev.entered // worker is now wedged inside the device

	sup := &Supervisor{
		cfg:       &config.Config{InstanceID: "stuck"},
		ring:      ring,
		ch:        ch,
		ctrl:      ctrl,
		store:     resultstore.New(),
		est:       estimator.New(estimator.Config{}),
		acq:       acq,
		isRunning: true,
		started:   time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := sup.Shutdown(ctx); err == nil {
		t.Fatal("Shutdown reported success despite a wedged worker")
	}

	// the segment must be leaked, never unmapped under a live writer
	if _, err := os.Stat(filepath.Join(dir, "minizfvr_ring_stuck")); err != nil {
		t.Fatalf("ring segment gone after timed-out join: %v", err)
	}

	// unwedge and tear down for real
	close(dev.release)
	if err := acq.Stop(); err != nil {
		t.Fatalf("Stop after release failed: %v", err)
	}
	if err := ring.Close(); err != nil {
		t.Fatalf("ring close failed: %v", err)
	}
}

func TestUnsupportedCameraTypeFailsRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	content := strings.Replace(fmt.Sprintf(testConfig, dir, 7), `type: "synthetic"`, `type: "ximea"`, 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	sup, err := NewSupervisor(path)
	if err != nil {
		t.Fatalf("NewSupervisor failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Run(ctx); err == nil {
		t.Fatal("Run accepted an unsupported camera type")
	}
}
