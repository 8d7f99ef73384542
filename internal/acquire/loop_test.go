package acquire

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ryosukecooltanaka/minizfvr/internal/control"
	"github.com/ryosukecooltanaka/minizfvr/internal/framering"
	"github.com/ryosukecooltanaka/minizfvr/internal/tschan"
	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// fakeDevice emits flat frames at an unbounded rate; failFor makes the
// first n captures fail
type fakeDevice struct {
	width, height int

	mu       sync.Mutex
	opened   bool
	closed   bool
	captures int
	failFor  int
	failAll  bool
	params   map[string]float64
}

func newFakeDevice(w, h int) *fakeDevice {
	return &fakeDevice{width: w, height: h, params: make(map[string]float64)}
}

func (d *fakeDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	return nil
}

func (d *fakeDevice) Capture() (types.Image, float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened || d.closed {
		return types.Image{}, 0, errors.New("device not open")
	}
	d.captures++
	if d.failAll || d.captures <= d.failFor {
		return types.Image{}, 0, errors.New("simulated capture failure")
	}
	pix := make([]byte, d.width*d.height)
	for i := range pix {
		pix[i] = byte(d.captures)
	}
	img := types.Image{Width: d.width, Height: d.height, Channels: 1, Pix: pix}
	return img, float64(d.captures) * 0.001, nil
}

func (d *fakeDevice) SetParameter(name string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params[name] = value
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func newTestRing(t *testing.T, slots, w, h int) *framering.Ring {
	t.Helper()
	ring, err := framering.Create(framering.Config{
		Dir:      t.TempDir(),
		Name:     "acquire-test",
		Slots:    slots,
		Width:    w,
		Height:   h,
		Channels: 1,
	})
	if err != nil {
		t.Fatalf("failed to create ring: %v", err)
	}
	t.Cleanup(func() { ring.Close() })
	return ring
}

func TestCaptureProducesOrderedHandoffs(t *testing.T) {
	const slots = 3
	ring := newTestRing(t, slots, 16, 16)
	ch := tschan.New(128)
	ctrl := control.NewChannel(8)
	dev := newFakeDevice(16, 16)

	loop := NewLoop(dev, ring, ch, ctrl, 10)
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loop.Stop()

	// The unpaced fake device outruns this reader, so the drop-oldest channel
	// sheds entries; sequence numbers must still be strictly increasing with
	// each one mapped to its round-robin slot.
	const n = 20
	var lastSeq uint64
	for i := 0; i < n; i++ {
		msg, ok := ch.Receive(time.Second)
		if !ok {
			t.Fatalf("timed out waiting for handoff %d", i)
		}
		if i > 0 && msg.Seq <= lastSeq {
			t.Fatalf("handoff %d has seq %d, not past %d", i, msg.Seq, lastSeq)
		}
		lastSeq = msg.Seq
		if msg.Slot != int(msg.Seq%slots) {
			t.Fatalf("seq %d landed in slot %d, want %d", msg.Seq, msg.Slot, msg.Seq%slots)
		}
		if msg.CaptureTime <= 0 {
			t.Fatalf("seq %d has capture time %v", msg.Seq, msg.CaptureTime)
		}
	}

	if err := loop.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	stats := loop.Stats()
	if stats.Phase != "stopped" {
		t.Fatalf("phase after stop = %q", stats.Phase)
	}
	if stats.FramesCaptured < n {
		t.Fatalf("captured %d frames, want >= %d", stats.FramesCaptured, n)
	}

	dev.mu.Lock()
	closed := dev.closed
	dev.mu.Unlock()
	if !closed {
		t.Fatal("device not closed on Stop")
	}
}

func TestTransientErrorsAreTolerated(t *testing.T) {
	ring := newTestRing(t, 2, 8, 8)
	ch := tschan.New(16)
	ctrl := control.NewChannel(8)
	dev := newFakeDevice(8, 8)
	dev.failFor = 4 // below the budget of 10

	loop := NewLoop(dev, ring, ch, ctrl, 10)
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loop.Stop()

	msg, ok := ch.Receive(time.Second)
	if !ok {
		t.Fatal("no handoff after transient failures")
	}
	if msg.Seq != 0 {
		t.Fatalf("first handoff has seq %d", msg.Seq)
	}

	stats := loop.Stats()
	if stats.DeviceErrors != 4 {
		t.Fatalf("device errors = %d, want 4", stats.DeviceErrors)
	}
}

func TestConsecutiveFailureBudgetIsFatal(t *testing.T) {
	ring := newTestRing(t, 2, 8, 8)
	ch := tschan.New(16)
	ctrl := control.NewChannel(8)
	dev := newFakeDevice(8, 8)
	dev.failAll = true

	loop := NewLoop(dev, ring, ch, ctrl, 3)
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loop.Stop()

	select {
	case err := <-loop.Fatal():
		if err == nil {
			t.Fatal("nil fatal error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failing device never reported fatal")
	}

	if phase := loop.Stats().Phase; phase != "stopped" {
		t.Fatalf("phase after fatal = %q", phase)
	}
}

func TestStopFlagExitsLoop(t *testing.T) {
	ring := newTestRing(t, 2, 8, 8)
	ch := tschan.New(16)
	ctrl := control.NewChannel(8)
	dev := newFakeDevice(8, 8)

	loop := NewLoop(dev, ring, ch, ctrl, 10)
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loop.Stop()

	if _, ok := ch.Receive(time.Second); !ok {
		t.Fatal("loop never produced a frame")
	}

	ctrl.Flags.RequestStop()

	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after stop flag")
	}
}

func TestParameterUpdatesReachDevice(t *testing.T) {
	ring := newTestRing(t, 2, 8, 8)
	ch := tschan.New(16)
	ctrl := control.NewChannel(8)
	dev := newFakeDevice(8, 8)

	loop := NewLoop(dev, ring, ch, ctrl, 10)
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer loop.Stop()

	if err := ctrl.Post(types.ParamUpdate{Name: "camera.exposure_us", Value: 1234}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dev.mu.Lock()
		v, ok := dev.params["camera.exposure_us"]
		dev.mu.Unlock()
		if ok {
			if v != 1234 {
				t.Fatalf("exposure = %v, want 1234", v)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("exposure update never reached the device")
}
