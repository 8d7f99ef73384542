package camera

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestCaptureRequiresOpen(t *testing.T) {
	dev := NewSynthetic(SyntheticConfig{Width: 64, Height: 64, FPS: 100})

	if _, _, err := dev.Capture(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Capture before Open: got %v, want ErrClosed", err)
	}

	if err := dev.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, _, err := dev.Capture(); err != nil {
		t.Fatalf("Capture after Open failed: %v", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, _, err := dev.Capture(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Capture after Close: got %v, want ErrClosed", err)
	}
}

func TestFrameGeometry(t *testing.T) {
	dev := NewSynthetic(SyntheticConfig{Width: 320, Height: 240, FPS: 1000})
	if err := dev.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dev.Close()

	img, captureTime, err := dev.Capture()
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if img.Width != 320 || img.Height != 240 || img.Channels != 1 {
		t.Fatalf("unexpected geometry %dx%dx%d", img.Width, img.Height, img.Channels)
	}
	if len(img.Pix) != 320*240 {
		t.Fatalf("pixel buffer length %d, want %d", len(img.Pix), 320*240)
	}
	if captureTime < 0 {
		t.Fatalf("capture time %v is negative", captureTime)
	}

	// the tail must actually be drawn
	bright := 0
	for _, v := range img.Pix {
		if v == 255 {
			bright++
		}
	}
	if bright == 0 {
		t.Fatal("rendered frame contains no tail pixels")
	}
}

func TestCapturePacing(t *testing.T) {
	const fps = 200
	dev := NewSynthetic(SyntheticConfig{Width: 32, Height: 32, FPS: fps})
	if err := dev.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dev.Close()

	const n = 20
	start := time.Now()
	for i := 0; i < n; i++ {
		if _, _, err := dev.Capture(); err != nil {
			t.Fatalf("Capture %d failed: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	// n frames at fps should take about n/fps seconds; allow generous slack
	// for scheduler jitter but catch a missing rate limit entirely
	want := time.Duration(n) * time.Second / fps
	if elapsed < want/2 {
		t.Fatalf("captured %d frames in %v, expected at least %v", n, elapsed, want/2)
	}
}

func TestSetParameter(t *testing.T) {
	dev := NewSynthetic(SyntheticConfig{Width: 64, Height: 64, FPS: 100})

	if err := dev.SetParameter("camera.exposure_us", 2000); err != nil {
		t.Fatalf("exposure update rejected: %v", err)
	}
	if err := dev.SetParameter("camera.beat_hz", 5); err != nil {
		t.Fatalf("beat_hz update rejected: %v", err)
	}
	if err := dev.SetParameter("camera.beat_hz", -1); err == nil {
		t.Fatal("negative beat_hz accepted")
	}
	if err := dev.SetParameter("camera.bogus", 1); !errors.Is(err, ErrUnknownParameter) {
		t.Fatalf("unknown parameter: got %v, want ErrUnknownParameter", err)
	}
}

func TestTailPointsMatchDeflection(t *testing.T) {
	dev := NewSynthetic(SyntheticConfig{Width: 640, Height: 480, FPS: 100})

	// at the beat peak the tip angle equals the amplitude
	tPeak := 1.0 / (4 * dev.cfg.BeatHz)
	if got, want := dev.Deflection(tPeak), dev.cfg.Amplitude; math.Abs(got-want) > 1e-9 {
		t.Fatalf("Deflection at peak = %v, want %v", got, want)
	}

	const n = 7
	points := dev.TailPoints(tPeak, n)
	if len(points) != n+1 {
		t.Fatalf("TailPoints returned %d points, want %d", len(points), n+1)
	}

	// base anchored, tip deflected toward +x at positive angle
	if float64(points[0].X) != dev.cfg.BaseX || float64(points[0].Y) != dev.cfg.BaseY {
		t.Fatalf("base point %v, want (%v, %v)", points[0], dev.cfg.BaseX, dev.cfg.BaseY)
	}
	if points[n].X <= points[0].X {
		t.Fatalf("tip x %v not deflected past base x %v at positive angle", points[n].X, points[0].X)
	}

	// segment lengths are uniform
	step := dev.cfg.Length / n
	for i := 1; i <= n; i++ {
		dx := float64(points[i].X - points[i-1].X)
		dy := float64(points[i].Y - points[i-1].Y)
		if got := math.Hypot(dx, dy); math.Abs(got-step) > 0.5 {
			t.Fatalf("segment %d length %v, want %v", i, got, step)
		}
	}
}
