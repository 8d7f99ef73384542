package camera

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// SyntheticConfig describes the generated scene. The tail hangs from the
// base point and beats sinusoidally, bright on a dark background.
type SyntheticConfig struct {
	Width  int
	Height int
	FPS    int
	// BaseX/BaseY anchor the tail; zero values center it horizontally at 1/4 height
	BaseX float64
	BaseY float64
	// Length is the tail length in pixels (default: half the frame height)
	Length float64
	// Amplitude is the peak tip deflection in radians (default: 0.6)
	Amplitude float64
	// BeatHz is the beat frequency (default: 2.0)
	BeatHz float64
	// Thickness is the drawn tail radius in pixels (default: 2)
	Thickness int
}

// Synthetic generates grayscale frames with a beating tail of known
// geometry at the target frame rate
type Synthetic struct {
	cfg SyntheticConfig

	mu        sync.Mutex
	opened    bool
	closed    bool
	nextFrame time.Time
	frames    uint64
	exposure  float64
}

// NewSynthetic creates a synthetic camera device
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.BaseX == 0 && cfg.BaseY == 0 {
		cfg.BaseX = float64(cfg.Width) / 2
		cfg.BaseY = float64(cfg.Height) / 4
	}
	if cfg.Length == 0 {
		cfg.Length = float64(cfg.Height) / 2
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = 0.6
	}
	if cfg.BeatHz == 0 {
		cfg.BeatHz = 2.0
	}
	if cfg.Thickness == 0 {
		cfg.Thickness = 2
	}
	return &Synthetic{cfg: cfg}
}

// Open implements Device
func (s *Synthetic) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.opened = true
	s.nextFrame = time.Now()

	slog.Info("synthetic camera opened",
		"width", s.cfg.Width,
		"height", s.cfg.Height,
		"fps", s.cfg.FPS,
		"beat_hz", s.cfg.BeatHz,
	)
	return nil
}

// Capture implements Device. Blocks until the next frame tick.
func (s *Synthetic) Capture() (types.Image, float64, error) {
	s.mu.Lock()
	if s.closed || !s.opened {
		s.mu.Unlock()
		return types.Image{}, 0, ErrClosed
	}
	interval := time.Second / time.Duration(s.cfg.FPS)
	wait := time.Until(s.nextFrame)
	s.nextFrame = s.nextFrame.Add(interval)
	if wait < -interval {
		// fell far behind (e.g. paused in a debugger), resync
		s.nextFrame = time.Now().Add(interval)
	}
	s.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}

	t := Monotonic()
	img := s.render(t)

	s.mu.Lock()
	s.frames++
	s.mu.Unlock()

	return img, t, nil
}

// SetParameter implements Device. The synthetic device accepts exposure
// (stored, no visual effect), beat frequency and amplitude.
func (s *Synthetic) SetParameter(name string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case "camera.exposure_us":
		s.exposure = value
	case "camera.beat_hz":
		if value <= 0 {
			return fmt.Errorf("camera.beat_hz must be > 0, got %v", value)
		}
		s.cfg.BeatHz = value
	case "camera.amplitude":
		s.cfg.Amplitude = value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownParameter, name)
	}

	slog.Debug("synthetic camera parameter applied", "name", name, "value", value)
	return nil
}

// Close implements Device
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	slog.Info("synthetic camera closed", "frames", s.frames)
	return nil
}

// Deflection returns the ground-truth tip deflection angle at time t
func (s *Synthetic) Deflection(t float64) float64 {
	return s.cfg.Amplitude * math.Sin(2*math.Pi*s.cfg.BeatHz*t)
}

// TailPoints returns the ground-truth centerline at time t as n+1 points
// from base to tip, in full-resolution pixel coordinates. Tests compare the
// tracker output against this.
func (s *Synthetic) TailPoints(t float64, n int) []types.Point {
	points := make([]types.Point, n+1)
	step := s.cfg.Length / float64(n)
	tipAngle := s.Deflection(t)

	x, y := s.cfg.BaseX, s.cfg.BaseY
	points[0] = types.Point{X: float32(x), Y: float32(y)}
	for i := 1; i <= n; i++ {
		// curvature grows linearly toward the tip
		phi := tipAngle * float64(i) / float64(n)
		x += step * math.Sin(phi)
		y += step * math.Cos(phi)
		points[i] = types.Point{X: float32(x), Y: float32(y)}
	}
	return points
}

// render rasterizes the tail into a fresh grayscale frame
func (s *Synthetic) render(t float64) types.Image {
	w, h := s.cfg.Width, s.cfg.Height
	pix := make([]byte, w*h)

	// dense centerline walk so the stroke has no gaps
	const steps = 200
	tipAngle := s.Deflection(t)
	step := s.cfg.Length / float64(steps)
	x, y := s.cfg.BaseX, s.cfg.BaseY
	r := s.cfg.Thickness

	for i := 0; i <= steps; i++ {
		drawDisc(pix, w, h, x, y, r)
		phi := tipAngle * float64(i) / float64(steps)
		x += step * math.Sin(phi)
		y += step * math.Cos(phi)
	}

	return types.Image{Width: w, Height: h, Channels: 1, Pix: pix}
}

// drawDisc stamps a filled bright disc at (cx, cy)
func drawDisc(pix []byte, w, h int, cx, cy float64, r int) {
	x0, x1 := int(cx)-r, int(cx)+r
	y0, y1 := int(cy)-r, int(cy)+r
	rr := float64(r * r)
	for y := y0; y <= y1; y++ {
		if y < 0 || y >= h {
			continue
		}
		for x := x0; x <= x1; x++ {
			if x < 0 || x >= w {
				continue
			}
			dx := float64(x) - cx
			dy := float64(y) - cy
			if dx*dx+dy*dy <= rr {
				pix[y*w+x] = 255
			}
		}
	}
}
