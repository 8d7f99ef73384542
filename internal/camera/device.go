// Package camera defines the acquisition device boundary. Real camera SDK
// bindings live outside this repo; the pipeline only sees the Device
// interface. A synthetic device with a beating tail of known geometry is
// provided for tests and broker-less bench setups.
package camera

import (
	"errors"
	"time"

	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// Device is the camera collaborator contract. Capture blocks until the next
// frame is available, bounded by the frame interval.
type Device interface {
	Open() error
	// Capture returns the frame and its capture time on the process
	// monotonic clock. A non-nil error marks a transient device failure;
	// the acquisition loop counts consecutive failures.
	Capture() (types.Image, float64, error)
	// SetParameter applies a runtime device setting (e.g. camera.exposure_us)
	SetParameter(name string, value float64) error
	Close() error
}

// ErrClosed is returned by Capture after Close
var ErrClosed = errors.New("camera device closed")

// ErrUnknownParameter is returned by SetParameter for unsupported settings
var ErrUnknownParameter = errors.New("unknown camera parameter")

var epoch = time.Now()

// Monotonic returns seconds elapsed on the process monotonic clock. All
// capture timestamps in the pipeline come from this clock; wall-clock jumps
// cannot reorder frames.
func Monotonic() float64 {
	return time.Since(epoch).Seconds()
}
