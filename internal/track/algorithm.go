// Package track implements the tracking loop and the center-of-mass tail
// fitting algorithm. The algorithm is a replaceable pure function selected
// at construction; the loop only depends on its signature.
package track

import (
	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// State carries tracker state across frames: the last fitted centerline and
// its deflection, reused as the fallback payload when a frame yields nothing.
type State struct {
	Points     []types.Point
	Deflection float64
}

// Algorithm is the tracking capability: a pure function from an image and
// the previous state to a fixed-length centerline, a confidence in [0, 1],
// and the next state. Implementations never fail; an undetectable tail is
// reported as zero confidence so downstream sequence numbers stay contiguous.
type Algorithm func(img types.Image, prev State) (points []types.Point, confidence float32, next State)
