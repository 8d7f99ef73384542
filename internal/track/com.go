package track

import (
	"math"

	"github.com/ryosukecooltanaka/minizfvr/internal/config"
	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// NewCenterOfMass builds the stytra-style center-of-mass tail tracker.
// Starting from the configured resting base/tip line, each segment tip is
// placed on the half-line from the segment base through the intensity
// center-of-mass of a search disc, at the fixed segment length. The fitted
// centerline always has NSegments+1 points; unresolved segments are padded
// with the last resolved point and lower the confidence proportionally.
// Base/tip coordinates are in the post-rescaling frame.
func NewCenterOfMass(cfg config.TrackingConfig) Algorithm {
	return func(img types.Image, prev State) ([]types.Point, float32, State) {
		proc := Preprocess(img, cfg)

		points, angles, found := comWalk(proc, cfg)
		if found == 0 {
			// nothing resolved: report the previous centerline at zero
			// confidence so the result stream stays contiguous
			return prev.Points, 0, prev
		}

		confidence := float32(found) / float32(cfg.NSegments)
		deflection := 0.0
		if found >= 2 {
			deflection = angles[found-1] - angles[0]
		} else {
			confidence = 0
		}

		// pad unresolved tail segments with the last resolved point
		for i := found + 1; i <= cfg.NSegments; i++ {
			points[i] = points[found]
		}

		next := State{Points: points, Deflection: deflection}
		return points, confidence, next
	}
}

// comWalk fits segments base-to-tip. Returns NSegments+1 points (entries
// past found+1 are unset), per-segment angles, and the resolved segment
// count.
func comWalk(img types.Image, cfg config.TrackingConfig) ([]types.Point, []float64, int) {
	n := cfg.NSegments
	totalLength := math.Hypot(cfg.TipX-cfg.BaseX, cfg.TipY-cfg.BaseY)
	segLength := totalLength / float64(n)

	bx, by := cfg.BaseX, cfg.BaseY
	dx := (cfg.TipX - bx) / float64(n)
	dy := (cfg.TipY - by) / float64(n)

	points := make([]types.Point, n+1)
	angles := make([]float64, n)
	points[0] = types.Point{X: float32(bx), Y: float32(by)}

	found := 0
	for i := 0; i < n; i++ {
		bx, by, dx, dy = findTipWithCOM(img, bx, by, dx, dy, segLength, float64(cfg.SearchRadius))
		if bx < 0 {
			break
		}
		angles[i] = math.Atan2(dx, dy)
		points[i+1] = types.Point{X: float32(bx), Y: float32(by)}
		found++
	}

	return points, angles, found
}

// findTipWithCOM locates one segment tip: compute the intensity
// center-of-mass within a disc around the guessed tip (base + previous
// direction), then force the fixed segment length along the base-to-COM
// line. Negative bx signals failure (search area empty or outside image).
func findTipWithCOM(img types.Image, bx, by, dx, dy, lseg, radius float64) (float64, float64, float64, float64) {
	w, h := float64(img.Width), float64(img.Height)

	x0 := int(clampFloat(bx+dx-radius, 0, w))
	x1 := int(clampFloat(bx+dx+radius, 0, w))
	y0 := int(clampFloat(by+dy-radius, 0, h))
	y1 := int(clampFloat(by+dy+radius, 0, h))

	if x0 == x1 && y0 == y1 {
		return -1, -1, 0, 0
	}

	gx, gy := bx+dx, by+dy
	rr := radius * radius

	var totalIntensity, summedIX, summedIY float64
	for y := y0; y < y1; y++ {
		row := y * img.Width
		fy := float64(y)
		for x := x0; x < x1; x++ {
			fx := float64(x)
			if (fx-gx)*(fx-gx)+(fy-gy)*(fy-gy) > rr {
				continue
			}
			v := float64(img.Pix[row+x])
			totalIntensity += v
			summedIX += fx * v
			summedIY += fy * v
		}
	}

	if totalIntensity == 0 {
		return -1, -1, 0, 0
	}

	comX := summedIX / totalIntensity
	comY := summedIY / totalIntensity

	lengthRatio := lseg / math.Hypot(comX-bx, comY-by)
	newDX := (comX - bx) * lengthRatio
	newDY := (comY - by) * lengthRatio

	return bx + newDX, by + newDY, newDX, newDY
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
