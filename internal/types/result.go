package types

// TrackStatus describes the outcome of tracking a single frame
type TrackStatus string

const (
	// TrackOK means the tail was found
	TrackOK TrackStatus = "ok"
	// TrackLost means the algorithm could not find the tail; the result
	// carries the previous points and zero confidence
	TrackLost TrackStatus = "lost"
)

// Point is a 2D coordinate in the preprocessed image frame
type Point struct {
	X float32
	Y float32
}

// Result is one tracking outcome per processed frame. Sequence numbers stay
// contiguous with captured frames so downstream consumers detect drops by gap.
type Result struct {
	// Seq is the capture sequence number of the source frame
	Seq uint64
	// CaptureTime is seconds on the process monotonic clock
	CaptureTime float64
	// Points is the fitted tail centerline, base first (n_segments+1 points)
	Points []Point
	// Confidence is the fraction of segments the tracker resolved (0 when lost)
	Confidence float32
	// Status is ok or lost
	Status TrackStatus
	// Deflection is the tail angle in radians, tip segment minus base segment
	Deflection float64
}

// ClonePoints returns a copy of the result whose Points slice is not shared.
func (r Result) ClonePoints() Result {
	out := r
	out.Points = make([]Point, len(r.Points))
	copy(out.Points, r.Points)
	return out
}
