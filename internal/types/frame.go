package types

// Image is a fixed-geometry raster of single-byte samples. Pix is row-major,
// Width*Height*Channels bytes. Images read from the frame ring are non-owning
// views into shared memory and are only valid until the slot is reused.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// Size returns the expected byte length of Pix.
func (im Image) Size() int {
	return im.Width * im.Height * im.Channels
}

// At returns the first-channel sample at (x, y). No bounds checking.
func (im Image) At(x, y int) byte {
	return im.Pix[(y*im.Width+x)*im.Channels]
}

// Clone returns a deep copy whose Pix does not alias shared memory.
func (im Image) Clone() Image {
	out := im
	out.Pix = make([]byte, len(im.Pix))
	copy(out.Pix, im.Pix)
	return out
}

// TimestampMsg is the slot handoff token posted by the acquisition loop for
// every captured frame. Ownership of the referenced ring slot transfers to the
// consumer with this message; the slot becomes eligible for reuse once the
// producer wraps around to it again.
type TimestampMsg struct {
	// Slot is the ring slot index holding the frame
	Slot int
	// CaptureTime is seconds on the process monotonic clock
	CaptureTime float64
	// Seq is the monotonic capture sequence number (starts at 0)
	Seq uint64
}
