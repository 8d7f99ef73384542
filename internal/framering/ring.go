// Package framering implements the shared frame ring: a fixed number of
// fixed-geometry image slots carved out of a single mmap'd segment. The
// acquisition loop writes slots round-robin and hands ownership to the
// tracking loop via timestamp channel messages; the ring itself holds no
// per-slot locks. A slot is reused only when the producer wraps around to
// it, so a consumer that falls behind loses frames rather than blocking
// acquisition. Each slot carries a sequence stamp so a consumer holding a
// stale handoff token detects the reuse instead of silently reading a newer
// frame's pixels.
package framering

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// ErrStale is returned by Snapshot when the slot no longer holds the frame
// the handoff token refers to: the producer has wrapped around and reused
// it. The frame is lost; the caller counts it and moves on.
var ErrStale = errors.New("slot reused since handoff")

// writingBit marks a slot stamp while its pixels are being overwritten, so
// a concurrent Snapshot of a mid-write slot can never pass verification
const writingBit = 1 << 63

// noFrame is the stamp of a slot that has never been written
const noFrame = ^uint64(0)

// Ring is a shared-memory-backed ring of image slots
type Ring struct {
	name     string
	path     string
	slots    int
	width    int
	height   int
	channels int
	slotSize int

	file   *os.File
	data   []byte
	stamps []atomic.Uint64

	mu     sync.RWMutex
	writes uint64
	stale  uint64
	closed bool
}

// Config describes ring geometry, fixed at construction
type Config struct {
	// Dir is the backing directory; /dev/shm keeps the segment off disk
	Dir string
	// Name distinguishes concurrent instances sharing a directory
	Name string
	// Slots is the ring depth (>= 2)
	Slots    int
	Width    int
	Height   int
	Channels int
}

// Create allocates and maps the shared segment
func Create(cfg Config) (*Ring, error) {
	if cfg.Slots < 2 {
		return nil, fmt.Errorf("ring needs at least 2 slots, got %d", cfg.Slots)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("invalid slot geometry %dx%dx%d", cfg.Width, cfg.Height, cfg.Channels)
	}

	slotSize := cfg.Width * cfg.Height * cfg.Channels
	total := slotSize * cfg.Slots
	path := filepath.Join(cfg.Dir, fmt.Sprintf("minizfvr_ring_%s", cfg.Name))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create ring segment: %w", err)
	}
	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to size ring segment: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to mmap ring segment: %w", err)
	}

	slog.Info("frame ring created",
		"path", path,
		"slots", cfg.Slots,
		"slot_bytes", slotSize,
		"total_bytes", total,
	)

	stamps := make([]atomic.Uint64, cfg.Slots)
	for i := range stamps {
		stamps[i].Store(noFrame)
	}

	return &Ring{
		name:     cfg.Name,
		path:     path,
		slots:    cfg.Slots,
		width:    cfg.Width,
		height:   cfg.Height,
		channels: cfg.Channels,
		slotSize: slotSize,
		file:     f,
		data:     data,
		stamps:   stamps,
	}, nil
}

// Slots returns the ring depth
func (r *Ring) Slots() int {
	return r.slots
}

// Write copies an image into the given slot and stamps it with the frame's
// sequence number. The image must match the ring geometry. The stamp carries
// writingBit while the pixels are in flight, so a concurrent Snapshot of
// this slot fails stale instead of returning torn pixels.
func (r *Ring) Write(slot int, seq uint64, img types.Image) error {
	if slot < 0 || slot >= r.slots {
		return fmt.Errorf("slot %d out of range [0, %d)", slot, r.slots)
	}
	if len(img.Pix) != r.slotSize {
		return fmt.Errorf("image size %d does not match slot size %d", len(img.Pix), r.slotSize)
	}

	r.stamps[slot].Store(seq | writingBit)
	copy(r.data[slot*r.slotSize:(slot+1)*r.slotSize], img.Pix)
	r.stamps[slot].Store(seq)

	r.mu.Lock()
	r.writes++
	r.mu.Unlock()

	return nil
}

// Snapshot copies the slot's pixels out, verifying before and after the copy
// that the slot still holds the frame with the given sequence number. Returns
// ErrStale (and counts it) when the producer has reused the slot: the frame
// referenced by the handoff token is gone. buf is reused when it has slot
// size, otherwise a fresh buffer is allocated.
func (r *Ring) Snapshot(slot int, seq uint64, buf []byte) (types.Image, error) {
	if slot < 0 || slot >= r.slots {
		return types.Image{}, fmt.Errorf("slot %d out of range [0, %d)", slot, r.slots)
	}

	if r.stamps[slot].Load() != seq {
		return types.Image{}, r.markStale()
	}

	if len(buf) != r.slotSize {
		buf = make([]byte, r.slotSize)
	}
	copy(buf, r.data[slot*r.slotSize:(slot+1)*r.slotSize])

	if r.stamps[slot].Load() != seq {
		return types.Image{}, r.markStale()
	}

	return types.Image{
		Width:    r.width,
		Height:   r.height,
		Channels: r.channels,
		Pix:      buf,
	}, nil
}

func (r *Ring) markStale() error {
	r.mu.Lock()
	r.stale++
	r.mu.Unlock()
	return ErrStale
}

// Read returns a non-owning view of the given slot. The view is valid only
// until the producer reuses the slot; consumers holding a handoff token use
// Snapshot instead.
func (r *Ring) Read(slot int) (types.Image, error) {
	if slot < 0 || slot >= r.slots {
		return types.Image{}, fmt.Errorf("slot %d out of range [0, %d)", slot, r.slots)
	}

	return types.Image{
		Width:    r.width,
		Height:   r.height,
		Channels: r.channels,
		Pix:      r.data[slot*r.slotSize : (slot+1)*r.slotSize],
	}, nil
}

// Stats contains ring statistics. Stale counts Snapshot calls that found
// their slot reused; each one is a frame lost to a slow consumer.
type Stats struct {
	Slots     int
	SlotBytes int
	Writes    uint64
	Stale     uint64
}

// Stats returns ring statistics
func (r *Ring) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Slots:     r.slots,
		SlotBytes: r.slotSize,
		Writes:    r.writes,
		Stale:     r.stale,
	}
}

// Close unmaps and removes the shared segment. Views returned by Read are
// invalid after Close.
func (r *Ring) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	if err := unix.Munmap(r.data); err != nil {
		firstErr = fmt.Errorf("failed to unmap ring segment: %w", err)
	}
	if err := r.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close ring segment: %w", err)
	}
	if err := os.Remove(r.path); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to remove ring segment: %w", err)
	}

	slog.Info("frame ring closed", "path", r.path)
	return firstErr
}
