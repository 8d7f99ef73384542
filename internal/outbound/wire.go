package outbound

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// Record is the self-delimiting wire form of one tracking result: a 4-byte
// big-endian length prefix followed by a msgpack body. Listeners detect
// dropped results by sequence gap; the stream itself never backfills.
type Record struct {
	Seq         uint64    `msgpack:"seq"`
	CaptureTime float64   `msgpack:"capture_time"`
	Points      []float32 `msgpack:"points"` // flattened x,y pairs
	Confidence  float32   `msgpack:"confidence"`
	Status      string    `msgpack:"status"`
	Deflection  float64   `msgpack:"tail_deflection"`
}

// maxRecordBytes bounds reader allocations against corrupt prefixes
const maxRecordBytes = 1 << 20

// NewRecord converts a result into its wire form
func NewRecord(res types.Result) Record {
	points := make([]float32, 0, len(res.Points)*2)
	for _, p := range res.Points {
		points = append(points, p.X, p.Y)
	}
	return Record{
		Seq:         res.Seq,
		CaptureTime: res.CaptureTime,
		Points:      points,
		Confidence:  res.Confidence,
		Status:      string(res.Status),
		Deflection:  res.Deflection,
	}
}

// WriteRecord serializes one length-prefixed record onto w
func WriteRecord(w io.Writer, rec Record) error {
	body, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write record body: %w", err)
	}
	return nil
}

// ReadRecord parses one length-prefixed record from r. Intended for
// listeners (and tests); the server side only writes.
func ReadRecord(r io.Reader) (Record, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Record{}, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 || length > maxRecordBytes {
		return Record{}, fmt.Errorf("invalid record length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, fmt.Errorf("failed to read record body: %w", err)
	}

	var rec Record
	if err := msgpack.Unmarshal(body, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}
