package resultstore

import (
	"sync"
	"testing"

	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// TestLatestValueWins verifies overwrites replace, never queue.
func TestLatestValueWins(t *testing.T) {
	s := New()

	if _, ok := s.Latest(); ok {
		t.Fatal("empty store should report no data")
	}

	for seq := uint64(0); seq < 5; seq++ {
		s.Publish(types.Result{Seq: seq, Status: types.TrackOK})
	}

	res, ok := s.Latest()
	if !ok {
		t.Fatal("expected data after publish")
	}
	if res.Seq != 4 {
		t.Errorf("expected latest seq 4, got %d", res.Seq)
	}
	if s.Updates() != 5 {
		t.Errorf("expected 5 updates, got %d", s.Updates())
	}
}

// TestReaderGetsCopy verifies mutations of a returned result do not reach
// the store or the writer's buffer.
func TestReaderGetsCopy(t *testing.T) {
	s := New()

	points := []types.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}
	s.Publish(types.Result{Seq: 7, Points: points})

	// writer reuses its buffer
	points[0].X = 99

	res, _ := s.Latest()
	if res.Points[0].X != 1 {
		t.Error("stored result aliases the writer's buffer")
	}

	// reader mutation is private
	res.Points[1].X = 55
	again, _ := s.Latest()
	if again.Points[1].X != 3 {
		t.Error("reader mutation leaked into the store")
	}
}

// TestConcurrentReadWrite exercises the lock under race detection: one
// writer overwriting, several readers polling. Readers must always observe
// internally consistent results (seq matches the point payload).
func TestConcurrentReadWrite(t *testing.T) {
	s := New()
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(0); seq < n; seq++ {
			s.Publish(types.Result{
				Seq:    seq,
				Points: []types.Point{{X: float32(seq), Y: float32(seq)}},
			})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				res, ok := s.Latest()
				if !ok {
					continue
				}
				if len(res.Points) != 1 || uint64(res.Points[0].X) != res.Seq {
					t.Errorf("torn read: seq=%d points=%v", res.Seq, res.Points)
					return
				}
			}
		}()
	}

	wg.Wait()
}
