package tschan

import (
	"testing"
	"time"

	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// TestFIFOOrder verifies messages come out in send order.
func TestFIFOOrder(t *testing.T) {
	c := New(8)

	for seq := uint64(0); seq < 5; seq++ {
		c.Send(types.TimestampMsg{Slot: int(seq % 3), Seq: seq})
	}

	for want := uint64(0); want < 5; want++ {
		msg, ok := c.Receive(time.Second)
		if !ok {
			t.Fatalf("Receive timed out at seq %d", want)
		}
		if msg.Seq != want {
			t.Errorf("expected seq %d, got %d", want, msg.Seq)
		}
	}
}

// TestDropOldestOnOverflow verifies the overflow policy: with capacity C and
// P unconsumed sends, exactly P-C oldest entries drop and the counter agrees.
func TestDropOldestOnOverflow(t *testing.T) {
	const capacity = 4
	const produced = 10
	c := New(capacity)

	for seq := uint64(0); seq < produced; seq++ {
		c.Send(types.TimestampMsg{Seq: seq})
	}

	stats := c.Stats()
	if stats.Dropped != produced-capacity {
		t.Errorf("expected %d dropped, got %d", produced-capacity, stats.Dropped)
	}
	if c.Len() != capacity {
		t.Errorf("expected %d queued, got %d", capacity, c.Len())
	}

	// Survivors are the newest entries, still in order
	for want := uint64(produced - capacity); want < produced; want++ {
		msg, ok := c.Receive(time.Second)
		if !ok {
			t.Fatalf("Receive timed out at seq %d", want)
		}
		if msg.Seq != want {
			t.Errorf("expected seq %d, got %d", want, msg.Seq)
		}
	}
}

// TestSendNeverBlocks verifies the producer returns promptly with no consumer.
func TestSendNeverBlocks(t *testing.T) {
	c := New(2)

	done := make(chan struct{})
	go func() {
		for seq := uint64(0); seq < 1000; seq++ {
			c.Send(types.TimestampMsg{Seq: seq})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked with a full queue")
	}
}

// TestReceiveTimeout verifies the consumer wait is bounded, so stop requests
// can be observed promptly.
func TestReceiveTimeout(t *testing.T) {
	c := New(4)

	start := time.Now()
	_, ok := c.Receive(50 * time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Error("expected timeout on empty channel")
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("Receive returned too early: %v", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Receive overstayed its timeout: %v", elapsed)
	}
}

// TestProducerConsumerNoLoss verifies that with a keeping-up consumer every
// message arrives exactly once.
func TestProducerConsumerNoLoss(t *testing.T) {
	const n = 500
	c := New(n) // capacity covers the burst, so no eviction can occur

	got := make(chan uint64, n)
	go func() {
		for i := 0; i < n; i++ {
			msg, ok := c.Receive(time.Second)
			if !ok {
				return
			}
			got <- msg.Seq
		}
		close(got)
	}()

	for seq := uint64(0); seq < n; seq++ {
		c.Send(types.TimestampMsg{Seq: seq})
	}

	for want := uint64(0); want < n; want++ {
		select {
		case seq := <-got:
			if seq != want {
				t.Fatalf("expected seq %d, got %d", want, seq)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("consumer stalled at seq %d", want)
		}
	}

	if d := c.Stats().Dropped; d != 0 {
		t.Errorf("expected no drops, got %d", d)
	}
}
