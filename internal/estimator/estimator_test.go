package estimator

import (
	"math"
	"testing"
)

func testConfig() Config {
	return Config{
		BufferSize:          300,
		VigorWindowS:        0.05,
		BiasWindowS:         0.07,
		BiasBaselineWindowS: 0.05,
		VigorThreshold:      0.05,
	}
}

// feed registers samples at dt intervals from a deflection function
func feed(e *Estimator, from, to, dt float64, angle func(t float64) float64) {
	for t := from; t < to; t += dt {
		e.Register(t, angle(t))
	}
}

// TestQuiescentTailHasNoVigor verifies a still tail never crosses the bout
// threshold.
func TestQuiescentTailHasNoVigor(t *testing.T) {
	e := New(testConfig())

	feed(e, 0, 1.0, 0.005, func(float64) float64 { return 0.001 })

	snap := e.Snapshot()
	if snap.Vigor > 0.01 {
		t.Errorf("expected near-zero vigor, got %v", snap.Vigor)
	}
	if snap.InBout || snap.Bouts != 0 {
		t.Errorf("expected no bouts, got %+v", snap)
	}
}

// TestBoutDetection verifies an oscillating tail raises vigor, opens exactly
// one bout, and closes it when the tail stills again.
func TestBoutDetection(t *testing.T) {
	e := New(testConfig())

	// quiet lead-in for the bias baseline
	feed(e, 0, 0.5, 0.005, func(float64) float64 { return 0 })

	// vigorous symmetric beating at 20 Hz, 0.5 rad amplitude
	feed(e, 0.5, 0.8, 0.005, func(t float64) float64 {
		return 0.5 * math.Sin(2*math.Pi*20*t)
	})

	snap := e.Snapshot()
	if !snap.InBout {
		t.Error("expected to be in a bout during beating")
	}
	if snap.Bouts != 1 {
		t.Errorf("expected exactly 1 bout, got %d", snap.Bouts)
	}
	if snap.Vigor <= testConfig().VigorThreshold {
		t.Errorf("expected vigor above threshold, got %v", snap.Vigor)
	}

	// tail stills, bout must close
	feed(e, 0.8, 1.2, 0.005, func(float64) float64 { return 0 })
	if e.Snapshot().InBout {
		t.Error("expected bout to close on a still tail")
	}
}

// TestTurnBiasPulse verifies a one-sided bout emits its bias exactly once,
// as a single nonzero sample of matching sign, and that the latched value
// survives for status readers.
func TestTurnBiasPulse(t *testing.T) {
	e := New(testConfig())

	feed(e, 0, 0.5, 0.005, func(float64) float64 { return 0 })

	// rightward-biased beating: offset sine, always positive-leaning.
	// Sample Bias after every Register; the pulse must appear on exactly one.
	pulses := 0
	var pulse float64
	for ts := 0.5; ts < 0.8; ts += 0.005 {
		e.Register(ts, 0.3+0.2*math.Sin(2*math.Pi*20*ts))
		if b := e.Snapshot().Bias; b != 0 {
			pulses++
			pulse = b
		}
	}

	if pulses != 1 {
		t.Fatalf("bias pulsed on %d samples, want exactly 1", pulses)
	}
	if pulse <= 0 {
		t.Errorf("expected positive turn bias for positive-leaning bout, got %v", pulse)
	}

	snap := e.Snapshot()
	if snap.Bias != 0 {
		t.Errorf("bias still %v after the pulse sample, want 0", snap.Bias)
	}
	if snap.LastBias != pulse {
		t.Errorf("latched bias %v, want %v", snap.LastBias, pulse)
	}
}
