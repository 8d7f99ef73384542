// Package estimator derives fictive swim properties from the tail angle
// stream: vigor (windowed standard deviation of the tail deflection) and,
// per detected bout, a turn bias (baseline-subtracted mean deflection over
// the initial bout window). Closed-loop stimulus consumers steer on these
// two numbers.
package estimator

import (
	"math"
	"sync"
)

// Config holds estimation windows (seconds) and the bout threshold (radians)
type Config struct {
	BufferSize          int
	VigorWindowS        float64
	BiasWindowS         float64
	BiasBaselineWindowS float64
	VigorThreshold      float64
}

// Estimator keeps a short angle history and the latest swim estimates.
// Register and the accessors are safe for concurrent use.
type Estimator struct {
	cfg Config

	mu         sync.RWMutex
	timestamps []float64
	angles     []float64
	index      int
	filled     int

	vigor           float64
	bias            float64
	lastBias        float64
	inBout          bool
	boutOnsetT      float64
	biasCalcPending bool
	bouts           uint64
}

// New creates an estimator
func New(cfg Config) *Estimator {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 300
	}
	return &Estimator{
		cfg:        cfg,
		timestamps: make([]float64, cfg.BufferSize),
		angles:     make([]float64, cfg.BufferSize),
		index:      -1,
	}
}

// Register appends a new (timestamp, deflection) sample and updates the
// swim estimates
func (e *Estimator) Register(timestamp, angle float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.index = (e.index + 1) % len(e.timestamps)
	e.timestamps[e.index] = timestamp
	e.angles[e.index] = angle
	if e.filled < len(e.timestamps) {
		e.filled++
	}

	e.update(timestamp)
}

// update recomputes vigor and runs the bout state machine. Caller holds mu.
// Bias is a pulse: nonzero only on the update where a bout's bias is
// computed, zero on every other sample. The caller reads it right after
// Register and must not miss that sample; lastBias keeps the latched value
// for status reporting.
func (e *Estimator) update(lastT float64) {
	e.vigor = e.windowStd(lastT-e.cfg.VigorWindowS, lastT)
	e.bias = 0

	// A bout is a continuous stretch of vigor above threshold. The bias is
	// computed once per bout, after the initial bias window has elapsed.
	if !e.inBout && e.vigor > e.cfg.VigorThreshold {
		e.inBout = true
		e.biasCalcPending = true
		e.boutOnsetT = lastT
		e.bouts++
	}
	if e.vigor < e.cfg.VigorThreshold {
		e.inBout = false
	}

	if e.biasCalcPending && lastT > e.boutOnsetT+e.cfg.BiasWindowS {
		e.biasCalcPending = false
		baselineMean := e.windowMean(lastT-e.cfg.BiasWindowS-e.cfg.BiasBaselineWindowS, lastT-e.cfg.BiasWindowS)
		boutMean := e.windowMean(lastT-e.cfg.BiasWindowS, lastT)
		if !math.IsNaN(baselineMean) && !math.IsNaN(boutMean) {
			e.bias = boutMean - baselineMean
			e.lastBias = e.bias
		}
	}
}

// windowMean averages angles with timestamps in (from, to]. NaN when empty.
func (e *Estimator) windowMean(from, to float64) float64 {
	var sum float64
	var n int
	for i := 0; i < e.filled; i++ {
		if e.timestamps[i] > from && e.timestamps[i] <= to {
			sum += e.angles[i]
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// windowStd is the population standard deviation over (from, to]
func (e *Estimator) windowStd(from, to float64) float64 {
	mean := e.windowMean(from, to)
	if math.IsNaN(mean) {
		return 0
	}
	var sum float64
	var n int
	for i := 0; i < e.filled; i++ {
		if e.timestamps[i] > from && e.timestamps[i] <= to {
			d := e.angles[i] - mean
			sum += d * d
			n++
		}
	}
	return math.Sqrt(sum / float64(n))
}

// Snapshot contains the current swim estimates. Bias is the per-bout pulse
// (nonzero only on the sample where a bout's bias was just computed);
// LastBias is the most recent bout's value, latched for status surfaces.
type Snapshot struct {
	Vigor    float64
	Bias     float64
	LastBias float64
	InBout   bool
	Bouts    uint64
}

// Snapshot returns the current estimates
func (e *Estimator) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Snapshot{
		Vigor:    e.vigor,
		Bias:     e.bias,
		LastBias: e.lastBias,
		InBout:   e.inBout,
		Bouts:    e.bouts,
	}
}
