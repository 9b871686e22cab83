// Package filter holds the low-pass smoothing stage shared by the motion and
// PPG pipelines.
package filter

import "fmt"

// Exponential is a single-pole IIR low-pass filter over a fixed group of
// channels: out = prev + (raw - prev) / constant.
//
// A constant of 1 passes input through unchanged; larger values smooth harder.
// The first call seeds the state, so the first output equals the first input.
// Not safe for concurrent use; one instance belongs to one channel group.
type Exponential struct {
	constant float64
	prev     []float64
}

func NewExponential(constant float64) (*Exponential, error) {
	if constant < 1 {
		return nil, fmt.Errorf("filter: smoothing constant must be >= 1, got %v", constant)
	}
	return &Exponential{constant: constant}, nil
}

// Filter smooths raw and returns a new slice of the same length.
// If the channel count differs from the previous call, the state reseeds from raw.
func (f *Exponential) Filter(raw []float64) []float64 {
	out := make([]float64, len(raw))
	if len(f.prev) != len(raw) {
		f.prev = make([]float64, len(raw))
		copy(f.prev, raw)
		copy(out, raw)
		return out
	}
	for i, r := range raw {
		out[i] = f.prev[i] + (r-f.prev[i])/f.constant
		f.prev[i] = out[i]
	}
	return out
}

// Reset drops the filter history; the next call seeds again.
func (f *Exponential) Reset() {
	f.prev = nil
}
