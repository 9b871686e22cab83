// Package ppg detects heartbeats in a camera PPG intensity stream and keeps a
// running BPM estimate.
//
// The detector first buffers a calibration window (60 s by default, measured
// on sample timestamps), finds every local maximum in it once, and then
// switches to a three-sample sliding window that classifies each new sample
// without looking back at history.
package ppg

import (
	"errors"
	"fmt"
	"time"

	"pulsestep/internal/events"
	"pulsestep/internal/filter"
	"pulsestep/internal/sample"
)

// ErrInsufficientSignal means the calibration window held no usable peaks, so
// no rate can ever be estimated from it. The detector stays failed.
var ErrInsufficientSignal = errors.New("ppg: insufficient signal quality for rate estimation")

type Phase int

const (
	PhaseCalibrating Phase = iota
	PhaseTracking
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCalibrating:
		return "calibrating"
	case PhaseTracking:
		return "tracking"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	Smoothing float64
	// Calibration is how much sample time to buffer before the scan.
	Calibration time.Duration
	// ValidityFloor: filtered values below it mean no finger on the lens.
	ValidityFloor float64
}

func DefaultConfig() Config {
	return Config{
		Smoothing:     2,
		Calibration:   60 * time.Second,
		ValidityFloor: 180,
	}
}

type point struct {
	at int64
	v  float64
}

// window is the steady-phase left/middle/right triple.
type window struct {
	left, middle, right point
}

// push shifts p in from the right and reports whether the middle sample is a
// peak: at least its left neighbour and strictly above its right one.
func (w *window) push(p point) (point, bool) {
	w.left, w.middle, w.right = w.middle, w.right, p
	if w.middle.v >= w.left.v && w.middle.v > w.right.v {
		return w.middle, true
	}
	return point{}, false
}

// Snapshot is a read-only view of detector state.
type Snapshot struct {
	Phase       Phase
	Samples     uint64
	Discarded   uint64
	Peaks       uint64
	WindowPeaks int
	BPM         int
	BPMValid    bool
	Buffered    int
	// WindowStart and WindowEnd are the oldest and newest peak timestamps the
	// rate is computed over.
	WindowStart int64
	WindowEnd   int64
	LastAt      int64
}

// Detector is the PPG pipeline. It is not safe for concurrent use.
type Detector struct {
	cfg    Config
	sink   events.Sink
	smooth *filter.Exponential
	clock  sample.Clock

	phase   Phase
	start   int64
	started bool
	buf     []point

	win   window
	peaks *PeakQueue
	bpm   BPMEstimator

	seen      uint64
	discarded uint64
	found     uint64

	// Logf receives diagnostics when non-nil.
	Logf func(format string, args ...any)
}

func New(cfg Config, sink events.Sink) (*Detector, error) {
	if cfg.Calibration <= 0 {
		return nil, fmt.Errorf("ppg: calibration window must be > 0")
	}
	f, err := filter.NewExponential(cfg.Smoothing)
	if err != nil {
		return nil, fmt.Errorf("ppg: %w", err)
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Detector{cfg: cfg, sink: sink, smooth: f}, nil
}

// Push feeds one raw PPG sample. Samples below the validity floor after
// smoothing are dropped and return nil. Once calibration has failed every
// call returns ErrInsufficientSignal.
func (d *Detector) Push(s sample.Sample) error {
	if d.phase == PhaseFailed {
		return ErrInsufficientSignal
	}
	if len(s.Values) != 1 {
		return fmt.Errorf("ppg: %w: want 1, got %d", sample.ErrArity, len(s.Values))
	}
	if err := d.clock.Accept(s.At); err != nil {
		return fmt.Errorf("ppg: %w", err)
	}

	v := d.smooth.Filter(s.Values)[0]
	d.seen++
	if v < d.cfg.ValidityFloor {
		d.discarded++
		return nil
	}
	events.ReportWaveform(d.sink, sample.StreamPPG, s.At, []float64{v})

	p := point{at: s.At, v: v}
	switch d.phase {
	case PhaseCalibrating:
		return d.calibrate(p)
	case PhaseTracking:
		return d.track(p)
	}
	return nil
}

func (d *Detector) calibrate(p point) error {
	d.buf = append(d.buf, p)
	if !d.started {
		d.started = true
		d.start = p.at
		return nil
	}
	if p.at-d.start <= d.cfg.Calibration.Milliseconds() {
		return nil
	}

	var seed []int64
	for i := 1; i < len(d.buf)-1; i++ {
		if d.buf[i].v > d.buf[i-1].v && d.buf[i].v > d.buf[i+1].v {
			seed = append(seed, d.buf[i].at)
		}
	}
	n := len(d.buf)
	if len(seed) == 0 || n < 3 {
		d.phase = PhaseFailed
		d.buf = nil
		d.logf("ppg: calibration found %d peaks in %d samples", len(seed), n)
		return ErrInsufficientSignal
	}

	d.peaks = NewPeakQueue(seed)
	d.win = window{left: d.buf[n-3], middle: d.buf[n-2], right: d.buf[n-1]}
	d.buf = nil
	d.phase = PhaseTracking
	d.logf("ppg: calibrated with %d peaks", len(seed))
	return nil
}

func (d *Detector) track(p point) error {
	peak, ok := d.win.push(p)
	if !ok {
		return nil
	}

	windowStart, err := d.peaks.Dequeue()
	if err != nil {
		d.phase = PhaseFailed
		return fmt.Errorf("%w: %v", ErrInsufficientSignal, err)
	}
	d.peaks.Enqueue(peak.at)
	d.found++
	d.sink.PeakDetected(peak.at, peak.v)

	if bpm, ok := d.bpm.Update(d.peaks.Len(), windowStart, peak.at); ok {
		d.sink.BPMUpdated(bpm)
	}
	return nil
}

func (d *Detector) logf(format string, args ...any) {
	if d.Logf != nil {
		d.Logf(format, args...)
	}
}

func (d *Detector) Phase() Phase {
	return d.phase
}

// BPM returns the latest estimate; ok is false until the first steady-phase peak.
func (d *Detector) BPM() (int, bool) {
	return d.bpm.Current()
}

func (d *Detector) Snapshot() Snapshot {
	bpm, ok := d.bpm.Current()
	s := Snapshot{
		Phase:     d.phase,
		Samples:   d.seen,
		Discarded: d.discarded,
		Peaks:     d.found,
		BPM:       bpm,
		BPMValid:  ok,
		Buffered:  len(d.buf),
	}
	if d.peaks != nil {
		s.WindowPeaks = d.peaks.Len()
		s.WindowStart, _ = d.peaks.Oldest()
		s.WindowEnd, _ = d.peaks.Newest()
	}
	s.LastAt, _ = d.clock.Last()
	return s
}
