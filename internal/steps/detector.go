// Package steps turns a triaxial accelerometer stream into step events.
//
// Samples are smoothed, buffered into short windows, and each window is
// processed as one unit: pick the axis and threshold from the window, detect
// falling edges in the same window, then clear it. Detecting against a
// threshold derived from the window being scanned is what keeps the
// detector adaptive, so the three phases are never split apart.
package steps

import (
	"fmt"

	"pulsestep/internal/events"
	"pulsestep/internal/filter"
	"pulsestep/internal/sample"
)

type Config struct {
	Smoothing float64

	// WarmupSamples are observed but never buffered; they cover the time it
	// takes to put the phone in a pocket.
	WarmupSamples int
	// CoarseUntil and CoarseEvery drive the unguarded axis choice while the
	// sensor is still settling.
	CoarseUntil int
	CoarseEvery int

	AxisCooldown int
	MinAxisSpan  float64

	// FlushAfter: a window is processed once it holds more than this many samples.
	FlushAfter int
	MinSlope   float64

	// EmitOnAxisChange emits a step for the newest buffered sample whenever
	// the steady phase changes the selected axis, including the first
	// selection out of the unselected state. This can double count a step
	// the edge detector also catches in the next window.
	EmitOnAxisChange bool
}

func DefaultConfig() Config {
	return Config{
		Smoothing:        1,
		WarmupSamples:    15,
		CoarseUntil:      30,
		CoarseEvery:      5,
		AxisCooldown:     20,
		MinAxisSpan:      8,
		FlushAfter:       3,
		MinSlope:         1,
		EmitOnAxisChange: true,
	}
}

func (c Config) validate() error {
	if c.WarmupSamples < 0 {
		return fmt.Errorf("steps: warmup samples must be >= 0")
	}
	if c.CoarseEvery <= 0 {
		return fmt.Errorf("steps: coarse cadence must be > 0")
	}
	if c.AxisCooldown < 0 {
		return fmt.Errorf("steps: axis cooldown must be >= 0")
	}
	if c.FlushAfter < 1 {
		return fmt.Errorf("steps: flush size must be >= 1")
	}
	return nil
}

// Snapshot is a read-only view of detector state.
type Snapshot struct {
	Samples     uint64
	Steps       int
	Axis        Axis
	Threshold   float64
	Calibrated  bool
	Buffered    int
	AxisChanges int
	// LastAt is the timestamp of the newest accepted sample.
	LastAt      int64
}

// Detector is the motion pipeline. It is not safe for concurrent use: feed it
// from one goroutine.
type Detector struct {
	cfg    Config
	sink   events.Sink
	smooth *filter.Exponential
	cal    *Calibrator
	edge   EdgeDetector
	clock  sample.Clock

	window  []sample.Sample
	seen    uint64
	steps   int
	last    Calibration
	changes int

	// Logf receives diagnostics when non-nil.
	Logf func(format string, args ...any)
}

func New(cfg Config, sink events.Sink) (*Detector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	f, err := filter.NewExponential(cfg.Smoothing)
	if err != nil {
		return nil, fmt.Errorf("steps: %w", err)
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Detector{
		cfg:    cfg,
		sink:   sink,
		smooth: f,
		cal:    NewCalibrator(cfg.AxisCooldown, cfg.MinAxisSpan),
		edge:   EdgeDetector{MinSlope: cfg.MinSlope},
		window: make([]sample.Sample, 0, cfg.FlushAfter+1),
		last:   Calibration{Axis: AxisUnselected},
	}, nil
}

// Push feeds one raw accelerometer sample. Samples with the wrong arity or a
// timestamp older than the previous sample are rejected and change nothing.
func (d *Detector) Push(s sample.Sample) error {
	if len(s.Values) != 3 {
		return fmt.Errorf("steps: %w: want 3, got %d", sample.ErrArity, len(s.Values))
	}
	if err := d.clock.Accept(s.At); err != nil {
		return fmt.Errorf("steps: %w", err)
	}

	filtered := d.smooth.Filter(s.Values)
	d.seen++
	events.ReportWaveform(d.sink, sample.StreamMotion, s.At, filtered)

	d.cal.Observe([3]float64{filtered[0], filtered[1], filtered[2]})
	if d.seen <= uint64(d.cfg.WarmupSamples) {
		return nil
	}

	cur := sample.Sample{At: s.At, Values: filtered}
	d.window = append(d.window, cur)

	if d.seen < uint64(d.cfg.CoarseUntil) && d.seen%uint64(d.cfg.CoarseEvery) == 0 {
		d.cal.ChooseCoarse()
	} else if prev, changed := d.cal.ChooseSteady(); changed {
		d.changes++
		d.logf("steps: axis %s -> %s (span %.2f)", prev, d.cal.Axis(), d.cal.Span(d.cal.Axis()))
		if d.cfg.EmitOnAxisChange {
			d.emit(cur)
		}
	}

	if len(d.window) > d.cfg.FlushAfter {
		d.processWindow()
	}
	return nil
}

// processWindow calibrates on the buffered window, detects against that
// calibration, and clears the window.
func (d *Detector) processWindow() {
	defer func() { d.window = d.window[:0] }()

	if d.cal.Axis() == AxisUnselected {
		d.cal.ChooseCoarse()
	}
	cal, ok := d.cal.Calibrate()
	if !ok {
		d.logf("steps: calibration not yet complete, skipping %d samples", len(d.window))
		return
	}
	d.last = cal

	for _, i := range d.edge.Detect(d.window, cal) {
		d.emit(d.window[i])
	}
}

func (d *Detector) emit(s sample.Sample) {
	d.steps++
	events.ReportStep(d.sink, s.At, s.Values, d.steps)
}

func (d *Detector) logf(format string, args ...any) {
	if d.Logf != nil {
		d.Logf(format, args...)
	}
}

// Steps returns the number of steps detected since construction.
func (d *Detector) Steps() int {
	return d.steps
}

func (d *Detector) Snapshot() Snapshot {
	s := Snapshot{
		Samples:     d.seen,
		Steps:       d.steps,
		Axis:        d.last.Axis,
		Threshold:   d.last.Threshold,
		Calibrated:  d.last.Valid(),
		Buffered:    len(d.window),
		AxisChanges: d.changes,
	}
	s.LastAt, _ = d.clock.Last()
	return s
}
