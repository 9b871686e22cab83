package steps

import "math"

// Axis selects which accelerometer channel carries the step signal.
type Axis int

const (
	AxisUnselected Axis = -1
	AxisX          Axis = 0
	AxisY          Axis = 1
	AxisZ          Axis = 2
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	default:
		return "unselected"
	}
}

// Calibration is the axis/threshold pair one window is detected against.
// The two fields are always produced together by one calibration pass.
type Calibration struct {
	Axis      Axis
	Threshold float64
}

// Valid reports whether the calibration names a real axis.
func (c Calibration) Valid() bool {
	return c.Axis >= AxisX && c.Axis <= AxisZ
}

// extremum is a running max or min with an explicit "not yet observed" state.
type extremum struct {
	v   float64
	set bool
}

// Calibrator tracks per-axis extrema over the current window and decides
// which axis discriminates steps best.
type Calibrator struct {
	cooldownSamples int
	minSpan         float64

	max, min [3]extremum
	axis     Axis
	cooldown int
}

func NewCalibrator(cooldownSamples int, minSpan float64) *Calibrator {
	return &Calibrator{
		cooldownSamples: cooldownSamples,
		minSpan:         minSpan,
		axis:            AxisUnselected,
	}
}

// Axis returns the current selection.
func (c *Calibrator) Axis() Axis {
	return c.axis
}

// Cooldown returns how many steady-phase evaluations remain blocked.
func (c *Calibrator) Cooldown() int {
	return c.cooldown
}

// Observe folds one filtered triaxial sample into the window extrema.
func (c *Calibrator) Observe(v [3]float64) {
	for i := 0; i < 3; i++ {
		if !c.max[i].set || v[i] >= c.max[i].v {
			c.max[i] = extremum{v: v[i], set: true}
		}
		if !c.min[i].set || v[i] < c.min[i].v {
			c.min[i] = extremum{v: v[i], set: true}
		}
	}
}

// Span returns max-min for axis a, or 0 if either extremum is unset.
func (c *Calibrator) Span(a Axis) float64 {
	if a < AxisX || a > AxisZ {
		return 0
	}
	i := int(a)
	if !c.max[i].set || !c.min[i].set {
		return 0
	}
	return math.Abs(c.max[i].v - c.min[i].v)
}

func (c *Calibrator) extremaComplete() bool {
	for i := 0; i < 3; i++ {
		if !c.max[i].set || !c.min[i].set {
			return false
		}
	}
	return true
}

// widest returns the axis whose span strictly exceeds both others.
func (c *Calibrator) widest() (Axis, float64, bool) {
	x, y, z := c.Span(AxisX), c.Span(AxisY), c.Span(AxisZ)
	switch {
	case x > y && x > z:
		return AxisX, x, true
	case y > x && y > z:
		return AxisY, y, true
	case z > x && z > y:
		return AxisZ, z, true
	default:
		return AxisUnselected, 0, false
	}
}

// ChooseCoarse picks the widest axis unconditionally. Ties keep the previous
// selection. It reports whether the selection changed.
func (c *Calibrator) ChooseCoarse() bool {
	a, _, ok := c.widest()
	if !ok || a == c.axis {
		return false
	}
	c.axis = a
	return true
}

// ChooseSteady applies the guarded re-selection used once the sensor has
// settled. A candidate is accepted only when the cooldown has elapsed, every
// extremum has been observed, and its span is strictly widest and at least
// the minimum span. Any accepted candidate re-arms the cooldown.
//
// It returns the previous axis and whether the selection changed.
func (c *Calibrator) ChooseSteady() (prev Axis, changed bool) {
	prev = c.axis
	if c.cooldown > 0 {
		c.cooldown--
		return prev, false
	}
	if !c.extremaComplete() {
		return prev, false
	}
	a, span, ok := c.widest()
	if !ok || span < c.minSpan {
		return prev, false
	}
	c.cooldown = c.cooldownSamples
	c.axis = a
	return prev, a != prev
}

// Calibrate computes the threshold on the selected axis from the current
// window and resets the extrema for the next window. ok is false while no
// axis is selected; the extrema are reset either way.
func (c *Calibrator) Calibrate() (cal Calibration, ok bool) {
	defer c.reset()
	if c.axis == AxisUnselected {
		return Calibration{Axis: AxisUnselected}, false
	}
	i := int(c.axis)
	if !c.max[i].set || !c.min[i].set {
		return Calibration{Axis: AxisUnselected}, false
	}
	return Calibration{Axis: c.axis, Threshold: (c.max[i].v + c.min[i].v) / 2}, true
}

func (c *Calibrator) reset() {
	c.max = [3]extremum{}
	c.min = [3]extremum{}
}
