package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"pulsestep/internal/sample"
)

const (
	gravity = 9.81

	// gaitAmplitude is the half swing on the walking axis, in m/s^2.
	gaitAmplitude = 6.0

	ppgBaseline = 230.0
	ppgPulse    = 25.0

	// ppgDark is what the camera sees with no finger on the lens. It sits
	// well below the default validity floor.
	ppgDark = 40.0
)

type GeneratorConfig struct {
	MotionRateHz int
	PPGRateHz    int
	// Steady is used when Scenario is nil.
	Steady   State
	Scenario *Scenario
	// Loop wraps the scenario; otherwise its last keyframe holds forever.
	Loop bool
}

// Generator produces a synthetic walking accelerometer stream and a camera
// PPG stream, interleaved in timestamp order. Output is a pure function of
// the config, so runs are reproducible.
type Generator struct {
	cfg GeneratorConfig

	motionN, ppgN int64
	gaitPhase     float64
	beatPhase     float64
	lastMotionAt  int64
	lastPPGAt     int64
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.MotionRateHz <= 0 && cfg.PPGRateHz <= 0 {
		return nil, fmt.Errorf("sim: at least one of motion or ppg rate must be > 0")
	}
	if cfg.Scenario == nil && (cfg.Steady.Axis < 0 || cfg.Steady.Axis > 2) {
		return nil, fmt.Errorf("sim: axis must be 0, 1 or 2")
	}
	return &Generator{cfg: cfg}, nil
}

func (g *Generator) state(at int64) State {
	if g.cfg.Scenario == nil {
		return g.cfg.Steady
	}
	return g.cfg.Scenario.StateAt(time.Duration(at)*time.Millisecond, g.cfg.Loop)
}

func tsFor(n int64, rateHz int) int64 {
	return n * 1000 / int64(rateHz)
}

// Next returns the next sample across both streams. Motion wins timestamp ties.
func (g *Generator) Next() (sample.Stream, sample.Sample) {
	motionAt, ppgAt := int64(math.MaxInt64), int64(math.MaxInt64)
	if g.cfg.MotionRateHz > 0 {
		motionAt = tsFor(g.motionN, g.cfg.MotionRateHz)
	}
	if g.cfg.PPGRateHz > 0 {
		ppgAt = tsFor(g.ppgN, g.cfg.PPGRateHz)
	}
	if motionAt <= ppgAt {
		g.motionN++
		return sample.StreamMotion, g.motion(motionAt)
	}
	g.ppgN++
	return sample.StreamPPG, g.ppg(ppgAt)
}

func (g *Generator) motion(at int64) sample.Sample {
	st := g.state(at)
	dt := float64(at-g.lastMotionAt) / 1000
	g.lastMotionAt = at
	g.gaitPhase = math.Mod(g.gaitPhase+st.CadenceSPM/60*dt, 1)

	// The walking axis ramps through the stride and drops at heel strike.
	v := []float64{0, 0, gravity}
	v[st.Axis] += gaitAmplitude * (2*g.gaitPhase - 1)
	return sample.Sample{At: at, Values: v}
}

func (g *Generator) ppg(at int64) sample.Sample {
	st := g.state(at)
	dt := float64(at-g.lastPPGAt) / 1000
	g.lastPPGAt = at
	g.beatPhase = math.Mod(g.beatPhase+st.BPM/60*dt, 1)

	if !st.Finger {
		return sample.Sample{At: at, Values: []float64{ppgDark}}
	}
	// A fast systolic rise and a slower decay, roughly like a real pulse.
	w := 2 * math.Pi * g.beatPhase
	v := ppgBaseline + ppgPulse*(math.Sin(w)+0.25*math.Sin(2*w))
	return sample.Sample{At: at, Values: []float64{v}}
}

// Run emits samples in real time until ctx is done or, when limit > 0, the
// sample timestamps pass limit. A callback error stops the run.
func (g *Generator) Run(ctx context.Context, limit time.Duration, cb func(sample.Stream, sample.Sample) error) error {
	if cb == nil {
		return errors.New("sim: callback is nil")
	}
	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		stream, s := g.Next()
		if limit > 0 && time.Duration(s.At)*time.Millisecond > limit {
			return nil
		}
		if wait := time.Until(start.Add(time.Duration(s.At) * time.Millisecond)); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := cb(stream, s); err != nil {
			return err
		}
	}
}
