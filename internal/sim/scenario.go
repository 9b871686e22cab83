package sim

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ScenarioScript is a deterministic, script-driven session description.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 3m
//	keyframes:
//	  - t: 0s
//	    bpm: 70
//	    cadence_spm: 0
//	    axis: z
//	    finger: true
//	  - t: 90s
//	    bpm: 120
//	    cadence_spm: 150
//	    axis: y
//
// bpm and cadence_spm interpolate linearly between keyframes; axis and finger
// hold the value of the earlier keyframe. finger defaults to true.
type ScenarioScript struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Keyframes []Keyframe    `yaml:"keyframes"`
}

type Keyframe struct {
	T          time.Duration `yaml:"t"`
	BPM        float64       `yaml:"bpm"`
	CadenceSPM float64       `yaml:"cadence_spm"`
	Axis       string        `yaml:"axis"`
	Finger     *bool         `yaml:"finger"`
}

// State is the generator input at one instant.
type State struct {
	BPM        float64
	CadenceSPM float64
	// Axis is the accelerometer channel (0=x, 1=y, 2=z) carrying the gait.
	Axis   int
	Finger bool
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	keyframes []Keyframe
	axes      []int
	duration  time.Duration
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}

	axes := make([]int, len(script.Keyframes))
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		if kf.BPM < 0 {
			return nil, fmt.Errorf("keyframes[%d].bpm must be >= 0", i)
		}
		if kf.CadenceSPM < 0 {
			return nil, fmt.Errorf("keyframes[%d].cadence_spm must be >= 0", i)
		}
		a, err := ParseAxis(kf.Axis)
		if err != nil {
			return nil, fmt.Errorf("keyframes[%d].axis: %w", i, err)
		}
		axes[i] = a
	}

	dur := script.Duration
	if dur <= 0 {
		dur = script.Keyframes[len(script.Keyframes)-1].T
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or deriveable from keyframes)")
	}
	return &Scenario{keyframes: script.Keyframes, axes: axes, duration: dur}, nil
}

// ParseAxis maps "x", "y", "z" to 0, 1, 2. Empty means z.
func ParseAxis(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x":
		return 0, nil
	case "y":
		return 1, nil
	case "", "z":
		return 2, nil
	default:
		return 0, fmt.Errorf("unknown axis %q", s)
	}
}

// Duration returns the effective scenario duration.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// StateAt computes the scenario state at elapsed.
//
// If loop is true, elapsed wraps around Duration(). Otherwise elapsed is clamped
// to [0, Duration()].
func (s *Scenario) StateAt(elapsed time.Duration, loop bool) State {
	if s == nil {
		return State{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if loop {
		elapsed = elapsed % s.duration
	} else if elapsed > s.duration {
		elapsed = s.duration
	}

	i0, i1, alpha := s.segment(elapsed)
	k0, k1 := s.keyframes[i0], s.keyframes[i1]
	finger := true
	if k0.Finger != nil {
		finger = *k0.Finger
	}
	return State{
		BPM:        lerp(k0.BPM, k1.BPM, alpha),
		CadenceSPM: lerp(k0.CadenceSPM, k1.CadenceSPM, alpha),
		Axis:       s.axes[i0],
		Finger:     finger,
	}
}

func (s *Scenario) segment(t time.Duration) (int, int, float64) {
	kfs := s.keyframes
	if len(kfs) == 1 {
		return 0, 0, 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return 0, 0, 0
	}
	if idx >= len(kfs) {
		return len(kfs) - 1, len(kfs) - 1, 0
	}
	dt := kfs[idx].T - kfs[idx-1].T
	if dt <= 0 {
		return idx, idx, 0
	}
	alpha := float64(t-kfs[idx-1].T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return idx - 1, idx, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
