package sim

import (
	"math"
	"path/filepath"
	"testing"
	"time"
)

func TestScenario_ParseAndInterpolate(t *testing.T) {
	yaml := []byte(`
version: 1
# duration derived from last keyframe
keyframes:
  - t: 0s
    bpm: 60
    cadence_spm: 0
    axis: z
  - t: 10s
    bpm: 120
    cadence_spm: 100
    axis: y
    finger: false
`)

	script, err := ParseScenarioScriptYAML(yaml)
	if err != nil {
		t.Fatalf("ParseScenarioScriptYAML: %v", err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if scn.Duration() != 10*time.Second {
		t.Fatalf("duration: got %s want %s", scn.Duration(), 10*time.Second)
	}

	st := scn.StateAt(5*time.Second, false)
	if st.BPM != 90 {
		t.Fatalf("bpm interpolation: got %v want 90", st.BPM)
	}
	if st.CadenceSPM != 50 {
		t.Fatalf("cadence interpolation: got %v want 50", st.CadenceSPM)
	}
	if st.Axis != 2 {
		t.Fatalf("axis should hold the earlier keyframe: got %d want 2", st.Axis)
	}
	if !st.Finger {
		t.Fatalf("finger should default to true")
	}

	end := scn.StateAt(20*time.Second, false)
	if end.BPM != 120 || end.Axis != 1 || end.Finger {
		t.Fatalf("clamped state: got %+v", end)
	}

	looped := scn.StateAt(15*time.Second, true)
	if looped != st {
		t.Fatalf("loop: got %+v want %+v", looped, st)
	}
}

func TestScenario_SingleKeyframeNeedsDuration(t *testing.T) {
	_, err := NewScenario(ScenarioScript{Keyframes: []Keyframe{{BPM: 70}}})
	if err == nil {
		t.Fatalf("expected duration error")
	}

	scn, err := NewScenario(ScenarioScript{Duration: time.Minute, Keyframes: []Keyframe{{BPM: 70, CadenceSPM: 100}}})
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	st := scn.StateAt(30*time.Second, true)
	if st.BPM != 70 || st.CadenceSPM != 100 || st.Axis != 2 {
		t.Fatalf("state: %+v", st)
	}
}

func TestScenario_Validation(t *testing.T) {
	cases := []struct {
		name   string
		script ScenarioScript
	}{
		{name: "Version", script: ScenarioScript{Version: 2, Keyframes: []Keyframe{{T: time.Second}}}},
		{name: "NoKeyframes", script: ScenarioScript{Duration: time.Second}},
		{name: "Unsorted", script: ScenarioScript{Keyframes: []Keyframe{{T: 2 * time.Second}, {T: time.Second}}}},
		{name: "NegativeTime", script: ScenarioScript{Keyframes: []Keyframe{{T: -time.Second}, {T: time.Second}}}},
		{name: "NegativeBPM", script: ScenarioScript{Keyframes: []Keyframe{{T: time.Second, BPM: -1}}}},
		{name: "BadAxis", script: ScenarioScript{Keyframes: []Keyframe{{T: time.Second, Axis: "w"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewScenario(tc.script); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseAxis(t *testing.T) {
	for in, want := range map[string]int{"x": 0, "Y": 1, " z ": 2, "": 2} {
		got, err := ParseAxis(in)
		if err != nil || got != want {
			t.Fatalf("ParseAxis(%q)=%d,%v want %d", in, got, err, want)
		}
	}
}

func TestScenario_ShippedWalkRun(t *testing.T) {
	script, err := LoadScenarioScript(filepath.Join("..", "..", "configs", "scenarios", "walk-run.yaml"))
	if err != nil {
		t.Fatalf("LoadScenarioScript() error: %v", err)
	}
	sc, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario() error: %v", err)
	}
	if sc.Duration() != 5*time.Minute {
		t.Fatalf("duration=%s want 5m", sc.Duration())
	}

	st := sc.StateAt(100*time.Second, false)
	if math.Abs(st.BPM-102.5) > 1e-9 || st.Axis != 2 || !st.Finger {
		t.Fatalf("state@100s=%+v", st)
	}
	st = sc.StateAt(205*time.Second, false)
	if st.Finger || st.Axis != 1 {
		t.Fatalf("state@205s=%+v want finger off on y", st)
	}
}
