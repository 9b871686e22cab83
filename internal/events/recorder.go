package events

import (
	"sync"

	"pulsestep/internal/sample"
)

// Event is one notification captured by a Recorder.
type Event struct {
	Kind   string
	At     int64
	Values []float64
	Value  float64
	Count  int
}

const (
	KindStep     = "step"
	KindCount    = "count"
	KindPeak     = "peak"
	KindBPM      = "bpm"
	KindWaveform = "waveform"
)

// Recorder is a Sink that keeps every notification it receives, in order.
// It is meant for tests and for the replay summary.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	wave   bool
}

// NewRecorder returns a recorder; withWaveform also captures filtered samples.
func NewRecorder(withWaveform bool) *Recorder {
	return &Recorder{wave: withWaveform}
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) StepDetected(at int64, values []float64) {
	r.add(Event{Kind: KindStep, At: at, Values: append([]float64(nil), values...)})
}

func (r *Recorder) StepCountUpdated(count int) {
	r.add(Event{Kind: KindCount, Count: count})
}

func (r *Recorder) PeakDetected(at int64, value float64) {
	r.add(Event{Kind: KindPeak, At: at, Value: value})
}

func (r *Recorder) BPMUpdated(bpm int) {
	r.add(Event{Kind: KindBPM, Count: bpm})
}

func (r *Recorder) Waveform(stream sample.Stream, at int64, values []float64) {
	if !r.wave {
		return
	}
	r.add(Event{Kind: KindWaveform, At: at, Values: append([]float64(nil), values...)})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Filter returns the recorded events of kind, in order.
func (r *Recorder) Filter(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
