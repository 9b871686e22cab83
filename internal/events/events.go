// Package events defines the observer surface the detectors report into.
package events

import (
	"sync"

	"pulsestep/internal/sample"
)

// Sink receives detector output. Calls are synchronous on the producer's
// goroutine; a slow sink slows the pipeline that feeds it.
type Sink interface {
	StepDetected(at int64, values []float64)
	StepCountUpdated(count int)
	PeakDetected(at int64, value float64)
	BPMUpdated(bpm int)
}

// WaveformSink is implemented by sinks that also want every filtered sample,
// e.g. for a live plot.
type WaveformSink interface {
	Waveform(stream sample.Stream, at int64, values []float64)
}

// Nop implements Sink with no-ops. Embed it to handle only some notifications.
type Nop struct{}

func (Nop) StepDetected(int64, []float64) {}
func (Nop) StepCountUpdated(int)          {}
func (Nop) PeakDetected(int64, float64)   {}
func (Nop) BPMUpdated(int)                {}

// Handle identifies one registration in a Dispatcher.
type Handle int

type registration struct {
	id   Handle
	sink Sink
}

// Dispatcher fans notifications out to registered sinks in registration order.
// Registration may happen from any goroutine; dispatch iterates a snapshot so
// a sink can unregister itself without deadlocking.
type Dispatcher struct {
	mu     sync.RWMutex
	regs   []registration
	nextID Handle
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register appends s and returns a handle for Unregister.
// Registering the same sink twice delivers every event to it twice.
func (d *Dispatcher) Register(s Sink) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.regs = append(d.regs, registration{id: d.nextID, sink: s})
	return d.nextID
}

// Unregister removes the registration. It reports whether h was registered.
func (d *Dispatcher) Unregister(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.regs {
		if r.id == h {
			d.regs = append(d.regs[:i:i], d.regs[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.regs)
}

func (d *Dispatcher) snapshot() []registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.regs
}

// StepDetected notifies each sink of the step and then of the new total, one
// sink at a time.
func (d *Dispatcher) StepDetected(at int64, values []float64) {
	for _, r := range d.snapshot() {
		r.sink.StepDetected(at, values)
	}
}

func (d *Dispatcher) StepCountUpdated(count int) {
	for _, r := range d.snapshot() {
		r.sink.StepCountUpdated(count)
	}
}

func (d *Dispatcher) PeakDetected(at int64, value float64) {
	for _, r := range d.snapshot() {
		r.sink.PeakDetected(at, value)
	}
}

func (d *Dispatcher) BPMUpdated(bpm int) {
	for _, r := range d.snapshot() {
		r.sink.BPMUpdated(bpm)
	}
}

func (d *Dispatcher) Waveform(stream sample.Stream, at int64, values []float64) {
	for _, r := range d.snapshot() {
		if w, ok := r.sink.(WaveformSink); ok {
			w.Waveform(stream, at, values)
		}
	}
}

// Step reports one detected step followed by the updated count to each sink,
// so every observer sees the pair before the next observer runs.
func (d *Dispatcher) Step(at int64, values []float64, count int) {
	for _, r := range d.snapshot() {
		r.sink.StepDetected(at, values)
		r.sink.StepCountUpdated(count)
	}
}

type stepReporter interface {
	Step(at int64, values []float64, count int)
}

// ReportStep delivers a step and its updated count to s. A Dispatcher
// interleaves the pair per sink; any other sink gets the two calls in order.
func ReportStep(s Sink, at int64, values []float64, count int) {
	if s == nil {
		return
	}
	if r, ok := s.(stepReporter); ok {
		r.Step(at, values, count)
		return
	}
	s.StepDetected(at, values)
	s.StepCountUpdated(count)
}

// ReportWaveform forwards a filtered sample if s implements WaveformSink.
func ReportWaveform(s Sink, stream sample.Stream, at int64, values []float64) {
	if w, ok := s.(WaveformSink); ok {
		w.Waveform(stream, at, values)
	}
}
