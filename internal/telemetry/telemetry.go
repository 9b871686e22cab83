// Package telemetry forwards detector events to remote consumers as JSON.
//
// Every message carries the user and session it belongs to, so a collector
// can merge streams from several devices. Messages are handed to a Transport
// together with their kind; NATS maps the kind to a subject, UDP ignores it.
package telemetry

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"pulsestep/internal/sample"
)

const (
	KindStep  = "step"
	KindCount = "count"
	KindPeak  = "peak"
	KindBPM   = "bpm"
	KindPPG   = "ppg"
)

// Message is the wire format. Only the fields relevant to Kind are set.
type Message struct {
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id"`
	SentAt    int64     `json:"sent_ms"`
	At        *int64    `json:"t_ms,omitempty"`
	Values    []float64 `json:"values,omitempty"`
	Value     *float64  `json:"value,omitempty"`
	Count     *int      `json:"count,omitempty"`
	BPM       *int      `json:"bpm,omitempty"`
}

type Transport interface {
	Send(kind string, payload []byte) error
}

type Identity struct {
	UserID    string
	SessionID string
}

// Sink implements events.Sink and events.WaveformSink on top of a Transport.
// Send errors are counted and reported through OnError; they never reach
// the detectors.
type Sink struct {
	tr       Transport
	id       Identity
	waveform bool
	now      func() time.Time

	errors atomic.Uint64
	sent   atomic.Uint64

	// OnError is called for every failed send when non-nil.
	OnError func(kind string, err error)
}

// NewSink forwards events over tr. With waveform set, filtered PPG samples
// are forwarded too, one message each.
func NewSink(tr Transport, id Identity, waveform bool) *Sink {
	return &Sink{tr: tr, id: id, waveform: waveform, now: time.Now}
}

func (s *Sink) send(m Message) {
	m.UserID = s.id.UserID
	m.SessionID = s.id.SessionID
	m.SentAt = s.now().UnixMilli()
	b, err := json.Marshal(m)
	if err == nil {
		err = s.tr.Send(m.Kind, b)
	}
	if err != nil {
		s.errors.Add(1)
		if s.OnError != nil {
			s.OnError(m.Kind, err)
		}
		return
	}
	s.sent.Add(1)
}

func (s *Sink) StepDetected(at int64, values []float64) {
	s.send(Message{Kind: KindStep, At: &at, Values: values})
}

func (s *Sink) StepCountUpdated(count int) {
	s.send(Message{Kind: KindCount, Count: &count})
}

func (s *Sink) PeakDetected(at int64, value float64) {
	s.send(Message{Kind: KindPeak, At: &at, Value: &value})
}

func (s *Sink) BPMUpdated(bpm int) {
	s.send(Message{Kind: KindBPM, BPM: &bpm})
}

// Waveform forwards filtered PPG samples when enabled. Accelerometer
// waveforms stay local.
func (s *Sink) Waveform(stream sample.Stream, at int64, values []float64) {
	if !s.waveform || stream != sample.StreamPPG || len(values) == 0 {
		return
	}
	v := values[0]
	s.send(Message{Kind: KindPPG, At: &at, Value: &v})
}

// Sent returns how many messages were handed to the transport successfully.
func (s *Sink) Sent() uint64 {
	return s.sent.Load()
}

// Errors returns how many sends failed.
func (s *Sink) Errors() uint64 {
	return s.errors.Load()
}
