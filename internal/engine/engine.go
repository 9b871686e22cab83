// Package engine wires the step and PPG detectors to the event dispatcher,
// metrics, and an optional raw-sample recorder.
//
// Each pipeline has its own lock, so a slow accelerometer source never
// delays PPG processing. Events are delivered synchronously while the
// pipeline lock is held; sinks must not push samples back into the engine.
package engine

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pulsestep/internal/events"
	"pulsestep/internal/metrics"
	"pulsestep/internal/ppg"
	"pulsestep/internal/sample"
	"pulsestep/internal/steps"
)

// ErrUnknownStream is returned for samples that belong to neither pipeline.
var ErrUnknownStream = errors.New("engine: unknown sample stream")

// fingerWarnEvery limits "finger not detected" warnings, in sample time.
const fingerWarnEvery = 5 * time.Second

type Config struct {
	Motion steps.Config
	PPG    ppg.Config
	// SessionID identifies this run on telemetry; empty means a new UUID.
	SessionID string
	// Logf defaults to log.Printf.
	Logf func(format string, args ...any)
}

// SampleRecorder receives every well-formed sample before processing.
// *replay.Writer satisfies it.
type SampleRecorder interface {
	WriteSample(stream sample.Stream, s sample.Sample) error
}

type Engine struct {
	sessionID string
	started   time.Time
	disp      *events.Dispatcher
	metrics   *metrics.Metrics
	logf      func(format string, args ...any)

	motionMu sync.Mutex
	motion   *steps.Detector
	axis     steps.Axis

	ppgMu      sync.Mutex
	ppgCfg     ppg.Config
	ppg        *ppg.Detector
	phase      ppg.Phase
	fingerOn   bool
	lastWarnAt int64
	warned     bool

	recMu    sync.Mutex
	recorder SampleRecorder
	recErr   error

	malformed atomic.Uint64
	rejected  atomic.Uint64
}

// New builds both pipelines. m may be nil; when set it is registered as a
// sink and kept up to date with ingest counters.
func New(cfg Config, m *metrics.Metrics) (*Engine, error) {
	id := strings.TrimSpace(cfg.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}

	e := &Engine{
		sessionID: id,
		started:   time.Now().UTC(),
		disp:      events.NewDispatcher(),
		metrics:   m,
		logf:      logf,
		ppgCfg:    cfg.PPG,
		axis:      steps.AxisUnselected,
	}

	motion, err := steps.New(cfg.Motion, e.disp)
	if err != nil {
		return nil, err
	}
	motion.Logf = logf
	e.motion = motion

	pd, err := e.newPPG()
	if err != nil {
		return nil, err
	}
	e.ppg = pd

	if m != nil {
		e.disp.Register(m)
	}
	return e, nil
}

func (e *Engine) newPPG() (*ppg.Detector, error) {
	d, err := ppg.New(e.ppgCfg, e.disp)
	if err != nil {
		return nil, err
	}
	d.Logf = e.logf
	return d, nil
}

func (e *Engine) SessionID() string {
	return e.sessionID
}

// Register adds a sink for every detector event. Sinks registered first are
// notified first.
func (e *Engine) Register(s events.Sink) events.Handle {
	return e.disp.Register(s)
}

func (e *Engine) Unregister(h events.Handle) bool {
	return e.disp.Unregister(h)
}

// SetRecorder starts (or, with nil, stops) teeing raw samples to r.
func (e *Engine) SetRecorder(r SampleRecorder) {
	e.recMu.Lock()
	e.recorder = r
	e.recErr = nil
	e.recMu.Unlock()
}

func (e *Engine) record(stream sample.Stream, s sample.Sample) {
	e.recMu.Lock()
	defer e.recMu.Unlock()
	if e.recorder == nil {
		return
	}
	if err := e.recorder.WriteSample(stream, s); err != nil {
		// Only the first failure is logged.
		if e.recErr == nil {
			e.logf("engine: record failed: %v", err)
		}
		e.recErr = err
	}
}

// HandleLine parses one ingest line and routes it. Blank lines, comments and
// START markers are ignored.
func (e *Engine) HandleLine(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || line == "START" {
		return nil
	}
	stream, s, err := sample.ParseLine(line)
	if err != nil {
		e.malformed.Add(1)
		if e.metrics != nil {
			e.metrics.MalformedLines.Add(1)
		}
		return err
	}
	return e.Push(stream, s)
}

func (e *Engine) Push(stream sample.Stream, s sample.Sample) error {
	switch stream {
	case sample.StreamMotion:
		return e.PushMotion(s)
	case sample.StreamPPG:
		return e.PushPPG(s)
	default:
		return fmt.Errorf("%w %q", ErrUnknownStream, stream)
	}
}

func (e *Engine) reject() {
	e.rejected.Add(1)
	if e.metrics != nil {
		e.metrics.RejectedSamples.Add(1)
	}
}

// PushMotion feeds one accelerometer sample.
func (e *Engine) PushMotion(s sample.Sample) error {
	e.motionMu.Lock()
	defer e.motionMu.Unlock()

	before := e.motion.Snapshot()
	if err := e.motion.Push(s); err != nil {
		e.reject()
		return err
	}
	e.record(sample.StreamMotion, s)

	after := e.motion.Snapshot()
	if e.metrics != nil {
		e.metrics.MotionSamples.Add(1)
		e.metrics.Axis.Store(int64(after.Axis))
		if d := after.AxisChanges - before.AxisChanges; d > 0 {
			e.metrics.AxisChange.Add(uint64(d))
		}
	}
	if after.Axis != e.axis {
		e.logf("engine: step axis %s (threshold %.3f)", after.Axis, after.Threshold)
		e.axis = after.Axis
	}
	return nil
}

// PushPPG feeds one PPG sample. After a failed calibration every call returns
// ppg.ErrInsufficientSignal until ResetPPG.
func (e *Engine) PushPPG(s sample.Sample) error {
	e.ppgMu.Lock()
	defer e.ppgMu.Unlock()

	before := e.ppg.Snapshot()
	err := e.ppg.Push(s)
	after := e.ppg.Snapshot()

	if after.Samples > before.Samples {
		e.record(sample.StreamPPG, s)
		if e.metrics != nil {
			e.metrics.PPGSamples.Add(1)
		}
	} else if err != nil && !errors.Is(err, ppg.ErrInsufficientSignal) {
		e.reject()
	}

	if after.Discarded > before.Discarded {
		if e.metrics != nil {
			e.metrics.DiscardedPPG.Add(1)
		}
		e.fingerLost(s.At)
	} else if after.Samples > before.Samples {
		e.fingerOn = true
	}

	if after.Phase != e.phase {
		e.phase = after.Phase
		if e.metrics != nil {
			e.metrics.Phase.Store(int64(after.Phase))
		}
		switch after.Phase {
		case ppg.PhaseTracking:
			e.logf("engine: ppg calibrated, %d peaks in window", after.WindowPeaks)
		case ppg.PhaseFailed:
			e.logf("engine: ppg calibration failed: %v", err)
		}
	}
	return err
}

// fingerLost warns on the first discarded sample after a valid run, at most
// once per fingerWarnEvery of sample time.
func (e *Engine) fingerLost(at int64) {
	if !e.fingerOn {
		return
	}
	e.fingerOn = false
	if e.warned && at-e.lastWarnAt < fingerWarnEvery.Milliseconds() {
		return
	}
	e.warned = true
	e.lastWarnAt = at
	e.logf("engine: finger not detected, cover the camera and flash")
}

// ResetPPG discards the PPG pipeline and starts a new calibration. The step
// pipeline is untouched.
func (e *Engine) ResetPPG() error {
	e.ppgMu.Lock()
	defer e.ppgMu.Unlock()

	d, err := e.newPPG()
	if err != nil {
		return err
	}
	e.ppg = d
	e.phase = ppg.PhaseCalibrating
	e.fingerOn = false
	if e.metrics != nil {
		e.metrics.Phase.Store(int64(ppg.PhaseCalibrating))
	}
	e.logf("engine: ppg reset, calibrating")
	return nil
}

// Status is a point-in-time view of both pipelines.
type Status struct {
	SessionID      string  `json:"session_id"`
	StartedUTC     string  `json:"started_utc"`
	Steps          int     `json:"steps"`
	Axis           string  `json:"axis"`
	Threshold      float64 `json:"threshold"`
	AxisChanges    int     `json:"axis_changes"`
	MotionSamples  uint64  `json:"motion_samples"`
	LastMotionAt   int64   `json:"last_motion_ms"`
	PPGPhase       string  `json:"ppg_phase"`
	BPM            *int    `json:"bpm,omitempty"`
	Peaks          uint64  `json:"peaks"`
	WindowPeaks    int     `json:"window_peaks"`
	PeakWindowMs   int64   `json:"peak_window_ms"`
	LastPPGAt      int64   `json:"last_ppg_ms"`
	PPGSamples     uint64  `json:"ppg_samples"`
	PPGDiscarded   uint64  `json:"ppg_discarded"`
	FingerDetected bool    `json:"finger_detected"`
	MalformedLines uint64  `json:"malformed_lines"`
	Rejected       uint64  `json:"rejected_samples"`
	Recording      bool    `json:"recording"`
	Sinks          int     `json:"sinks"`
}

func (e *Engine) Status() Status {
	e.motionMu.Lock()
	ms := e.motion.Snapshot()
	e.motionMu.Unlock()

	e.ppgMu.Lock()
	ps := e.ppg.Snapshot()
	finger := e.fingerOn
	e.ppgMu.Unlock()

	e.recMu.Lock()
	recording := e.recorder != nil
	e.recMu.Unlock()

	st := Status{
		SessionID:      e.sessionID,
		StartedUTC:     e.started.Format(time.RFC3339),
		Steps:          ms.Steps,
		Axis:           ms.Axis.String(),
		Threshold:      ms.Threshold,
		AxisChanges:    ms.AxisChanges,
		MotionSamples:  ms.Samples,
		LastMotionAt:   ms.LastAt,
		PPGPhase:       ps.Phase.String(),
		Peaks:          ps.Peaks,
		WindowPeaks:    ps.WindowPeaks,
		PeakWindowMs:   ps.WindowEnd - ps.WindowStart,
		LastPPGAt:      ps.LastAt,
		PPGSamples:     ps.Samples,
		PPGDiscarded:   ps.Discarded,
		FingerDetected: finger,
		MalformedLines: e.malformed.Load(),
		Rejected:       e.rejected.Load(),
		Recording:      recording,
		Sinks:          e.disp.Len(),
	}
	if ps.BPMValid {
		bpm := ps.BPM
		st.BPM = &bpm
	}
	return st
}
