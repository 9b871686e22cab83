// Package metrics exposes pipeline counters in Prometheus text format.
package metrics

import (
	"math"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. It doubles as an events.Sink so the
// engine can register it next to the other consumers.
type Metrics struct {
	// Ingest
	MotionSamples   atomic.Uint64
	PPGSamples      atomic.Uint64
	RejectedSamples atomic.Uint64
	MalformedLines  atomic.Uint64

	// Step pipeline
	Steps      atomic.Uint64
	StepCount  atomic.Int64
	Axis       atomic.Int64 // -1 until calibrated
	AxisChange atomic.Uint64

	// PPG pipeline
	Peaks        atomic.Uint64
	DiscardedPPG atomic.Uint64
	Phase        atomic.Int64
	bpmBits      atomic.Uint64
	BPMUpdates   atomic.Uint64

	// Outputs
	PublishErrors atomic.Uint64
	WSClients     atomic.Int64

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.Axis.Store(-1)
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, f func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		f,
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.counter("pulsestep_motion_samples_total", "Accelerometer samples accepted", &m.MotionSamples)
	m.counter("pulsestep_ppg_samples_total", "PPG samples accepted", &m.PPGSamples)
	m.counter("pulsestep_rejected_samples_total", "Samples rejected for arity or timestamp regression", &m.RejectedSamples)
	m.counter("pulsestep_malformed_lines_total", "Ingest lines that failed to parse", &m.MalformedLines)

	m.counter("pulsestep_steps_total", "Steps detected", &m.Steps)
	m.counter("pulsestep_axis_changes_total", "Step axis re-selections", &m.AxisChange)
	m.gauge("pulsestep_step_count", "Running step count reported by the detector", func() float64 {
		return float64(m.StepCount.Load())
	})
	m.gauge("pulsestep_step_axis", "Selected accelerometer axis (0=x, 1=y, 2=z, -1=unselected)", func() float64 {
		return float64(m.Axis.Load())
	})

	m.counter("pulsestep_peaks_total", "Heartbeat peaks detected after calibration", &m.Peaks)
	m.counter("pulsestep_ppg_discarded_total", "PPG samples below the validity floor", &m.DiscardedPPG)
	m.counter("pulsestep_bpm_updates_total", "BPM estimates produced", &m.BPMUpdates)
	m.gauge("pulsestep_bpm", "Latest heart rate estimate", func() float64 {
		return m.BPM()
	})
	m.gauge("pulsestep_ppg_phase", "PPG detector phase (0=calibrating, 1=tracking, 2=failed)", func() float64 {
		return float64(m.Phase.Load())
	})

	m.counter("pulsestep_publish_errors_total", "Telemetry publish failures", &m.PublishErrors)
	m.gauge("pulsestep_ws_clients", "Connected live websocket clients", func() float64 {
		return float64(m.WSClients.Load())
	})
}

// BPM returns the latest heart rate estimate, 0 before the first.
func (m *Metrics) BPM() float64 {
	return math.Float64frombits(m.bpmBits.Load())
}

func (m *Metrics) StepDetected(int64, []float64) { m.Steps.Add(1) }

func (m *Metrics) StepCountUpdated(count int) { m.StepCount.Store(int64(count)) }

func (m *Metrics) PeakDetected(int64, float64) { m.Peaks.Add(1) }

func (m *Metrics) BPMUpdated(bpm int) {
	m.bpmBits.Store(math.Float64bits(float64(bpm)))
	m.BPMUpdates.Add(1)
}

// Handler returns the HTTP handler for Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
