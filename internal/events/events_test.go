package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pulsestep/internal/sample"
)

type traceSink struct {
	Nop
	name  string
	trace *[]string
}

func (s traceSink) StepDetected(int64, []float64) { *s.trace = append(*s.trace, s.name+":step") }
func (s traceSink) StepCountUpdated(int)          { *s.trace = append(*s.trace, s.name+":count") }
func (s traceSink) BPMUpdated(int)                { *s.trace = append(*s.trace, s.name+":bpm") }

func TestDispatcher_RegistrationOrder(t *testing.T) {
	var trace []string
	d := NewDispatcher()
	d.Register(traceSink{name: "a", trace: &trace})
	d.Register(traceSink{name: "b", trace: &trace})

	d.BPMUpdated(70)
	require.Equal(t, []string{"a:bpm", "b:bpm"}, trace)
}

func TestDispatcher_StepPairIsPerSink(t *testing.T) {
	var trace []string
	d := NewDispatcher()
	d.Register(traceSink{name: "a", trace: &trace})
	d.Register(traceSink{name: "b", trace: &trace})

	ReportStep(d, 10, []float64{1, 2, 3}, 1)
	require.Equal(t, []string{"a:step", "a:count", "b:step", "b:count"}, trace)
}

func TestReportStep_PlainSink(t *testing.T) {
	rec := NewRecorder(false)
	ReportStep(rec, 10, []float64{1, 2, 3}, 7)

	evs := rec.Events()
	require.Len(t, evs, 2)
	require.Equal(t, KindStep, evs[0].Kind)
	require.Equal(t, int64(10), evs[0].At)
	require.Equal(t, KindCount, evs[1].Kind)
	require.Equal(t, 7, evs[1].Count)

	ReportStep(nil, 10, nil, 1)
}

func TestDispatcher_Unregister(t *testing.T) {
	d := NewDispatcher()
	a := NewRecorder(false)
	b := NewRecorder(false)
	ha := d.Register(a)
	d.Register(b)

	require.True(t, d.Unregister(ha))
	require.False(t, d.Unregister(ha))
	require.Equal(t, 1, d.Len())

	d.PeakDetected(5, 220)
	require.Equal(t, 0, a.Count(KindPeak))
	require.Equal(t, 1, b.Count(KindPeak))
}

type selfRemovingSink struct {
	Nop
	d     *Dispatcher
	h     Handle
	calls int
}

func (s *selfRemovingSink) BPMUpdated(int) {
	s.calls++
	s.d.Unregister(s.h)
}

func TestDispatcher_SinkMayUnregisterDuringDispatch(t *testing.T) {
	d := NewDispatcher()
	s := &selfRemovingSink{d: d}
	s.h = d.Register(s)
	after := NewRecorder(false)
	d.Register(after)

	d.BPMUpdated(60)
	d.BPMUpdated(61)

	require.Equal(t, 1, s.calls)
	require.Equal(t, 2, after.Count(KindBPM))
}

func TestDispatcher_WaveformOnlyToOptIn(t *testing.T) {
	d := NewDispatcher()
	plain := NewRecorder(false)
	wave := NewRecorder(true)
	d.Register(plain)
	d.Register(wave)
	d.Register(Nop{})

	ReportWaveform(d, sample.StreamPPG, 3, []float64{201})
	require.Equal(t, 0, plain.Count(KindWaveform))
	require.Equal(t, 1, wave.Count(KindWaveform))
}
