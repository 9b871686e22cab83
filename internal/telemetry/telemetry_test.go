package telemetry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pulsestep/internal/events"
	"pulsestep/internal/sample"
)

var (
	_ events.Sink         = (*Sink)(nil)
	_ events.WaveformSink = (*Sink)(nil)
	_ Transport           = (*NATS)(nil)
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func newTestSink(t *testing.T, pub *fakePublisher, waveform bool) *Sink {
	t.Helper()
	tr, err := NewNATS(pub, "pulsestep")
	require.NoError(t, err)
	s := NewSink(tr, Identity{UserID: "u-1", SessionID: "s-1"}, waveform)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return s
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestSink_PublishesEventsOnKindSubjects(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestSink(t, pub, false)

	events.ReportStep(s, 420, []float64{1, 2, 3}, 1)
	s.PeakDetected(63000, 230.5)
	s.BPMUpdated(72)

	require.Len(t, pub.msgs, 4)
	require.Equal(t, "pulsestep.step", pub.msgs[0].subject)
	require.Equal(t, "pulsestep.count", pub.msgs[1].subject)
	require.Equal(t, "pulsestep.peak", pub.msgs[2].subject)
	require.Equal(t, "pulsestep.bpm", pub.msgs[3].subject)

	step := decode(t, pub.msgs[0].data)
	require.Equal(t, "step", step["kind"])
	require.Equal(t, "u-1", step["user_id"])
	require.Equal(t, "s-1", step["session_id"])
	require.Equal(t, float64(420), step["t_ms"])
	require.Equal(t, []any{1.0, 2.0, 3.0}, step["values"])
	require.Equal(t, float64(1700000000000), step["sent_ms"])

	count := decode(t, pub.msgs[1].data)
	require.Equal(t, float64(1), count["count"])
	require.NotContains(t, count, "t_ms")

	peak := decode(t, pub.msgs[2].data)
	require.Equal(t, 230.5, peak["value"])

	bpm := decode(t, pub.msgs[3].data)
	require.Equal(t, float64(72), bpm["bpm"])
	require.NotContains(t, bpm, "value")

	require.Equal(t, uint64(4), s.Sent())
	require.Zero(t, s.Errors())
}

func TestSink_ZeroValuesAreStillEncoded(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestSink(t, pub, false)

	s.PeakDetected(0, 0)
	m := decode(t, pub.msgs[0].data)
	require.Contains(t, m, "t_ms")
	require.Contains(t, m, "value")
}

func TestSink_WaveformOnlyForPPGWhenEnabled(t *testing.T) {
	pub := &fakePublisher{}
	off := newTestSink(t, pub, false)
	events.ReportWaveform(off, sample.StreamPPG, 10, []float64{240})
	require.Empty(t, pub.msgs)

	on := newTestSink(t, pub, true)
	events.ReportWaveform(on, sample.StreamMotion, 10, []float64{1, 2, 3})
	require.Empty(t, pub.msgs)

	events.ReportWaveform(on, sample.StreamPPG, 20, []float64{240})
	require.Len(t, pub.msgs, 1)
	require.Equal(t, "pulsestep.ppg", pub.msgs[0].subject)
	m := decode(t, pub.msgs[0].data)
	require.Equal(t, float64(240), m["value"])
	require.Equal(t, float64(20), m["t_ms"])
}

func TestSink_CountsSendErrors(t *testing.T) {
	boom := errors.New("nats: connection closed")
	pub := &fakePublisher{err: boom}
	s := newTestSink(t, pub, false)

	var gotKind string
	var gotErr error
	s.OnError = func(kind string, err error) {
		gotKind, gotErr = kind, err
	}
	s.BPMUpdated(60)

	require.Equal(t, uint64(1), s.Errors())
	require.Zero(t, s.Sent())
	require.Equal(t, KindBPM, gotKind)
	require.ErrorIs(t, gotErr, boom)
}

func TestNewNATS_Validation(t *testing.T) {
	_, err := NewNATS(nil, "pulsestep")
	require.Error(t, err)
	_, err = NewNATS(&fakePublisher{}, "")
	require.Error(t, err)
	_, err = NewNATS(&fakePublisher{}, "pulse.")
	require.Error(t, err)

	n, err := NewNATS(&fakePublisher{}, " app.user1 ")
	require.NoError(t, err)
	require.Equal(t, "app.user1.bpm", n.Subject(KindBPM))
}
