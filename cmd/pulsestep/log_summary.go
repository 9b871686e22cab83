package main

import (
	"fmt"
	"io"
	"strings"

	"pulsestep/internal/engine"
	"pulsestep/internal/events"
	"pulsestep/internal/ppg"
	"pulsestep/internal/replay"
	"pulsestep/internal/steps"
)

type logSummary struct {
	replay.Summary

	// Offline analysis: every segment runs through a fresh engine with
	// default detector settings.
	Steps      int
	Peaks      int
	BPMUpdates int
	LastBPM    int
	Rejected   uint64
	PPGPhase   string
}

func summarizeSampleLog(records []replay.Record) (logSummary, error) {
	s := logSummary{Summary: replay.Summarize(records)}

	var seg []replay.Record
	flush := func() error {
		if len(seg) == 0 {
			return nil
		}
		if err := s.analyze(seg); err != nil {
			return err
		}
		seg = seg[:0]
		return nil
	}
	for _, r := range records {
		if r.Start {
			if err := flush(); err != nil {
				return logSummary{}, err
			}
			continue
		}
		seg = append(seg, r)
	}
	if err := flush(); err != nil {
		return logSummary{}, err
	}
	return s, nil
}

func (s *logSummary) analyze(seg []replay.Record) error {
	eng, err := engine.New(engine.Config{
		Motion:    steps.DefaultConfig(),
		PPG:       ppg.DefaultConfig(),
		SessionID: "summary",
		Logf:      func(string, ...any) {},
	}, nil)
	if err != nil {
		return err
	}
	rec := events.NewRecorder(false)
	eng.Register(rec)

	for _, r := range seg {
		_ = eng.Push(r.Stream, r.Sample)
	}

	st := eng.Status()
	s.Steps += st.Steps
	s.Peaks += rec.Count(events.KindPeak)
	bpms := rec.Filter(events.KindBPM)
	s.BPMUpdates += len(bpms)
	if len(bpms) > 0 {
		s.LastBPM = bpms[len(bpms)-1].Count
	}
	s.Rejected += st.Rejected
	s.PPGPhase = st.PPGPhase
	return nil
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}
	s, err := summarizeSampleLog(recs)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "records: %d\n", s.Records)
	for _, st := range []struct {
		name string
		ss   replay.StreamSummary
	}{{"accel", s.Motion}, {"ppg", s.PPG}} {
		fmt.Fprintf(w, "%s: samples=%d duration=%s rate_hz=%.1f regressions=%d\n",
			st.name, st.ss.Samples, st.ss.Duration(), st.ss.RateHz(), st.ss.Regressions)
	}
	fmt.Fprintf(w, "steps: %d\n", s.Steps)
	fmt.Fprintf(w, "peaks: %d\n", s.Peaks)
	if s.BPMUpdates > 0 {
		fmt.Fprintf(w, "bpm: %d (%d updates)\n", s.LastBPM, s.BPMUpdates)
	} else {
		fmt.Fprintf(w, "bpm: - (ppg %s)\n", s.PPGPhase)
	}
	fmt.Fprintf(w, "rejected_samples: %d\n", s.Rejected)
	return nil
}
