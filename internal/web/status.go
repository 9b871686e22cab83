package web

import (
	"runtime/debug"
	"sync/atomic"
	"time"

	"pulsestep/internal/engine"
	"pulsestep/internal/ingest"
)

// Status aggregates what /api/status reports. The pipeline and source views
// are pulled on demand through providers so the handler never holds engine
// locks longer than one Status() call.
type Status struct {
	startUnixNano int64
	mode          atomic.Value // string
	pipeline      atomic.Value // func() engine.Status
	source        atomic.Value // func(time.Time) ingest.Snapshot
	build         BuildInfo
}

type BuildInfo struct {
	GoVersion string `json:"go_version"`
	Module    string `json:"module,omitempty"`
	Version   string `json:"version,omitempty"`
	Revision  string `json:"vcs_revision,omitempty"`
	Modified  bool   `json:"vcs_modified,omitempty"`
}

func readBuildInfo() BuildInfo {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return BuildInfo{}
	}
	out := BuildInfo{
		GoVersion: bi.GoVersion,
		Module:    bi.Main.Path,
		Version:   bi.Main.Version,
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Revision = s.Value
		case "vcs.modified":
			out.Modified = s.Value == "true"
		}
	}
	return out
}

func NewStatus() *Status {
	s := &Status{build: readBuildInfo()}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	return s
}

// SetMode records which ingest source is active ("tcp", "sim", ...).
func (s *Status) SetMode(mode string) {
	s.mode.Store(mode)
}

func (s *Status) SetPipeline(f func() engine.Status) {
	if f != nil {
		s.pipeline.Store(f)
	}
}

func (s *Status) SetSource(f func(time.Time) ingest.Snapshot) {
	if f != nil {
		s.source.Store(f)
	}
}

type StatusSnapshot struct {
	Service   string           `json:"service"`
	NowUTC    string           `json:"now_utc"`
	UptimeSec int64            `json:"uptime_sec"`
	Mode      string           `json:"mode"`
	Build     BuildInfo        `json:"build"`
	Pipeline  *engine.Status   `json:"pipeline,omitempty"`
	Source    *ingest.Snapshot `json:"source,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "pulsestep",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Mode:      s.mode.Load().(string),
		Build:     s.build,
	}
	if f, ok := s.pipeline.Load().(func() engine.Status); ok {
		p := f()
		snap.Pipeline = &p
	}
	if f, ok := s.source.Load().(func(time.Time) ingest.Snapshot); ok {
		src := f(nowUTC)
		snap.Source = &src
	}
	return snap
}
