package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"pulsestep/internal/config"
	"pulsestep/internal/engine"
	"pulsestep/internal/ingest"
	"pulsestep/internal/metrics"
	"pulsestep/internal/ppg"
	"pulsestep/internal/replay"
	"pulsestep/internal/sample"
	"pulsestep/internal/sim"
	"pulsestep/internal/steps"
	"pulsestep/internal/telemetry"
	"pulsestep/internal/udp"
	"pulsestep/internal/web"
)

// liveRuntime wires the engine to its outputs and to the selected ingest
// source, and serves the web UI.
type liveRuntime struct {
	cfg     config.Config
	mode    string
	logs    *web.LogBuffer
	metrics *metrics.Metrics
	engine  *engine.Engine
	status  *web.Status
	hub     *web.Hub

	closers []func()
}

func motionConfig(c config.MotionConfig) steps.Config {
	return steps.Config{
		Smoothing:        c.Smoothing,
		WarmupSamples:    *c.WarmupSamples,
		CoarseUntil:      c.CoarseUntil,
		CoarseEvery:      c.CoarseEvery,
		AxisCooldown:     *c.AxisCooldown,
		MinAxisSpan:      c.MinAxisSpan,
		FlushAfter:       c.FlushAfter,
		MinSlope:         c.MinSlope,
		EmitOnAxisChange: *c.EmitOnAxisChange,
	}
}

func ppgConfig(c config.PPGConfig) ppg.Config {
	return ppg.Config{
		Smoothing:     c.Smoothing,
		Calibration:   c.Calibration,
		ValidityFloor: c.ValidityFloor,
	}
}

// ingestMode names the enabled ingest source; "idle" serves the web UI only.
func ingestMode(in config.IngestConfig) string {
	switch {
	case in.TCP.Enable:
		return "tcp"
	case in.Serial.Enable:
		return "serial"
	case in.NATS.Enable:
		return "nats"
	case in.Exec.Enable:
		return "exec"
	case in.Replay.Enable:
		return "replay"
	case in.Sim.Enable:
		return "sim"
	default:
		return "idle"
	}
}

func newLiveRuntime(cfg config.Config, logs *web.LogBuffer) (*liveRuntime, error) {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return nil, err
	}

	m := metrics.New()
	eng, err := engine.New(engine.Config{
		Motion: motionConfig(cfg.Motion),
		PPG:    ppgConfig(cfg.PPG),
	}, m)
	if err != nil {
		return nil, err
	}

	r := &liveRuntime{
		cfg:     cfg,
		mode:    ingestMode(cfg.Ingest),
		logs:    logs,
		metrics: m,
		engine:  eng,
		status:  web.NewStatus(),
		hub:     web.NewHub(m),
	}
	r.status.SetMode(r.mode)
	r.status.SetPipeline(eng.Status)
	r.closers = append(r.closers, r.hub.Close)

	id := telemetry.Identity{UserID: cfg.Telemetry.UserID, SessionID: eng.SessionID()}
	eng.Register(telemetry.NewSink(r.hub, id, true))

	if err := r.initTelemetry(id); err != nil {
		r.Close()
		return nil, err
	}

	if cfg.Record.Enable {
		w, err := replay.CreateWriter(cfg.Record.Path)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("record: %w", err)
		}
		eng.SetRecorder(w)
		r.closers = append(r.closers, func() {
			eng.SetRecorder(nil)
			if err := w.Close(); err != nil {
				log.Printf("record: close failed: %v", err)
			}
		})
		log.Printf("record: writing samples to %s", cfg.Record.Path)
	}
	return r, nil
}

func (r *liveRuntime) initTelemetry(id telemetry.Identity) error {
	t := r.cfg.Telemetry
	if t.NATS.Enable {
		conn, err := telemetry.Connect(t.NATS.URL, "pulsestep")
		if err != nil {
			return fmt.Errorf("telemetry nats: %w", err)
		}
		r.closers = append(r.closers, func() { _ = conn.Drain() })
		pub, err := telemetry.NewNATS(conn, t.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		sink := telemetry.NewSink(pub, id, t.NATS.Waveform)
		sink.OnError = r.publishFailed
		r.engine.Register(sink)
		log.Printf("telemetry: nats %s subjects %s.*", t.NATS.URL, t.NATS.SubjectPrefix)
	}
	if t.UDP.Enable {
		b, err := udp.NewBroadcaster(t.UDP.Dest)
		if err != nil {
			return fmt.Errorf("telemetry udp: %w", err)
		}
		r.closers = append(r.closers, func() { _ = b.Close() })
		sink := telemetry.NewSink(b, id, false)
		sink.OnError = r.publishFailed
		r.engine.Register(sink)
		log.Printf("telemetry: udp dest=%s", b.Dest())
	}
	return nil
}

func (r *liveRuntime) publishFailed(kind string, err error) {
	if n := r.metrics.PublishErrors.Add(1); n == 1 || n%100 == 0 {
		log.Printf("telemetry: %s publish failed (%d total): %v", kind, n, err)
	}
}

// Close releases outputs in reverse order of creation.
func (r *liveRuntime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Run serves the web UI and drives the ingest source until ctx is done.
func (r *liveRuntime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	webErr := make(chan error, 1)
	go func() {
		h := web.Handler(r.status, r.logs, r.hub, r.metrics.Handler(), r.engine)
		webErr <- web.Serve(ctx, r.cfg.Web.Listen, h)
	}()

	srcErr := make(chan error, 1)
	go func() { srcErr <- r.runSource(ctx) }()
	// Outputs are closed after Run returns; the source must be done by then.
	defer func() {
		cancel()
		if srcErr != nil {
			<-srcErr
		}
	}()

	for {
		select {
		case err := <-webErr:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("web: %w", err)
			}
			return ctx.Err()
		case err := <-srcErr:
			if err != nil && ctx.Err() == nil {
				return err
			}
			// A finished replay keeps the web UI up.
			srcErr = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *liveRuntime) onLine(line []byte) error {
	return r.engine.HandleLine(string(line))
}

// push ignores per-sample errors; the engine already counts them.
func (r *liveRuntime) push(stream sample.Stream, s sample.Sample) error {
	_ = r.engine.Push(stream, s)
	return nil
}

func (r *liveRuntime) runSource(ctx context.Context) error {
	in := r.cfg.Ingest
	switch r.mode {
	case "tcp":
		src, err := ingest.NewTCP(ingest.TCPConfig{Addr: in.TCP.Addr, ReconnectDelay: in.TCP.ReconnectDelay})
		if err != nil {
			return err
		}
		return r.runLineSource(ctx, src)
	case "serial":
		src, err := ingest.NewSerial(ingest.SerialConfig{Device: in.Serial.Device, Baud: in.Serial.Baud})
		if err != nil {
			return err
		}
		return r.runLineSource(ctx, src)
	case "nats":
		conn, err := telemetry.Connect(in.NATS.URL, "pulsestep-ingest")
		if err != nil {
			return fmt.Errorf("ingest nats: %w", err)
		}
		defer conn.Close()
		src, err := ingest.NewNATS(conn, in.NATS.Subject)
		if err != nil {
			return err
		}
		return r.runLineSource(ctx, src)
	case "exec":
		src, err := ingest.NewExec(ingest.ExecConfig{
			Command:      in.Exec.Command,
			Args:         in.Exec.Args,
			Env:          in.Exec.Env,
			RestartDelay: in.Exec.RestartDelay,
		})
		if err != nil {
			return err
		}
		return r.runLineSource(ctx, src)
	case "replay":
		return r.runReplay(ctx)
	case "sim":
		return r.runSim(ctx)
	default:
		log.Printf("ingest: no source enabled, serving web only")
		return nil
	}
}

func (r *liveRuntime) runLineSource(ctx context.Context, src ingest.Source) error {
	r.status.SetSource(src.Snapshot)
	if err := src.Start(ctx, r.onLine); err != nil {
		return fmt.Errorf("ingest %s: %w", r.mode, err)
	}
	<-ctx.Done()
	src.Close()
	return nil
}

// ctxSleeper cuts replay waits short on shutdown.
type ctxSleeper struct{ ctx context.Context }

func (s ctxSleeper) Sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
	case <-t.C:
	}
}

func (r *liveRuntime) runReplay(ctx context.Context) error {
	rc := r.cfg.Ingest.Replay
	recs, err := replay.ReadFile(rc.Path)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	sum := replay.Summarize(recs)
	log.Printf("replay: %s segments=%d motion=%d ppg=%d speed=%.2f loop=%t",
		rc.Path, sum.Segments, sum.Motion.Samples, sum.PPG.Samples, rc.Speed, rc.Loop)

	err = replay.Play(ctx, recs, rc.Speed, rc.Loop, ctxSleeper{ctx: ctx}, r.push)
	if err != nil {
		return err
	}
	log.Printf("replay: finished")
	return nil
}

func (r *liveRuntime) runSim(ctx context.Context) error {
	sc := r.cfg.Ingest.Sim
	gc := sim.GeneratorConfig{
		MotionRateHz: sc.RateHz,
		PPGRateHz:    sc.PPGRateHz,
		Steady:       sim.State{BPM: sc.BPM, CadenceSPM: sc.CadenceSPM, Axis: 2, Finger: true},
		Loop:         true,
	}
	if sc.Scenario != "" {
		script, err := sim.LoadScenarioScript(sc.Scenario)
		if err != nil {
			return fmt.Errorf("sim scenario: %w", err)
		}
		s, err := sim.NewScenario(script)
		if err != nil {
			return fmt.Errorf("sim scenario: %w", err)
		}
		gc.Scenario = s
		log.Printf("sim: scenario %s (%s, looping)", sc.Scenario, s.Duration())
	} else {
		log.Printf("sim: steady bpm=%.0f cadence=%.0f spm", sc.BPM, sc.CadenceSPM)
	}
	gen, err := sim.NewGenerator(gc)
	if err != nil {
		return err
	}
	return gen.Run(ctx, 0, r.push)
}
