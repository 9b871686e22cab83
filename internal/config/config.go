package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Motion    MotionConfig    `yaml:"motion"`
	PPG       PPGConfig       `yaml:"ppg"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Record    RecordConfig    `yaml:"record"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Web       WebConfig       `yaml:"web"`
}

type MotionConfig struct {
	Smoothing        float64 `yaml:"smoothing"`
	WarmupSamples    *int    `yaml:"warmup_samples"`
	CoarseUntil      int     `yaml:"coarse_until"`
	CoarseEvery      int     `yaml:"coarse_every"`
	AxisCooldown     *int    `yaml:"axis_cooldown"`
	MinAxisSpan      float64 `yaml:"min_axis_span"`
	FlushAfter       int     `yaml:"flush_after"`
	MinSlope         float64 `yaml:"min_slope"`
	EmitOnAxisChange *bool   `yaml:"emit_on_axis_change"`
}

type PPGConfig struct {
	Smoothing     float64       `yaml:"smoothing"`
	Calibration   time.Duration `yaml:"calibration"`
	ValidityFloor float64       `yaml:"validity_floor"`
}

type IngestConfig struct {
	TCP    TCPIngestConfig    `yaml:"tcp"`
	Serial SerialIngestConfig `yaml:"serial"`
	NATS   NATSIngestConfig   `yaml:"nats"`
	Exec   ExecIngestConfig   `yaml:"exec"`
	Replay ReplayConfig       `yaml:"replay"`
	Sim    SimConfig          `yaml:"sim"`
}

type TCPIngestConfig struct {
	Enable         bool          `yaml:"enable"`
	Addr           string        `yaml:"addr"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type SerialIngestConfig struct {
	Enable bool   `yaml:"enable"`
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type NATSIngestConfig struct {
	Enable  bool   `yaml:"enable"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ExecIngestConfig runs a bridge program that prints sample lines on stdout.
type ExecIngestConfig struct {
	Enable       bool              `yaml:"enable"`
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Env          map[string]string `yaml:"env"`
	RestartDelay time.Duration     `yaml:"restart_delay"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type SimConfig struct {
	Enable     bool    `yaml:"enable"`
	BPM        float64 `yaml:"bpm"`
	CadenceSPM float64 `yaml:"cadence_spm"`
	RateHz     int     `yaml:"rate_hz"`
	PPGRateHz  int     `yaml:"ppg_rate_hz"`
	Scenario   string  `yaml:"scenario"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type TelemetryConfig struct {
	UserID string              `yaml:"user_id"`
	NATS   NATSTelemetryConfig `yaml:"nats"`
	UDP    UDPTelemetryConfig  `yaml:"udp"`
}

type NATSTelemetryConfig struct {
	Enable        bool   `yaml:"enable"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	// Waveform also publishes every filtered PPG sample.
	Waveform bool `yaml:"waveform"`
}

type UDPTelemetryConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type WebConfig struct {
	Listen   string `yaml:"listen"`
	LogLines int    `yaml:"log_lines"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(stripLinePrefixes(te.Errors), "; "))
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripLinePrefixes turns "line 3: field x not found" into "field x not found".
func stripLinePrefixes(msgs []string) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if strings.HasPrefix(m, "line ") {
			if i := strings.Index(m, ": "); i >= 0 {
				m = m[i+2:]
			}
		}
		out = append(out, m)
	}
	return out
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// DefaultAndValidate fills zero values with defaults and rejects
// inconsistent settings. Error strings name the offending YAML key.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	m := &cfg.Motion
	if m.Smoothing == 0 {
		m.Smoothing = 1
	}
	if m.Smoothing < 1 {
		return fmt.Errorf("motion.smoothing must be >= 1")
	}
	if m.WarmupSamples == nil {
		m.WarmupSamples = intPtr(15)
	}
	if *m.WarmupSamples < 0 {
		return fmt.Errorf("motion.warmup_samples must be >= 0")
	}
	if m.CoarseUntil <= 0 {
		m.CoarseUntil = 30
	}
	if m.CoarseEvery <= 0 {
		m.CoarseEvery = 5
	}
	if m.AxisCooldown == nil {
		m.AxisCooldown = intPtr(20)
	}
	if *m.AxisCooldown < 0 {
		return fmt.Errorf("motion.axis_cooldown must be >= 0")
	}
	if m.MinAxisSpan <= 0 {
		m.MinAxisSpan = 8
	}
	if m.FlushAfter <= 0 {
		m.FlushAfter = 3
	}
	if m.MinSlope <= 0 {
		m.MinSlope = 1
	}
	if m.EmitOnAxisChange == nil {
		m.EmitOnAxisChange = boolPtr(true)
	}

	p := &cfg.PPG
	if p.Smoothing == 0 {
		p.Smoothing = 2
	}
	if p.Smoothing < 1 {
		return fmt.Errorf("ppg.smoothing must be >= 1")
	}
	if p.Calibration <= 0 {
		p.Calibration = 60 * time.Second
	}
	if p.ValidityFloor == 0 {
		p.ValidityFloor = 180
	}
	if p.ValidityFloor < 0 {
		return fmt.Errorf("ppg.validity_floor must be >= 0")
	}

	in := &cfg.Ingest
	enabled := 0
	for _, on := range []bool{in.TCP.Enable, in.Serial.Enable, in.NATS.Enable, in.Exec.Enable, in.Replay.Enable, in.Sim.Enable} {
		if on {
			enabled++
		}
	}
	if enabled > 1 {
		return fmt.Errorf("ingest: only one of tcp, serial, nats, exec, replay, sim may be enabled")
	}

	if in.TCP.Enable && strings.TrimSpace(in.TCP.Addr) == "" {
		return fmt.Errorf("ingest.tcp.addr is required when ingest.tcp.enable is true")
	}
	if in.TCP.ReconnectDelay <= 0 {
		in.TCP.ReconnectDelay = 1 * time.Second
	}

	if in.Serial.Enable && strings.TrimSpace(in.Serial.Device) == "" {
		return fmt.Errorf("ingest.serial.device is required when ingest.serial.enable is true")
	}
	if in.Serial.Baud <= 0 {
		in.Serial.Baud = 115200
	}

	if in.NATS.URL == "" {
		in.NATS.URL = "nats://127.0.0.1:4222"
	}
	if in.NATS.Subject == "" {
		in.NATS.Subject = "pulsestep.samples"
	}

	if in.Exec.Enable && strings.TrimSpace(in.Exec.Command) == "" {
		return fmt.Errorf("ingest.exec.command is required when ingest.exec.enable is true")
	}
	if in.Exec.RestartDelay <= 0 {
		in.Exec.RestartDelay = 2 * time.Second
	}

	if in.Replay.Enable {
		if in.Replay.Path == "" {
			return fmt.Errorf("ingest.replay.path is required when ingest.replay.enable is true")
		}
		if in.Replay.Speed == 0 {
			in.Replay.Speed = 1
		}
		if in.Replay.Speed < 0 {
			return fmt.Errorf("ingest.replay.speed must be > 0")
		}
	}

	if in.Sim.BPM <= 0 {
		in.Sim.BPM = 72
	}
	if in.Sim.CadenceSPM <= 0 {
		in.Sim.CadenceSPM = 110
	}
	if in.Sim.RateHz <= 0 {
		in.Sim.RateHz = 50
	}
	if in.Sim.PPGRateHz <= 0 {
		in.Sim.PPGRateHz = 30
	}

	if cfg.Record.Enable {
		if cfg.Record.Path == "" {
			return fmt.Errorf("record.path is required when record.enable is true")
		}
		if in.Replay.Enable {
			return fmt.Errorf("record and ingest.replay cannot both be enabled")
		}
	}

	t := &cfg.Telemetry
	if t.NATS.URL == "" {
		t.NATS.URL = "nats://127.0.0.1:4222"
	}
	if t.NATS.SubjectPrefix == "" {
		t.NATS.SubjectPrefix = "pulsestep"
	}
	if strings.HasSuffix(t.NATS.SubjectPrefix, ".") {
		return fmt.Errorf("telemetry.nats.subject_prefix must not end with '.'")
	}
	if t.UDP.Enable && strings.TrimSpace(t.UDP.Dest) == "" {
		return fmt.Errorf("telemetry.udp.dest is required when telemetry.udp.enable is true")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Web.LogLines <= 0 {
		cfg.Web.LogLines = 2000
	}

	return nil
}
