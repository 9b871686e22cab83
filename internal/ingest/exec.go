package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"
)

type ExecConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	// RestartDelay is the wait before a bridge that exited is started again.
	RestartDelay    time.Duration
	StderrTailLines int
}

// ExecSource runs a sensor bridge program (an adb shell pipe, a BLE helper)
// and reads sample lines from its stdout. The program is restarted when it
// exits. Its stderr is kept as a short tail, reported in Snapshot and logged
// on each restart.
type ExecSource struct {
	*LineReader
	stderr *tailBuffer
}

func NewExec(cfg ExecConfig) (*ExecSource, error) {
	cfg.Command = strings.TrimSpace(cfg.Command)
	if cfg.Command == "" {
		return nil, fmt.Errorf("ingest: exec command is required")
	}
	if cfg.StderrTailLines <= 0 {
		cfg.StderrTailLines = 50
	}

	s := &ExecSource{stderr: newTailBuffer(cfg.StderrTailLines, 1024)}
	target := strings.TrimSpace(cfg.Command + " " + strings.Join(cfg.Args, " "))
	// open is only called from the read loop goroutine.
	starts := 0
	open := func(ctx context.Context) (io.ReadCloser, error) {
		if starts > 0 {
			s.logExit(target)
		}
		starts++
		return startBridge(ctx, cfg, s.stderr)
	}
	lr, err := newLineReader("exec", target, open, cfg.RestartDelay, 0)
	if err != nil {
		return nil, err
	}
	s.LineReader = lr
	return s, nil
}

// Snapshot adds the bridge's recent stderr lines, oldest first, to the
// reader state.
func (s *ExecSource) Snapshot(nowUTC time.Time) Snapshot {
	out := s.LineReader.Snapshot(nowUTC)
	out.StderrTail = s.stderr.snapshot()
	return out
}

func (s *ExecSource) logExit(target string) {
	tail := s.stderr.snapshot()
	if len(tail) == 0 {
		log.Printf("ingest: exec bridge %q exited, restarting", target)
		return
	}
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	log.Printf("ingest: exec bridge %q exited, restarting; stderr: %s", target, strings.Join(tail, " | "))
}

// bridgeProc is the stdout of a running bridge. Closing it kills and reaps
// the process.
type bridgeProc struct {
	io.ReadCloser
	cmd  *exec.Cmd
	once sync.Once
}

func startBridge(ctx context.Context, cfg ExecConfig, stderr io.Writer) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), envList(cfg.Env)...)
	}
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return &bridgeProc{ReadCloser: stdout, cmd: cmd}, nil
}

func (p *bridgeProc) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

func envList(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

// tailBuffer is an io.Writer that keeps the last maxLines complete lines.
type tailBuffer struct {
	mu           sync.Mutex
	maxLines     int
	maxLineBytes int
	lines        []string
	partial      []byte
}

func newTailBuffer(maxLines, maxLineBytes int) *tailBuffer {
	return &tailBuffer{maxLines: maxLines, maxLineBytes: maxLineBytes}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		t.addLocked(string(t.partial[:i]))
		t.partial = t.partial[i+1:]
	}
	if len(t.partial) > t.maxLineBytes {
		t.addLocked(string(t.partial))
		t.partial = nil
	}
	return len(p), nil
}

func (t *tailBuffer) addLocked(line string) {
	line = strings.TrimRight(line, "\r")
	if len(line) > t.maxLineBytes {
		line = line[:t.maxLineBytes]
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.maxLines {
		t.lines = t.lines[len(t.lines)-t.maxLines:]
	}
}

func (t *tailBuffer) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}
