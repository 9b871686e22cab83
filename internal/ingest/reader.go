// Package ingest delivers sample lines from external sources to a handler,
// one line at a time, in arrival order.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Source is a running ingest source. Start returns immediately; lines are
// delivered from a background goroutine until ctx ends or Close is called.
type Source interface {
	Start(ctx context.Context, onLine func(line []byte) error) error
	Close()
	Snapshot(nowUTC time.Time) Snapshot
}

type Snapshot struct {
	Name        string `json:"name"`
	Target      string `json:"target"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Lines       uint64 `json:"lines"`
	Rejected    uint64 `json:"rejected"`

	// StderrTail is set by sources that run a child process.
	StderrTail []string `json:"stderr_tail,omitempty"`
}

type openFunc func(ctx context.Context) (io.ReadCloser, error)

// LineReader reads newline-delimited text from a stream it (re)opens on
// demand: a TCP connection or a serial device.
type LineReader struct {
	name           string
	target         string
	open           openFunc
	reconnectDelay time.Duration
	maxLineBytes   int

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64
	rejected uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func newLineReader(name, target string, open openFunc, reconnectDelay time.Duration, maxLineBytes int) (*LineReader, error) {
	if name == "" {
		return nil, fmt.Errorf("ingest: source name is required")
	}
	if target == "" {
		return nil, fmt.Errorf("ingest: %s target is required", name)
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	if maxLineBytes <= 0 {
		maxLineBytes = 4 * 1024
	}
	return &LineReader{
		name:           name,
		target:         target,
		open:           open,
		reconnectDelay: reconnectDelay,
		maxLineBytes:   maxLineBytes,
		state:          "stopped",
		done:           make(chan struct{}),
	}, nil
}

// Start opens the source and reads lines. onLine receives a trimmed copy of
// each non-empty line; a handler error counts the line as rejected and
// reading continues.
func (c *LineReader) Start(ctx context.Context, onLine func(line []byte) error) error {
	if c == nil {
		return fmt.Errorf("ingest: reader is nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("ingest: %s is closed", c.name)
	}
	if onLine == nil {
		return fmt.Errorf("ingest: onLine is nil")
	}
	if c.started.Swap(true) {
		return fmt.Errorf("ingest: %s already started", c.name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState("connecting", "")

	go func() {
		defer close(c.done)
		c.runLoop(runCtx, onLine)
	}()
	return nil
}

// Close stops the reader and waits for the read loop to exit.
func (c *LineReader) Close() {
	if c == nil {
		return
	}
	if c.closed.Swap(true) {
		return
	}
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *LineReader) Snapshot(nowUTC time.Time) Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	out := Snapshot{
		Name:      c.name,
		Target:    c.target,
		State:     c.state,
		LastError: c.lastErr,
		Lines:     c.count,
		Rejected:  c.rejected,
	}
	lastSeen := c.lastSeen
	c.mu.RUnlock()

	if !lastSeen.IsZero() {
		out.LastSeenUTC = lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (c *LineReader) runLoop(ctx context.Context, onLine func(line []byte) error) {
	for {
		if ctx.Err() != nil {
			c.setState("stopped", "")
			return
		}

		c.setState("connecting", "")
		rc, err := c.open(ctx)
		if err != nil {
			c.setState("error", err.Error())
			if !sleepCtx(ctx, c.reconnectDelay) {
				c.setState("stopped", "")
				return
			}
			continue
		}

		c.setState("connected", "")
		// Closing the stream is the only way to unblock a pending read.
		stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
		err = c.readLines(rc, onLine)
		stop()
		_ = rc.Close()

		if ctx.Err() != nil {
			c.setState("stopped", "")
			return
		}
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			c.setState("disconnected", "")
		} else {
			c.setState("disconnected", err.Error())
		}

		if !sleepCtx(ctx, c.reconnectDelay) {
			c.setState("stopped", "")
			return
		}
	}
}

// readLines never buffers more than maxLineBytes: the rest of an oversized
// line is skipped up to its newline and the line is counted as rejected.
func (c *LineReader) readLines(r io.Reader, onLine func(line []byte) error) error {
	reader := bufio.NewReaderSize(r, c.maxLineBytes)
	skipped := 0
	for {
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			skipped += len(line)
			continue
		}
		if skipped > 0 {
			c.rejectOversized(skipped + len(line))
			skipped = 0
		} else if len(line) > 0 {
			c.handle(line, onLine)
		}
		if err != nil {
			return err
		}
	}
}

func (c *LineReader) rejectOversized(n int) {
	c.mu.Lock()
	c.rejected++
	c.lastErr = fmt.Sprintf("line too large (%d bytes)", n)
	c.mu.Unlock()
}

// handle delivers a copy of line; the slice itself belongs to the bufio.Reader.
func (c *LineReader) handle(line []byte, onLine func(line []byte) error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	raw := append([]byte(nil), line...)
	err := onLine(raw)

	now := time.Now().UTC()
	c.mu.Lock()
	c.lastSeen = now
	c.count++
	if err != nil {
		c.rejected++
		c.lastErr = "handler: " + err.Error()
	}
	c.mu.Unlock()
}

func (c *LineReader) setState(state string, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == "connected" || state == "connecting" || state == "stopped" {
		c.lastErr = ""
	}
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
