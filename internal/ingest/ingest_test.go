package ingest

import (
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	_ Source = (*LineReader)(nil)
	_ Source = (*NATSSource)(nil)
)

type lineSink struct {
	mu    sync.Mutex
	lines []string
	ch    chan struct{}
}

func newLineSink() *lineSink {
	return &lineSink{ch: make(chan struct{}, 64)}
}

func (s *lineSink) onLine(line []byte) error {
	s.mu.Lock()
	s.lines = append(s.lines, string(line))
	s.mu.Unlock()
	s.ch <- struct{}{}
	if strings.HasPrefix(string(line), "bad") {
		return errors.New("invalid sample line")
	}
	return nil
}

func (s *lineSink) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for line %d", i+1)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestLineReader_DeliversTrimmedLinesAndCountsRejects(t *testing.T) {
	var opens int
	var mu sync.Mutex
	open := func(ctx context.Context) (io.ReadCloser, error) {
		mu.Lock()
		opens++
		n := opens
		mu.Unlock()
		if n == 1 {
			return io.NopCloser(strings.NewReader("ppg,0,250\r\n\n  accel,1,1,2,3 \nbad line\nppg,2,251")), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r, err := newLineReader("test", "fake", open, 10*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("newLineReader: %v", err)
	}

	sink := newLineSink()
	if err := r.Start(context.Background(), sink.onLine); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := sink.wait(t, 4)
	r.Close()

	want := []string{"ppg,0,250", "accel,1,1,2,3", "bad line", "ppg,2,251"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("lines=%q want %q", got, want)
	}

	snap := r.Snapshot(time.Now())
	if snap.Lines != 4 || snap.Rejected != 1 {
		t.Fatalf("lines=%d rejected=%d want 4/1", snap.Lines, snap.Rejected)
	}
	if snap.State != "stopped" {
		t.Fatalf("state=%q want stopped", snap.State)
	}
	if snap.LastSeenUTC == "" {
		t.Fatalf("expected last_seen_utc")
	}
}

func TestLineReader_RejectsOversizedLines(t *testing.T) {
	open := func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(strings.Repeat("9", 64) + "\nppg,0,250\n")), nil
	}
	r, err := newLineReader("test", "fake", open, time.Hour, 32)
	if err != nil {
		t.Fatalf("newLineReader: %v", err)
	}
	sink := newLineSink()
	if err := r.Start(context.Background(), sink.onLine); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := sink.wait(t, 1)
	r.Close()

	if len(got) != 1 || got[0] != "ppg,0,250" {
		t.Fatalf("lines=%q", got)
	}
	if snap := r.Snapshot(time.Now()); snap.Rejected != 1 {
		t.Fatalf("rejected=%d want 1", snap.Rejected)
	}
}

// endlessLine yields n bytes with no newline, then tail.
type endlessLine struct {
	n    int
	tail string
}

func (r *endlessLine) Read(p []byte) (int, error) {
	if r.n > 0 {
		k := min(len(p), r.n)
		for i := 0; i < k; i++ {
			p[i] = '9'
		}
		r.n -= k
		return k, nil
	}
	if r.tail == "" {
		return 0, io.EOF
	}
	k := copy(p, r.tail)
	r.tail = r.tail[k:]
	return k, nil
}

func TestLineReader_UnterminatedStreamDoesNotBuffer(t *testing.T) {
	const streamed = 8 << 20
	open := func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(&endlessLine{n: streamed, tail: "\nppg,0,250\n"}), nil
	}
	r, err := newLineReader("test", "fake", open, time.Hour, 64)
	if err != nil {
		t.Fatalf("newLineReader: %v", err)
	}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	sink := newLineSink()
	if err := r.Start(context.Background(), sink.onLine); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := sink.wait(t, 1)
	runtime.ReadMemStats(&after)
	snap := r.Snapshot(time.Now())
	r.Close()

	if len(got) != 1 || got[0] != "ppg,0,250" {
		t.Fatalf("lines=%q", got)
	}
	if grew := after.TotalAlloc - before.TotalAlloc; grew > 1<<20 {
		t.Fatalf("allocated %d bytes reading an unterminated line", grew)
	}
	if snap.Rejected != 1 {
		t.Fatalf("rejected=%d want 1", snap.Rejected)
	}
	if want := "line too large (8388609 bytes)"; snap.LastError != want {
		t.Fatalf("last_error=%q want %q", snap.LastError, want)
	}
}

func TestLineReader_StartValidation(t *testing.T) {
	open := func(ctx context.Context) (io.ReadCloser, error) { return nil, errors.New("unused") }
	r, err := newLineReader("test", "fake", open, 0, 0)
	if err != nil {
		t.Fatalf("newLineReader: %v", err)
	}
	if err := r.Start(context.Background(), nil); err == nil {
		t.Fatalf("expected nil handler error")
	}
	r.Close()
	if err := r.Start(context.Background(), func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected closed error")
	}

	if _, err := newLineReader("", "x", open, 0, 0); err == nil {
		t.Fatalf("expected name error")
	}
	if _, err := newLineReader("tcp", "", open, 0, 0); err == nil {
		t.Fatalf("expected target error")
	}
}

func TestLineReader_setState_ClearsStaleErrorOnConnected(t *testing.T) {
	r, err := NewTCP(TCPConfig{Addr: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}

	r.setState("error", "dial tcp: connection refused")
	r.setState("connected", "")

	snap := r.Snapshot(time.Time{})
	if snap.State != "connected" {
		t.Fatalf("state=%q want %q", snap.State, "connected")
	}
	if snap.LastError != "" {
		t.Fatalf("last_error=%q want empty", snap.LastError)
	}
}

func TestTCP_ReadsFromListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.WriteString(conn, "accel,0,0,0,9.81\nppg,0,240\n")
		// Hold the connection open until the client goes away.
		_, _ = io.Copy(io.Discard, conn)
	}()

	r, err := NewTCP(TCPConfig{Addr: ln.Addr().String(), ReconnectDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	sink := newLineSink()
	if err := r.Start(context.Background(), sink.onLine); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := sink.wait(t, 2)

	if snap := r.Snapshot(time.Now()); snap.State != "connected" || snap.Target != ln.Addr().String() {
		t.Fatalf("snapshot=%+v", snap)
	}

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked on an open connection")
	}

	if len(got) != 2 || got[0] != "accel,0,0,0,9.81" || got[1] != "ppg,0,240" {
		t.Fatalf("lines=%q", got)
	}
}

func TestSerial_UnknownDeviceReportsError(t *testing.T) {
	r, err := NewSerial(SerialConfig{Device: "/nonexistent/ttyPULSE", ReconnectDelay: time.Hour})
	if err != nil {
		t.Fatalf("NewSerial: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx, func([]byte) error { return nil }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := r.Snapshot(time.Now())
		if snap.State == "error" && snap.LastError != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot=%+v want error state", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Close()
}

type fakeSubscriber struct {
	subject string
	cb      nats.MsgHandler
	err     error
}

func (f *fakeSubscriber) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject = subject
	f.cb = cb
	return nil, nil
}

func TestNATSSource_SplitsMessagesIntoLines(t *testing.T) {
	fs := &fakeSubscriber{}
	src, err := NewNATS(fs, "pulsestep.samples")
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	sink := newLineSink()
	if err := src.Start(context.Background(), sink.onLine); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if fs.subject != "pulsestep.samples" {
		t.Fatalf("subject=%q", fs.subject)
	}
	if err := src.Start(context.Background(), sink.onLine); err == nil {
		t.Fatalf("expected already started error")
	}

	fs.cb(&nats.Msg{Data: []byte("ppg,0,240\n\nppg,33,241\n")})
	fs.cb(&nats.Msg{Data: []byte("bad")})
	got := sink.wait(t, 3)

	if strings.Join(got, "|") != "ppg,0,240|ppg,33,241|bad" {
		t.Fatalf("lines=%q", got)
	}
	snap := src.Snapshot(time.Now())
	if snap.Lines != 3 || snap.Rejected != 1 || snap.State != "subscribed" {
		t.Fatalf("snapshot=%+v", snap)
	}

	src.Close()
	if snap := src.Snapshot(time.Now()); snap.State != "closed" {
		t.Fatalf("state=%q want closed", snap.State)
	}
}

func TestNATSSource_SubscribeError(t *testing.T) {
	boom := errors.New("nats: connection closed")
	src, err := NewNATS(&fakeSubscriber{err: boom}, "pulsestep.samples")
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	err = src.Start(context.Background(), func([]byte) error { return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want %v", err, boom)
	}
	if snap := src.Snapshot(time.Now()); snap.State != "error" {
		t.Fatalf("state=%q want error", snap.State)
	}
}

func TestNATSSource_ClosesWithContext(t *testing.T) {
	src, err := NewNATS(&fakeSubscriber{}, "s")
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := src.Start(ctx, func([]byte) error { return nil }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for src.Snapshot(time.Now()).State != "closed" {
		if time.Now().After(deadline) {
			t.Fatalf("source did not close with its context")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewNATS_Validation(t *testing.T) {
	if _, err := NewNATS(nil, "s"); err == nil {
		t.Fatalf("expected nil conn error")
	}
	if _, err := NewNATS(&fakeSubscriber{}, ""); err == nil {
		t.Fatalf("expected subject error")
	}
}
