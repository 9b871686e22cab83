package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"pulsestep/internal/sample"
)

// Log format: line-oriented text.
//
// - Blank lines ignored.
// - Lines starting with '#' ignored.
// - Line "START" resets the origin (next record time is relative to it again).
// - Data lines are: <stream>,<t_ms>,<v1>[,<v2>,<v3>]
//   the same encoding the TCP and serial ingest sources accept.
//
// Timing comes from the sample timestamps themselves, so a recording of a
// live session replays with the sensor's own cadence.

type Record struct {
	// Start marks a START line; Stream and Sample are empty.
	Start  bool
	Stream sample.Stream
	Sample sample.Sample
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{Start: true})
			continue
		}
		stream, smp, err := sample.ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("replay line %d: %w", lineNo, err)
		}
		recs = append(recs, Record{Stream: stream, Sample: smp})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ReadFile opens path and reads every record in it.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

type Writer struct {
	f      *os.File
	w      *bufio.Writer
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw}, nil
}

func (ww *Writer) WriteSample(stream sample.Stream, s sample.Sample) error {
	if ww.closed {
		return errors.New("replay writer is closed")
	}
	if stream.Arity() == 0 {
		return fmt.Errorf("unknown sample stream %q", stream)
	}
	if len(s.Values) != stream.Arity() {
		return fmt.Errorf("%w: %s wants %d, got %d", sample.ErrArity, stream, stream.Arity(), len(s.Values))
	}
	if _, err := ww.w.WriteString(sample.FormatLine(stream, s)); err != nil {
		return err
	}
	return ww.w.WriteByte('\n')
}

func (ww *Writer) Flush() error {
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play replays records with their relative timing.
//
// The callback is invoked for each data record. START markers reset the
// origin. Out-of-order timestamps across streams are delivered without a wait.
//
// speedMultiplier: 1.0 = real time, 2.0 = 2x speed (half waits), 0.5 = half speed.
func Play(ctx context.Context, records []Record, speedMultiplier float64, loop bool, sleeper Sleeper, cb func(stream sample.Stream, s sample.Sample) error) error {
	if speedMultiplier <= 0 {
		return fmt.Errorf("speedMultiplier must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		var lastAt int64
		var haveLast bool

		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Start {
				haveLast = false
				continue
			}

			at := r.Sample.At
			if haveLast {
				wait := at - lastAt
				if wait > 0 {
					sleeper.Sleep(time.Duration(float64(time.Duration(wait)*time.Millisecond) / speedMultiplier))
				}
			}

			if err := cb(r.Stream, r.Sample); err != nil {
				return err
			}

			if !haveLast || at > lastAt {
				lastAt = at
			}
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}

// Summary describes a recording without replaying it.
type Summary struct {
	Records  int
	Segments int
	Motion   StreamSummary
	PPG      StreamSummary
}

type StreamSummary struct {
	Samples int
	FirstAt int64
	LastAt  int64
	// Regressions counts samples older than the newest one already seen in
	// the same stream; the live pipelines would reject them.
	Regressions int
}

func (s StreamSummary) Duration() time.Duration {
	if s.Samples < 2 {
		return 0
	}
	return time.Duration(s.LastAt-s.FirstAt) * time.Millisecond
}

// RateHz is the mean sample rate over the stream's span.
func (s StreamSummary) RateHz() float64 {
	d := s.Duration()
	if d <= 0 {
		return 0
	}
	return float64(s.Samples-1) / d.Seconds()
}

func Summarize(records []Record) Summary {
	var sum Summary
	for _, r := range records {
		if r.Start {
			sum.Segments++
			continue
		}
		sum.Records++
		var ss *StreamSummary
		switch r.Stream {
		case sample.StreamMotion:
			ss = &sum.Motion
		case sample.StreamPPG:
			ss = &sum.PPG
		default:
			continue
		}
		if ss.Samples == 0 {
			ss.FirstAt = r.Sample.At
		} else if r.Sample.At < ss.LastAt {
			ss.Regressions++
		}
		if ss.Samples == 0 || r.Sample.At > ss.LastAt {
			ss.LastAt = r.Sample.At
		}
		ss.Samples++
	}
	return sum
}
