package sample

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Stream identifies which pipeline a sample belongs to.
type Stream string

const (
	StreamMotion Stream = "accel"
	StreamPPG    Stream = "ppg"
)

// Arity returns the number of values a sample of this stream carries.
func (s Stream) Arity() int {
	switch s {
	case StreamMotion:
		return 3
	case StreamPPG:
		return 1
	default:
		return 0
	}
}

var (
	ErrTimestampRegression = errors.New("timestamp went backwards")
	ErrArity               = errors.New("wrong number of values")
)

// Sample is one timestamped reading. At is monotonic milliseconds; it is not
// wall-clock time and only needs to be non-decreasing within a stream.
type Sample struct {
	At     int64
	Values []float64
}

// Clock rejects samples whose timestamp is older than the last accepted one.
// The zero value accepts any first timestamp.
type Clock struct {
	last int64
	have bool
}

func (c *Clock) Accept(at int64) error {
	if c.have && at < c.last {
		return fmt.Errorf("%w: %d after %d", ErrTimestampRegression, at, c.last)
	}
	c.last = at
	c.have = true
	return nil
}

// Last returns the most recent accepted timestamp.
func (c *Clock) Last() (int64, bool) {
	return c.last, c.have
}

// ParseLine decodes "<stream>,<t_ms>,<v1>[,<v2>,<v3>]".
func ParseLine(line string) (Stream, Sample, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", Sample{}, fmt.Errorf("empty sample line")
	}
	parts := strings.Split(line, ",")
	if len(parts) < 3 {
		return "", Sample{}, fmt.Errorf("invalid sample line (need stream,ts,values): %q", line)
	}

	stream := Stream(strings.ToLower(strings.TrimSpace(parts[0])))
	want := stream.Arity()
	if want == 0 {
		return "", Sample{}, fmt.Errorf("unknown sample stream %q", parts[0])
	}
	if got := len(parts) - 2; got != want {
		return "", Sample{}, fmt.Errorf("%w: %s wants %d, got %d", ErrArity, stream, want, got)
	}

	at, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return "", Sample{}, fmt.Errorf("invalid sample timestamp %q: %w", parts[1], err)
	}
	if at < 0 {
		return "", Sample{}, fmt.Errorf("invalid sample timestamp (negative): %d", at)
	}

	vals := make([]float64, 0, want)
	for _, p := range parts[2:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return "", Sample{}, fmt.Errorf("invalid sample value %q: %w", p, err)
		}
		vals = append(vals, v)
	}
	return stream, Sample{At: at, Values: vals}, nil
}

// FormatLine is the inverse of ParseLine.
func FormatLine(stream Stream, s Sample) string {
	var b strings.Builder
	b.WriteString(string(stream))
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(s.At, 10))
	for _, v := range s.Values {
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}
