package ingest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subscriber is the subset of *nats.Conn the NATS source needs.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSSource consumes sample lines published on one subject. A message may
// carry several newline-separated lines. NATS invokes the callback from one
// goroutine per subscription, so lines keep their publish order.
type NATSSource struct {
	conn    Subscriber
	subject string

	mu       sync.RWMutex
	sub      *nats.Subscription
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64
	rejected uint64
	stop     func() bool
}

func NewNATS(conn Subscriber, subject string) (*NATSSource, error) {
	if conn == nil {
		return nil, fmt.Errorf("ingest: nats connection is nil")
	}
	if subject == "" {
		return nil, fmt.Errorf("ingest: nats subject is required")
	}
	return &NATSSource{conn: conn, subject: subject, state: "stopped"}, nil
}

func (s *NATSSource) Start(ctx context.Context, onLine func(line []byte) error) error {
	if onLine == nil {
		return fmt.Errorf("ingest: onLine is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != "stopped" {
		return fmt.Errorf("ingest: nats source already started")
	}

	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		s.deliver(msg.Data, onLine)
	})
	if err != nil {
		s.state = "error"
		s.lastErr = err.Error()
		return fmt.Errorf("ingest: subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.state = "subscribed"
	s.stop = context.AfterFunc(ctx, s.Close)
	return nil
}

func (s *NATSSource) deliver(data []byte, onLine func(line []byte) error) {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		err := onLine(line)

		s.mu.Lock()
		s.lastSeen = time.Now().UTC()
		s.count++
		if err != nil {
			s.rejected++
			s.lastErr = "handler: " + err.Error()
		}
		s.mu.Unlock()
	}
}

// Close unsubscribes. Messages already being delivered finish first.
func (s *NATSSource) Close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	if s.state == "subscribed" {
		s.state = "closed"
	}
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

func (s *NATSSource) Snapshot(nowUTC time.Time) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Name:      "nats",
		Target:    s.subject,
		State:     s.state,
		LastError: s.lastErr,
		Lines:     s.count,
		Rejected:  s.rejected,
	}
	if !s.lastSeen.IsZero() {
		out.LastSeenUTC = s.lastSeen.Format(time.RFC3339Nano)
	}
	return out
}
