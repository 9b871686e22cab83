package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the transport needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes each message on "<prefix>.<kind>".
type NATS struct {
	pub    Publisher
	prefix string
}

func NewNATS(pub Publisher, prefix string) (*NATS, error) {
	if pub == nil {
		return nil, fmt.Errorf("telemetry: nats publisher is nil")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || strings.HasSuffix(prefix, ".") {
		return nil, fmt.Errorf("telemetry: invalid subject prefix %q", prefix)
	}
	return &NATS{pub: pub, prefix: prefix}, nil
}

// Subject returns the subject messages of kind are published on.
func (n *NATS) Subject(kind string) string {
	return n.prefix + "." + kind
}

func (n *NATS) Send(kind string, payload []byte) error {
	return n.pub.Publish(n.Subject(kind), payload)
}

// Connect dials a NATS server. Reconnects never give up.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(3*time.Second),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
	)
}
