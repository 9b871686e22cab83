package ingest

import (
	"context"
	"io"
	"net"
	"time"
)

type TCPConfig struct {
	Addr           string
	ReconnectDelay time.Duration
	// DialTimeout is used for each connect attempt.
	DialTimeout time.Duration
}

// NewTCP returns a reader that connects to a sensor bridge streaming sample
// lines over TCP and reconnects when the connection drops.
func NewTCP(cfg TCPConfig) (*LineReader, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	open := func(ctx context.Context) (io.ReadCloser, error) {
		return dialer.DialContext(ctx, "tcp", cfg.Addr)
	}
	return newLineReader("tcp", cfg.Addr, open, cfg.ReconnectDelay, 0)
}
