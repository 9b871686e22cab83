package ingest

import (
	"context"
	"io"
	"time"
)

type SerialConfig struct {
	Device         string
	Baud           int
	ReconnectDelay time.Duration
}

// NewSerial returns a reader for a USB-serial sensor board. The device is
// reopened after unplug/replug.
func NewSerial(cfg SerialConfig) (*LineReader, error) {
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	open := func(context.Context) (io.ReadCloser, error) {
		return openSerial(cfg.Device, cfg.Baud)
	}
	return newLineReader("serial", cfg.Device, open, cfg.ReconnectDelay, 0)
}
