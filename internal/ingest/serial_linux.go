//go:build linux

package ingest

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// sampleBauds are the rates sensor boards use to stream 50 Hz triaxial
// lines plus PPG; anything slower drops samples.
var sampleBauds = map[int]uint32{
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

// openSerial opens a sensor board's tty in raw 8N1 mode and discards
// whatever the kernel buffered before the open, so a reconnect starts on a
// fresh sample line instead of the tail of an old one.
func openSerial(path string, baud int) (*os.File, error) {
	spd, ok := sampleBauds[baud]
	if !ok {
		return nil, fmt.Errorf("unsupported baud %d", baud)
	}

	// O_NONBLOCK puts the fd on the runtime poller, so Close unblocks reads.
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	if err := configureTTY(fd, spd); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	f := os.NewFile(uintptr(fd), path)
	if f == nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s: os.NewFile failed", path)
	}
	return f, nil
}

func configureTTY(fd int, spd uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}
	rawSampleMode(t, spd)
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH); err != nil {
		return fmt.Errorf("flush input: %w", err)
	}
	return nil
}

// rawSampleMode turns off every line discipline feature and sets 8N1 at spd.
// Reads return as soon as one byte is available; the line reader does the
// framing.
func rawSampleMode(t *unix.Termios, spd uint32) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD | spd
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	t.Ispeed = spd
	t.Ospeed = spd
}
