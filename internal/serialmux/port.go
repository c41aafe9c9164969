package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortOpener opens a serial port at path. It lets callers swap the
// real go.bug.st/serial opener for a mock in tests.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)
