package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port is the byte stream under the register bridge.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

var openPort = func(c *serial.Config) (Port, error) { return serial.OpenPort(c) }

// Open opens name as an 8N1 line. An idle read returns no bytes after
// readTimeout.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	if baud <= 0 {
		return nil, fmt.Errorf("serial: bad baud rate %d", baud)
	}
	p, err := openPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", name, err)
	}
	return p, nil
}
