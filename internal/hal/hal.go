// Package hal defines what the controller core needs from the platform:
// a 32-bit register window, bounded delays, an interrupt line and the
// optional power switches around the controller.
package hal

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by interrupt lines and register windows after Close.
var ErrClosed = errors.New("hal: closed")

// Registers is a word-addressed register window. Accesses are issued in
// program order; byte order is handled by the implementation.
type Registers interface {
	ReadReg(off uint32) uint32
	WriteReg(off, v uint32)
}

// Clock provides the waits used by handshake polling loops.
// Neither call may return early.
type Clock interface {
	Delay(us int)
	SleepRange(minUs, maxUs int)
}

// HAL is the minimum a controller core needs.
type HAL interface {
	Registers
	Clock
}

// IRQ is an interrupt line. Wait blocks until the line fires or ctx ends.
// Ack re-enables the line after the handler ran (UIO semantics).
type IRQ interface {
	Wait(ctx context.Context) error
	Ack() error
}

// Transceiver switches the bus transceiver power rail.
type Transceiver interface {
	Enable() error
	Disable() error
}

// StopMode enters and leaves the SoC low-power stop mode around the
// controller (GPR request bit on i.MX parts).
type StopMode interface {
	Enter() error
	Exit() error
}

// SystemClock waits on the Go scheduler.
type SystemClock struct{}

func (SystemClock) Delay(us int) { time.Sleep(time.Duration(us) * time.Microsecond) }

func (SystemClock) SleepRange(minUs, maxUs int) {
	if maxUs < minUs {
		maxUs = minUs
	}
	time.Sleep(time.Duration(minUs+(maxUs-minUs)/2) * time.Microsecond)
}
