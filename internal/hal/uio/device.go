package uio

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/kstaniek/go-flexcan/internal/hal"
)

// Device is an opened register block, optionally with its interrupt line.
type Device struct {
	*Window
	mapping io.Closer
	file    io.Closer
	irq     hal.IRQ
}

// IRQ returns the interrupt line, or nil when the block was opened
// without one (devmem); the controller then polls.
func (d *Device) IRQ() hal.IRQ { return d.irq }

// Close unmaps the window and releases the device node.
func (d *Device) Close() error {
	var first error
	for _, c := range []io.Closer{d.mapping, d.file} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Option customizes Open.
type Option func(*options)

type options struct {
	swap bool
	size int
}

// WithByteSwap byte-swaps register values (big-endian cores such as p1010
// on a little-endian host).
func WithByteSwap(v bool) Option { return func(o *options) { o.swap = v } }

// WithSize overrides the mapping length. UIO devices report their own.
func WithSize(n int) Option { return func(o *options) { o.size = n } }

var hostBig = binary.NativeEndian.Uint16([]byte{0, 1}) == 1

// NeedsSwap reports whether a register block of the given endianness
// ("little", "big" or empty for little) needs swapping on this host.
func NeedsSwap(endian string) (bool, error) { return needsSwap(endian, hostBig) }

func needsSwap(endian string, hostBig bool) (bool, error) {
	switch strings.ToLower(endian) {
	case "", "little", "le":
		return hostBig, nil
	case "big", "be":
		return !hostBig, nil
	}
	return false, &EndianError{Value: endian}
}

// EndianError reports an unknown endianness name.
type EndianError struct{ Value string }

func (e *EndianError) Error() string { return "uio: unknown endianness " + e.Value }
