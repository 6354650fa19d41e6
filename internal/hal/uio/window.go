// Package uio exposes a memory-mapped FlexCAN register block as a hal.HAL.
// On Linux the block comes from a UIO device (with its interrupt line) or
// from /dev/mem at a physical address.
package uio

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/kstaniek/go-flexcan/internal/hal"
	"github.com/kstaniek/go-flexcan/internal/logging"
)

// ErrUnsupported is returned where memory-mapped access is not available.
var ErrUnsupported = errors.New("uio: not supported on this platform")

// words is 32-bit access to a mapping. Values are in host order.
type words interface {
	Load32(off int64) (uint32, error)
	Store32(off int64, v uint32) error
	Len() int
}

// Window is a register window over a mapping. Register accessors cannot
// fail; the first access error is kept and reported by Err.
type Window struct {
	hal.SystemClock

	m    words
	swap bool

	mu  sync.Mutex
	err error
}

// NewWindow wraps m. With swap set every register value is byte-swapped,
// for big-endian controllers on little-endian hosts and vice versa.
func NewWindow(m words, swap bool) *Window {
	return &Window{m: m, swap: swap}
}

func (w *Window) ReadReg(off uint32) uint32 {
	v, err := w.m.Load32(int64(off))
	if err != nil {
		w.fail(fmt.Errorf("uio: read 0x%03x: %w", off, err))
		return 0
	}
	if w.swap {
		v = bits.ReverseBytes32(v)
	}
	return v
}

func (w *Window) WriteReg(off, v uint32) {
	if w.swap {
		v = bits.ReverseBytes32(v)
	}
	if err := w.m.Store32(int64(off), v); err != nil {
		w.fail(fmt.Errorf("uio: write 0x%03x: %w", off, err))
	}
}

// Size is the mapped window length in bytes.
func (w *Window) Size() int { return w.m.Len() }

// Err returns the first access error, if any.
func (w *Window) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Window) fail(err error) {
	w.mu.Lock()
	first := w.err == nil
	if first {
		w.err = err
	}
	w.mu.Unlock()
	if first {
		logging.L().Error("uio_access_error", "error", err)
	}
}

var _ hal.HAL = (*Window)(nil)
