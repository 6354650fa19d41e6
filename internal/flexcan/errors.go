package flexcan

import "errors"

var (
	// ErrTimeout: a hardware handshake did not complete within its budget.
	ErrTimeout = errors.New("flexcan: handshake timeout")
	// ErrBusy: a frame was submitted while another is in flight.
	ErrBusy = errors.New("flexcan: transmit mailbox busy")
	// ErrAllocationFailed: no buffer for a received frame; counted as a drop.
	ErrAllocationFailed = errors.New("flexcan: frame allocation failed")
	// ErrInternalInconsistency: the hardware reported a transition it cannot make.
	ErrInternalInconsistency = errors.New("flexcan: internal inconsistency")
	ErrNotRunning            = errors.New("flexcan: controller not running")
	ErrClosed                = errors.New("flexcan: device closed")
	ErrUnsupportedCore       = errors.New("flexcan: unsupported core, rx FIFO not available")
	ErrInvalidConfig         = errors.New("flexcan: invalid config")
)
