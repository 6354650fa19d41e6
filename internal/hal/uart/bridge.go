// Package uart drives a controller through a register bridge on a serial
// link. Every register access is a request/reply round trip; the bridge
// also forwards the controller's interrupt line as unsolicited events.
package uart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-flexcan/internal/hal"
	"github.com/kstaniek/go-flexcan/internal/logging"
	"github.com/kstaniek/go-flexcan/internal/metrics"
	"github.com/kstaniek/go-flexcan/internal/serial"
)

const (
	DefaultTimeout = 200 * time.Millisecond
	readBufSize    = 256
	rxBackoffMin   = 20 * time.Millisecond
	rxBackoffMax   = 500 * time.Millisecond
)

var (
	// ErrTimeout: the bridge did not answer a request in time.
	ErrTimeout = errors.New("uart: bridge timeout")
	// ErrOffset: the register offset does not fit the 16-bit wire field.
	ErrOffset = errors.New("uart: register offset out of range")
)

// sleepFn allows tests to intercept read backoff sleeps.
var sleepFn = time.Sleep

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout sets the per-request reply timeout.
func WithTimeout(d time.Duration) Option { return func(b *Bridge) { b.timeout = d } }

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.log = l } }

// Bridge is a hal.HAL and hal.IRQ backed by a serial register bridge.
// Register accesses cannot report errors through hal.Registers; the first
// failure is kept and returned by Err, and failed reads return 0.
type Bridge struct {
	hal.SystemClock

	port    serial.Port
	codec   serial.Codec
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex // one request in flight
	seq     uint8
	replies chan serial.Packet
	irqs    chan struct{}

	errMu sync.Mutex
	err   error

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New starts the reader on port and returns the bridge.
func New(port serial.Port, opts ...Option) *Bridge {
	b := &Bridge{
		port:    port,
		timeout: DefaultTimeout,
		log:     logging.L(),
		replies: make(chan serial.Packet, 4),
		irqs:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.readLoop()
	return b
}

// Open opens the serial device and starts a bridge on it.
func Open(name string, baud int, opts ...Option) (*Bridge, error) {
	p, err := serial.Open(name, baud, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("uart: open %s: %w", name, err)
	}
	return New(p, opts...), nil
}

func (b *Bridge) readLoop() {
	defer close(b.done)
	buf := make([]byte, readBufSize)
	var acc bytes.Buffer
	backoff := rxBackoffMin
	for !b.isClosed() {
		n, err := b.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = b.codec.DecodeStream(&acc, b.dispatch)
			backoff = rxBackoffMin
		}
		if err == nil {
			continue
		}
		if b.isClosed() {
			return
		}
		var perr *os.PathError
		if errors.As(err, &perr) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			b.fail(fmt.Errorf("uart: read: %w", err))
			b.log.Error("bridge_read_fatal", "error", err)
			return
		}
		if errors.Is(err, io.EOF) {
			continue
		}
		metrics.IncError(metrics.ErrBridgeIO)
		b.log.Warn("bridge_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff = min(backoff*2, rxBackoffMax)
	}
}

func (b *Bridge) dispatch(p serial.Packet) {
	if p.Op == serial.OpIRQ {
		metrics.IncBridgeIRQ()
		select {
		case b.irqs <- struct{}{}:
		default:
		}
		return
	}
	if p.Op&serial.OpReply == 0 {
		b.log.Debug("bridge_unexpected_packet", "packet", p.String())
		return
	}
	select {
	case b.replies <- p:
	default:
		b.log.Debug("bridge_reply_dropped", "packet", p.String())
	}
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func (b *Bridge) fail(err error) {
	b.errMu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.errMu.Unlock()
}

// Err returns the first access error, if any.
func (b *Bridge) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *Bridge) request(op uint8, off uint32, val uint32) (uint32, error) {
	if off > 0xFFFF {
		return 0, fmt.Errorf("%w: 0x%X", ErrOffset, off)
	}
	if b.isClosed() {
		return 0, hal.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.replies) > 0 { // stale replies from timed out requests
		<-b.replies
	}
	b.seq++
	req := serial.Packet{Op: op, Seq: b.seq, Off: uint16(off), Val: val}
	if _, err := b.port.Write(b.codec.Encode(req)); err != nil {
		metrics.IncError(metrics.ErrBridgeIO)
		return 0, fmt.Errorf("uart: write: %w", err)
	}
	metrics.IncBridgeRequest()
	t := time.NewTimer(b.timeout)
	defer t.Stop()
	for {
		select {
		case p := <-b.replies:
			if p.Seq != req.Seq || p.Op != op|serial.OpReply {
				continue
			}
			return p.Val, nil
		case <-t.C:
			metrics.IncError(metrics.ErrBridgeTimeout)
			return 0, fmt.Errorf("%w: %v", ErrTimeout, req)
		case <-b.closed:
			return 0, hal.ErrClosed
		}
	}
}

func (b *Bridge) ReadReg(off uint32) uint32 {
	v, err := b.request(serial.OpRead, off, 0)
	if err != nil {
		b.accessError("read", off, err)
		return 0
	}
	return v
}

func (b *Bridge) WriteReg(off, v uint32) {
	if _, err := b.request(serial.OpWrite, off, v); err != nil {
		b.accessError("write", off, err)
	}
}

func (b *Bridge) accessError(op string, off uint32, err error) {
	if b.Err() == nil {
		b.log.Error("bridge_access_error", "op", op, "offset", fmt.Sprintf("0x%03X", off), "error", err)
	}
	b.fail(err)
}

// Wait blocks until the bridge reports an interrupt.
func (b *Bridge) Wait(ctx context.Context) error {
	select {
	case <-b.irqs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return hal.ErrClosed
	}
}

// Ack re-enables the bridge's interrupt forwarding.
func (b *Bridge) Ack() error {
	_, err := b.request(serial.OpIRQAck, 0, 0)
	return err
}

// Close stops the reader and closes the port. Idempotent.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.port.Close()
		<-b.done
	})
	return err
}
