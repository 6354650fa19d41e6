// Package flexcan is the runtime core of a FlexCAN controller: lifecycle
// handshakes, bus error state tracking, receive offload into a bounded
// queue delivered in batches, and the single-mailbox transmit path.
//
// Register access goes through a hal.HAL; received frames, link changes
// and activity events go to a Consumer.
package flexcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
	"github.com/kstaniek/go-flexcan/internal/hal"
	"github.com/kstaniek/go-flexcan/internal/logging"
)

// Consumer receives frames and link notifications. DeliverFrame is called
// from the delivery pass only and must not block; LinkDown and LinkUp must
// not call back into the Device lifecycle.
type Consumer interface {
	DeliverFrame(can.Frame)
	LinkDown()
	LinkUp()
}

// LEDEvent is an activity indication.
type LEDEvent int

const (
	LEDOpen LEDEvent = iota
	LEDStop
	LEDTx
	LEDRx
)

func (e LEDEvent) String() string {
	switch e {
	case LEDOpen:
		return "open"
	case LEDStop:
		return "stop"
	case LEDTx:
		return "tx"
	case LEDRx:
		return "rx"
	}
	return "unknown"
}

// ActivityObserver is implemented by consumers that drive activity LEDs.
type ActivityObserver interface {
	LEDEvent(LEDEvent)
}

// Scheduler runs the delivery pass soon after Schedule. Requests may be
// coalesced but never lost.
type Scheduler interface {
	Schedule()
}

// Allocator provides receive buffers.
type Allocator interface {
	Alloc() (*can.Frame, error)
	Free(*can.Frame)
}

type poolAllocator struct{ p sync.Pool }

func newPoolAllocator() *poolAllocator {
	return &poolAllocator{p: sync.Pool{New: func() any { return new(can.Frame) }}}
}

func (a *poolAllocator) Alloc() (*can.Frame, error) { return a.p.Get().(*can.Frame), nil }
func (a *poolAllocator) Free(f *can.Frame)          { *f = can.Frame{}; a.p.Put(f) }

type nopConsumer struct{}

func (nopConsumer) DeliverFrame(can.Frame) {}
func (nopConsumer) LinkDown()              {}
func (nopConsumer) LinkUp()                {}

// kickScheduler wakes the built-in runner goroutine.
type kickScheduler chan struct{}

func (k kickScheduler) Schedule() {
	select {
	case k <- struct{}{}:
	default:
	}
}

// Option customizes a Device.
type Option func(*Device)

func WithConsumer(c Consumer) Option { return func(d *Device) { d.consumer = c } }

func WithTransceiver(t hal.Transceiver) Option { return func(d *Device) { d.xcvr = t } }

func WithStopMode(s hal.StopMode) Option { return func(d *Device) { d.stm = s } }

// WithIRQ sets the interrupt line. By default the HAL's own line is used
// when it has one; otherwise the handler is polled.
func WithIRQ(irq hal.IRQ) Option { return func(d *Device) { d.irq = irq } }

func WithLogger(l *slog.Logger) Option { return func(d *Device) { d.log = l } }

// WithScheduler replaces the built-in runner goroutine. The scheduler must
// eventually call Poll(Weight) for each Schedule.
func WithScheduler(s Scheduler) Option { return func(d *Device) { d.sched = s } }

func WithAllocator(a Allocator) Option { return func(d *Device) { d.alloc = a } }

// Device is one FlexCAN controller instance.
type Device struct {
	hw       hal.HAL
	irq      hal.IRQ
	xcvr     hal.Transceiver
	stm      hal.StopMode
	cfg      Config
	consumer Consumer
	activity ActivityObserver
	log      *slog.Logger
	alloc    Allocator
	sched    Scheduler
	kick     kickScheduler

	stats counters
	q     *rxQueue
	armed atomic.Bool

	// hwMu serializes register sequences: lifecycle, interrupt handling
	// and transmit arming.
	hwMu sync.Mutex

	mu           sync.Mutex
	state        ControllerState
	bus          BusErrorState
	ctrlDefault  uint32
	txPending    bool
	txOff        bool
	echoLen      uint8
	open         bool
	sleepWake    bool
	cancel       context.CancelFunc
	restartTimer *time.Timer

	txReady chan struct{}
	wg      sync.WaitGroup
}

// New validates cfg and returns a closed device.
func New(h hal.HAL, cfg Config, opts ...Option) (*Device, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil HAL", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := &Device{
		hw:      h,
		cfg:     cfg,
		state:   StateDisabled,
		txOff:   true,
		txReady: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.irq == nil {
		if irq, ok := h.(hal.IRQ); ok {
			d.irq = irq
		}
	}
	if d.consumer == nil {
		d.consumer = nopConsumer{}
	}
	if a, ok := d.consumer.(ActivityObserver); ok {
		d.activity = a
	}
	if d.log == nil {
		d.log = logging.ForDevice(logging.L(), cfg.Name)
	}
	if d.alloc == nil {
		d.alloc = newPoolAllocator()
	}
	if d.sched == nil {
		d.kick = make(kickScheduler, 1)
		d.sched = d.kick
	}
	d.q = newRxQueue(QueueCapacity(cfg.Weight))
	return d, nil
}

func (d *Device) Name() string   { return d.cfg.Name }
func (d *Device) Config() Config { return d.cfg }

// State returns the controller lifecycle state.
func (d *Device) State() ControllerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// BusState returns the last classified bus error state.
func (d *Device) BusState() BusErrorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bus
}

// Stats returns the cumulative counters.
func (d *Device) Stats() Stats { return d.stats.snapshot() }

// QueueLen reports frames waiting for delivery.
func (d *Device) QueueLen() int { return d.q.len() }

// QueueCap is the receive queue bound.
func (d *Device) QueueCap() int { return d.q.capacity() }

func (d *Device) setState(s ControllerState) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		d.log.Debug("flexcan_state_change", "from", prev, "to", s)
	}
}

func (d *Device) led(e LEDEvent) {
	if d.activity != nil {
		d.activity.LEDEvent(e)
	}
}

// Open starts the controller and its interrupt and delivery goroutines.
// They run until Close or until ctx is done.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	if d.open {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	d.q.discard(d.alloc.Free)
	d.armed.Store(false)

	d.hwMu.Lock()
	err := d.chipStart()
	d.hwMu.Unlock()
	if err != nil {
		return fmt.Errorf("open %s: %w", d.cfg.Name, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.open = true
	d.txOff = false
	d.txPending = false
	d.cancel = cancel
	d.mu.Unlock()

	if d.kick != nil {
		d.wg.Add(1)
		go d.runLoop(runCtx)
	}
	d.wg.Add(1)
	go d.irqLoop(runCtx)

	d.led(LEDOpen)
	d.signalTxReady()
	d.log.Info("flexcan_open", "devtype", d.cfg.DevType.Name, "bitrate", d.cfg.BitTiming.Bitrate, "weight", d.cfg.Weight, "queue_cap", d.q.capacity())
	return nil
}

// Close stops transmission, the interrupt goroutine and the delivery
// runner, then stops the chip and discards queued frames. Counters survive.
func (d *Device) Close() error {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return nil
	}
	d.open = false
	d.txOff = true
	cancel := d.cancel
	d.cancel = nil
	if d.restartTimer != nil {
		d.restartTimer.Stop()
		d.restartTimer = nil
	}
	d.mu.Unlock()

	cancel()
	d.wg.Wait()

	d.hwMu.Lock()
	d.chipStop()
	d.hwMu.Unlock()

	d.armed.Store(false)
	n := d.q.discard(d.alloc.Free)
	d.mu.Lock()
	d.txPending = false
	d.mu.Unlock()
	d.led(LEDStop)
	d.log.Info("flexcan_close", "discarded", n)
	return nil
}

// Restart brings the controller back after bus-off.
func (d *Device) Restart() error {
	d.hwMu.Lock()
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		d.hwMu.Unlock()
		return ErrClosed
	}
	if d.restartTimer != nil {
		d.restartTimer.Stop()
		d.restartTimer = nil
	}
	d.mu.Unlock()
	err := d.chipStart()
	d.hwMu.Unlock()
	if err != nil {
		return fmt.Errorf("restart %s: %w", d.cfg.Name, err)
	}

	d.mu.Lock()
	if !d.open {
		// Close ran while the chip was starting; its chipStop wins.
		d.mu.Unlock()
		return ErrClosed
	}
	d.txOff = false
	d.txPending = false
	d.mu.Unlock()

	d.stats.restarts.Add(1)
	cf := can.NewErrorFrame()
	cf.CANID |= can.ErrRestarted
	d.enqueueError(cf)
	d.signalTxReady()
	d.consumer.LinkUp()
	d.log.Info("flexcan_restarted")
	return nil
}

func (d *Device) scheduleRestart() {
	if d.cfg.RestartDelay <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open || d.restartTimer != nil {
		return
	}
	d.restartTimer = time.AfterFunc(d.cfg.RestartDelay, func() {
		d.mu.Lock()
		d.restartTimer = nil
		d.mu.Unlock()
		if err := d.Restart(); err != nil && !errors.Is(err, ErrClosed) {
			d.log.Error("flexcan_restart_failed", "error", err)
		}
	})
}

// Probe checks that the core supports the receive FIFO. The controller
// is left disabled.
func (d *Device) Probe() error {
	d.hwMu.Lock()
	defer d.hwMu.Unlock()
	if err := d.disable(); err != nil {
		return fmt.Errorf("probe %s: %w", d.cfg.Name, err)
	}
	d.hw.WriteReg(reg.CTRL, d.hw.ReadReg(reg.CTRL)|reg.CTRLCLKSRC)
	if err := d.enable(); err != nil {
		_ = d.disable()
		return fmt.Errorf("probe %s: %w", d.cfg.Name, err)
	}
	d.hw.WriteReg(reg.MCR, d.hw.ReadReg(reg.MCR)|reg.MCRFRZ|reg.MCRHALT|reg.MCRFEN|reg.MCRSUPV)
	fen := d.hw.ReadReg(reg.MCR)&reg.MCRFEN != 0
	if err := d.disable(); err != nil {
		return fmt.Errorf("probe %s: %w", d.cfg.Name, err)
	}
	if !fen {
		d.log.Error("flexcan_probe_no_fifo")
		return ErrUnsupportedCore
	}
	return nil
}

// Suspend parks the controller. With wakeup, V10 cores with a stop-mode
// line enter stop mode and wake on bus activity; otherwise the module is
// disabled.
func (d *Device) Suspend(wakeup bool) error {
	d.mu.Lock()
	open := d.open
	d.txOff = true
	d.mu.Unlock()

	var err error
	if open {
		d.hwMu.Lock()
		if wakeup && d.stm != nil && d.cfg.DevType.Has(FeatureV10) {
			err = d.stm.Enter()
			d.mu.Lock()
			d.sleepWake = err == nil
			d.mu.Unlock()
		} else {
			err = d.disable()
		}
		d.hwMu.Unlock()
	}
	d.setState(StateSleeping)
	if err != nil {
		return fmt.Errorf("suspend %s: %w", d.cfg.Name, err)
	}
	return nil
}

// Resume undoes Suspend.
func (d *Device) Resume() error {
	d.mu.Lock()
	d.bus = ErrorActive
	open := d.open
	wake := d.sleepWake
	d.sleepWake = false
	d.mu.Unlock()

	if !open {
		d.setState(StateStopped)
		return nil
	}
	d.hwMu.Lock()
	var err error
	if wake {
		err = d.stm.Exit()
	} else {
		err = d.enable()
	}
	d.hwMu.Unlock()
	if err != nil {
		return fmt.Errorf("resume %s: %w", d.cfg.Name, err)
	}
	d.setState(StateRunning)
	d.mu.Lock()
	d.txOff = false
	d.mu.Unlock()
	d.signalTxReady()
	return nil
}

func (d *Device) runLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
			d.Poll(d.cfg.Weight)
		}
	}
}
