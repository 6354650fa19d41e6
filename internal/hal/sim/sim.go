// Package sim emulates a FlexCAN register block closely enough to run the
// controller core without hardware: low-power and freeze handshakes, soft
// reset, a six-deep receive FIFO behind MB0, the transmit mailbox, error
// status/counter registers and an interrupt line.
package sim

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
	"github.com/kstaniek/go-flexcan/internal/hal"
)

// FifoDepth is the hardware receive FIFO depth.
const FifoDepth = 6

// Controller is an emulated FlexCAN. The zero value is not usable; call New.
type Controller struct {
	mu sync.Mutex

	mcr    uint32 // writable MCR bits; acks are kept separately
	ctrl   uint32
	ecr    uint32
	esr    uint32
	imask1 uint32
	iflag1 uint32 // RX_FIFO_AVAILABLE is derived from the FIFO
	timer  uint32
	misc   map[uint32]uint32
	mb     [reg.MBCount][4]uint32

	lpmAck  bool
	frzAck  bool
	rstBusy bool
	lag     int // MCR reads left before acks follow requests
	ackLag  int

	stuckLPM, stuckFrz, stuckRst bool
	noFEN                        bool
	holdTx                       bool
	loopback                     bool

	fifo       []can.Frame
	tx         []can.Frame
	timerReads int
	writes     map[uint32]int
	delays     int
	sleeps     int

	irq    chan struct{}
	closed chan struct{}
	once   sync.Once
}

var (
	_ hal.HAL = (*Controller)(nil)
	_ hal.IRQ = (*Controller)(nil)
)

// New returns a controller in its reset state: module disabled, frozen.
func New() *Controller {
	c := &Controller{
		misc:   make(map[uint32]uint32),
		writes: make(map[uint32]int),
		irq:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	c.mcr = reg.MCRMDIS | reg.MCRFRZ | reg.MCRHALT | reg.MCRMaxMB(0xf)
	c.lpmAck = true
	return c
}

// AckLag delays handshake acknowledges by n MCR reads.
func (c *Controller) AckLag(n int) { c.mu.Lock(); c.ackLag = n; c.mu.Unlock() }

// StickLowPower keeps LPM_ACK at its current value.
func (c *Controller) StickLowPower(v bool) { c.mu.Lock(); c.stuckLPM = v; c.mu.Unlock() }

// StickFreeze keeps FRZ_ACK at its current value.
func (c *Controller) StickFreeze(v bool) { c.mu.Lock(); c.stuckFrz = v; c.mu.Unlock() }

// StickSoftReset keeps SOFTRST asserted after a reset request.
func (c *Controller) StickSoftReset(v bool) { c.mu.Lock(); c.stuckRst = v; c.mu.Unlock() }

// DisableFIFO models a core without rx FIFO support: FEN never sticks.
func (c *Controller) DisableFIFO() { c.mu.Lock(); c.noFEN = true; c.mu.Unlock() }

// HoldTx leaves transmissions pending until CompleteTx.
func (c *Controller) HoldTx(v bool) { c.mu.Lock(); c.holdTx = v; c.mu.Unlock() }

// Loopback feeds every transmitted frame back into the receive FIFO.
func (c *Controller) Loopback(v bool) { c.mu.Lock(); c.loopback = v; c.mu.Unlock() }

func (c *Controller) Delay(us int) { c.mu.Lock(); c.delays++; c.mu.Unlock() }

func (c *Controller) SleepRange(minUs, maxUs int) { c.mu.Lock(); c.sleeps++; c.mu.Unlock() }

// Delays reports how many short delays the core issued.
func (c *Controller) Delays() int { c.mu.Lock(); defer c.mu.Unlock(); return c.delays }

// Sleeps reports how many ranged sleeps the core issued.
func (c *Controller) Sleeps() int { c.mu.Lock(); defer c.mu.Unlock(); return c.sleeps }

// ResetWaits zeroes the delay and sleep counters.
func (c *Controller) ResetWaits() { c.mu.Lock(); c.delays, c.sleeps = 0, 0; c.mu.Unlock() }

// TimerReads reports how many times TIMER was read.
func (c *Controller) TimerReads() int { c.mu.Lock(); defer c.mu.Unlock(); return c.timerReads }

// WriteCount reports how many writes hit off.
func (c *Controller) WriteCount(off uint32) int { c.mu.Lock(); defer c.mu.Unlock(); return c.writes[off] }

// Transmitted returns the frames sent so far.
func (c *Controller) Transmitted() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Frame(nil), c.tx...)
}

// Pending reports how many frames wait in the receive FIFO.
func (c *Controller) Pending() int { c.mu.Lock(); defer c.mu.Unlock(); return len(c.fifo) }

// Inject puts a received frame into the FIFO. A full FIFO raises the
// overflow flag and loses the frame.
func (c *Controller) Inject(f can.Frame) bool {
	c.mu.Lock()
	ok := c.pushLocked(f)
	c.mu.Unlock()
	c.raise()
	return ok
}

func (c *Controller) pushLocked(f can.Frame) bool {
	if len(c.fifo) >= FifoDepth {
		c.iflag1 |= reg.IFLAGRxOverflow
		return false
	}
	c.fifo = append(c.fifo, f)
	return true
}

// CompleteTx signals completion of a held transmission.
func (c *Controller) CompleteTx() {
	c.mu.Lock()
	c.iflag1 |= reg.IFLAGTx
	c.mu.Unlock()
	c.raise()
}

// SetCounters loads the transmit and receive error counters.
func (c *Controller) SetCounters(tx, rx uint8) {
	c.mu.Lock()
	c.ecr = uint32(tx)<<reg.ECRTxShift | uint32(rx)<<reg.ECRRxShift
	c.mu.Unlock()
}

// SetESR replaces the error and status register and fires the line.
func (c *Controller) SetESR(v uint32) {
	c.mu.Lock()
	c.esr = v
	c.mu.Unlock()
	c.raise()
}

// SetFault sets the fault confinement field and warning bits, raising the
// matching state interrupts.
func (c *Controller) SetFault(fltconf uint32, txWarn, rxWarn bool) {
	c.mu.Lock()
	v := c.esr&^(reg.ESRFltConfMask|reg.ESRTXWRN|reg.ESRRXWRN) | (fltconf<<reg.ESRFltConfShift)&reg.ESRFltConfMask
	if txWarn {
		v |= reg.ESRTXWRN | reg.ESRTWRNINT
	}
	if rxWarn {
		v |= reg.ESRRXWRN | reg.ESRRWRNINT
	}
	if fltconf > reg.FltConfPassive {
		v |= reg.ESRBOFFINT
	}
	c.esr = v
	c.mu.Unlock()
	c.raise()
}

// Wake flags a wake-up interrupt.
func (c *Controller) Wake() {
	c.mu.Lock()
	c.esr |= reg.ESRWAKINT
	c.mu.Unlock()
	c.raise()
}

func (c *Controller) raise() {
	select {
	case c.irq <- struct{}{}:
	default:
	}
}

func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.irq:
		return nil
	case <-c.closed:
		return hal.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) Ack() error { return nil }

// Close releases goroutines blocked in Wait.
func (c *Controller) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Controller) ReadReg(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case off == reg.MCR:
		return c.readMCR()
	case off == reg.CTRL:
		return c.ctrl
	case off == reg.TIMER:
		c.timerReads++
		c.timer++
		return c.timer & 0xffff
	case off == reg.ECR:
		return c.ecr
	case off == reg.ESR:
		v := c.esr
		c.esr &^= reg.ESRErrBus
		return v
	case off == reg.IMASK1:
		return c.imask1
	case off == reg.IFLAG1:
		v := c.iflag1
		if len(c.fifo) > 0 {
			v |= reg.IFLAGRxAvailable
		}
		return v
	case off >= reg.MBBase && off < reg.WindowSize:
		n := int((off - reg.MBBase) / reg.MBStride)
		w := (off - reg.MBBase) % reg.MBStride / 4
		if n == 0 && c.mcr&reg.MCRFEN != 0 && len(c.fifo) > 0 {
			return encode(c.fifo[0])[w]
		}
		return c.mb[n][w]
	default:
		return c.misc[off]
	}
}

func (c *Controller) readMCR() uint32 {
	if c.lag > 0 {
		c.lag--
	} else {
		if !c.stuckLPM {
			c.lpmAck = c.mcr&reg.MCRMDIS != 0
		}
		if !c.stuckFrz {
			c.frzAck = c.mcr&(reg.MCRFRZ|reg.MCRHALT) == reg.MCRFRZ|reg.MCRHALT && c.mcr&reg.MCRMDIS == 0
		}
		if !c.stuckRst {
			c.rstBusy = false
		}
	}
	v := c.mcr
	if c.lpmAck {
		v |= reg.MCRLPMACK
	}
	if c.frzAck {
		v |= reg.MCRFRZACK
	}
	if c.lpmAck || c.frzAck {
		v |= reg.MCRNOTRDY
	}
	if c.rstBusy {
		v |= reg.MCRSOFTRST
	}
	return v
}

func (c *Controller) WriteReg(off, v uint32) {
	c.mu.Lock()
	c.writes[off]++
	fire := false
	switch {
	case off == reg.MCR:
		c.writeMCR(v)
	case off == reg.CTRL:
		c.ctrl = v
	case off == reg.TIMER:
		c.timer = v & 0xffff
	case off == reg.ECR:
		c.ecr = v
	case off == reg.ESR:
		c.esr &^= v & reg.ESRAllInt
	case off == reg.IMASK1:
		c.imask1 = v
	case off == reg.IFLAG1:
		if v&reg.IFLAGRxAvailable != 0 && len(c.fifo) > 0 {
			c.fifo = c.fifo[1:]
		}
		c.iflag1 &^= v &^ reg.IFLAGRxAvailable
	case off >= reg.MBBase && off < reg.WindowSize:
		n := int((off - reg.MBBase) / reg.MBStride)
		w := (off - reg.MBBase) % reg.MBStride / 4
		c.mb[n][w] = v
		if n == reg.TxMB && w == 0 && v&reg.MBCodeMask == reg.MBCode(reg.MBCodeTxData) {
			fire = c.transmitLocked()
		}
	default:
		c.misc[off] = v
	}
	c.mu.Unlock()
	if fire {
		c.raise()
	}
}

func (c *Controller) writeMCR(v uint32) {
	c.lag = c.ackLag
	if v&reg.MCRSOFTRST != 0 {
		c.mcr = reg.MCRFRZ | reg.MCRHALT | reg.MCRMaxMB(0xf)
		c.rstBusy = true
		c.esr, c.ecr, c.imask1, c.iflag1 = 0, 0, 0, 0
		c.fifo = nil
		return
	}
	v &^= reg.MCRLPMACK | reg.MCRFRZACK | reg.MCRNOTRDY | reg.MCRSOFTRST
	if c.noFEN {
		v &^= reg.MCRFEN
	}
	c.mcr = v
}

func (c *Controller) transmitLocked() bool {
	m := c.mb[reg.TxMB]
	f := decode(m)
	c.tx = append(c.tx, f)
	c.mb[reg.TxMB][0] = m[0]&^reg.MBCodeMask | reg.MBCode(reg.MBCodeTxInactive)
	if c.loopback {
		c.pushLocked(f)
	}
	if !c.holdTx {
		c.iflag1 |= reg.IFLAGTx
	}
	return true
}

// encode lays a frame out the way the FIFO presents it in MB0.
func encode(f can.Frame) [4]uint32 {
	var w [4]uint32
	w[0] = uint32(f.Len) << reg.MBLenShift
	if f.Extended() {
		w[0] |= reg.MBIDE | reg.MBSRR
		w[1] = f.ID()
	} else {
		w[1] = f.ID() << reg.MBStdShift
	}
	if f.RTR() {
		w[0] |= reg.MBRTR
	}
	w[2] = binary.BigEndian.Uint32(f.Data[0:4])
	w[3] = binary.BigEndian.Uint32(f.Data[4:8])
	return w
}

func decode(w [4]uint32) can.Frame {
	var f can.Frame
	if w[0]&reg.MBIDE != 0 {
		f.CANID = w[1]&can.CAN_EFF_MASK | can.CAN_EFF_FLAG
	} else {
		f.CANID = w[1] >> reg.MBStdShift & can.CAN_SFF_MASK
	}
	if w[0]&reg.MBRTR != 0 {
		f.CANID |= can.CAN_RTR_FLAG
	}
	f.Len = uint8(w[0] & reg.MBLenMask >> reg.MBLenShift)
	if f.Len > can.MaxDLC {
		f.Len = can.MaxDLC
	}
	binary.BigEndian.PutUint32(f.Data[0:4], w[2])
	binary.BigEndian.PutUint32(f.Data[4:8], w[3])
	clear(f.Data[f.Len:])
	return f
}
