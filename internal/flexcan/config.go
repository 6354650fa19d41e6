package flexcan

import (
	"fmt"
	"math/bits"
	"time"
)

// DefaultWeight is the delivery batch size: 8 FIFO slots plus 2 for error handling.
const DefaultWeight = 10

// CtrlMode selects optional controller modes.
type CtrlMode uint32

const (
	CtrlModeLoopback CtrlMode = 1 << iota
	CtrlModeListenOnly
	CtrlModeTripleSampling
	CtrlModeBerrReporting
)

// BitTiming holds precomputed bit-timing segments in time quanta.
// Bitrate is derived from ClockHz when left zero.
type BitTiming struct {
	Bitrate   uint32
	BRP       uint32 // 1..256
	PropSeg   uint32 // 1..8
	PhaseSeg1 uint32 // 1..8
	PhaseSeg2 uint32 // 2..8
	SJW       uint32 // 1..4
}

// DefaultBitTiming is 125 kbit/s from a 30 MHz peripheral clock, sample point 68.75%.
var DefaultBitTiming = BitTiming{Bitrate: 125000, BRP: 15, PropSeg: 5, PhaseSeg1: 5, PhaseSeg2: 5, SJW: 1}

// Quanta is the number of time quanta in one bit.
func (bt BitTiming) Quanta() uint32 { return 1 + bt.PropSeg + bt.PhaseSeg1 + bt.PhaseSeg2 }

func (bt BitTiming) validate(clockHz uint32) (BitTiming, error) {
	switch {
	case bt.BRP < 1 || bt.BRP > 256:
		return bt, fmt.Errorf("%w: brp %d out of range 1..256", ErrInvalidConfig, bt.BRP)
	case bt.PropSeg < 1 || bt.PropSeg > 8:
		return bt, fmt.Errorf("%w: prop_seg %d out of range 1..8", ErrInvalidConfig, bt.PropSeg)
	case bt.PhaseSeg1 < 1 || bt.PhaseSeg1 > 8:
		return bt, fmt.Errorf("%w: phase_seg1 %d out of range 1..8", ErrInvalidConfig, bt.PhaseSeg1)
	case bt.PhaseSeg2 < 2 || bt.PhaseSeg2 > 8:
		return bt, fmt.Errorf("%w: phase_seg2 %d out of range 2..8", ErrInvalidConfig, bt.PhaseSeg2)
	case bt.SJW < 1 || bt.SJW > 4 || bt.SJW > bt.PhaseSeg2:
		return bt, fmt.Errorf("%w: sjw %d out of range", ErrInvalidConfig, bt.SJW)
	}
	if clockHz > 0 {
		derived := clockHz / (bt.BRP * bt.Quanta())
		if bt.Bitrate == 0 {
			bt.Bitrate = derived
		} else if bt.Bitrate != derived {
			return bt, fmt.Errorf("%w: bitrate %d does not match clock %d with brp=%d tq=%d (%d)", ErrInvalidConfig, bt.Bitrate, clockHz, bt.BRP, bt.Quanta(), derived)
		}
	}
	if bt.Bitrate == 0 {
		return bt, fmt.Errorf("%w: bitrate unknown, set bitrate or clock", ErrInvalidConfig)
	}
	return bt, nil
}

// Config is the static configuration of one controller.
type Config struct {
	Name      string
	DevType   DevType
	ClockHz   uint32
	BitTiming BitTiming
	CtrlMode  CtrlMode
	// Weight is the delivery batch quota; it also sizes the receive queue.
	Weight int
	// RestartDelay enables automatic restart after bus-off when > 0.
	RestartDelay time.Duration
	// PollInterval drives the interrupt handler when the HAL has no IRQ line.
	PollInterval time.Duration
}

func (c *Config) validate() error {
	if c.Name == "" {
		c.Name = "can0"
	}
	if c.Weight == 0 {
		c.Weight = DefaultWeight
	}
	if c.Weight < 0 || c.Weight > 1024 {
		return fmt.Errorf("%w: weight %d out of range 1..1024", ErrInvalidConfig, c.Weight)
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("%w: negative restart delay", ErrInvalidConfig)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Millisecond
	}
	if c.CtrlMode&CtrlModeLoopback != 0 && c.CtrlMode&CtrlModeListenOnly != 0 {
		return fmt.Errorf("%w: loopback and listen-only are exclusive", ErrInvalidConfig)
	}
	bt, err := c.BitTiming.validate(c.ClockHz)
	if err != nil {
		return err
	}
	c.BitTiming = bt
	return nil
}

// QueueCapacity is the receive queue bound for a batch weight:
// four times twice the weight rounded up to a power of two.
func QueueCapacity(weight int) int {
	if weight <= 0 {
		return 0
	}
	return nextPow2(weight) * 2 * 4
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
