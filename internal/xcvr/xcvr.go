// Package xcvr switches the CAN transceiver supply. Boards without a
// switchable rail use no transceiver at all; others drive the enable pin
// through an SMBus GPIO expander (PCA9554 register layout).
package xcvr

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/go-daq/smbus"

	"github.com/kstaniek/go-flexcan/internal/hal"
	"github.com/kstaniek/go-flexcan/internal/logging"
)

// Expander registers.
const (
	regInput  = 0x00
	regOutput = 0x01
	regConfig = 0x03 // 1 = input
)

var ErrSpec = errors.New("xcvr: invalid transceiver spec")

type conn interface {
	ReadReg(addr, reg uint8) (uint8, error)
	WriteReg(addr, reg, v uint8) error
	Close() error
}

// openSMBus is a hook for tests.
var openSMBus = func(bus int, addr uint8) (conn, error) { return smbus.Open(bus, addr) }

// Expander drives one pin of a GPIO expander as the transceiver enable.
type Expander struct {
	mu        sync.Mutex
	c         conn
	addr      uint8
	pin       uint8
	activeLow bool
	log       *slog.Logger
}

var _ hal.Transceiver = (*Expander)(nil)

// OpenExpander opens the expander at addr on the given bus and configures
// pin as an output, leaving the transceiver off.
func OpenExpander(bus int, addr, pin uint8, activeLow bool) (*Expander, error) {
	if pin > 7 {
		return nil, fmt.Errorf("%w: pin %d", ErrSpec, pin)
	}
	c, err := openSMBus(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("xcvr: open smbus %d addr 0x%02x: %w", bus, addr, err)
	}
	e := &Expander{c: c, addr: addr, pin: pin, activeLow: activeLow, log: logging.L()}
	if err := e.set(false); err != nil {
		_ = c.Close()
		return nil, err
	}
	cfg, err := c.ReadReg(addr, regConfig)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("xcvr: read config: %w", err)
	}
	if err := c.WriteReg(addr, regConfig, cfg&^(1<<pin)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("xcvr: write config: %w", err)
	}
	return e, nil
}

func (e *Expander) set(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out, err := e.c.ReadReg(e.addr, regOutput)
	if err != nil {
		return fmt.Errorf("xcvr: read output: %w", err)
	}
	high := on != e.activeLow
	if high {
		out |= 1 << e.pin
	} else {
		out &^= 1 << e.pin
	}
	if err := e.c.WriteReg(e.addr, regOutput, out); err != nil {
		return fmt.Errorf("xcvr: write output: %w", err)
	}
	e.log.Debug("xcvr_switch", "addr", e.addr, "pin", e.pin, "on", on)
	return nil
}

func (e *Expander) Enable() error  { return e.set(true) }
func (e *Expander) Disable() error { return e.set(false) }

// Level reads the pin's input level.
func (e *Expander) Level() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, err := e.c.ReadReg(e.addr, regInput)
	if err != nil {
		return false, fmt.Errorf("xcvr: read input: %w", err)
	}
	return in&(1<<e.pin) != 0, nil
}

func (e *Expander) Close() error { return e.c.Close() }

// Open builds a transceiver from a spec string:
//
//	none                          no switchable supply (nil transceiver)
//	smbus:<bus>:<addr>:<pin>      expander pin, active high
//	smbus:<bus>:<addr>:<pin>:low  expander pin, active low
//
// The returned closer is never nil.
func Open(spec string) (hal.Transceiver, func() error, error) {
	nop := func() error { return nil }
	if spec == "" || spec == "none" {
		return nil, nop, nil
	}
	parts := strings.Split(spec, ":")
	if parts[0] != "smbus" || len(parts) < 4 || len(parts) > 5 {
		return nil, nop, fmt.Errorf("%w: %q", ErrSpec, spec)
	}
	bus, err := strconv.Atoi(parts[1])
	if err != nil || bus < 0 {
		return nil, nop, fmt.Errorf("%w: bus %q", ErrSpec, parts[1])
	}
	addr, err := strconv.ParseUint(parts[2], 0, 7)
	if err != nil {
		return nil, nop, fmt.Errorf("%w: addr %q", ErrSpec, parts[2])
	}
	pin, err := strconv.ParseUint(parts[3], 10, 3)
	if err != nil {
		return nil, nop, fmt.Errorf("%w: pin %q", ErrSpec, parts[3])
	}
	low := false
	if len(parts) == 5 {
		if parts[4] != "low" {
			return nil, nop, fmt.Errorf("%w: polarity %q", ErrSpec, parts[4])
		}
		low = true
	}
	e, err := OpenExpander(bus, uint8(addr), uint8(pin), low)
	if err != nil {
		return nil, nop, err
	}
	return e, e.Close, nil
}
