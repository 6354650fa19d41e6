package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/flexcan"
	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
	"github.com/kstaniek/go-flexcan/internal/hal"
	"github.com/kstaniek/go-flexcan/internal/logging"
)

var errQuit = errors.New("quit")

const rxKeep = 64

// console executes register and controller commands against one HAL. The
// controller is created on first use.
type console struct {
	hw  hal.HAL
	cfg flexcan.Config
	out io.Writer

	dev *flexcan.Device

	mu    sync.Mutex
	rx    []can.Frame
	links []string
}

func newConsole(hw hal.HAL, cfg flexcan.Config, out io.Writer) *console {
	return &console{hw: hw, cfg: cfg, out: out}
}

// DeliverFrame keeps the most recent frames for the rx command.
func (c *console) DeliverFrame(f can.Frame) {
	c.mu.Lock()
	if len(c.rx) == rxKeep {
		c.rx = c.rx[1:]
	}
	c.rx = append(c.rx, f)
	c.mu.Unlock()
}

func (c *console) LinkDown() { c.note("link down") }
func (c *console) LinkUp()   { c.note("link up") }

func (c *console) note(s string) { c.mu.Lock(); c.links = append(c.links, s); c.mu.Unlock() }

type command struct {
	usage string
	run   func(c *console, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":  {"help", (*console).help},
		"peek":  {"peek <reg|offset>", (*console).peek},
		"poke":  {"poke <reg|offset> <value>", (*console).poke},
		"dump":  {"dump [mb <n>]", (*console).dump},
		"probe": {"probe", (*console).probe},
		"open":  {"open", (*console).open},
		"close": {"close", (*console).close},
		"state": {"state", (*console).state},
		"stats": {"stats", (*console).stats},
		"send":  {"send <id>#<data>", (*console).send},
		"rx":    {"rx", (*console).rxCmd},
		"quit":  {"quit", func(*console, []string) error { return errQuit }},
	}
}

// exec runs one input line. errQuit ends the session.
func (c *console) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	if name == "exit" {
		name = "quit"
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return cmd.run(c, fields[1:])
}

func (c *console) help([]string) error {
	for _, n := range []string{"peek", "poke", "dump", "probe", "open", "close", "state", "stats", "send", "rx", "quit"} {
		fmt.Fprintf(c.out, "  %s\n", commands[n].usage)
	}
	return nil
}

func (c *console) peek(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: " + commands["peek"].usage)
	}
	off, ok := reg.Lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown register %q", args[0])
	}
	c.printReg(off, c.hw.ReadReg(off))
	return nil
}

func (c *console) poke(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: " + commands["poke"].usage)
	}
	off, ok := reg.Lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown register %q", args[0])
	}
	v, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("bad value %q: %w", args[1], err)
	}
	c.hw.WriteReg(off, uint32(v))
	return nil
}

func (c *console) dump(args []string) error {
	switch {
	case len(args) == 0:
		for _, r := range reg.Named {
			c.printReg(r.Off, c.hw.ReadReg(r.Off))
		}
		return nil
	case len(args) == 2 && args[0] == "mb":
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 || n >= reg.MBCount {
			return fmt.Errorf("mailbox must be 0..%d", reg.MBCount-1)
		}
		for _, w := range []uint32{reg.MBCtrl, reg.MBID, reg.MBData0, reg.MBData1} {
			off := reg.MB(n, w)
			c.printReg(off, c.hw.ReadReg(off))
		}
		return nil
	}
	return errors.New("usage: " + commands["dump"].usage)
}

func (c *console) printReg(off, v uint32) {
	name := reg.Name(off)
	if name == "" {
		name = "-"
	}
	fmt.Fprintf(c.out, "  0x%03x %-8s 0x%08x\n", off, name, v)
}

func (c *console) device() (*flexcan.Device, error) {
	if c.dev != nil {
		return c.dev, nil
	}
	d, err := flexcan.New(c.hw, c.cfg, flexcan.WithConsumer(c), flexcan.WithLogger(logging.L()))
	if err != nil {
		return nil, err
	}
	c.dev = d
	return d, nil
}

func (c *console) probe([]string) error {
	d, err := c.device()
	if err != nil {
		return err
	}
	if err := d.Probe(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "  %s: core ok (%s)\n", c.cfg.Name, c.cfg.DevType.Name)
	return nil
}

func (c *console) open([]string) error {
	d, err := c.device()
	if err != nil {
		return err
	}
	return d.Open(context.Background())
}

func (c *console) close([]string) error {
	if c.dev == nil {
		return nil
	}
	return c.dev.Close()
}

func (c *console) state([]string) error {
	d, err := c.device()
	if err != nil {
		return err
	}
	bec := d.BerrCounter()
	fmt.Fprintf(c.out, "  state=%s bus=%s txerr=%d rxerr=%d queue=%d/%d\n",
		d.State(), d.BusState(), bec.TxErr, bec.RxErr, d.QueueLen(), d.QueueCap())
	c.mu.Lock()
	for _, l := range c.links {
		fmt.Fprintf(c.out, "  %s\n", l)
	}
	c.links = nil
	c.mu.Unlock()
	return nil
}

func (c *console) stats([]string) error {
	d, err := c.device()
	if err != nil {
		return err
	}
	st := d.Stats()
	fmt.Fprintf(c.out, "  rx: packets=%d bytes=%d dropped=%d errors=%d over=%d\n",
		st.RxPackets, st.RxBytes, st.RxDropped, st.RxErrors, st.RxOverErrors)
	fmt.Fprintf(c.out, "  tx: packets=%d bytes=%d dropped=%d errors=%d\n",
		st.TxPackets, st.TxBytes, st.TxDropped, st.TxErrors)
	fmt.Fprintf(c.out, "  bus: berr=%d warning=%d passive=%d off=%d restarts=%d\n",
		st.BusError, st.ErrorWarning, st.ErrorPassive, st.BusOff, st.Restarts)
	return nil
}

func (c *console) send(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: " + commands["send"].usage)
	}
	f, err := can.ParseFrame(args[0])
	if err != nil {
		return err
	}
	d, err := c.device()
	if err != nil {
		return err
	}
	return d.Submit(f)
}

func (c *console) rxCmd([]string) error {
	c.mu.Lock()
	frames := c.rx
	c.rx = nil
	c.mu.Unlock()
	for _, f := range frames {
		fmt.Fprintf(c.out, "  %s\n", f)
	}
	return nil
}
