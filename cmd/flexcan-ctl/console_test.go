package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-flexcan/internal/flexcan"
	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
	"github.com/kstaniek/go-flexcan/internal/hal/sim"
)

func newTestConsole(t *testing.T) (*console, *sim.Controller, *bytes.Buffer) {
	t.Helper()
	s := sim.New()
	s.Loopback(true)
	t.Cleanup(func() { _ = s.Close() })
	dt, _ := flexcan.LookupDevType("imx6q")
	var out bytes.Buffer
	c := newConsole(s, flexcan.Config{Name: "can0", DevType: dt, ClockHz: 30_000_000, BitTiming: flexcan.DefaultBitTiming}, &out)
	t.Cleanup(func() { _ = c.close(nil) })
	return c, s, &out
}

func TestConsole_PeekPoke(t *testing.T) {
	c, s, out := newTestConsole(t)
	if err := c.exec("poke rxgmask 0x1234"); err != nil {
		t.Fatalf("poke: %v", err)
	}
	if got := s.ReadReg(reg.RXGMASK); got != 0x1234 {
		t.Fatalf("RXGMASK = 0x%x", got)
	}
	if err := c.exec("peek 0x10"); err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !strings.Contains(out.String(), "RXGMASK  0x00001234") {
		t.Fatalf("peek output %q", out.String())
	}
}

func TestConsole_Errors(t *testing.T) {
	c, _, _ := newTestConsole(t)
	for _, line := range []string{
		"frobnicate",
		"peek",
		"peek nosuch",
		"poke mcr",
		"poke mcr zz",
		"dump mb 64",
		"dump x",
		"send 123",
		"send 12#00",
	} {
		if err := c.exec(line); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
	if err := c.exec("  "); err != nil {
		t.Errorf("blank line: %v", err)
	}
	if err := c.exec("exit"); !errors.Is(err, errQuit) {
		t.Errorf("exit: %v", err)
	}
}

func TestConsole_Dump(t *testing.T) {
	c, _, out := newTestConsole(t)
	if err := c.exec("dump"); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if n := strings.Count(out.String(), "\n"); n != len(reg.Named) {
		t.Fatalf("dump printed %d lines, want %d", n, len(reg.Named))
	}
	out.Reset()
	if err := c.exec("dump mb 0"); err != nil || strings.Count(out.String(), "\n") != 4 {
		t.Fatalf("dump mb: %v %q", err, out.String())
	}
}

// Driving the controller by hand: open, send a frame the emulated bus
// echoes, read it back.
func TestConsole_ControllerSession(t *testing.T) {
	c, _, out := newTestConsole(t)
	if err := runScript(c, "probe; open; send 123#DEADBEEF"); err != nil {
		t.Fatalf("script: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		n := len(c.rx)
		c.mu.Unlock()
		if n > 0 && c.dev.Stats().TxPackets == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no echo received")
		}
		time.Sleep(time.Millisecond)
	}
	out.Reset()
	if err := runScript(c, "rx; state; stats"); err != nil {
		t.Fatalf("script: %v", err)
	}
	s := out.String()
	for _, want := range []string{"123#DE AD BE EF", "state=", "tx: packets=1"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
	if err := runScript(c, "close; quit; peek mcr"); !errors.Is(err, errQuit) {
		t.Fatalf("quit did not stop the script: %v", err)
	}
}

func TestOpenHAL(t *testing.T) {
	hw, closeFn, err := openHAL("sim", "", 0, "little", "", 0)
	if err != nil || hw == nil {
		t.Fatalf("sim: %v", err)
	}
	closeFn()
	if _, _, err := openHAL("pci", "", 0, "little", "", 0); err == nil {
		t.Fatalf("unknown hal accepted")
	}
	if _, _, err := openHAL("sim", "", 0, "middle", "", 0); err == nil {
		t.Fatalf("bad endian accepted")
	}
}
