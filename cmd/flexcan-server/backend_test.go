package main

import (
	"errors"
	"testing"

	"github.com/kstaniek/go-flexcan/internal/hal"
	"github.com/kstaniek/go-flexcan/internal/hal/uart"
	"github.com/kstaniek/go-flexcan/internal/hal/uio"
	"github.com/kstaniek/go-flexcan/internal/logging"
)

type fakeXcvr struct{ on bool }

func (f *fakeXcvr) Enable() error  { f.on = true; return nil }
func (f *fakeXcvr) Disable() error { f.on = false; return nil }

func TestOpenBackend_Sim(t *testing.T) {
	cfg := defaultConfig()
	cfg.hal = "sim"
	b, err := openBackend(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := b.hal.(hal.IRQ); !ok {
		t.Fatalf("sim backend has no interrupt line")
	}
	if len(b.opts) != 1 {
		t.Fatalf("expected stop-mode option, got %d options", len(b.opts))
	}
	if err := b.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenBackend_OpenErrors(t *testing.T) {
	boom := errors.New("no such device")
	oldUIO, oldMem, oldUART := openUIO, openDevMem, openUART
	t.Cleanup(func() { openUIO, openDevMem, openUART = oldUIO, oldMem, oldUART })
	var gotName string
	var gotBase int64
	openUIO = func(name string, _ ...uio.Option) (*uio.Device, error) { gotName = name; return nil, boom }
	openDevMem = func(base int64, _ ...uio.Option) (*uio.Device, error) { gotBase = base; return nil, boom }
	openUART = func(string, int, ...uart.Option) (*uart.Bridge, error) { return nil, boom }

	for _, h := range []string{"uio", "devmem", "uart"} {
		cfg := defaultConfig()
		cfg.hal = h
		cfg.uioName = "uio3"
		cfg.devmemBase = 0x2090000
		if _, err := openBackend(cfg, logging.Discard()); !errors.Is(err, boom) {
			t.Errorf("%s: err = %v", h, err)
		}
	}
	if gotName != "uio3" || gotBase != 0x2090000 {
		t.Fatalf("openers called with %q, 0x%x", gotName, gotBase)
	}
}

func TestOpenBackend_Transceiver(t *testing.T) {
	old := openXcvr
	t.Cleanup(func() { openXcvr = old })
	tr := &fakeXcvr{}
	closed := false
	openXcvr = func(spec string) (hal.Transceiver, func() error, error) {
		if spec != "smbus:1:0x20:3" {
			t.Errorf("spec = %q", spec)
		}
		return tr, func() error { closed = true; return nil }, nil
	}
	cfg := defaultConfig()
	cfg.hal = "sim"
	cfg.xcvr = "smbus:1:0x20:3"
	b, err := openBackend(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(b.opts) != 2 {
		t.Fatalf("transceiver option missing")
	}
	_ = b.close()
	if !closed {
		t.Fatalf("transceiver not closed")
	}

	openXcvr = func(string) (hal.Transceiver, func() error, error) { return nil, func() error { return nil }, errors.New("bad spec") }
	if _, err := openBackend(cfg, logging.Discard()); err == nil {
		t.Fatalf("expected transceiver error")
	}
}
