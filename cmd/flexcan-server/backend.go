package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-flexcan/internal/flexcan"
	"github.com/kstaniek/go-flexcan/internal/hal"
	"github.com/kstaniek/go-flexcan/internal/hal/sim"
	"github.com/kstaniek/go-flexcan/internal/hal/uart"
	"github.com/kstaniek/go-flexcan/internal/hal/uio"
	"github.com/kstaniek/go-flexcan/internal/xcvr"
)

// Device openers; tests replace them.
var (
	openUIO    = func(name string, opts ...uio.Option) (*uio.Device, error) { return uio.OpenUIO(name, opts...) }
	openDevMem = func(base int64, opts ...uio.Option) (*uio.Device, error) { return uio.OpenDevMem(base, opts...) }
	openUART   = func(name string, baud int, opts ...uart.Option) (*uart.Bridge, error) {
		return uart.Open(name, baud, opts...)
	}
	openXcvr = xcvr.Open
)

// backend is the opened register access plus everything the controller
// needs from the board.
type backend struct {
	hal   hal.HAL
	opts  []flexcan.Option
	close func() error
}

// openBackend opens the register block selected by cfg.hal and the
// transceiver switch.
func openBackend(cfg *appConfig, l *slog.Logger) (*backend, error) {
	b, err := openRegisters(cfg, l)
	if err != nil {
		return nil, err
	}
	tr, closeXcvr, err := openXcvr(cfg.xcvr)
	if err != nil {
		_ = b.close()
		return nil, fmt.Errorf("transceiver %q: %w", cfg.xcvr, err)
	}
	if tr != nil {
		b.opts = append(b.opts, flexcan.WithTransceiver(tr))
	}
	closeRegs := b.close
	b.close = func() error {
		err := closeXcvr()
		if cerr := closeRegs(); err == nil {
			err = cerr
		}
		return err
	}
	return b, nil
}

func openRegisters(cfg *appConfig, l *slog.Logger) (*backend, error) {
	swap, err := uio.NeedsSwap(cfg.endian)
	if err != nil {
		return nil, err
	}
	switch cfg.hal {
	case "uio", "devmem":
		var d *uio.Device
		if cfg.hal == "uio" {
			d, err = openUIO(cfg.uioName, uio.WithByteSwap(swap))
		} else {
			d, err = openDevMem(cfg.devmemBase, uio.WithByteSwap(swap))
		}
		if err != nil {
			return nil, fmt.Errorf("%s open: %w", cfg.hal, err)
		}
		b := &backend{hal: d, close: d.Close}
		if irq := d.IRQ(); irq != nil {
			b.opts = append(b.opts, flexcan.WithIRQ(irq))
		} else {
			l.Info("controller_polling", "interval", cfg.pollInterval)
		}
		return b, nil
	case "uart":
		br, err := openUART(cfg.uartDev, cfg.uartBaud, uart.WithLogger(l))
		if err != nil {
			return nil, fmt.Errorf("uart open %s: %w", cfg.uartDev, err)
		}
		return &backend{hal: br, close: br.Close}, nil
	case "sim":
		// Demo mode: an emulated core that echoes every transmitted frame.
		s := sim.New()
		s.Loopback(true)
		stm := &sim.Switch{}
		return &backend{hal: s, opts: []flexcan.Option{flexcan.WithStopMode(stm)}, close: s.Close}, nil
	}
	return nil, fmt.Errorf("unknown hal %q", cfg.hal)
}
