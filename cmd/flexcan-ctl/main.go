// Command flexcan-ctl is an interactive register console for a FlexCAN
// block: peek and poke registers, dump mailboxes, and drive the controller
// core by hand.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/kstaniek/go-flexcan/internal/flexcan"
	"github.com/kstaniek/go-flexcan/internal/hal"
	"github.com/kstaniek/go-flexcan/internal/hal/sim"
	"github.com/kstaniek/go-flexcan/internal/hal/uart"
	"github.com/kstaniek/go-flexcan/internal/hal/uio"
	"github.com/kstaniek/go-flexcan/internal/logging"
)

func main() {
	var (
		halName = flag.String("hal", "sim", "Register access: uio|devmem|uart|sim")
		uioName = flag.String("uio", "uio0", "UIO device name")
		base    = flag.Int64("devmem-base", 0, "Physical base address (hal=devmem)")
		endian  = flag.String("endian", "little", "Register byte order: little|big")
		uartDev = flag.String("uart", "/dev/ttyUSB0", "Register bridge serial device")
		baud    = flag.Int("uart-baud", 115200, "Register bridge baud rate")
		devType = flag.String("devtype", "imx6q", "Core revision")
		clockHz = flag.Uint("clock-hz", 30_000_000, "Peripheral clock in Hz")
		cmd     = flag.String("c", "", "Run ';'-separated commands and exit")
	)
	flag.Parse()
	lvl := slog.LevelWarn
	if v := os.Getenv("FLEXCAN_CTL_LOG_LEVEL"); v != "" {
		if l, err := logging.ParseLevel(v); err == nil {
			lvl = l
		}
	}
	logging.Set(logging.New("text", lvl, os.Stderr))

	dt, err := flexcan.LookupDevType(*devType)
	if err != nil {
		fatal(err)
	}
	hw, closeHW, err := openHAL(*halName, *uioName, *base, *endian, *uartDev, *baud)
	if err != nil {
		fatal(err)
	}
	defer closeHW()

	cfg := flexcan.Config{Name: "can0", DevType: dt, ClockHz: uint32(*clockHz), BitTiming: flexcan.DefaultBitTiming}
	c := newConsole(hw, cfg, os.Stdout)
	defer func() { _ = c.close(nil) }()

	if *cmd != "" {
		if err := runScript(c, *cmd); err != nil && !errors.Is(err, errQuit) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	repl(c)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "flexcan-ctl:", err)
	os.Exit(1)
}

// runScript runs commands separated by ';' and stops at the first error.
func runScript(c *console, script string) error {
	for _, line := range strings.Split(script, ";") {
		if err := c.exec(line); err != nil {
			return err
		}
	}
	return nil
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "flexcan-ctl.history")
}

func repl(c *console) {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(func(line string) []string {
		var out []string
		for name := range commands {
			if strings.HasPrefix(name, strings.ToLower(line)) {
				out = append(out, name)
			}
		}
		return out
	})
	hist := historyFile()
	if f, err := os.Open(hist); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if hist == "" {
			return
		}
		if f, err := os.Create(hist); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	for {
		line, err := ln.Prompt("flexcan> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		ln.AppendHistory(line)
		if err := c.exec(line); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			fmt.Fprintln(os.Stdout, "error:", err)
		}
	}
}

// openHAL opens the register block. The sim block echoes transmitted
// frames.
func openHAL(name, uioName string, base int64, endian, uartDev string, baud int) (hal.HAL, func(), error) {
	swap, err := uio.NeedsSwap(endian)
	if err != nil {
		return nil, nil, err
	}
	switch name {
	case "uio":
		d, err := uio.OpenUIO(uioName, uio.WithByteSwap(swap))
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	case "devmem":
		d, err := uio.OpenDevMem(base, uio.WithByteSwap(swap))
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	case "uart":
		b, err := uart.Open(uartDev, baud)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	case "sim":
		s := sim.New()
		s.Loopback(true)
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown hal %q", name)
}
