package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-flexcan/internal/flexcan"
	"github.com/kstaniek/go-flexcan/internal/hal/uio"
)

type appConfig struct {
	// controller
	hal          string
	uioName      string
	devmemBase   int64
	endian       string
	uartDev      string
	uartBaud     int
	devType      string
	name         string
	clockHz      uint
	bitrate      uint
	brp          uint
	propSeg      uint
	phaseSeg1    uint
	phaseSeg2    uint
	sjw          uint
	ctrlMode     string
	weight       int
	restartDelay time.Duration
	pollInterval time.Duration
	xcvr         string
	probe        bool

	// gateway
	listenAddr      string
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	hubBuffer       int
	hubPolicy       string
	txQueue         int
	txWait          time.Duration
	canIf           string
	metricsAddr     string
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func defaultConfig() *appConfig {
	bt := flexcan.DefaultBitTiming
	return &appConfig{
		hal:          "uio",
		uioName:      "uio0",
		endian:       "little",
		uartDev:      "/dev/ttyUSB0",
		uartBaud:     115200,
		devType:      "imx6q",
		name:         "can0",
		clockHz:      30_000_000,
		brp:          uint(bt.BRP),
		propSeg:      uint(bt.PropSeg),
		phaseSeg1:    uint(bt.PhaseSeg1),
		phaseSeg2:    uint(bt.PhaseSeg2),
		sjw:          uint(bt.SJW),
		weight:       flexcan.DefaultWeight,
		pollInterval: time.Millisecond,
		xcvr:         "none",
		listenAddr:   ":20000",
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,
		hubBuffer:    512,
		hubPolicy:    "drop",
		txQueue:      1024,
		txWait:       100 * time.Millisecond,
		logFormat:    "text",
		logLevel:     "info",
	}
}

// parseFlags parses args over the defaults, then applies FLEXCAN_*
// environment overrides for every flag not given explicitly.
func parseFlags(args []string, stderr io.Writer) (*appConfig, bool, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("flexcan-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.hal, "hal", cfg.hal, "Register access: uio|devmem|uart|sim")
	fs.StringVar(&cfg.uioName, "uio", cfg.uioName, "UIO device name (hal=uio)")
	fs.Int64Var(&cfg.devmemBase, "devmem-base", cfg.devmemBase, "Physical base address of the register block (hal=devmem)")
	fs.StringVar(&cfg.endian, "endian", cfg.endian, "Register byte order: little|big")
	fs.StringVar(&cfg.uartDev, "uart", cfg.uartDev, "Serial device of the register bridge (hal=uart)")
	fs.IntVar(&cfg.uartBaud, "uart-baud", cfg.uartBaud, "Register bridge baud rate")
	fs.StringVar(&cfg.devType, "devtype", cfg.devType, "Core revision: "+strings.Join(flexcan.DevTypeNames(), "|"))
	fs.StringVar(&cfg.name, "name", cfg.name, "Controller name used in logs and metrics")
	fs.UintVar(&cfg.clockHz, "clock-hz", cfg.clockHz, "Peripheral clock in Hz")
	fs.UintVar(&cfg.bitrate, "bitrate", cfg.bitrate, "Expected bitrate; 0 derives it from the clock and timing")
	fs.UintVar(&cfg.brp, "brp", cfg.brp, "Bit timing prescaler (1..256)")
	fs.UintVar(&cfg.propSeg, "prop-seg", cfg.propSeg, "Propagation segment in tq (1..8)")
	fs.UintVar(&cfg.phaseSeg1, "phase-seg1", cfg.phaseSeg1, "Phase segment 1 in tq (1..8)")
	fs.UintVar(&cfg.phaseSeg2, "phase-seg2", cfg.phaseSeg2, "Phase segment 2 in tq (2..8)")
	fs.UintVar(&cfg.sjw, "sjw", cfg.sjw, "Resync jump width in tq (1..4)")
	fs.StringVar(&cfg.ctrlMode, "ctrl-mode", cfg.ctrlMode, "Comma list: loopback,listen-only,triple-sampling,berr-reporting")
	fs.IntVar(&cfg.weight, "weight", cfg.weight, "Delivery batch quota")
	fs.DurationVar(&cfg.restartDelay, "restart-delay", cfg.restartDelay, "Automatic restart delay after bus-off (0 disables)")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", cfg.pollInterval, "Interrupt poll period when no interrupt line is available")
	fs.StringVar(&cfg.xcvr, "xcvr", cfg.xcvr, "Transceiver switch: none|smbus:<bus>:<addr>:<pin>[:low]")
	fs.BoolVar(&cfg.probe, "probe", cfg.probe, "Check the core for RX FIFO support before opening")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "TCP listen address")
	fs.IntVar(&cfg.maxClients, "max-clients", cfg.maxClients, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", cfg.handshakeTO, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Per-connection read deadline")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.txQueue, "tx-queue", cfg.txQueue, "Transmit queue capacity (frames)")
	fs.DurationVar(&cfg.txWait, "tx-wait", cfg.txWait, "How long one frame may wait for the mailbox")
	fs.StringVar(&cfg.canIf, "can-if", cfg.canIf, "Export the controller on this SocketCAN interface (empty disables)")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", cfg.logMetricsEvery, "If >0, periodically log counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", cfg.mdnsEnable, "Advertise the gateway via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", cfg.mdnsName, "mDNS instance name (default flexcan-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if err := applyEnvOverrides(fs, set, os.LookupEnv); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

// envName maps a flag name to its environment variable: "tx-queue" ->
// FLEXCAN_TX_QUEUE.
func envName(flagName string) string {
	return "FLEXCAN_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not in set from its environment
// variable. Empty values are ignored; the first bad value is returned.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]struct{}, lookup func(string) (string, bool)) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if _, ok := set[f.Name]; ok || f.Name == "version" {
			return
		}
		k := envName(f.Name)
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if bf, isBool := f.Value.(interface{ IsBoolFlag() bool }); isBool && bf.IsBoolFlag() {
			v = normalizeBool(v)
		}
		if err := f.Value.Set(v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", k, err)
		}
	})
	return firstErr
}

func normalizeBool(v string) string {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return "true"
	case "0", "false", "no", "off":
		return "false"
	}
	return v
}

// parseCtrlMode parses a comma-separated mode list.
func parseCtrlMode(s string) (flexcan.CtrlMode, error) {
	var m flexcan.CtrlMode
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "":
		case "loopback":
			m |= flexcan.CtrlModeLoopback
		case "listen-only":
			m |= flexcan.CtrlModeListenOnly
		case "triple-sampling":
			m |= flexcan.CtrlModeTripleSampling
		case "berr-reporting":
			m |= flexcan.CtrlModeBerrReporting
		default:
			return 0, fmt.Errorf("unknown ctrl mode %q", part)
		}
	}
	return m, nil
}

// controllerConfig builds the core configuration. Range checks on the
// timing are left to flexcan.New.
func (c *appConfig) controllerConfig() (flexcan.Config, error) {
	dt, err := flexcan.LookupDevType(c.devType)
	if err != nil {
		return flexcan.Config{}, err
	}
	mode, err := parseCtrlMode(c.ctrlMode)
	if err != nil {
		return flexcan.Config{}, err
	}
	return flexcan.Config{
		Name:    c.name,
		DevType: dt,
		ClockHz: uint32(c.clockHz),
		BitTiming: flexcan.BitTiming{
			Bitrate:   uint32(c.bitrate),
			BRP:       uint32(c.brp),
			PropSeg:   uint32(c.propSeg),
			PhaseSeg1: uint32(c.phaseSeg1),
			PhaseSeg2: uint32(c.phaseSeg2),
			SJW:       uint32(c.sjw),
		},
		CtrlMode:     mode,
		Weight:       c.weight,
		RestartDelay: c.restartDelay,
		PollInterval: c.pollInterval,
	}, nil
}

// validate checks values and ranges only; nothing is opened.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.hal {
	case "uio", "devmem", "uart", "sim":
	default:
		return fmt.Errorf("invalid hal: %s", c.hal)
	}
	if c.hal == "devmem" && c.devmemBase <= 0 {
		return fmt.Errorf("devmem-base must be set for hal=devmem")
	}
	if c.hal == "uart" && c.uartBaud <= 0 {
		return fmt.Errorf("uart-baud must be > 0 (got %d)", c.uartBaud)
	}
	if _, err := uio.NeedsSwap(c.endian); err != nil {
		return err
	}
	if _, err := c.controllerConfig(); err != nil {
		return err
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	}
	if c.txWait <= 0 {
		return fmt.Errorf("tx-wait must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// listenPort extracts the port of a bound address.
func listenPort(addr string) int {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return 0
	}
	p, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return 0
	}
	return p
}
