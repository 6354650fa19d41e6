package flexcan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
	"github.com/kstaniek/go-flexcan/internal/hal"
	"github.com/kstaniek/go-flexcan/internal/hal/sim"
	"github.com/kstaniek/go-flexcan/internal/logging"
)

// openDevice runs a device with its own interrupt and delivery goroutines.
func openDevice(t *testing.T, h hal.HAL, cfg Config, opts ...Option) (*Device, *recorder) {
	t.Helper()
	rec := newRecorder()
	d, err := New(h, cfg, append([]Option{WithConsumer(rec), WithLogger(logging.Discard())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, rec
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOpenLoopbackRoundTrip(t *testing.T) {
	s := sim.New()
	t.Cleanup(func() { _ = s.Close() })
	s.Loopback(true)
	d, rec := openDevice(t, s, testConfig("imx6q"))

	if d.State() != StateRunning || d.BusState() != ErrorActive {
		t.Fatalf("state=%s bus=%s", d.State(), d.BusState())
	}
	select {
	case <-d.TxReady():
	default:
		t.Fatalf("tx not ready after open")
	}
	want := stdFrame(0x321, 0xde, 0xad, 0xbe, 0xef)
	if err := d.Submit(want); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := rec.wait(t); got != want {
		t.Fatalf("looped back %s, want %s", got, want)
	}
	eventually(t, "tx completion", func() bool { return d.Stats().TxPackets == 1 })
	s2 := d.Stats()
	if s2.RxPackets != 1 || s2.RxBytes != 4 || s2.TxBytes != 4 {
		t.Fatalf("stats = %+v", s2)
	}
	if !rec.sawLED(LEDOpen) {
		t.Fatalf("no open activity")
	}
}

func TestCloseIsIdempotentAndKeepsStats(t *testing.T) {
	s := sim.New()
	t.Cleanup(func() { _ = s.Close() })
	s.Loopback(true)
	d, rec := openDevice(t, s, testConfig("imx28"))
	if err := d.Submit(stdFrame(0x1, 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec.wait(t)
	eventually(t, "tx completion", func() bool { return d.Stats().TxPackets == 1 })

	for i := 0; i < 2; i++ {
		if err := d.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	if d.State() != StateStopped || !rec.sawLED(LEDStop) {
		t.Fatalf("state = %s", d.State())
	}
	if err := d.Submit(stdFrame(0x2)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("submit after close: %v", err)
	}
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if st := d.Stats(); st.RxPackets != 1 || st.TxPackets != 1 {
		t.Fatalf("stats reset on reopen: %+v", st)
	}
}

// Frames still queued at close are discarded, not delivered later.
func TestCloseDiscardsQueue(t *testing.T) {
	fx := newFixture(t, testConfig("imx28"))
	if err := fx.d.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	fx.d.Close()
	fx.start(t)
	fx.sim.Inject(stdFrame(1))
	fx.sim.Inject(stdFrame(2))
	fx.drain()
	if fx.d.QueueLen() != 2 {
		t.Fatalf("queue = %d", fx.d.QueueLen())
	}
	if err := fx.d.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fx.d.Close()
	if fx.d.QueueLen() != 0 {
		t.Fatalf("stale frames survived open")
	}
}

func TestOpenFailure(t *testing.T) {
	s := sim.New()
	t.Cleanup(func() { _ = s.Close() })
	s.StickSoftReset(true)
	d, err := New(s, testConfig("imx28"), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Open(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if d.State() == StateRunning {
		t.Fatalf("running after failed open")
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close after failed open: %v", err)
	}
}

func TestAutoRestartAfterBusOff(t *testing.T) {
	s := sim.New()
	t.Cleanup(func() { _ = s.Close() })
	cfg := testConfig("imx28")
	cfg.RestartDelay = 5 * time.Millisecond
	d, rec := openDevice(t, s, cfg)

	s.SetCounters(255, 0)
	s.SetFault(3, false, false)

	var classes []uint32
	for len(classes) < 2 {
		classes = append(classes, rec.wait(t).ErrorClass())
	}
	if classes[0]&can.ErrBusOff == 0 || classes[1] != can.ErrRestarted {
		t.Fatalf("error classes = %#x", classes)
	}
	eventually(t, "link up", func() bool { _, up := rec.links(); return up == 1 })
	if down, _ := rec.links(); down != 1 {
		t.Fatalf("link down = %d", down)
	}
	st := d.Stats()
	if st.BusOff != 1 || st.Restarts != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if d.BusState() != ErrorActive || d.State() != StateRunning {
		t.Fatalf("state=%s bus=%s", d.State(), d.BusState())
	}
	if err := d.Submit(stdFrame(0x5)); err != nil {
		t.Fatalf("submit after restart: %v", err)
	}
}

func TestRestartRequiresOpen(t *testing.T) {
	fx := newFixture(t, testConfig("imx28"))
	if err := fx.d.Restart(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// closingTransceiver closes the device from inside the restart's
// chipStart, the window a concurrent Close can hit.
type closingTransceiver struct {
	d      *Device
	armed  bool
	closed chan struct{}
}

func (c *closingTransceiver) Enable() error {
	if !c.armed {
		return nil
	}
	c.armed = false
	go func() {
		_ = c.d.Close()
		close(c.closed)
	}()
	for {
		c.d.mu.Lock()
		open := c.d.open
		c.d.mu.Unlock()
		if !open {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *closingTransceiver) Disable() error { return nil }

func TestRestartRacingCloseKeepsLinkDown(t *testing.T) {
	s := sim.New()
	t.Cleanup(func() { _ = s.Close() })
	xc := &closingTransceiver{closed: make(chan struct{})}
	d, rec := openDevice(t, s, testConfig("imx28"), WithTransceiver(xc))
	xc.d = d
	xc.armed = true

	if err := d.Restart(); !errors.Is(err, ErrClosed) {
		t.Fatalf("restart during close: %v", err)
	}
	select {
	case <-xc.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not finish")
	}
	if _, up := rec.links(); up != 0 {
		t.Fatalf("link reported up on a closed device")
	}
	if d.State() != StateStopped || d.Stats().Restarts != 0 {
		t.Fatalf("state=%s restarts=%d", d.State(), d.Stats().Restarts)
	}
	if err := d.Submit(stdFrame(0x1)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("submit after close: %v", err)
	}
}

func TestPolledModeWithoutIRQ(t *testing.T) {
	s := sim.New()
	type registersOnly struct{ hal.HAL }
	cfg := testConfig("imx28")
	cfg.PollInterval = time.Millisecond
	d, rec := openDevice(t, registersOnly{s}, cfg)
	if d.irq != nil {
		t.Fatalf("irq picked up from a HAL without one")
	}
	s.Inject(stdFrame(0x42, 1))
	if got := rec.wait(t); got.ID() != 0x42 {
		t.Fatalf("got %s", got)
	}
}

func TestSuspendResume(t *testing.T) {
	s := sim.New()
	t.Cleanup(func() { _ = s.Close() })
	d, _ := openDevice(t, s, testConfig("imx28"))

	if err := d.Suspend(false); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if d.State() != StateSleeping || s.ReadReg(reg.MCR)&reg.MCRLPMACK == 0 {
		t.Fatalf("not parked: state=%s", d.State())
	}
	if err := d.Submit(stdFrame(0x1)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("submit while suspended: %v", err)
	}
	if err := d.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if d.State() != StateRunning || d.BusState() != ErrorActive {
		t.Fatalf("state=%s bus=%s", d.State(), d.BusState())
	}
	if err := d.Submit(stdFrame(0x1)); err != nil {
		t.Fatalf("submit after resume: %v", err)
	}
}

func TestSuspendWakeupUsesStopMode(t *testing.T) {
	s := sim.New()
	t.Cleanup(func() { _ = s.Close() })
	stm := &sim.Switch{}
	d, _ := openDevice(t, s, testConfig("imx6q"), WithStopMode(stm))

	if err := d.Suspend(true); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if !stm.On() || s.ReadReg(reg.MCR)&reg.MCRLPMACK != 0 {
		t.Fatalf("stop mode not requested")
	}
	s.Wake()
	eventually(t, "stop mode exit", func() bool { return !stm.On() })
	if err := d.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if d.State() != StateRunning {
		t.Fatalf("state = %s", d.State())
	}
}

// Cores without stop-mode support fall back to disabling the module.
func TestSuspendWakeupFallsBackToDisable(t *testing.T) {
	s := sim.New()
	t.Cleanup(func() { _ = s.Close() })
	stm := &sim.Switch{}
	d, _ := openDevice(t, s, testConfig("imx28"), WithStopMode(stm))
	if err := d.Suspend(true); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if stm.On() || s.ReadReg(reg.MCR)&reg.MCRLPMACK == 0 {
		t.Fatalf("expected disabled module, stop=%v", stm.On())
	}
	if err := d.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestResumeWhenClosed(t *testing.T) {
	fx := newFixture(t, testConfig("imx28"))
	if err := fx.d.Suspend(false); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := fx.d.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if fx.d.State() != StateStopped {
		t.Fatalf("state = %s", fx.d.State())
	}
}

func TestProbe(t *testing.T) {
	fx := newFixture(t, testConfig("imx28"))
	if err := fx.d.Probe(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if fx.sim.ReadReg(reg.MCR)&reg.MCRLPMACK == 0 {
		t.Fatalf("controller left enabled")
	}
	if fx.sim.ReadReg(reg.CTRL)&reg.CTRLCLKSRC == 0 {
		t.Fatalf("clock source not selected")
	}

	fx = newFixture(t, testConfig("imx28"))
	fx.sim.DisableFIFO()
	if err := fx.d.Probe(); !errors.Is(err, ErrUnsupportedCore) {
		t.Fatalf("expected ErrUnsupportedCore, got %v", err)
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(nil, testConfig("imx28")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil HAL: %v", err)
	}
	cfg := testConfig("imx28")
	cfg.Weight = 5000
	if _, err := New(sim.New(), cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("weight: %v", err)
	}
}
