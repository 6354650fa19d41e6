package flexcan

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
)

// Handshake budgets. Short handshakes poll every 20us for 50us/10 rounds;
// freeze waits for a bus boundary and scales with the bit period.
const (
	timeoutUS        = 50
	handshakePolls   = timeoutUS / 10
	handshakeDelayUS = 20
	freezeSleepMinUS = 100
	freezeSleepMaxUS = 200
)

// FreezePolls is the number of freeze acknowledge polls at a bitrate.
func FreezePolls(bitrate uint32) int {
	if bitrate == 0 {
		return 1
	}
	return max(int(10_000_000/bitrate), 1)
}

// FreezeBudget is the minimum time freeze waits before giving up.
func FreezeBudget(bitrate uint32) time.Duration {
	return time.Duration(FreezePolls(bitrate)) * freezeSleepMinUS * time.Microsecond
}

func (d *Device) mcrBits(mask uint32) bool { return d.hw.ReadReg(reg.MCR)&mask != 0 }

// waitMCR polls until the MCR bits in mask read as want, waiting between
// polls. It gives up after polls waits.
func (d *Device) waitMCR(op string, mask uint32, want bool, polls int, wait func()) error {
	for i := 0; ; i++ {
		if d.mcrBits(mask) == want {
			return nil
		}
		if i >= polls {
			d.log.Warn("flexcan_handshake_timeout", "op", op, "polls", polls, "mcr", fmt.Sprintf("0x%08x", d.hw.ReadReg(reg.MCR)))
			return fmt.Errorf("%w: %s after %d polls", ErrTimeout, op, polls)
		}
		wait()
	}
}

func (d *Device) shortWait() { d.hw.Delay(handshakeDelayUS) }

func (d *Device) freezeWait() { d.hw.SleepRange(freezeSleepMinUS, freezeSleepMaxUS) }

// enable leaves low-power mode. Like the other handshakes it returns at
// once, without touching state, when the controller is already there.
func (d *Device) enable() error {
	if !d.mcrBits(reg.MCRLPMACK) {
		return nil
	}
	d.hw.WriteReg(reg.MCR, d.hw.ReadReg(reg.MCR)&^reg.MCRMDIS)
	if err := d.waitMCR("enable", reg.MCRLPMACK, false, handshakePolls, d.shortWait); err != nil {
		return err
	}
	d.setState(StateEnabled)
	return nil
}

// disable enters low-power mode.
func (d *Device) disable() error {
	if d.mcrBits(reg.MCRLPMACK) {
		return nil
	}
	d.hw.WriteReg(reg.MCR, d.hw.ReadReg(reg.MCR)|reg.MCRMDIS)
	if err := d.waitMCR("disable", reg.MCRLPMACK, true, handshakePolls, d.shortWait); err != nil {
		return err
	}
	d.setState(StateDisabled)
	return nil
}

// freeze halts the controller at the next bus boundary.
func (d *Device) freeze() error {
	if d.mcrBits(reg.MCRFRZACK) {
		return nil
	}
	d.hw.WriteReg(reg.MCR, d.hw.ReadReg(reg.MCR)|reg.MCRHALT)
	if err := d.waitMCR("freeze", reg.MCRFRZACK, true, FreezePolls(d.cfg.BitTiming.Bitrate), d.freezeWait); err != nil {
		return err
	}
	d.setState(StateFrozen)
	return nil
}

// unfreeze synchronizes with the bus and starts participating.
func (d *Device) unfreeze() error {
	if !d.mcrBits(reg.MCRFRZACK) && !d.mcrBits(reg.MCRHALT) {
		return nil
	}
	d.hw.WriteReg(reg.MCR, d.hw.ReadReg(reg.MCR)&^reg.MCRHALT)
	if err := d.waitMCR("unfreeze", reg.MCRFRZACK, false, handshakePolls, d.shortWait); err != nil {
		return err
	}
	d.setState(StateRunning)
	return nil
}

func (d *Device) softReset() error {
	d.hw.WriteReg(reg.MCR, reg.MCRSOFTRST)
	return d.waitMCR("softreset", reg.MCRSOFTRST, false, handshakePolls, d.shortWait)
}

func (d *Device) setBitTiming() {
	bt := d.cfg.BitTiming
	ctrl := d.hw.ReadReg(reg.CTRL)
	ctrl &^= reg.CTRLTimingMask | reg.CTRLLPB | reg.CTRLSMP | reg.CTRLLOM
	ctrl |= reg.CTRLPresDiv(bt.BRP-1) |
		reg.CTRLPSeg1(bt.PhaseSeg1-1) |
		reg.CTRLPSeg2(bt.PhaseSeg2-1) |
		reg.CTRLRJW(bt.SJW-1) |
		reg.CTRLPropSeg(bt.PropSeg-1)
	if d.cfg.CtrlMode&CtrlModeLoopback != 0 {
		ctrl |= reg.CTRLLPB
	}
	if d.cfg.CtrlMode&CtrlModeListenOnly != 0 {
		ctrl |= reg.CTRLLOM
	}
	if d.cfg.CtrlMode&CtrlModeTripleSampling != 0 {
		ctrl |= reg.CTRLSMP
	}
	d.hw.WriteReg(reg.CTRL, ctrl)
	d.log.Debug("flexcan_bittiming", "ctrl", fmt.Sprintf("0x%08x", ctrl), "bitrate", bt.Bitrate)
}

func (d *Device) transceiverEnable() error {
	if d.xcvr == nil {
		return nil
	}
	return d.xcvr.Enable()
}

func (d *Device) transceiverDisable() {
	if d.xcvr == nil {
		return
	}
	if err := d.xcvr.Disable(); err != nil {
		d.log.Warn("flexcan_transceiver_disable", "error", err)
	}
}

// chipStart brings the controller from any state to running with every
// mailbox cleared, accept-all filters and the default interrupt set.
// Caller holds hwMu.
func (d *Device) chipStart() error {
	if err := d.enable(); err != nil {
		return err
	}
	if err := d.softReset(); err != nil {
		_ = d.disable()
		return err
	}
	d.setBitTiming()

	mcr := d.hw.ReadReg(reg.MCR)
	mcr &^= reg.MCRMAXMB
	mcr |= reg.MCRFRZ | reg.MCRFEN | reg.MCRHALT | reg.MCRSUPV |
		reg.MCRWRNEN | reg.MCRIDAMC | reg.MCRSRXDIS |
		reg.MCRWAKMSK | reg.MCRSLFWAK | reg.MCRMaxMB(reg.LastMB)
	d.hw.WriteReg(reg.MCR, mcr)

	ctrl := d.hw.ReadReg(reg.CTRL)
	ctrl &^= reg.CTRLTSYN
	ctrl |= reg.CTRLBOFFREC | reg.CTRLLBUF | reg.CTRLErrState
	// Without ERR_MSK most cores raise no warning/passive interrupts.
	if d.cfg.DevType.Has(FeatureBrokenErrState) || d.cfg.CtrlMode&CtrlModeBerrReporting != 0 {
		ctrl |= reg.CTRLERRMSK
	}
	d.mu.Lock()
	d.ctrlDefault = ctrl
	d.mu.Unlock()
	d.hw.WriteReg(reg.CTRL, ctrl)

	for i := 0; i < reg.MBCount; i++ {
		d.hw.WriteReg(reg.MB(i, reg.MBCtrl), 0)
		d.hw.WriteReg(reg.MB(i, reg.MBID), 0)
		d.hw.WriteReg(reg.MB(i, reg.MBData0), 0)
		d.hw.WriteReg(reg.MB(i, reg.MBData1), 0)
		d.hw.WriteReg(reg.MB(i, reg.MBCtrl), reg.MBCode(reg.MBCodeRxEmpty))
	}

	d.hw.WriteReg(reg.RXGMASK, 0)
	d.hw.WriteReg(reg.RX14MASK, 0)
	d.hw.WriteReg(reg.RX15MASK, 0)
	if d.cfg.DevType.Has(FeatureV10) {
		d.hw.WriteReg(reg.RXFGMASK, 0)
	}

	if err := d.transceiverEnable(); err != nil {
		_ = d.disable()
		return fmt.Errorf("transceiver enable: %w", err)
	}
	if err := d.unfreeze(); err != nil {
		d.transceiverDisable()
		_ = d.disable()
		return err
	}

	d.mu.Lock()
	prevBus := d.bus
	d.bus = ErrorActive
	d.mu.Unlock()
	if prevBus != ErrorActive {
		d.log.Info("flexcan_bus_state", "from", prevBus, "to", ErrorActive)
	}
	d.hw.WriteReg(reg.IMASK1, reg.IFLAGDefault)
	d.log.Debug("flexcan_chip_started", "mcr", fmt.Sprintf("0x%08x", d.hw.ReadReg(reg.MCR)), "ctrl", fmt.Sprintf("0x%08x", d.hw.ReadReg(reg.CTRL)))
	return nil
}

// chipStop freezes and disables the controller, masking every interrupt.
// Handshake failures are logged, not returned. Caller holds hwMu.
func (d *Device) chipStop() {
	if err := d.freeze(); err != nil {
		d.log.Warn("flexcan_chip_stop", "op", "freeze", "error", err)
	}
	if err := d.disable(); err != nil {
		d.log.Warn("flexcan_chip_stop", "op", "disable", "error", err)
	}
	d.hw.WriteReg(reg.IMASK1, 0)
	d.mu.Lock()
	ctrl := d.ctrlDefault
	d.mu.Unlock()
	d.hw.WriteReg(reg.CTRL, ctrl&^reg.CTRLErrAll)
	d.transceiverDisable()
	d.setState(StateStopped)
}
