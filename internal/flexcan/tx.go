package flexcan

import (
	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
)

// TxReady signals when the transmit mailbox may have become free.
// Submitters that got ErrBusy wait on it and retry.
func (d *Device) TxReady() <-chan struct{} { return d.txReady }

func (d *Device) signalTxReady() {
	select {
	case d.txReady <- struct{}{}:
	default:
	}
}

// Submit arms the transmit mailbox with f. Only one frame may be in
// flight: a second Submit before completion returns ErrBusy. Frames that
// can never be sent are counted in tx_dropped and swallowed.
func (d *Device) Submit(f can.Frame) error {
	if err := f.Validate(); err != nil {
		d.stats.txDropped.Add(1)
		d.log.Debug("flexcan_tx_invalid", "frame", f.String(), "error", err)
		return nil
	}
	d.mu.Lock()
	switch {
	case d.state != StateRunning || d.txOff:
		d.mu.Unlock()
		return ErrNotRunning
	case d.txPending:
		d.mu.Unlock()
		return ErrBusy
	}
	d.txPending = true
	d.echoLen = f.Len
	d.mu.Unlock()

	m := EncodeMailbox(f, reg.MBCodeTxData)
	d.hwMu.Lock()
	defer d.hwMu.Unlock()
	if f.Len > 0 {
		d.hw.WriteReg(reg.MB(reg.TxMB, reg.MBData0), m.Data0)
	}
	if f.Len > 3 {
		d.hw.WriteReg(reg.MB(reg.TxMB, reg.MBData1), m.Data1)
	}
	// The control word starts arbitration, so it goes last.
	d.hw.WriteReg(reg.MB(reg.TxMB, reg.MBID), m.ID)
	d.hw.WriteReg(reg.MB(reg.TxMB, reg.MBCtrl), m.Ctrl)
	if d.cfg.DevType.Has(FeatureErr005829) {
		d.hw.WriteReg(reg.MB(reg.ReservedMB, reg.MBCtrl), 0)
		d.hw.WriteReg(reg.MB(reg.ReservedMB, reg.MBCtrl), 0)
	}
	return nil
}

// onComplete accounts a finished transmission and reopens the mailbox.
// Caller holds hwMu.
func (d *Device) onComplete() {
	d.mu.Lock()
	n := d.echoLen
	pending := d.txPending
	d.echoLen = 0
	d.mu.Unlock()

	if pending {
		d.stats.txBytes.Add(uint64(n))
		d.stats.txPackets.Add(1)
	}
	d.led(LEDTx)
	d.hw.WriteReg(reg.IFLAG1, reg.IFLAGTx)

	d.mu.Lock()
	d.txPending = false
	d.mu.Unlock()
	d.signalTxReady()
}
