package flexcan

import (
	"context"
	"errors"
	"time"

	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
	"github.com/kstaniek/go-flexcan/internal/hal"
)

// HandleIRQ services the controller once: drains the receive FIFO,
// accounts overflow and transmit completion, acknowledges status
// interrupts and feeds the bus state monitor. It reports whether any
// source was pending.
func (d *Device) HandleIRQ() bool {
	d.hwMu.Lock()
	defer d.hwMu.Unlock()

	iflag := d.hw.ReadReg(reg.IFLAG1)
	esr := d.hw.ReadReg(reg.ESR)
	handled := false

	if iflag&reg.IFLAGRxAvailable != 0 {
		handled = true
		d.drain()
	}
	if iflag&reg.IFLAGRxOverflow != 0 {
		handled = true
		d.hw.WriteReg(reg.IFLAG1, reg.IFLAGRxOverflow)
		d.stats.rxOverErrors.Add(1)
		d.stats.rxErrors.Add(1)
		d.log.Debug("flexcan_rx_fifo_overflow")
	}
	if iflag&reg.IFLAGTx != 0 {
		handled = true
		d.onComplete()
	}
	if esr&reg.ESRAllInt != 0 {
		handled = true
		d.hw.WriteReg(reg.ESR, esr&reg.ESRAllInt)
	}
	if esr&reg.ESRWAKINT != 0 {
		d.exitStopMode()
	}
	if esr&(reg.ESRErrState|reg.ESRERRINT) != 0 {
		if _, err := d.onPoll(esr); err != nil {
			d.log.Debug("flexcan_poll_state", "error", err)
		}
	}
	if d.reportBusError(esr) {
		handled = true
	}
	return handled
}

func (d *Device) exitStopMode() {
	if d.stm == nil || !d.cfg.DevType.Has(FeatureV10) {
		return
	}
	if err := d.stm.Exit(); err != nil {
		d.log.Warn("flexcan_stop_mode_exit", "error", err)
		return
	}
	d.mu.Lock()
	d.sleepWake = false
	d.mu.Unlock()
}

// irqLoop is the interrupt context: it waits on the line and runs the
// handler. Without a line it polls at PollInterval.
func (d *Device) irqLoop(ctx context.Context) {
	defer d.wg.Done()
	if d.irq == nil {
		t := time.NewTicker(d.cfg.PollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				d.HandleIRQ()
			}
		}
	}
	for {
		if err := d.irq.Wait(ctx); err != nil {
			if ctx.Err() == nil && !errors.Is(err, hal.ErrClosed) {
				d.log.Error("flexcan_irq_wait", "error", err)
			}
			return
		}
		d.HandleIRQ()
		if err := d.irq.Ack(); err != nil {
			d.log.Error("flexcan_irq_ack", "error", err)
			return
		}
	}
}
