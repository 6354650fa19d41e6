package flexcan

import (
	"fmt"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
)

// BerrCounter reads the error counters.
func (d *Device) BerrCounter() ErrorCounters { return countersOf(d.hw.ReadReg(reg.ECR)) }

// onPoll classifies esr and, on a state change, builds and queues the
// matching error frame. It reports whether a frame was produced.
func (d *Device) onPoll(esr uint32) (bool, error) {
	next := Classify(esr)
	d.mu.Lock()
	prev := d.bus
	if next == prev {
		d.mu.Unlock()
		return false, nil
	}
	if prev == BusOff {
		// Bus-off only ends through chipStart; anything else is a hardware fault.
		d.mu.Unlock()
		d.stats.inconsistencies.Add(1)
		d.log.Error("flexcan_busoff_recovered_by_hw", "to", next, "esr", fmt.Sprintf("0x%08x", esr))
		return false, fmt.Errorf("%w: %s -> %s", ErrInternalInconsistency, prev, next)
	}
	d.bus = next
	d.mu.Unlock()

	bec := d.BerrCounter()
	cf := stateFrame(prev, next, bec)
	// Warnings are counted on leaving error-active only; passive entries
	// from either active or warning.
	if prev == ErrorActive && next.Between(ErrorWarning, BusOff) {
		d.stats.errorWarning.Add(1)
	}
	if prev.Between(ErrorActive, ErrorWarning) && next.Between(ErrorPassive, BusOff) {
		d.stats.errorPassive.Add(1)
	}
	d.log.Info("flexcan_bus_state", "from", prev, "to", next, "txerr", bec.TxErr, "rxerr", bec.RxErr)

	if next == BusOff {
		d.stats.busOff.Add(1)
		d.mu.Lock()
		d.txOff = true
		d.mu.Unlock()
		d.consumer.LinkDown()
		d.scheduleRestart()
	}
	d.enqueueError(cf)
	return true, nil
}

// stateFrame builds the error frame for a prev -> next transition. Leaving
// error-active or error-warning runs both the warning and passive range
// checks; the passive sub-code replaces the warning one when both fire.
func stateFrame(prev, next BusErrorState, bec ErrorCounters) can.Frame {
	cf := can.NewErrorFrame()
	tx := bec.TxErr > bec.RxErr
	if prev.Between(ErrorActive, ErrorWarning) {
		if next.Between(ErrorWarning, BusOff) {
			cf.CANID |= can.ErrCrtl
			if tx {
				cf.Data[can.ErrCrtlByte] = can.ErrCrtlTxWarning
			} else {
				cf.Data[can.ErrCrtlByte] = can.ErrCrtlRxWarning
			}
		}
		if next.Between(ErrorPassive, BusOff) {
			cf.CANID |= can.ErrCrtl
			if tx {
				cf.Data[can.ErrCrtlByte] = can.ErrCrtlTxPassive
			} else {
				cf.Data[can.ErrCrtlByte] = can.ErrCrtlRxPassive
			}
		}
	}
	switch next {
	case ErrorActive:
		cf.CANID |= can.ErrProt
		cf.Data[can.ErrProtByte] = can.ErrProtActive
	case BusOff:
		cf.CANID |= can.ErrBusOff
	}
	return cf
}

// reportBusError turns ESR bus error bits into an error frame when bus
// error reporting is on.
func (d *Device) reportBusError(esr uint32) bool {
	if d.cfg.CtrlMode&CtrlModeBerrReporting == 0 || esr&reg.ESRErrBus == 0 {
		return false
	}
	cf, rx, tx := busErrorFrame(esr)
	d.stats.busError.Add(1)
	if rx {
		d.stats.rxErrors.Add(1)
	}
	if tx {
		d.stats.txErrors.Add(1)
	}
	d.log.Debug("flexcan_bus_error", "esr", fmt.Sprintf("0x%08x", esr))
	d.enqueueError(cf)
	return true
}

func busErrorFrame(esr uint32) (cf can.Frame, rxErr, txErr bool) {
	cf = can.NewErrorFrame()
	cf.CANID |= can.ErrProt | can.ErrBusError
	if esr&reg.ESRBIT1ERR != 0 {
		cf.Data[can.ErrProtByte] |= can.ErrProtBit1
		txErr = true
	}
	if esr&reg.ESRBIT0ERR != 0 {
		cf.Data[can.ErrProtByte] |= can.ErrProtBit0
		txErr = true
	}
	if esr&reg.ESRACKERR != 0 {
		cf.CANID |= can.ErrAck
		cf.Data[can.ErrProtLocPos] |= can.ErrProtLocAck
		txErr = true
	}
	if esr&reg.ESRCRCERR != 0 {
		cf.Data[can.ErrProtByte] |= can.ErrProtBit
		cf.Data[can.ErrProtLocPos] |= can.ErrProtLocCRCSeq
		rxErr = true
	}
	if esr&reg.ESRFRMERR != 0 {
		cf.Data[can.ErrProtByte] |= can.ErrProtForm
		rxErr = true
	}
	if esr&reg.ESRSTFERR != 0 {
		cf.Data[can.ErrProtByte] |= can.ErrProtStuff
		rxErr = true
	}
	return cf, rxErr, txErr
}

// pollStatus runs the state monitor and the bus error reporter on one
// ESR snapshot. ESR bus error bits clear on read, so both must see the
// same value.
func (d *Device) pollStatus(esr uint32) {
	if _, err := d.onPoll(esr); err != nil {
		d.log.Debug("flexcan_poll_state", "error", err)
	}
	d.reportBusError(esr)
}
