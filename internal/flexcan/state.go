package flexcan

import (
	"fmt"

	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
)

// ControllerState is the lifecycle position of the controller.
type ControllerState int

const (
	StateDisabled ControllerState = iota
	StateEnabled
	StateFrozen
	StateRunning
	StateStopped
	StateSleeping
)

func (s ControllerState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	case StateFrozen:
		return "frozen"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("ControllerState(%d)", int(s))
	}
}

// BusErrorState is the CAN fault confinement state as seen by the driver.
// Values are ordered by severity.
type BusErrorState int

const (
	ErrorActive BusErrorState = iota
	ErrorWarning
	ErrorPassive
	BusOff
)

func (s BusErrorState) String() string {
	switch s {
	case ErrorActive:
		return "error-active"
	case ErrorWarning:
		return "error-warning"
	case ErrorPassive:
		return "error-passive"
	case BusOff:
		return "bus-off"
	default:
		return fmt.Sprintf("BusErrorState(%d)", int(s))
	}
}

// Severity ranks states: ErrorActive < ErrorWarning < ErrorPassive < BusOff.
func (s BusErrorState) Severity() int { return int(s) }

// Between reports whether lo <= s <= hi by severity.
func (s BusErrorState) Between(lo, hi BusErrorState) bool {
	return s.Severity() >= lo.Severity() && s.Severity() <= hi.Severity()
}

// FaultConfinement is the decoded ESR[5:4] field.
type FaultConfinement int

const (
	FaultActive FaultConfinement = iota
	FaultPassive
	FaultOther // bus-off
)

// FaultConfinementOf extracts the fault confinement field from an ESR snapshot.
func FaultConfinementOf(esr uint32) FaultConfinement {
	switch (esr & reg.ESRFltConfMask) >> reg.ESRFltConfShift {
	case reg.FltConfActive:
		return FaultActive
	case reg.FltConfPassive:
		return FaultPassive
	default:
		return FaultOther
	}
}

// ErrorCounters are the transmit and receive error counters.
type ErrorCounters struct {
	TxErr uint8
	RxErr uint8
}

func countersOf(ecr uint32) ErrorCounters {
	return ErrorCounters{
		TxErr: uint8(ecr >> reg.ECRTxShift),
		RxErr: uint8(ecr >> reg.ECRRxShift),
	}
}

// Classify maps an ESR snapshot to a bus error state. Bus-off is reported
// exactly when the fault confinement field says so, whatever the warning bits.
func Classify(esr uint32) BusErrorState {
	switch FaultConfinementOf(esr) {
	case FaultActive:
		if esr&(reg.ESRTXWRN|reg.ESRRXWRN) != 0 {
			return ErrorWarning
		}
		return ErrorActive
	case FaultPassive:
		return ErrorPassive
	default:
		return BusOff
	}
}
