package flexcan

import "sync/atomic"

// counters are cumulative per device and survive close/open.
type counters struct {
	rxPackets    atomic.Uint64
	rxBytes      atomic.Uint64
	rxDropped    atomic.Uint64
	rxErrors     atomic.Uint64
	rxOverErrors atomic.Uint64
	txPackets    atomic.Uint64
	txBytes      atomic.Uint64
	txErrors     atomic.Uint64
	txDropped    atomic.Uint64

	busError        atomic.Uint64
	errorWarning    atomic.Uint64
	errorPassive    atomic.Uint64
	busOff          atomic.Uint64
	restarts        atomic.Uint64
	inconsistencies atomic.Uint64
}

// Stats is a point-in-time copy of the device counters.
type Stats struct {
	RxPackets    uint64
	RxBytes      uint64
	RxDropped    uint64
	RxErrors     uint64
	RxOverErrors uint64
	TxPackets    uint64
	TxBytes      uint64
	TxErrors     uint64
	TxDropped    uint64

	BusError        uint64
	ErrorWarning    uint64
	ErrorPassive    uint64
	BusOff          uint64
	Restarts        uint64
	Inconsistencies uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		RxPackets:       c.rxPackets.Load(),
		RxBytes:         c.rxBytes.Load(),
		RxDropped:       c.rxDropped.Load(),
		RxErrors:        c.rxErrors.Load(),
		RxOverErrors:    c.rxOverErrors.Load(),
		TxPackets:       c.txPackets.Load(),
		TxBytes:         c.txBytes.Load(),
		TxErrors:        c.txErrors.Load(),
		TxDropped:       c.txDropped.Load(),
		BusError:        c.busError.Load(),
		ErrorWarning:    c.errorWarning.Load(),
		ErrorPassive:    c.errorPassive.Load(),
		BusOff:          c.busOff.Load(),
		Restarts:        c.restarts.Load(),
		Inconsistencies: c.inconsistencies.Load(),
	}
}
