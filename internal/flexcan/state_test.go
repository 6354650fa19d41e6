package flexcan

import (
	"testing"

	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		esr  uint32
		want BusErrorState
	}{
		{"active", 0, ErrorActive},
		{"txWarn", reg.ESRTXWRN, ErrorWarning},
		{"rxWarn", reg.ESRRXWRN, ErrorWarning},
		{"passive", 1 << reg.ESRFltConfShift, ErrorPassive},
		{"passiveWarn", 1<<reg.ESRFltConfShift | reg.ESRTXWRN, ErrorPassive},
		{"busoff2", 2 << reg.ESRFltConfShift, BusOff},
		{"busoff3", 3 << reg.ESRFltConfShift, BusOff},
	}
	for _, tc := range tests {
		if got := Classify(tc.esr); got != tc.want {
			t.Fatalf("%s: Classify(0x%x) = %s, want %s", tc.name, tc.esr, got, tc.want)
		}
	}
}

// Bus-off is reported iff the fault confinement field is 2 or 3,
// whatever else the snapshot carries.
func TestClassifyBusOffIffFltConf(t *testing.T) {
	noise := []uint32{0, reg.ESRTXWRN, reg.ESRRXWRN, reg.ESRTXWRN | reg.ESRRXWRN, reg.ESRErrBus, reg.ESRAllInt, 0xffffffff &^ reg.ESRFltConfMask}
	for flt := uint32(0); flt < 4; flt++ {
		for _, n := range noise {
			esr := n | flt<<reg.ESRFltConfShift
			st := Classify(esr)
			if (st == BusOff) != (flt >= 2) {
				t.Fatalf("esr=0x%08x flt=%d -> %s", esr, flt, st)
			}
			if st < ErrorActive || st > BusOff {
				t.Fatalf("esr=0x%08x out of range state %d", esr, st)
			}
		}
	}
}

func TestBetween(t *testing.T) {
	if !ErrorWarning.Between(ErrorWarning, BusOff) || ErrorActive.Between(ErrorWarning, BusOff) {
		t.Fatalf("warning range wrong")
	}
	if !BusOff.Between(ErrorPassive, BusOff) || ErrorWarning.Between(ErrorPassive, BusOff) {
		t.Fatalf("passive range wrong")
	}
	if ErrorActive.Severity() >= ErrorWarning.Severity() || ErrorPassive.Severity() >= BusOff.Severity() {
		t.Fatalf("severity not ordered")
	}
}

func TestFaultConfinementAndCounters(t *testing.T) {
	if FaultConfinementOf(0) != FaultActive || FaultConfinementOf(1<<4) != FaultPassive || FaultConfinementOf(3<<4) != FaultOther {
		t.Fatalf("fault confinement decode wrong")
	}
	c := countersOf(0x1234_80_7f)
	if c.TxErr != 0x7f || c.RxErr != 0x80 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestStateStrings(t *testing.T) {
	if StateRunning.String() != "running" || BusOff.String() != "bus-off" || LEDRx.String() != "rx" {
		t.Fatalf("unexpected strings")
	}
}
