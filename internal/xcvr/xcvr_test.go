package xcvr

import (
	"errors"
	"testing"
)

type fakeConn struct {
	regs   [4]uint8
	fail   error
	closed bool
	bus    int
	addr   uint8
}

func (f *fakeConn) ReadReg(addr, reg uint8) (uint8, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	return f.regs[reg], nil
}

func (f *fakeConn) WriteReg(addr, reg, v uint8) error {
	if f.fail != nil {
		return f.fail
	}
	f.regs[reg] = v
	if reg == regOutput {
		f.regs[regInput] = v
	}
	return nil
}

func (f *fakeConn) Close() error { f.closed = true; return nil }

func useFake(t *testing.T, f *fakeConn) {
	t.Helper()
	old := openSMBus
	openSMBus = func(bus int, addr uint8) (conn, error) {
		f.bus, f.addr = bus, addr
		return f, nil
	}
	t.Cleanup(func() { openSMBus = old })
}

func TestOpenSpec(t *testing.T) {
	tests := []struct {
		spec    string
		wantNil bool
		wantErr bool
		bus     int
		addr    uint8
	}{
		{spec: "", wantNil: true},
		{spec: "none", wantNil: true},
		{spec: "smbus:1:0x20:3", bus: 1, addr: 0x20},
		{spec: "smbus:0:32:7:low", bus: 0, addr: 0x20},
		{spec: "smbus:1:0x20", wantErr: true},
		{spec: "smbus:x:0x20:1", wantErr: true},
		{spec: "smbus:1:0x80:1", wantErr: true},
		{spec: "smbus:1:0x20:8", wantErr: true},
		{spec: "smbus:1:0x20:1:high", wantErr: true},
		{spec: "gpio:5", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.spec, func(t *testing.T) {
			f := &fakeConn{regs: [4]uint8{regConfig: 0xff}}
			useFake(t, f)
			tr, closeFn, err := Open(tc.spec)
			if closeFn == nil {
				t.Fatalf("nil closer")
			}
			if tc.wantErr {
				if !errors.Is(err, ErrSpec) {
					t.Fatalf("err = %v, want ErrSpec", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if tc.wantNil {
				if tr != nil {
					t.Fatalf("expected no transceiver")
				}
				return
			}
			if f.bus != tc.bus || f.addr != tc.addr {
				t.Fatalf("opened bus %d addr 0x%x", f.bus, f.addr)
			}
			if err := closeFn(); err != nil || !f.closed {
				t.Fatalf("close: %v closed=%v", err, f.closed)
			}
		})
	}
}

func TestExpanderSwitching(t *testing.T) {
	tests := []struct {
		name      string
		activeLow bool
		onLevel   bool
	}{
		{"active high", false, true},
		{"active low", true, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeConn{regs: [4]uint8{regConfig: 0xff, regOutput: 0x81}}
			useFake(t, f)
			e, err := OpenExpander(1, 0x20, 2, tc.activeLow)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if f.regs[regConfig] != 0xfb {
				t.Fatalf("config = 0x%02x, pin 2 not an output", f.regs[regConfig])
			}
			if lvl, _ := e.Level(); lvl == tc.onLevel {
				t.Fatalf("transceiver on after open")
			}
			if err := e.Enable(); err != nil {
				t.Fatalf("enable: %v", err)
			}
			if lvl, _ := e.Level(); lvl != tc.onLevel {
				t.Fatalf("level after enable = %v", lvl)
			}
			if f.regs[regOutput]&0x81 != 0x81 {
				t.Fatalf("other pins disturbed: 0x%02x", f.regs[regOutput])
			}
			if err := e.Disable(); err != nil {
				t.Fatalf("disable: %v", err)
			}
			if lvl, _ := e.Level(); lvl == tc.onLevel {
				t.Fatalf("level after disable = %v", lvl)
			}
		})
	}
}

func TestExpanderErrors(t *testing.T) {
	boom := errors.New("nack")
	f := &fakeConn{regs: [4]uint8{regConfig: 0xff}}
	useFake(t, f)
	e, err := OpenExpander(1, 0x20, 0, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.fail = boom
	if err := e.Enable(); !errors.Is(err, boom) {
		t.Fatalf("enable err = %v", err)
	}

	f2 := &fakeConn{fail: boom}
	useFake(t, f2)
	if _, err := OpenExpander(1, 0x20, 0, false); !errors.Is(err, boom) || !f2.closed {
		t.Fatalf("open err = %v closed=%v", err, f2.closed)
	}
}
