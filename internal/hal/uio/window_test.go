package uio

import (
	"errors"
	"testing"
)

type fakeWords struct {
	regs map[int64]uint32
	fail error
}

func (f *fakeWords) Load32(off int64) (uint32, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	return f.regs[off], nil
}

func (f *fakeWords) Store32(off int64, v uint32) error {
	if f.fail != nil {
		return f.fail
	}
	f.regs[off] = v
	return nil
}

func (f *fakeWords) Len() int { return 0x1000 }

func TestWindowReadWrite(t *testing.T) {
	m := &fakeWords{regs: map[int64]uint32{}}
	w := NewWindow(m, false)
	w.WriteReg(0x04, 0x11223344)
	if got := w.ReadReg(0x04); got != 0x11223344 {
		t.Fatalf("read back 0x%08x", got)
	}
	if w.Size() != 0x1000 || w.Err() != nil {
		t.Fatalf("size=%d err=%v", w.Size(), w.Err())
	}
}

func TestWindowByteSwap(t *testing.T) {
	m := &fakeWords{regs: map[int64]uint32{}}
	w := NewWindow(m, true)
	w.WriteReg(0x00, 0x11223344)
	if m.regs[0] != 0x44332211 {
		t.Fatalf("stored 0x%08x", m.regs[0])
	}
	if got := w.ReadReg(0x00); got != 0x11223344 {
		t.Fatalf("read 0x%08x", got)
	}
}

func TestWindowKeepsFirstError(t *testing.T) {
	first := errors.New("bus fault")
	m := &fakeWords{regs: map[int64]uint32{}, fail: first}
	w := NewWindow(m, false)
	if v := w.ReadReg(0x20); v != 0 {
		t.Fatalf("failed read returned 0x%x", v)
	}
	m.fail = errors.New("later")
	w.WriteReg(0x20, 1)
	if !errors.Is(w.Err(), first) {
		t.Fatalf("err = %v", w.Err())
	}
}

func TestNeedsSwap(t *testing.T) {
	tests := []struct {
		endian  string
		hostBig bool
		want    bool
	}{
		{"", false, false},
		{"little", false, false},
		{"big", false, true},
		{"BE", false, true},
		{"le", true, true},
		{"big", true, false},
	}
	for _, tc := range tests {
		got, err := needsSwap(tc.endian, tc.hostBig)
		if err != nil || got != tc.want {
			t.Fatalf("needsSwap(%q, %v) = %v, %v", tc.endian, tc.hostBig, got, err)
		}
	}
	var ee *EndianError
	if _, err := needsSwap("middle", false); !errors.As(err, &ee) {
		t.Fatalf("expected EndianError, got %v", err)
	}
}
