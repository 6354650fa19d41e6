//go:build linux

package socketcan

import (
	"errors"
	"testing"

	"github.com/kstaniek/go-flexcan/internal/can"
)

func TestPackUnpack(t *testing.T) {
	in := can.Frame{CANID: 0x12345678 | can.CAN_EFF_FLAG, Len: 3, Data: [8]byte{1, 2, 3}}
	var buf [16]byte
	pack(buf[:], in)
	if buf[0] != 0x78 || buf[3] != 0x92 || buf[4] != 3 || buf[8] != 1 {
		t.Fatalf("layout % X", buf)
	}
	var out can.Frame
	out.Data[7] = 0xff
	if err := unpack(buf[:], &out); err != nil || out != in {
		t.Fatalf("unpack = %s, %v", out, err)
	}
	buf[4] = 9
	if err := unpack(buf[:], &out); !errors.Is(err, can.ErrInvalidLen) {
		t.Fatalf("dlc 9: %v", err)
	}
}
