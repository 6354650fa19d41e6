package can

import (
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDLC is the largest classic CAN payload.
const MaxDLC = 8

var (
	ErrInvalidID  = errors.New("can: invalid identifier")
	ErrInvalidLen = errors.New("can: invalid data length")
)

// Frame is a classic CAN frame as seen by the controller core and the gateway.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8); only the first Len bytes are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxDLC]byte
}

// NewFrame builds a data frame. Identifiers above 0x7FF are sent extended.
func NewFrame(id uint32, data []byte) (Frame, error) {
	var f Frame
	if id > CAN_SFF_MASK {
		f.CANID = (id & CAN_EFF_MASK) | CAN_EFF_FLAG
		if id > CAN_EFF_MASK {
			return f, fmt.Errorf("%w: 0x%X", ErrInvalidID, id)
		}
	} else {
		f.CANID = id
	}
	if len(data) > MaxDLC {
		return f, fmt.Errorf("%w: %d", ErrInvalidLen, len(data))
	}
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f, nil
}

// ID returns the bare identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }
func (f Frame) RTR() bool      { return f.CANID&CAN_RTR_FLAG != 0 }
func (f Frame) IsError() bool  { return f.CANID&CAN_ERR_FLAG != 0 }

// Payload returns the valid payload bytes.
func (f *Frame) Payload() []byte {
	n := f.Len
	if n > MaxDLC {
		n = MaxDLC
	}
	return f.Data[:n]
}

// Validate reports whether the frame can be put on the wire.
// Error frames are synthesized locally and never transmitted.
func (f Frame) Validate() error {
	if f.Len > MaxDLC {
		return fmt.Errorf("%w: %d", ErrInvalidLen, f.Len)
	}
	if f.IsError() {
		return fmt.Errorf("%w: error frame 0x%X", ErrInvalidID, f.CANID)
	}
	if !f.Extended() && f.CANID&^uint32(CAN_RTR_FLAG) > CAN_SFF_MASK {
		return fmt.Errorf("%w: 0x%X", ErrInvalidID, f.CANID)
	}
	return nil
}

func (f Frame) String() string {
	if f.Extended() {
		return fmt.Sprintf("%08X#% X", f.ID(), f.Data[:min(int(f.Len), MaxDLC)])
	}
	return fmt.Sprintf("%03X#% X", f.ID(), f.Data[:min(int(f.Len), MaxDLC)])
}
