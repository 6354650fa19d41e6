package flexcan

import (
	"encoding/binary"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
)

// Mailbox is the register image of one message buffer.
type Mailbox struct {
	Ctrl  uint32
	ID    uint32
	Data0 uint32
	Data1 uint32
}

// EncodeMailbox lays out f for transmission with the given mailbox code.
// Standard identifiers are shifted into bits 28..18; extended identifiers
// are stored as-is with IDE and SRR set.
func EncodeMailbox(f can.Frame, code uint32) Mailbox {
	m := Mailbox{Ctrl: reg.MBCode(code) | uint32(f.Len)<<reg.MBLenShift}
	if f.Extended() {
		m.ID = f.CANID & can.CAN_EFF_MASK
		m.Ctrl |= reg.MBIDE | reg.MBSRR
	} else {
		m.ID = (f.CANID & can.CAN_SFF_MASK) << reg.MBStdShift
	}
	if f.RTR() {
		m.Ctrl |= reg.MBRTR
	}
	m.Data0 = binary.BigEndian.Uint32(f.Data[0:4])
	m.Data1 = binary.BigEndian.Uint32(f.Data[4:8])
	return m
}

// DecodeMailbox is the inverse of EncodeMailbox. Lengths above 8 are clamped.
func DecodeMailbox(m Mailbox) can.Frame {
	var f can.Frame
	if m.Ctrl&reg.MBIDE != 0 {
		f.CANID = m.ID&can.CAN_EFF_MASK | can.CAN_EFF_FLAG
	} else {
		f.CANID = (m.ID >> reg.MBStdShift) & can.CAN_SFF_MASK
	}
	if m.Ctrl&reg.MBRTR != 0 {
		f.CANID |= can.CAN_RTR_FLAG
	}
	f.Len = uint8(min((m.Ctrl&reg.MBLenMask)>>reg.MBLenShift, can.MaxDLC))
	binary.BigEndian.PutUint32(f.Data[0:4], m.Data0)
	binary.BigEndian.PutUint32(f.Data[4:8], m.Data1)
	return f
}
