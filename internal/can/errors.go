package can

// Error frame classes, OR'ed into CANID together with CAN_ERR_FLAG
// (same values as <linux/can/error.h>).
const (
	ErrTxTimeout  = 0x00000001
	ErrLostArb    = 0x00000002
	ErrCrtl       = 0x00000004
	ErrProt       = 0x00000008
	ErrTrx        = 0x00000010
	ErrAck        = 0x00000020
	ErrBusOff     = 0x00000040
	ErrBusError   = 0x00000080
	ErrRestarted  = 0x00000100
	ErrFrameLen   = 8
	ErrClassMask  = 0x1FFFFFFF
	ErrCrtlByte   = 1
	ErrProtByte   = 2
	ErrProtLocPos = 3
)

// Controller problems, data[1].
const (
	ErrCrtlUnspec     = 0x00
	ErrCrtlRxOverflow = 0x01
	ErrCrtlTxOverflow = 0x02
	ErrCrtlRxWarning  = 0x04
	ErrCrtlTxWarning  = 0x08
	ErrCrtlRxPassive  = 0x10
	ErrCrtlTxPassive  = 0x20
	ErrCrtlActive     = 0x40
)

// Protocol violation types, data[2].
const (
	ErrProtUnspec   = 0x00
	ErrProtBit      = 0x01
	ErrProtForm     = 0x02
	ErrProtStuff    = 0x04
	ErrProtBit0     = 0x08
	ErrProtBit1     = 0x10
	ErrProtOverload = 0x20
	ErrProtActive   = 0x40
	ErrProtTx       = 0x80
)

// Protocol violation locations, data[3].
const (
	ErrProtLocUnspec = 0x00
	ErrProtLocCRCSeq = 0x08
	ErrProtLocAck    = 0x19
)

// NewErrorFrame returns an empty error frame ready for class bits and sub-codes.
func NewErrorFrame() Frame {
	return Frame{CANID: CAN_ERR_FLAG, Len: ErrFrameLen}
}

// ErrorClass returns the class bits of an error frame, or 0 for other frames.
func (f Frame) ErrorClass() uint32 {
	if !f.IsError() {
		return 0
	}
	return f.CANID & ErrClassMask
}
