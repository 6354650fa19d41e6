// Package reg is the FlexCAN register map: word offsets into the
// register window and the bit fields the controller core touches.
package reg

// Register offsets.
const (
	MCR      uint32 = 0x00
	CTRL     uint32 = 0x04
	TIMER    uint32 = 0x08
	RXGMASK  uint32 = 0x10
	RX14MASK uint32 = 0x14
	RX15MASK uint32 = 0x18
	ECR      uint32 = 0x1c
	ESR      uint32 = 0x20
	IMASK2   uint32 = 0x24
	IMASK1   uint32 = 0x28
	IFLAG2   uint32 = 0x2c
	IFLAG1   uint32 = 0x30
	CRL2     uint32 = 0x34
	ESR2     uint32 = 0x38
	CRCR     uint32 = 0x44
	RXFGMASK uint32 = 0x48
	RXFIR    uint32 = 0x4c

	MBBase   uint32 = 0x80
	MBStride uint32 = 0x10
	MBCount         = 64

	// WindowSize covers the register block and all message buffers.
	WindowSize = MBBase + MBStride*MBCount
)

// Message buffer word offsets.
const (
	MBCtrl  uint32 = 0x0
	MBID    uint32 = 0x4
	MBData0 uint32 = 0x8
	MBData1 uint32 = 0xc
)

// MB returns the offset of word w of message buffer n.
func MB(n int, w uint32) uint32 { return MBBase + uint32(n)*MBStride + w }

// MCR bits.
const (
	MCRMDIS    uint32 = 1 << 31
	MCRFRZ     uint32 = 1 << 30
	MCRFEN     uint32 = 1 << 29
	MCRHALT    uint32 = 1 << 28
	MCRNOTRDY  uint32 = 1 << 27
	MCRWAKMSK  uint32 = 1 << 26
	MCRSOFTRST uint32 = 1 << 25
	MCRFRZACK  uint32 = 1 << 24
	MCRSUPV    uint32 = 1 << 23
	MCRSLFWAK  uint32 = 1 << 22
	MCRWRNEN   uint32 = 1 << 21
	MCRLPMACK  uint32 = 1 << 20
	MCRWAKSRC  uint32 = 1 << 19
	MCRDOZE    uint32 = 1 << 18
	MCRSRXDIS  uint32 = 1 << 17
	MCRBCC     uint32 = 1 << 16
	MCRLPRIOEN uint32 = 1 << 13
	MCRAEN     uint32 = 1 << 12
	MCRIDAMC   uint32 = 2 << 8
	MCRMAXMB   uint32 = 0x1f
)

// MCRMaxMB encodes the last message buffer index.
func MCRMaxMB(x uint32) uint32 { return x & MCRMAXMB }

// CTRL bits and fields.
const (
	CTRLBOFFMSK uint32 = 1 << 15
	CTRLERRMSK  uint32 = 1 << 14
	CTRLCLKSRC  uint32 = 1 << 13
	CTRLLPB     uint32 = 1 << 12
	CTRLTWRNMSK uint32 = 1 << 11
	CTRLRWRNMSK uint32 = 1 << 10
	CTRLSMP     uint32 = 1 << 7
	CTRLBOFFREC uint32 = 1 << 6
	CTRLTSYN    uint32 = 1 << 5
	CTRLLBUF    uint32 = 1 << 4
	CTRLLOM     uint32 = 1 << 3

	CTRLErrState = CTRLTWRNMSK | CTRLRWRNMSK | CTRLBOFFMSK
	CTRLErrAll   = CTRLERRMSK | CTRLErrState

	// CTRLTimingMask selects every bit-timing field.
	CTRLTimingMask uint32 = 0xff<<24 | 0x3<<22 | 0x7<<19 | 0x7<<16 | 0x7
)

func CTRLPresDiv(x uint32) uint32 { return (x & 0xff) << 24 }
func CTRLRJW(x uint32) uint32     { return (x & 0x3) << 22 }
func CTRLPSeg1(x uint32) uint32   { return (x & 0x7) << 19 }
func CTRLPSeg2(x uint32) uint32   { return (x & 0x7) << 16 }
func CTRLPropSeg(x uint32) uint32 { return x & 0x7 }

// ESR bits.
const (
	ESRTWRNINT uint32 = 1 << 17
	ESRRWRNINT uint32 = 1 << 16
	ESRBIT1ERR uint32 = 1 << 15
	ESRBIT0ERR uint32 = 1 << 14
	ESRACKERR  uint32 = 1 << 13
	ESRCRCERR  uint32 = 1 << 12
	ESRFRMERR  uint32 = 1 << 11
	ESRSTFERR  uint32 = 1 << 10
	ESRTXWRN   uint32 = 1 << 9
	ESRRXWRN   uint32 = 1 << 8
	ESRIDLE    uint32 = 1 << 7
	ESRTXRX    uint32 = 1 << 6
	ESRBOFFINT uint32 = 1 << 2
	ESRERRINT  uint32 = 1 << 1
	ESRWAKINT  uint32 = 1 << 0

	ESRFltConfShift        = 4
	ESRFltConfMask  uint32 = 0x3 << ESRFltConfShift

	ESRErrBus   = ESRBIT1ERR | ESRBIT0ERR | ESRACKERR | ESRCRCERR | ESRFRMERR | ESRSTFERR
	ESRErrState = ESRTWRNINT | ESRRWRNINT | ESRBOFFINT
	ESRErrAll   = ESRErrBus | ESRErrState
	ESRAllInt   = ESRTWRNINT | ESRRWRNINT | ESRBOFFINT | ESRERRINT | ESRWAKINT
)

// Fault confinement encodings of ESR[5:4].
const (
	FltConfActive  uint32 = 0
	FltConfPassive uint32 = 1
)

// ECR fields.
const (
	ECRTxShift = 0
	ECRRxShift = 8
)

// Mailbox assignment and IFLAG1/IMASK1 bits.
const (
	RxFifoMBs  = 8 // MB0..MB7 back the rx FIFO
	ReservedMB = 8
	TxMB       = 13
	LastMB     = TxMB

	IFLAGRxOverflow  uint32 = 1 << 7
	IFLAGRxWarn      uint32 = 1 << 6
	IFLAGRxAvailable uint32 = 1 << 5
	IFLAGTx          uint32 = 1 << TxMB
	IFLAGDefault            = IFLAGRxOverflow | IFLAGRxAvailable | IFLAGTx
)

// IFLAGBuf is the flag bit of message buffer n (n < 32).
func IFLAGBuf(n int) uint32 { return 1 << uint(n) }

// Mailbox control word fields.
const (
	MBCodeShift        = 24
	MBCodeMask  uint32 = 0xf << MBCodeShift
	MBSRR       uint32 = 1 << 22
	MBIDE       uint32 = 1 << 21
	MBRTR       uint32 = 1 << 20
	MBLenShift         = 16
	MBLenMask   uint32 = 0xf << MBLenShift

	MBCodeRxInactive uint32 = 0x0
	MBCodeRxEmpty    uint32 = 0x4
	MBCodeTxInactive uint32 = 0x8
	MBCodeTxData     uint32 = 0xc

	// Standard identifiers live in bits 28..18 of the id word.
	MBStdShift = 18
)

// MBCode encodes a mailbox code into the control word.
func MBCode(x uint32) uint32 { return (x & 0xf) << MBCodeShift }
