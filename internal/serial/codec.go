// Package serial carries the register bridge protocol: a debug probe on a
// UART that performs 32-bit register accesses on the controller on behalf
// of the host and reports its interrupt line.
package serial

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-flexcan/internal/metrics"
)

// Op codes. Replies carry the request op with bit 7 set.
const (
	OpRead   uint8 = 0x01
	OpWrite  uint8 = 0x02
	OpIRQAck uint8 = 0x10
	OpReply  uint8 = 0x80
	OpIRQ    uint8 = 0x40 // unsolicited: the line fired, Val = event count
)

const (
	pre0 = 0x2D
	pre1 = 0xD4
)

// Packet is one bridge message. Short packets (read requests, irq acks)
// carry no Val on the wire.
type Packet struct {
	Op  uint8
	Seq uint8
	Off uint16
	Val uint32
}

func (p Packet) short() bool { return p.Op == OpRead || p.Op == OpIRQAck }

func (p Packet) String() string {
	return fmt.Sprintf("op=0x%02X seq=%d off=0x%03X val=0x%08X", p.Op, p.Seq, p.Off, p.Val)
}

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	// b.Cap counts the consumed prefix; cap(data) does not.
	if len(data)*4 < b.Cap() {
		clone := make([]byte, len(data))
		copy(clone, data)
		*b = *bytes.NewBuffer(clone)
		return true
	}
	return false
}

// envelope wraps a body as [0x2D, 0xD4, len+1, body..., checksum] with
// checksum = (len+1) + 0x2D + sum(body) (mod 256).
func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0] = pre0
	out[1] = pre1
	out[2] = byte(n + 1)
	sum := out[2] + pre0
	for i, b := range body {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

func (Codec) Encode(p Packet) []byte {
	var body [8]byte
	body[0] = p.Op
	body[1] = p.Seq
	binary.BigEndian.PutUint16(body[2:4], p.Off)
	if p.short() {
		return envelope(body[:4])
	}
	binary.BigEndian.PutUint32(body[4:8], p.Val)
	return envelope(body[:])
}

// DecodeStream consumes complete packets from in and emits them via out.
// Partial packets stay buffered; garbage, bad lengths and checksum
// mismatches are skipped a byte at a time until the stream resyncs.
//
// Example (write reply, MCR = 0x5980000F):
// 2D D4        preamble
// 09           len = body(8) + checksum(1)
// 82 07 00 00  op, seq, offset
// 59 80 00 0F  value
// A7           checksum
func (Codec) DecodeStream(in *bytes.Buffer, out func(Packet)) error {
	const (
		shortLn = 4 + 1
		longLn  = 8 + 1
	)
	header := []byte{pre0, pre1}

	for {
		data := in.Bytes()
		_ = CompactBuffer(in)
		if len(data) < 3 {
			return nil
		}

		i := bytes.Index(data, header)
		if i < 0 {
			// keep the last byte: it may be the first half of a preamble
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		ln := int(data[2])
		if ln != shortLn && ln != longLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return nil
		}

		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		p := Packet{Op: data[3], Seq: data[4], Off: binary.BigEndian.Uint16(data[5:7])}
		if p.short() != (ln == shortLn) {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		if ln == longLn {
			p.Val = binary.BigEndian.Uint32(data[7:11])
		}
		out(p)
		in.Next(req)
	}
}
