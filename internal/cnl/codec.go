// Package cnl speaks the cannelloni TCP protocol: a fixed hello followed
// by a stream of frames, each a big-endian CAN id word, a length byte and
// the payload. Error frames travel with CAN_ERR_FLAG in the id.
package cnl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/metrics"
)

const (
	headerLen = 4 + 1
	maxFrame  = headerLen + can.MaxDLC
	// fdFlag marks a CAN-FD frame in the length byte.
	fdFlag = 0x80
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

var (
	// ErrInvalidLength: a classic frame longer than 8 bytes.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame: the stream ended inside a frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	// ErrFDFrame: CAN-FD frames are not carried by a classic controller.
	ErrFDFrame = errors.New("cannelloni: CAN-FD frame")
)

func appendFrame(dst []byte, f can.Frame) []byte {
	ln := min(int(f.Len), can.MaxDLC)
	dst = binary.BigEndian.AppendUint32(dst, f.CANID)
	dst = append(dst, byte(ln))
	return append(dst, f.Data[:ln]...)
}

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	buf := make([]byte, 0, len(frames)*maxFrame)
	for _, f := range frames {
		buf = appendFrame(buf, f)
	}
	return buf
}

// EncodeTo writes frames to w in a single Write and returns bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	var scratch [16 * maxFrame]byte
	buf := scratch[:0]
	if len(frames) > 16 {
		buf = make([]byte, 0, len(frames)*maxFrame)
	}
	for _, f := range frames {
		buf = appendFrame(buf, f)
	}
	n, err := w.Write(buf)
	if err != nil {
		return n, fmt.Errorf("cannelloni encode: %w", err)
	}
	return n, nil
}

// Decode reads exactly one frame from r. At a clean frame boundary with no
// more data it returns io.EOF.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode header: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(hdr[:4])
	lb := hdr[4]
	if lb&fdFlag != 0 {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (len byte 0x%02X)", ErrFDFrame, lb)
	}
	ln := int(lb)
	if ln > can.MaxDLC {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until an error (if
// max<=0), invoking onFrame for each. It returns the number decoded and
// the terminal error, which is io.EOF at a clean end of stream.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
