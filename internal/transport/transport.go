// Package transport moves frames between gateway sources and the
// controller: the stream codec contract of client links and the transmit
// queue in front of the single mailbox.
package transport

import (
	"io"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/cnl"
)

// MultiFrameDecoder drains up to max frames from a stream per call.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
}

// FrameBatchEncoder writes a batch of frames in one go.
type FrameBatchEncoder interface {
	Encode([]can.Frame) []byte
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// StreamCodec is what a client link speaks in both directions.
type StreamCodec interface {
	MultiFrameDecoder
	FrameBatchEncoder
}

// FrameSink accepts frames for transmission without blocking.
type FrameSink interface {
	SendFrame(can.Frame) error
}

var (
	_ StreamCodec = (*cnl.Codec)(nil)
	_ FrameSink   = (*AsyncTx)(nil)
)
