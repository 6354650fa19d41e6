package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/hub"
	"github.com/kstaniek/go-flexcan/internal/metrics"
	"github.com/kstaniek/go-flexcan/internal/transport"
)

// startReader decodes client frames into the transmit queue until the
// connection fails or ctx ends.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, log *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			cl.Close() // wakes the writer
		}()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			n, err := s.codec.DecodeN(conn, decodeBurst, func(fr can.Frame) { s.forward(fr, log) })
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				log.Warn("client_read_error", "error", s.fail(ErrConnRead, err))
				return
			}
			if n == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

// forward hands one client frame to the transmit queue. Queue overflow
// drops the frame; the client is never blocked.
func (s *Server) forward(fr can.Frame, log *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		s.filtered.Add(1)
		log.Debug("client_frame_filtered", "frame", fr.String())
		return
	}
	metrics.IncTCPRx()
	if s.sink == nil {
		return
	}
	err := s.sink.SendFrame(fr)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrTxOverflow):
		s.txOverflow.Add(1)
		log.Debug("tx_overflow_drop", "frame", fr.String())
	default:
		s.txErrors.Add(1)
		log.Error("tx_enqueue_error", "error", s.fail(ErrControllerTx, err), "frame", fr.String())
	}
}
