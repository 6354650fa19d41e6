package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/flexcan"
	"github.com/kstaniek/go-flexcan/internal/metrics"
)

// ErrTxOverflow: the transmit queue is full; the frame was not queued.
var ErrTxOverflow = errors.New("transport: tx queue overflow")

// Submitter is the transmit side of a controller.
type Submitter interface {
	Submit(can.Frame) error
	TxReady() <-chan struct{}
}

var _ Submitter = (*flexcan.Device)(nil)

// MailboxSend returns a SendFunc that waits out a busy mailbox: on
// flexcan.ErrBusy it blocks until the controller reports completion, ctx
// ends or maxWait passes, then retries. Other errors are returned as is.
func MailboxSend(s Submitter, maxWait time.Duration) SendFunc {
	return func(ctx context.Context, fr can.Frame) error {
		var deadline <-chan time.Time
		for {
			err := s.Submit(fr)
			if !errors.Is(err, flexcan.ErrBusy) {
				return err
			}
			metrics.IncBusyRetry()
			if deadline == nil {
				t := time.NewTimer(maxWait)
				defer t.Stop()
				deadline = t.C
			}
			select {
			case <-s.TxReady():
			case <-ctx.Done():
				return ctx.Err()
			case <-deadline:
				return err
			}
		}
	}
}

// NewControllerTx is the gateway's transmit queue: frames from all sources
// go through one worker into the controller's mailbox.
func NewControllerTx(ctx context.Context, s Submitter, buf int, maxWait time.Duration, l *slog.Logger) *AsyncTx {
	return NewAsyncTx(ctx, buf, MailboxSend(s, maxWait), Hooks{
		OnError: func(fr can.Frame, err error) {
			if errors.Is(err, flexcan.ErrNotRunning) {
				metrics.IncError(metrics.ErrControllerDown)
				l.Debug("tx_controller_down", "frame", fr.String())
				return
			}
			metrics.IncError(metrics.ErrControllerTx)
			l.Warn("tx_submit_error", "frame", fr.String(), "error", err)
		},
		OnAfter: metrics.IncControllerTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTxOverflow)
			return ErrTxOverflow
		},
	})
}
