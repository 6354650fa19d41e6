// Package socketcan exports the controller onto a Linux CAN interface
// (typically vcan). Controller frames are written to the interface;
// frames other applications send on it go to the transmit queue.
package socketcan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/hub"
	"github.com/kstaniek/go-flexcan/internal/logging"
	"github.com/kstaniek/go-flexcan/internal/metrics"
	"github.com/kstaniek/go-flexcan/internal/transport"
)

// ErrTimeout is returned by ReadFrame when no frame arrived in time.
var ErrTimeout = errors.New("socketcan: read timeout")

// Dev is a CAN interface endpoint. *Device implements it; tests use fakes.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

const (
	backoffMin = 20 * time.Millisecond
	backoffMax = 500 * time.Millisecond
)

var sleepFn = time.Sleep

// Bridge couples a Dev to the hub and the transmit queue.
type Bridge struct {
	dev    Dev
	hub    *hub.Hub
	sink   transport.FrameSink
	client *hub.Client
	log    *slog.Logger
}

// NewBridge subscribes to h with a buffer of buf frames.
func NewBridge(dev Dev, h *hub.Hub, sink transport.FrameSink, buf int, l *slog.Logger) *Bridge {
	if l == nil {
		l = logging.L()
	}
	return &Bridge{dev: dev, hub: h, sink: sink, client: hub.NewClient(buf), log: l}
}

// Run moves frames both ways until ctx ends, then closes the device.
func (b *Bridge) Run(ctx context.Context) error {
	b.hub.Add(b.client)
	defer b.hub.Remove(b.client)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); b.export(ctx) }()
	go func() { defer wg.Done(); b.importLoop(ctx) }()
	<-ctx.Done()
	b.client.Close()
	wg.Wait()
	err := b.dev.Close()
	b.log.Info("socketcan_bridge_stopped")
	return err
}

// export writes controller frames to the interface. Error frames stay on
// the gateway side.
func (b *Bridge) export(ctx context.Context) {
	for {
		select {
		case fr := <-b.client.Out:
			if fr.IsError() {
				continue
			}
			if err := b.dev.WriteFrame(fr); err != nil {
				metrics.IncError(metrics.ErrSocketCANWrite)
				b.log.Debug("socketcan_write_error", "error", err, "frame", fr.String())
				continue
			}
			metrics.IncSocketCANTx()
		case <-b.client.Closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// importLoop queues frames read from the interface for transmission.
func (b *Bridge) importLoop(ctx context.Context) {
	backoff := backoffMin
	for ctx.Err() == nil {
		var fr can.Frame
		if err := b.dev.ReadFrame(&fr); err != nil {
			if errors.Is(err, ErrTimeout) || ctx.Err() != nil {
				continue
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			b.log.Warn("socketcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = backoffMin
		metrics.IncSocketCANRx()
		if fr.Validate() != nil {
			metrics.IncMalformed()
			continue
		}
		if err := b.sink.SendFrame(fr); err != nil {
			if errors.Is(err, transport.ErrTxOverflow) {
				metrics.IncError(metrics.ErrSocketCANOver)
			}
			b.log.Debug("socketcan_enqueue_error", "error", err, "frame", fr.String())
		}
	}
}
