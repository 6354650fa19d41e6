package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-flexcan/internal/flexcan"
	"github.com/kstaniek/go-flexcan/internal/metrics"
)

// controllerView is what the periodic log reads from the controller.
type controllerView interface {
	Stats() flexcan.Stats
	State() flexcan.ControllerState
	BusState() flexcan.BusErrorState
}

// runMetricsLogger logs a counter snapshot every interval until ctx ends.
func runMetricsLogger(ctx context.Context, interval time.Duration, dev controllerView, l *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			logSnapshot(l, dev)
		case <-ctx.Done():
			return nil
		}
	}
}

func logSnapshot(l *slog.Logger, dev controllerView) {
	snap := metrics.Snap()
	st := dev.Stats()
	l.Info("metrics_snapshot",
		"state", dev.State().String(),
		"bus_state", dev.BusState().String(),
		"rx_packets", st.RxPackets,
		"rx_dropped", st.RxDropped,
		"tx_packets", st.TxPackets,
		"tx_dropped", st.TxDropped,
		"bus_off", st.BusOff,
		"restarts", st.Restarts,
		"tcp_rx", snap.TCPRx,
		"tcp_tx", snap.TCPTx,
		"socketcan_rx", snap.SocketCANRx,
		"socketcan_tx", snap.SocketCANTx,
		"hub_clients", snap.HubClients,
		"hub_drops", snap.HubDrops,
		"errors", snap.Errors,
	)
}
