package metrics

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-flexcan/internal/flexcan"
	"github.com/kstaniek/go-flexcan/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the gateway. Controller counters live in
// flexcan.Stats and are exported per device by RegisterDevice.
var (
	ControllerRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flexcan_delivered_frames_total",
		Help: "Frames delivered by the controller core to the hub (data and error frames).",
	})
	ControllerErrorFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flexcan_delivered_error_frames_total",
		Help: "Error frames delivered by the controller core.",
	})
	ControllerTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flexcan_submitted_frames_total",
		Help: "Frames accepted by the transmit mailbox.",
	})
	TxBusyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flexcan_tx_busy_retries_total",
		Help: "Submit attempts that found the transmit mailbox busy and waited.",
	})
	LinkUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flexcan_link_up",
		Help: "1 while the controller is on the bus, 0 after bus-off or close.",
	})
	BridgeRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_requests_total",
		Help: "Register requests sent over the serial bridge.",
	})
	BridgeIRQEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_irq_events_total",
		Help: "Interrupt events reported by the serial bridge.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Frames read from the exported SocketCAN interface.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Frames written to the exported SocketCAN interface.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Rejected malformed input (bridge packets with bad length or checksum, bad TCP frames).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrTxOverflow     = "tx_queue_overflow"
	ErrControllerTx   = "controller_tx"
	ErrControllerDown = "controller_down"
	ErrBridgeIO       = "bridge_io"
	ErrBridgeTimeout  = "bridge_timeout"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrLifecycle      = "controller_lifecycle"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// RegisterDevice exports the cumulative controller counters of one device
// as counter funcs labelled with the device name. Registering the same
// device twice is not an error.
func RegisterDevice(name string, stats func() flexcan.Stats) error {
	fields := []struct {
		name, help string
		get        func(flexcan.Stats) uint64
	}{
		{"rx_packets", "Frames delivered to the consumer.", func(s flexcan.Stats) uint64 { return s.RxPackets }},
		{"rx_bytes", "Payload bytes delivered to the consumer.", func(s flexcan.Stats) uint64 { return s.RxBytes }},
		{"rx_dropped", "Received frames dropped (queue full or allocation failure).", func(s flexcan.Stats) uint64 { return s.RxDropped }},
		{"rx_errors", "Receive-side errors.", func(s flexcan.Stats) uint64 { return s.RxErrors }},
		{"rx_over_errors", "Receive FIFO overflows.", func(s flexcan.Stats) uint64 { return s.RxOverErrors }},
		{"tx_packets", "Frames transmitted.", func(s flexcan.Stats) uint64 { return s.TxPackets }},
		{"tx_bytes", "Payload bytes transmitted.", func(s flexcan.Stats) uint64 { return s.TxBytes }},
		{"tx_errors", "Transmit-side errors.", func(s flexcan.Stats) uint64 { return s.TxErrors }},
		{"tx_dropped", "Invalid frames dropped at submit.", func(s flexcan.Stats) uint64 { return s.TxDropped }},
		{"bus_error", "Bus errors reported.", func(s flexcan.Stats) uint64 { return s.BusError }},
		{"error_warning", "Entries into error-warning.", func(s flexcan.Stats) uint64 { return s.ErrorWarning }},
		{"error_passive", "Entries into error-passive.", func(s flexcan.Stats) uint64 { return s.ErrorPassive }},
		{"bus_off", "Entries into bus-off.", func(s flexcan.Stats) uint64 { return s.BusOff }},
		{"restarts", "Controller restarts after bus-off.", func(s flexcan.Stats) uint64 { return s.Restarts }},
		{"inconsistencies", "Impossible state transitions reported by the hardware.", func(s flexcan.Stats) uint64 { return s.Inconsistencies }},
	}
	for _, f := range fields {
		get := f.get
		c := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "flexcan",
			Subsystem:   "device",
			Name:        f.name + "_total",
			Help:        f.help,
			ConstLabels: prometheus.Labels{"device": name},
		}, func() float64 { return float64(get(stats())) })
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCtrlRx      uint64
	localCtrlErr     uint64
	localCtrlTx      uint64
	localBusy        uint64
	localLinkUp      uint64
	localBridgeReq   uint64
	localBridgeIRQ   uint64
	localSocketCANTx uint64
	localSocketCANRx uint64
	localTCPRx       uint64
	localTCPTx       uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubReject   uint64
	localErrors      uint64
	localHubClients  uint64
	localFanout      uint64
	localMalformed   uint64
	localQDMax       uint64
	localQDAvg       uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	ControllerRx    uint64
	ControllerErrRx uint64
	ControllerTx    uint64
	BusyRetries     uint64
	LinkUp          bool
	BridgeRequests  uint64
	BridgeIRQs      uint64
	SocketCANRx     uint64
	SocketCANTx     uint64
	TCPRx           uint64
	TCPTx           uint64
	HubDrops        uint64
	HubKicks        uint64
	HubRejects      uint64
	Errors          uint64 // sum across error labels
	HubClients      uint64
	Fanout          uint64
	Malformed       uint64
	QueueDepthMax   uint64
	QueueDepthAvg   uint64
}

func Snap() Snapshot {
	return Snapshot{
		ControllerRx:    atomic.LoadUint64(&localCtrlRx),
		ControllerErrRx: atomic.LoadUint64(&localCtrlErr),
		ControllerTx:    atomic.LoadUint64(&localCtrlTx),
		BusyRetries:     atomic.LoadUint64(&localBusy),
		LinkUp:          atomic.LoadUint64(&localLinkUp) == 1,
		BridgeRequests:  atomic.LoadUint64(&localBridgeReq),
		BridgeIRQs:      atomic.LoadUint64(&localBridgeIRQ),
		SocketCANRx:     atomic.LoadUint64(&localSocketCANRx),
		SocketCANTx:     atomic.LoadUint64(&localSocketCANTx),
		TCPRx:           atomic.LoadUint64(&localTCPRx),
		TCPTx:           atomic.LoadUint64(&localTCPTx),
		HubDrops:        atomic.LoadUint64(&localHubDrop),
		HubKicks:        atomic.LoadUint64(&localHubKick),
		HubRejects:      atomic.LoadUint64(&localHubReject),
		Errors:          atomic.LoadUint64(&localErrors),
		HubClients:      atomic.LoadUint64(&localHubClients),
		Fanout:          atomic.LoadUint64(&localFanout),
		Malformed:       atomic.LoadUint64(&localMalformed),
		QueueDepthMax:   atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:   atomic.LoadUint64(&localQDAvg),
	}
}

// IncControllerRx counts a frame delivered by the core.
func IncControllerRx(errFrame bool) {
	ControllerRxFrames.Inc()
	atomic.AddUint64(&localCtrlRx, 1)
	if errFrame {
		ControllerErrorFrames.Inc()
		atomic.AddUint64(&localCtrlErr, 1)
	}
}

func IncControllerTx() {
	ControllerTxFrames.Inc()
	atomic.AddUint64(&localCtrlTx, 1)
}

func IncBusyRetry() {
	TxBusyRetries.Inc()
	atomic.AddUint64(&localBusy, 1)
}

func SetLinkUp(up bool) {
	var v uint64
	if up {
		v = 1
	}
	LinkUp.Set(float64(v))
	atomic.StoreUint64(&localLinkUp, v)
}

func IncBridgeRequest() {
	BridgeRequests.Inc()
	atomic.AddUint64(&localBridgeReq, 1)
}

func IncBridgeIRQ() {
	BridgeIRQEvents.Inc()
	atomic.AddUint64(&localBridgeIRQ, 1)
}

// IncSocketCANRx increments SocketCAN receive counters.
func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	atomic.AddUint64(&localSocketCANRx, 1)
}

// IncSocketCANTx increments SocketCAN transmit counters.
func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	atomic.AddUint64(&localSocketCANTx, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrTxOverflow, ErrControllerTx, ErrControllerDown, ErrLifecycle,
		ErrBridgeIO, ErrBridgeTimeout,
		ErrSocketCANWrite, ErrSocketCANRead, ErrSocketCANOver,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not wired yet: report ready so the probe doesn't flap
		return true
	}
	return fn()
}
