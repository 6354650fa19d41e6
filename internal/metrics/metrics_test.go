package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kstaniek/go-flexcan/internal/flexcan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterDeviceExportsStats(t *testing.T) {
	st := flexcan.Stats{RxPackets: 7, BusOff: 2, TxDropped: 1}
	if err := RegisterDevice("can-test", func() flexcan.Stats { return st }); err != nil {
		t.Fatalf("register: %v", err)
	}
	// A second registration (reopen) must not fail.
	if err := RegisterDevice("can-test", func() flexcan.Stats { return st }); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	st.RxPackets = 9
	expected := `
# HELP flexcan_device_rx_packets_total Frames delivered to the consumer.
# TYPE flexcan_device_rx_packets_total counter
flexcan_device_rx_packets_total{device="can-test"} 9
# HELP flexcan_device_bus_off_total Entries into bus-off.
# TYPE flexcan_device_bus_off_total counter
flexcan_device_bus_off_total{device="can-test"} 2
`
	if err := testutil.GatherAndCompare(prometheus.DefaultGatherer, strings.NewReader(expected),
		"flexcan_device_rx_packets_total", "flexcan_device_bus_off_total"); err != nil {
		t.Fatal(err)
	}
}

func TestLocalMirror(t *testing.T) {
	before := Snap()
	IncControllerRx(false)
	IncControllerRx(true)
	IncBusyRetry()
	IncError(ErrTxOverflow)
	SetLinkUp(true)
	after := Snap()
	if after.ControllerRx-before.ControllerRx != 2 || after.ControllerErrRx-before.ControllerErrRx != 1 {
		t.Fatalf("rx mirror: before=%+v after=%+v", before, after)
	}
	if after.BusyRetries-before.BusyRetries != 1 || after.Errors-before.Errors != 1 {
		t.Fatalf("busy/errors mirror: before=%+v after=%+v", before, after)
	}
	if !after.LinkUp || testutil.ToFloat64(LinkUp) != 1 {
		t.Fatalf("link gauge not set")
	}
	SetLinkUp(false)
	if Snap().LinkUp {
		t.Fatalf("link still up")
	}
}

func TestReadyHandler(t *testing.T) {
	t.Cleanup(func() { SetReadinessFunc(nil) })
	if !IsReady() {
		t.Fatalf("unset readiness should report ready")
	}
	SetReadinessFunc(func() bool { return false })
	if IsReady() {
		t.Fatalf("readiness func ignored")
	}
	srv := StartHTTP("127.0.0.1:0")
	defer srv.Close()
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
