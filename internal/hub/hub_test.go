package hub

import (
	"context"
	"testing"
	"time"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/flexcan"
	"github.com/kstaniek/go-flexcan/internal/hal/sim"
	"github.com/kstaniek/go-flexcan/internal/logging"
	"github.com/kstaniek/go-flexcan/internal/metrics"
)

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	// Never read cl.Out: a stalled client.
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(can.Frame{CANID: 0x123 | can.CAN_EFF_FLAG})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1)
	fast := NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	before := metrics.Snap().HubDrops
	for i := 0; i < 10; i++ {
		h.Broadcast(can.Frame{CANID: 0x2})
	}
	if len(fast.Out) != 10 {
		t.Fatalf("fast client got %d frames", len(fast.Out))
	}
	if d := metrics.Snap().HubDrops - before; d != 9 {
		t.Fatalf("drops = %d, want 9", d)
	}
}

func TestHub_KickPolicyClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow := NewClient(1)
	h.Add(slow)
	defer h.Remove(slow)
	h.Broadcast(can.Frame{CANID: 1})
	h.Broadcast(can.Frame{CANID: 2})
	select {
	case <-slow.Closed:
	default:
		t.Fatalf("slow client not kicked")
	}
	h.Remove(slow)
	h.Remove(slow)
	if h.Count() != 0 {
		t.Fatalf("count = %d", h.Count())
	}
}

func TestHub_LinkTracking(t *testing.T) {
	h := New()
	if h.Link() {
		t.Fatalf("link up before any notification")
	}
	h.LinkUp()
	h.LinkUp()
	if !h.Link() || !metrics.Snap().LinkUp {
		t.Fatalf("link not up")
	}
	h.LinkDown()
	h.LinkDown()
	if h.Link() || h.LinkDowns() != 1 {
		t.Fatalf("link=%v downs=%d", h.Link(), h.LinkDowns())
	}
	h.LEDEvent(flexcan.LEDRx)
	h.LEDEvent(flexcan.LEDEvent(42))
	if h.Activity(flexcan.LEDRx) != 1 || h.Activity(flexcan.LEDEvent(42)) != 0 {
		t.Fatalf("activity not tracked")
	}
}

// A hub fed by a running controller: frames reach clients, bus-off drops
// the link and a restart raises it again.
func TestHub_AsControllerConsumer(t *testing.T) {
	s := sim.New()
	t.Cleanup(func() { _ = s.Close() })
	dt, _ := flexcan.LookupDevType("imx6q")
	h := New()
	cl := NewClient(16)
	h.Add(cl)
	defer h.Remove(cl)

	d, err := flexcan.New(s, flexcan.Config{Name: "can0", DevType: dt, ClockHz: 30_000_000, BitTiming: flexcan.DefaultBitTiming},
		flexcan.WithConsumer(h), flexcan.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	want, _ := can.NewFrame(0x7ff, []byte{0xaa})
	s.Inject(want)
	if got := recv(t, cl); got != want {
		t.Fatalf("got %s want %s", got, want)
	}

	s.SetCounters(255, 0)
	s.SetFault(2, true, false) // bus-off
	if got := recv(t, cl); !got.IsError() || got.ErrorClass()&can.ErrBusOff == 0 {
		t.Fatalf("expected bus-off error frame, got %s", got)
	}
	waitFor(t, func() bool { return !h.Link() })

	if err := d.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := recv(t, cl); got.ErrorClass() != can.ErrRestarted {
		t.Fatalf("expected restart frame, got %s", got)
	}
	if !h.Link() {
		t.Fatalf("link not up after restart")
	}
	if h.Activity(flexcan.LEDRx) == 0 {
		t.Fatalf("no rx activity")
	}
}

func recv(t *testing.T, c *Client) can.Frame {
	t.Helper()
	select {
	case f := <-c.Out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame")
	}
	return can.Frame{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}
