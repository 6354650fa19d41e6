package flexcan

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/hal/sim"
	"github.com/kstaniek/go-flexcan/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	frames []can.Frame
	leds   []LEDEvent
	down   int
	up     int
	got    chan can.Frame
	onRecv func(can.Frame)
}

func newRecorder() *recorder { return &recorder{got: make(chan can.Frame, 256)} }

func (r *recorder) DeliverFrame(f can.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	hook := r.onRecv
	r.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	select {
	case r.got <- f:
	default:
	}
}

func (r *recorder) LinkDown() { r.mu.Lock(); r.down++; r.mu.Unlock() }
func (r *recorder) LinkUp()   { r.mu.Lock(); r.up++; r.mu.Unlock() }

func (r *recorder) LEDEvent(e LEDEvent) { r.mu.Lock(); r.leds = append(r.leds, e); r.mu.Unlock() }

func (r *recorder) snapshot() []can.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]can.Frame(nil), r.frames...)
}

func (r *recorder) links() (down, up int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.down, r.up
}

func (r *recorder) sawLED(e LEDEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.leds {
		if l == e {
			return true
		}
	}
	return false
}

// wait returns the next delivered frame or fails the test.
func (r *recorder) wait(t *testing.T) can.Frame {
	t.Helper()
	select {
	case f := <-r.got:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for frame")
		return can.Frame{}
	}
}

type countingScheduler struct{ n atomic.Int64 }

func (c *countingScheduler) Schedule() { c.n.Add(1) }
func (c *countingScheduler) count() int { return int(c.n.Load()) }

func testConfig(devtype string) Config {
	dt, err := LookupDevType(devtype)
	if err != nil {
		panic(err)
	}
	return Config{Name: "can0", DevType: dt, BitTiming: DefaultBitTiming, ClockHz: 30_000_000}
}

type fixture struct {
	d     *Device
	sim   *sim.Controller
	rec   *recorder
	sched *countingScheduler
}

// newFixture builds a device over the emulated controller with a manual
// scheduler: tests drive Poll themselves.
func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	s := sim.New()
	rec := newRecorder()
	sched := &countingScheduler{}
	base := []Option{WithConsumer(rec), WithScheduler(sched), WithLogger(logging.Discard())}
	d, err := New(s, cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{d: d, sim: s, rec: rec, sched: sched}
}

// start runs chipStart without the interrupt and runner goroutines.
func (fx *fixture) start(t *testing.T) {
	t.Helper()
	fx.d.hwMu.Lock()
	err := fx.d.chipStart()
	fx.d.hwMu.Unlock()
	if err != nil {
		t.Fatalf("chipStart: %v", err)
	}
	fx.d.mu.Lock()
	fx.d.txOff = false
	fx.d.mu.Unlock()
}

func (fx *fixture) drain() int {
	fx.d.hwMu.Lock()
	defer fx.d.hwMu.Unlock()
	return fx.d.drain()
}

func stdFrame(id uint32, data ...byte) can.Frame {
	f, err := can.NewFrame(id, data)
	if err != nil {
		panic(err)
	}
	return f
}
