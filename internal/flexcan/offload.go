package flexcan

import (
	"fmt"
	"sync"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/flexcan/reg"
)

// rxQueue is a bounded FIFO ring shared by the interrupt and delivery
// contexts. Only splice operations run under its lock.
type rxQueue struct {
	mu    sync.Mutex
	buf   []*can.Frame
	head  int
	count int
}

func newRxQueue(capacity int) *rxQueue {
	return &rxQueue{buf: make([]*can.Frame, capacity)}
}

func (q *rxQueue) capacity() int { return len(q.buf) }

func (q *rxQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *rxQueue) full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count >= len(q.buf)
}

func (q *rxQueue) push(f *can.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count >= len(q.buf) {
		return false
	}
	q.buf[(q.head+q.count)%len(q.buf)] = f
	q.count++
	return true
}

// popN moves up to n frames into dst in arrival order.
func (q *rxQueue) popN(n int, dst []*can.Frame) []*can.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	for ; n > 0 && q.count > 0; n-- {
		dst = append(dst, q.buf[q.head])
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.count--
	}
	return dst
}

// discard empties the queue, handing every frame to free.
func (q *rxQueue) discard(free func(*can.Frame)) int {
	frames := q.popN(len(q.buf), nil)
	for _, f := range frames {
		free(f)
	}
	return len(frames)
}

func (d *Device) requestSchedule() {
	if d.armed.CompareAndSwap(false, true) {
		d.sched.Schedule()
	}
}

func (d *Device) readMailbox(n int) Mailbox {
	return Mailbox{
		Ctrl:  d.hw.ReadReg(reg.MB(n, reg.MBCtrl)),
		ID:    d.hw.ReadReg(reg.MB(n, reg.MBID)),
		Data0: d.hw.ReadReg(reg.MB(n, reg.MBData0)),
		Data1: d.hw.ReadReg(reg.MB(n, reg.MBData1)),
	}
}

// mailboxRead consumes the FIFO head. ok is false when the FIFO is empty.
// With drop set, or when allocation fails, the slot is released without
// decoding and f is nil.
func (d *Device) mailboxRead(drop bool) (f *can.Frame, ok bool, err error) {
	if d.hw.ReadReg(reg.IFLAG1)&reg.IFLAGRxAvailable == 0 {
		return nil, false, nil
	}
	if !drop {
		f, err = d.alloc.Alloc()
		if err != nil || f == nil {
			f = nil
			err = allocError(err)
		} else {
			*f = DecodeMailbox(d.readMailbox(0))
		}
	}
	// Release the slot; the FIFO stalls otherwise.
	d.hw.WriteReg(reg.IFLAG1, reg.IFLAGRxAvailable)
	d.hw.ReadReg(reg.TIMER)
	return f, true, err
}

// drain empties the hardware FIFO into the receive queue, dropping once
// the queue is full. Returns the number of frames kept.
func (d *Device) drain() int {
	kept := 0
	for {
		f, ok, err := d.mailboxRead(d.q.full())
		if !ok {
			break
		}
		if f == nil {
			d.stats.rxDropped.Add(1)
			if err != nil {
				d.log.Debug("flexcan_rx_drop", "error", err)
			}
			continue
		}
		if !d.q.push(f) {
			d.stats.rxDropped.Add(1)
			d.alloc.Free(f)
			continue
		}
		kept++
	}
	if kept > 0 {
		d.requestSchedule()
	}
	return kept
}

// enqueueError queues a locally generated error frame behind the data
// frames already drained.
func (d *Device) enqueueError(cf can.Frame) {
	f, err := d.alloc.Alloc()
	if err != nil || f == nil {
		d.stats.rxDropped.Add(1)
		d.log.Debug("flexcan_err_frame_drop", "error", allocError(err))
		return
	}
	*f = cf
	if !d.q.push(f) {
		d.stats.rxDropped.Add(1)
		d.alloc.Free(f)
		return
	}
	d.requestSchedule()
}

// pollsStatus reports whether the delivery pass must read ESR itself:
// with ERR_MSK clear the core raises no interrupt on warning -> passive,
// and broken cores lose state interrupts altogether.
func (d *Device) pollsStatus() bool {
	d.mu.Lock()
	masked := d.ctrlDefault&reg.CTRLERRMSK == 0
	d.mu.Unlock()
	return masked || d.cfg.DevType.Has(FeatureBrokenErrState)
}

// allocError wraps an allocator failure; allocators may also report
// exhaustion as a nil frame with no error.
func allocError(err error) error {
	if err == nil {
		return ErrAllocationFailed
	}
	return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
}

// Poll is one delivery pass: it hands up to quota queued frames to the
// consumer in arrival order. done reports that the queue ran dry before
// the quota; otherwise the pass has rescheduled itself. A quota of zero
// does nothing.
func (d *Device) Poll(quota int) (n int, done bool) {
	if quota <= 0 {
		return 0, false
	}
	d.hwMu.Lock()
	if d.State() == StateRunning && d.pollsStatus() {
		d.pollStatus(d.hw.ReadReg(reg.ESR))
	}
	d.hwMu.Unlock()

	batch := d.q.popN(quota, make([]*can.Frame, 0, min(quota, d.q.capacity())))
	for _, f := range batch {
		d.consumer.DeliverFrame(*f)
		d.stats.rxPackets.Add(1)
		d.stats.rxBytes.Add(uint64(f.Len))
		d.alloc.Free(f)
	}
	n = len(batch)

	if n < quota {
		d.armed.Store(false)
		// A drain may have queued frames after popN but before the flag
		// was cleared; its schedule request was swallowed.
		if d.q.len() > 0 {
			d.requestSchedule()
		}
		done = true
	} else {
		d.sched.Schedule()
	}
	d.led(LEDRx)
	return n, done
}
