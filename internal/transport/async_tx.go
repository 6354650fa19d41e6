package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-flexcan/internal/can"
)

var ErrAsyncTxClosed = errors.New("async tx closed")

// SendFunc transmits one frame. It may block; ctx ends when the queue closes.
type SendFunc func(ctx context.Context, fr can.Frame) error

// AsyncTx funnels frame writes through a single goroutine. Enqueue never
// blocks: with the buffer full, SendFrame returns the OnDrop hook's error.
// In the gateway it is the transmit queue in front of the controller's
// single mailbox, shared by every frame source.
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(frame)
//	a.Close()
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   SendFunc
	hooks  Hooks
	closed atomic.Bool
	sent   atomic.Uint64
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send fails; the frame is gone.
	OnError func(can.Frame, error)
	// OnAfter is called after each successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its error is returned from
	// SendFrame. Without it overflow is silent.
	OnDrop func() error
}

// NewAsyncTx starts the worker with a buffer of buf frames.
func NewAsyncTx(parent context.Context, buf int, send SendFunc, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(a.ctx, fr); err != nil {
				if a.hooks.OnError != nil && a.ctx.Err() == nil {
					a.hooks.OnError(fr, err)
				}
				continue
			}
			a.sent.Add(1)
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendFrame queues a frame or returns the drop error if the buffer is full.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Len is the number of queued frames.
func (a *AsyncTx) Len() int { return len(a.ch) }

// Sent counts successful sends.
func (a *AsyncTx) Sent() uint64 { return a.sent.Load() }

// Close stops the worker, abandoning queued frames, and waits for it.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
