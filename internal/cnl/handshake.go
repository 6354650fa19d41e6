package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const hello = "CANNELLONIv1"

// ErrBadHello: the peer is not a cannelloni endpoint.
var ErrBadHello = errors.New("cannelloni: bad hello")

// Handshake sends the hello and checks the peer's. Both sides send first,
// so the write runs alongside the read. The exchange is bounded by timeout
// and aborted when ctx ends.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	werr := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, hello)
		werr <- err
	}()
	var buf [len(hello)]byte
	_, err := io.ReadFull(c, buf[:])
	if err == nil && string(buf[:]) != hello {
		err = fmt.Errorf("%w: %q", ErrBadHello, buf[:])
	}
	if err != nil {
		_ = c.SetDeadline(time.Unix(1, 0)) // release the writer
	}
	if e := <-werr; err == nil {
		err = e
	}
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}
