//go:build linux

package uio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-flexcan/internal/hal"
)

// sysfsRoot is replaced in tests.
var sysfsRoot = "/sys/class/uio"

// irqPollMS bounds how long Wait sleeps in poll(2) before rechecking ctx.
const irqPollMS = 100

// OpenUIO opens a UIO device by name ("uio0" or "/dev/uio0"), maps its
// first memory region and arms its interrupt line.
func OpenUIO(name string, opts ...Option) (*Device, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	base := filepath.Base(name)
	path := name
	if !strings.HasPrefix(path, "/") {
		path = "/dev/" + base
	}
	size := o.size
	if size == 0 {
		n, err := mapSize(base, 0)
		if err != nil {
			return nil, err
		}
		size = n
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: open %s: %w", path, err)
	}
	// UIO selects map N with offset N * page size.
	m, err := mapFile(f, 0, size)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	line := &irqLine{f: f}
	if err := line.Ack(); err != nil {
		_ = m.Close()
		_ = f.Close()
		return nil, err
	}
	return &Device{Window: NewWindow(m, o.swap), mapping: m, file: line, irq: line}, nil
}

// OpenDevMem maps size bytes of physical memory at base. There is no
// interrupt line; the controller core polls.
func OpenDevMem(base int64, opts ...Option) (*Device, error) {
	o := options{size: os.Getpagesize()}
	for _, fn := range opts {
		fn(&o)
	}
	page := int64(os.Getpagesize())
	if base%page != 0 {
		return nil, fmt.Errorf("uio: devmem base 0x%x not page aligned", base)
	}
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: open /dev/mem: %w", err)
	}
	m, err := mapFile(f, base, o.size)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Device{Window: NewWindow(m, o.swap), mapping: m, file: f}, nil
}

func mapSize(dev string, idx int) (int, error) {
	p := filepath.Join(sysfsRoot, dev, "maps", fmt.Sprintf("map%d", idx), "size")
	b, err := os.ReadFile(p)
	if err != nil {
		return 0, fmt.Errorf("uio: map size: %w", err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("uio: bad map size %q in %s", strings.TrimSpace(string(b)), p)
	}
	return int(n), nil
}

// irqLine is the UIO interrupt: a 4-byte read returns the event count once
// the line fires, a write of 1 re-enables it.
type irqLine struct {
	f      *os.File
	closed atomic.Bool
}

func (l *irqLine) Wait(ctx context.Context) error {
	fd := int(l.f.Fd())
	for {
		if l.closed.Load() {
			return hal.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, irqPollMS)
		if errors.Is(err, unix.EINTR) || n == 0 {
			continue
		}
		if err != nil {
			return fmt.Errorf("uio: poll: %w", err)
		}
		var buf [4]byte
		if _, err := unix.Read(fd, buf[:]); err != nil {
			if l.closed.Load() {
				return hal.ErrClosed
			}
			return fmt.Errorf("uio: irq read: %w", err)
		}
		return nil
	}
}

func (l *irqLine) Ack() error {
	if l.closed.Load() {
		return hal.ErrClosed
	}
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(int(l.f.Fd()), buf[:]); err != nil {
		return fmt.Errorf("uio: irq enable: %w", err)
	}
	return nil
}

func (l *irqLine) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.f.Close()
}
