//go:build linux

package uio

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var errUnmapped = errors.New("uio: mapping closed")

// mapping is a shared read/write mmap of a register block. Accesses are
// single aligned 32-bit loads and stores.
type mapping struct {
	data []byte
}

func mapFile(f *os.File, off int64, size int) (*mapping, error) {
	data, err := unix.Mmap(int(f.Fd()), off, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("uio: mmap %s at 0x%x: %w", f.Name(), off, err)
	}
	if len(data) != size {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("uio: invalid mmap'd length %d, want %d", len(data), size)
	}
	m := &mapping{data: data}
	runtime.SetFinalizer(m, (*mapping).Close)
	return m, nil
}

func (m *mapping) Close() error {
	if m == nil {
		return os.ErrInvalid
	}
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	runtime.SetFinalizer(m, nil)
	return unix.Munmap(data)
}

func (m *mapping) Len() int { return len(m.data) }

func (m *mapping) word(off int64) (*uint32, error) {
	if m.data == nil {
		return nil, errUnmapped
	}
	if off < 0 || off%4 != 0 || off+4 > int64(len(m.data)) {
		return nil, fmt.Errorf("uio: invalid register offset 0x%x", off)
	}
	return (*uint32)(unsafe.Pointer(&m.data[off])), nil
}

func (m *mapping) Load32(off int64) (uint32, error) {
	p, err := m.word(off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

func (m *mapping) Store32(off int64, v uint32) error {
	p, err := m.word(off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	return nil
}
