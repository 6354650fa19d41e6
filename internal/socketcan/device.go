//go:build linux

package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-flexcan/internal/can"
)

// readTimeout bounds a blocking read so the bridge notices shutdown.
const readTimeout = 250 * time.Millisecond

// Device is a raw CAN socket bound to one interface.
type Device struct {
	fd int
}

// Open binds a raw classic-CAN socket to iface (e.g. "vcan0").
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	fail := func(err error) (*Device, error) {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && !errors.Is(err, unix.ENOPROTOOPT) {
		return fail(fmt.Errorf("disable CAN FD: %w", err))
	}
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fail(fmt.Errorf("set read timeout: %w", err))
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fail(fmt.Errorf("if %q: %w", iface, err))
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		return fail(fmt.Errorf("bind(can@%s): %w", iface, err))
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one struct can_frame. ErrTimeout means nothing arrived
// within the read timeout.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return ErrTimeout
		}
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("short read: %d", n)
	}
	return unpack(buf[:], fr)
}

// WriteFrame writes one struct can_frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	pack(buf[:], fr)
	_, err := unix.Write(d.fd, buf[:])
	return err
}

// struct can_frame: can_id u32 (host order), can_dlc u8, 3 pad, data[8].
// Host order is little-endian on every target this runs on.

func pack(buf []byte, fr can.Frame) {
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = min(fr.Len, can.MaxDLC)
	copy(buf[8:16], fr.Data[:buf[4]])
}

func unpack(buf []byte, fr *can.Frame) error {
	fr.CANID = binary.LittleEndian.Uint32(buf[0:4])
	if buf[4] > can.MaxDLC {
		return fmt.Errorf("%w: dlc %d", can.ErrInvalidLen, buf[4])
	}
	fr.Len = buf[4]
	fr.Data = [8]byte{}
	copy(fr.Data[:], buf[8:8+int(fr.Len)])
	return nil
}
