//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-flexcan/internal/can"
)

var errUnsupported = errors.New("socketcan: unsupported on this platform")

type Device struct{}

func Open(string) (*Device, error) { return nil, errUnsupported }

func (*Device) Close() error               { return errUnsupported }
func (*Device) ReadFrame(*can.Frame) error { return errUnsupported }
func (*Device) WriteFrame(can.Frame) error { return errUnsupported }
