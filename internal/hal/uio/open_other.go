//go:build !linux

package uio

func OpenUIO(name string, opts ...Option) (*Device, error) { return nil, ErrUnsupported }

func OpenDevMem(base int64, opts ...Option) (*Device, error) { return nil, ErrUnsupported }
