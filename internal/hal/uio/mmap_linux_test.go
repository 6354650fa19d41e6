//go:build linux

package uio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func anonMapping(t *testing.T, size int) *mapping {
	t.Helper()
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Skipf("anonymous mmap: %v", err)
	}
	return &mapping{data: data}
}

func TestMappingWords(t *testing.T) {
	m := anonMapping(t, os.Getpagesize())
	if err := m.Store32(0x20, 0xdeadbeef); err != nil {
		t.Fatalf("store: %v", err)
	}
	v, err := m.Load32(0x20)
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("load = 0x%x, %v", v, err)
	}
	for _, off := range []int64{-4, 2, int64(m.Len())} {
		if _, err := m.Load32(off); err == nil {
			t.Fatalf("offset %d accepted", off)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.Load32(0); !errors.Is(err, errUnmapped) {
		t.Fatalf("load after close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	var nilMap *mapping
	if err := nilMap.Close(); !errors.Is(err, os.ErrInvalid) {
		t.Fatalf("nil close: %v", err)
	}
}

func TestMapSizeFromSysfs(t *testing.T) {
	root := t.TempDir()
	old := sysfsRoot
	sysfsRoot = root
	t.Cleanup(func() { sysfsRoot = old })

	dir := filepath.Join(root, "uio3", "maps", "map0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "size"), []byte("0x00004000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := mapSize("uio3", 0)
	if err != nil || n != 0x4000 {
		t.Fatalf("mapSize = %d, %v", n, err)
	}
	if _, err := mapSize("uio9", 0); err == nil {
		t.Fatalf("missing device accepted")
	}
}
