package reg

import (
	"strconv"
	"strings"
)

// Named lists the control registers in address order.
var Named = []struct {
	Name string
	Off  uint32
}{
	{"MCR", MCR}, {"CTRL", CTRL}, {"TIMER", TIMER},
	{"RXGMASK", RXGMASK}, {"RX14MASK", RX14MASK}, {"RX15MASK", RX15MASK},
	{"ECR", ECR}, {"ESR", ESR},
	{"IMASK2", IMASK2}, {"IMASK1", IMASK1}, {"IFLAG2", IFLAG2}, {"IFLAG1", IFLAG1},
	{"CRL2", CRL2}, {"ESR2", ESR2}, {"CRCR", CRCR}, {"RXFGMASK", RXFGMASK}, {"RXFIR", RXFIR},
}

// Lookup resolves a register name (any case) or a numeric offset. Offsets
// must be word aligned and inside the window.
func Lookup(s string) (uint32, bool) {
	for _, r := range Named {
		if strings.EqualFold(r.Name, s) {
			return r.Off, true
		}
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil || v%4 != 0 || v >= uint64(WindowSize) {
		return 0, false
	}
	return uint32(v), true
}

// Name returns the register name for off, or "" for unnamed words.
func Name(off uint32) string {
	for _, r := range Named {
		if r.Off == off {
			return r.Name
		}
	}
	return ""
}
