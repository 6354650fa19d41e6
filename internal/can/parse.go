package can

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ParseFrame parses cansend notation: "123#DEADBEEF" (standard id, three
// hex digits), "1F334455#11.22" (extended, eight digits), "123#R" or
// "123#R4" (remote request). Dots and spaces in the data are ignored, so
// the output of Frame.String parses back.
func ParseFrame(s string) (Frame, error) {
	var f Frame
	idStr, data, ok := strings.Cut(strings.TrimSpace(s), "#")
	if !ok {
		return f, fmt.Errorf("%w: missing '#' in %q", ErrInvalidID, s)
	}
	id, err := strconv.ParseUint(idStr, 16, 32)
	if err != nil {
		return f, fmt.Errorf("%w: %q", ErrInvalidID, idStr)
	}
	switch len(idStr) {
	case 3:
		if id > CAN_SFF_MASK {
			return f, fmt.Errorf("%w: 0x%X", ErrInvalidID, id)
		}
		f.CANID = uint32(id)
	case 8:
		if id > CAN_EFF_MASK {
			return f, fmt.Errorf("%w: 0x%X", ErrInvalidID, id)
		}
		f.CANID = uint32(id) | CAN_EFF_FLAG
	default:
		return f, fmt.Errorf("%w: id %q must have 3 or 8 digits", ErrInvalidID, idStr)
	}

	if rest, ok := strings.CutPrefix(strings.ToUpper(data), "R"); ok {
		f.CANID |= CAN_RTR_FLAG
		if rest != "" {
			n, err := strconv.ParseUint(rest, 10, 8)
			if err != nil || n > MaxDLC {
				return f, fmt.Errorf("%w: %q", ErrInvalidLen, rest)
			}
			f.Len = uint8(n)
		}
		return f, nil
	}
	raw := strings.NewReplacer(".", "", " ", "").Replace(data)
	b, err := hex.DecodeString(raw)
	if err != nil {
		return f, fmt.Errorf("can: bad data %q: %w", data, err)
	}
	if len(b) > MaxDLC {
		return f, fmt.Errorf("%w: %d", ErrInvalidLen, len(b))
	}
	f.Len = uint8(len(b))
	copy(f.Data[:], b)
	return f, nil
}
