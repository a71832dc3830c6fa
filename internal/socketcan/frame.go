package socketcan

import (
	"encoding/binary"

	"github.com/kstaniek/gsusb-obd/internal/can"
)

// frameSize is sizeof(struct can_frame), the classic CAN MTU.
const frameSize = 16

// marshalFrame lays fr out as struct can_frame:
//
//	can_id u32 [0:4] | can_dlc u8 [4] | pad [5:8] | data [8:16]
//
// The kernel expects host byte order; every supported target is
// little-endian.
func marshalFrame(fr can.Frame) [frameSize]byte {
	var buf [frameSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	p := fr.Payload()
	buf[4] = uint8(len(p))
	copy(buf[8:], p)
	return buf
}
