package gsusb

import (
	"fmt"

	"github.com/kstaniek/gsusb-obd/internal/can"
	"github.com/kstaniek/gsusb-obd/internal/metrics"
)

// HostFrameSize is the size of a classic CAN host frame with hardware
// timestamp, the only layout this package exchanges.
const HostFrameSize = 24

// HostFrame is the bulk endpoint frame layout.
//
//	echo_id u32 | can_id u32 | dlc u8 | channel u8 | flags u8 | reserved u8 | data [8] | timestamp_us u32
type HostFrame struct {
	EchoID      uint32
	CANID       uint32
	DLC         uint8
	Channel     uint8
	Flags       uint8
	Reserved    uint8
	Data        [can.MaxLen]byte
	TimestampUS uint32
}

// NewHostFrame wraps f for transmission with the given echo tag.
func NewHostFrame(f can.Frame, echoID uint32) HostFrame {
	return HostFrame{EchoID: echoID, CANID: f.CANID, DLC: f.Len, Data: f.Data}
}

// IsEcho reports whether the adapter looped back a frame the host sent.
func (h HostFrame) IsEcho() bool { return h.EchoID != EchoIDRX }

// Frame converts to the host-side frame. Bytes past DLC are zeroed.
func (h HostFrame) Frame() can.Frame {
	f := can.Frame{CANID: h.CANID, Len: h.DLC, Timestamp: h.TimestampUS}
	n := int(h.DLC)
	if n > can.MaxLen {
		n = can.MaxLen
	}
	copy(f.Data[:n], h.Data[:n])
	return f
}

func (h HostFrame) MarshalBinary() ([]byte, error) {
	if h.DLC > can.MaxLen {
		return nil, fmt.Errorf("%w: dlc %d", ErrInvalidArgument, h.DLC)
	}
	return encodeRecord(&h, HostFrameSize)
}

// UnmarshalBinary decodes exactly HostFrameSize bytes; any other length or a
// DLC above 8 is ErrMalformedFrame and leaves h untouched.
func (h *HostFrame) UnmarshalBinary(b []byte) error {
	if len(b) != HostFrameSize {
		metrics.IncMalformed()
		return fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedFrame, len(b), HostFrameSize)
	}
	var tmp HostFrame
	tmp.EchoID = wireOrder.Uint32(b[0:4])
	tmp.CANID = wireOrder.Uint32(b[4:8])
	tmp.DLC = b[8]
	tmp.Channel = b[9]
	tmp.Flags = b[10]
	tmp.Reserved = b[11]
	copy(tmp.Data[:], b[12:20])
	tmp.TimestampUS = wireOrder.Uint32(b[20:24])
	if tmp.DLC > can.MaxLen {
		metrics.IncMalformed()
		return fmt.Errorf("%w: dlc %d", ErrMalformedFrame, tmp.DLC)
	}
	*h = tmp
	return nil
}
